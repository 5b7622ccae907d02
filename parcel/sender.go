// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parcel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/retry"
	"github.com/hkaiser/hpx/archive"
	"github.com/hkaiser/hpx/fabric"
	"github.com/hkaiser/hpx/stats"
	"github.com/hkaiser/hpx/thread"
)

// bootstrapPolicy paces unknown-endpoint retries while the
// destination may still be resolving our address.
var bootstrapPolicy = retry.MaxTries(retry.Backoff(time.Second, time.Second, 1), 30)

// SenderState tracks a sender through one message's lifecycle.
type SenderState int32

const (
	// SenderIdle senders own only their header region and may be
	// bound to a new buffer.
	SenderIdle SenderState = iota
	// SenderPrepared senders have registered their chunks and built
	// their header, but not yet posted.
	SenderPrepared
	// SenderPosted senders await their first completion event.
	SenderPosted
	// SenderWaitingAck senders have seen the send completion and
	// await the receiver's fetch acknowledgement.
	SenderWaitingAck
)

var senderStates = [...]string{
	SenderIdle:       "IDLE",
	SenderPrepared:   "PREPARED",
	SenderPosted:     "POSTED",
	SenderWaitingAck: "WAITING_ACK",
}

// String returns the state as an upper-case string.
func (s SenderState) String() string {
	return senderStates[s]
}

// A Sender drives one outgoing message over the fabric. A sender owns
// its pinned header region for its whole lifetime; the message
// region, optional chunk-descriptor region, and zero-copy regions are
// owned only between post and final completion. Completion handlers
// for a single sender are serialized; distinct senders complete
// independently.
type Sender struct {
	ep    fabric.Endpoint
	pool  *Pool
	stats *stats.Map

	headerRegion  *Region
	messageRegion *Region
	chunkRegion   *Region
	rmaRegions    []*Region

	buf       *Buffer
	piggyback bool
	iov       [2][]byte
	desc      [2]uint64

	state           int32
	completionCount int32
	ctx             context.Context
}

// NewSender returns an idle sender posting through ep and leasing
// from pool. Counters and latencies are recorded into st.
func NewSender(ep fabric.Endpoint, pool *Pool, st *stats.Map) *Sender {
	if st == nil {
		st = stats.NewMap()
	}
	return &Sender{
		ep:           ep,
		pool:         pool,
		stats:        st,
		headerRegion: pool.Allocate(MaxHeaderSize),
	}
}

// State returns the sender's current state.
func (s *Sender) State() SenderState {
	return SenderState(atomic.LoadInt32(&s.state))
}

// Release frees the sender's header region. The sender must be idle
// and must not be used afterwards.
func (s *Sender) Release() {
	must.True(s.State() == SenderIdle, "parcel: release of busy sender")
	if s.headerRegion != nil {
		s.pool.Free(s.headerRegion)
		s.headerRegion = nil
	}
}

// Write binds the buffer to the sender and posts it. The write is
// asynchronous: buf.Handler reports the eventual outcome. Write
// returns an error only when the post itself fails fatally, in which
// case all regions have been released and the handler has already
// observed the error.
func (s *Sender) Write(ctx context.Context, buf *Buffer) error {
	must.True(atomic.CompareAndSwapInt32(&s.state, int32(SenderIdle), int32(SenderPrepared)),
		"parcel: write on busy sender")
	must.True(s.messageRegion == nil, "parcel: sender owns a stale message region")
	buf.start = time.Now()
	s.buf = buf
	s.ctx = ctx
	s.stats.Int("sends.posted").Add(1)

	// Register a memory region for every pointer chunk before the
	// header is built: the resulting remote keys are copied into the
	// chunk descriptors.
	var rmaChunks int
	for i := range buf.Chunks {
		c := &buf.Chunks[i]
		switch c.Kind {
		case archive.ChunkPointer:
			r := s.pool.Register(c.Data)
			s.rmaRegions = append(s.rmaRegions, r)
			c.Key = r.RemoteKey()
		case archive.ChunkRMA:
			rmaChunks++
		}
	}

	s.messageRegion = buf.Body
	h := Header{
		MessageSize: uint32(s.messageRegion.Len()),
		Chunks:      buf.Chunks,
	}
	if buf.Bootstrap {
		h.Flags |= FlagBootstrap
	}

	// The chunk table piggybacks when it leaves room in the header
	// region for the rest of the header; otherwise it is copied into
	// a pinned descriptor block the receiver fetches by key.
	tableLen := chunkDescLen * len(buf.Chunks)
	if headerFixedLen+tableLen+rmaLen <= MaxHeaderSize {
		h.Flags |= FlagPiggybackChunks
	} else {
		s.chunkRegion = s.pool.Allocate(tableLen)
		encodeChunkDescs(s.chunkRegion.Block(), buf.Chunks)
		h.ChunkRMA = RMA{
			Key:  s.chunkRegion.RemoteKey(),
			Size: uint32(tableLen),
		}
	}

	// The body piggybacks when header and body together fit the
	// header region budget; at exactly the budget it still fits.
	h.Flags |= FlagPiggybackMessage
	if h.EncodedLen()+s.messageRegion.Len() > MaxHeaderSize {
		h.Flags &^= FlagPiggybackMessage
		h.MessageRMA = RMA{
			Key:  s.messageRegion.RemoteKey(),
			Size: uint32(s.messageRegion.Len()),
		}
		log.Debug.Printf("parcel: message of %s exceeds piggyback budget; receiver will fetch",
			data.Size(int64(s.messageRegion.Len())))
	}
	s.piggyback = h.PiggybackMessage()

	// One completion for the send itself, and a second for the
	// receiver's acknowledgement whenever it must fetch anything: a
	// non-piggybacked body or chunk table, or any zero-copy chunk.
	count := int32(1)
	if len(s.rmaRegions) > 0 || rmaChunks > 0 || !h.PiggybackMessage() || s.chunkRegion != nil {
		count = 2
	}
	atomic.StoreInt32(&s.completionCount, count)

	// The header is built in place in the pinned header region.
	n, err := h.Encode(s.headerRegion.Block())
	if err != nil {
		return s.fatal(err)
	}
	s.headerRegion.SetLength(n)

	s.iov[0] = s.headerRegion.Bytes()
	s.iov[1] = s.messageRegion.Bytes()
	s.desc[0] = s.headerRegion.LocalKey()
	s.desc[1] = s.messageRegion.LocalKey()

	atomic.StoreInt32(&s.state, int32(SenderPosted))
	return s.post()
}

// post drives the fabric until the message is accepted. Soft "try
// again" conditions yield cooperatively and repost; unknown endpoints
// are retried with bounded backoff during bootstrap and are fatal
// otherwise.
func (s *Sender) post() error {
	var tries int
	for k := 0; ; k++ {
		var err error
		if s.piggyback {
			must.True(len(s.iov[0])+len(s.iov[1]) <= MaxHeaderSize,
				"parcel: piggybacked message exceeds header region")
			err = s.ep.Sendv(s.iov, s.desc, s.buf.Dest, s)
		} else {
			err = s.ep.Send(s.iov[0], s.desc[0], s.buf.Dest, s)
		}
		switch {
		case err == nil:
			return nil
		case err == fabric.ErrRetry:
			s.stats.Int("sends.again").Add(1)
			thread.Yield(k)
		case err == fabric.ErrNoEndpoint:
			if s.buf == nil || !s.buf.Bootstrap {
				return s.fatal(errors.E(errors.Unavailable, err))
			}
			log.Printf("parcel: no destination endpoint for %d (bootstrap), retrying", s.buf.Dest)
			if werr := retry.Wait(s.ctx, bootstrapPolicy, tries); werr != nil {
				return s.fatal(errors.E(errors.Unavailable, err))
			}
			tries++
		default:
			return s.fatal(errors.E(errors.Fatal, err))
		}
	}
}

// HandleSendCompletion accounts the completion of the posted send.
func (s *Sender) HandleSendCompletion() {
	s.cleanup()
}

// HandleMessageCompletionAck accounts the receiver's acknowledgement
// that it has fetched the body and/or chunks.
func (s *Sender) HandleMessageCompletionAck() {
	s.stats.Int("acks.received").Add(1)
	s.cleanup()
}

// HandleError reposts the message after a completion error. The
// regions are still pinned and unchanged, so the same payload is
// posted again.
func (s *Sender) HandleError(e fabric.ErrEntry) {
	s.stats.Int("sends.errored").Add(1)
	log.Error.Printf("parcel: completion error for send to %d: %v; reposting", s.buf.Dest, e.Err)
	if err := s.post(); err != nil {
		log.Error.Printf("parcel: repost failed: %v", err)
	}
}

// cleanup accounts one completion event. When the last expected event
// arrives, the user handler runs, all leased regions are released,
// the latency is recorded, and the post-process callback recycles the
// sender.
func (s *Sender) cleanup() {
	if n := atomic.AddInt32(&s.completionCount, -1); n > 0 {
		atomic.StoreInt32(&s.state, int32(SenderWaitingAck))
		return
	}
	s.finish(nil)
}

// fatal releases the sender's leases and reports err through the
// user handler. It returns err for the posting caller.
func (s *Sender) fatal(err error) error {
	s.stats.Int("sends.fatal").Add(1)
	s.finish(err)
	return err
}

func (s *Sender) finish(err error) {
	buf := s.buf
	s.buf = nil
	s.ctx = nil
	if s.messageRegion != nil {
		s.pool.Free(s.messageRegion)
		s.messageRegion = nil
	}
	if s.chunkRegion != nil {
		s.pool.Free(s.chunkRegion)
		s.chunkRegion = nil
	}
	for _, r := range s.rmaRegions {
		s.pool.Free(r)
	}
	s.rmaRegions = nil
	s.iov[0], s.iov[1] = nil, nil
	atomic.StoreInt32(&s.state, int32(SenderIdle))
	if buf == nil {
		return
	}
	s.stats.Latency("send").Record(time.Since(buf.start))
	if buf.Handler != nil {
		buf.Handler(err)
	}
	if buf.PostProcess != nil {
		buf.PostProcess(s)
	}
}
