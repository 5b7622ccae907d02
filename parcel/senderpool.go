// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parcel

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/hkaiser/hpx/fabric"
	"github.com/hkaiser/hpx/stats"
)

// maxInFlight bounds the number of senders Send may have posted
// concurrently; further sends wait their turn.
const maxInFlight = 128

// A SenderPool recycles senders. Senders are created on demand; a
// completed sender is returned to the pool by its buffer's
// post-process callback. Send admission is bounded so that a burst of
// outgoing parcels cannot lease an unbounded number of pinned
// regions.
type SenderPool struct {
	ep    fabric.Endpoint
	pool  *Pool
	stats *stats.Map
	lim   *limiter.Limiter

	mu     sync.Mutex
	free   []*Sender
	leased int
}

// NewSenderPool returns an empty sender pool posting through ep and
// leasing regions from pool.
func NewSenderPool(ep fabric.Endpoint, pool *Pool, st *stats.Map) *SenderPool {
	if st == nil {
		st = stats.NewMap()
	}
	sp := &SenderPool{ep: ep, pool: pool, stats: st, lim: limiter.New()}
	sp.lim.Release(maxInFlight)
	return sp
}

// Get leases an idle sender.
func (sp *SenderPool) Get() *Sender {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.leased++
	if n := len(sp.free); n > 0 {
		s := sp.free[n-1]
		sp.free = sp.free[:n-1]
		return s
	}
	sp.stats.Int("senders.created").Add(1)
	return NewSender(sp.ep, sp.pool, sp.stats)
}

// Put returns an idle sender to the pool.
func (sp *SenderPool) Put(s *Sender) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.leased--
	sp.free = append(sp.free, s)
}

// Send leases a sender and writes the buffer through it, waiting for
// an in-flight slot if the pool is saturated. Unless the buffer
// overrides it, the post-process callback returns the sender to the
// pool after completion.
func (sp *SenderPool) Send(ctx context.Context, buf *Buffer) error {
	if err := sp.lim.Acquire(ctx, 1); err != nil {
		sp.pool.Free(buf.Body)
		if buf.Handler != nil {
			buf.Handler(err)
		}
		return err
	}
	if buf.PostProcess == nil {
		buf.PostProcess = func(s *Sender) {
			sp.lim.Release(1)
			sp.Put(s)
		}
	} else {
		pp := buf.PostProcess
		buf.PostProcess = func(s *Sender) {
			sp.lim.Release(1)
			pp(s)
		}
	}
	return sp.Get().Write(ctx, buf)
}

// Close releases every pooled sender's header region. It fails if any
// sender is still leased out.
func (sp *SenderPool) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.leased != 0 {
		return errors.E(errors.Invalid, "sender pool closed with senders in flight")
	}
	for _, s := range sp.free {
		s.Release()
	}
	sp.free = nil
	return nil
}
