// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hpx

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/hkaiser/hpx/agas"
	"github.com/hkaiser/hpx/archive"
	"github.com/hkaiser/hpx/fabric"
	"github.com/hkaiser/hpx/parcel"
	"github.com/hkaiser/hpx/stats"
)

// A HandlerFunc executes one incoming parcel's action. Handlers run
// on their own tasks; returned errors are logged at the receiving
// locality.
type HandlerFunc func(src uint32, payload []byte) error

// Options configures a Runtime. All services are passed in
// explicitly; the runtime introduces no process-wide globals.
type Options struct {
	// Resolver is this locality's view of the naming service.
	Resolver agas.Resolver
	// Keys is the fabric domain's key registry. Localities simulated
	// within one process share one registry.
	Keys *parcel.KeyRegistry
	// Endpoint posts this locality's outgoing messages.
	Endpoint fabric.Endpoint
	// Status, if non-nil, receives runtime status groups.
	Status *status.Status
}

// A Runtime binds one locality's services: naming, pinned-memory and
// sender pools, the fabric endpoint, the action dispatch table, and
// the table of local LCOs. Construct with New and release with
// Shutdown.
type Runtime struct {
	resolver agas.Resolver
	keys     *parcel.KeyRegistry
	pool     *parcel.Pool
	senders  *parcel.SenderPool
	ep       fabric.Endpoint
	stats    *stats.Map
	status   *status.Status
	group    *status.Group

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	lcos     map[uint64]Trigger
	nextLCO  uint64
}

// New returns a runtime over the provided services.
func New(opts Options) *Runtime {
	rt := &Runtime{
		resolver: opts.Resolver,
		keys:     opts.Keys,
		ep:       opts.Endpoint,
		stats:    stats.NewMap(),
		status:   opts.Status,
		handlers: make(map[string]HandlerFunc),
		lcos:     make(map[uint64]Trigger),
	}
	if rt.keys == nil {
		rt.keys = parcel.NewKeyRegistry()
	}
	rt.pool = parcel.NewPool(rt.keys)
	rt.senders = parcel.NewSenderPool(rt.ep, rt.pool, rt.stats)
	if rt.status != nil {
		rt.group = rt.status.Group("parcels")
	}
	rt.RegisterHandler(actionSetLCO, rt.handleSetLCO)
	return rt
}

// Resolver returns the runtime's naming-service view.
func (rt *Runtime) Resolver() agas.Resolver { return rt.resolver }

// LocalityID returns this locality's id.
func (rt *Runtime) LocalityID() uint32 { return rt.resolver.LocalityID() }

// Stats returns the runtime's counters.
func (rt *Runtime) Stats() *stats.Map { return rt.stats }

// Pool returns the runtime's pinned-region pool.
func (rt *Runtime) Pool() *parcel.Pool { return rt.pool }

// RegisterHandler installs the handler executing the named action.
// Re-registering a name replaces the handler.
func (rt *Runtime) RegisterHandler(name string, h HandlerFunc) {
	rt.mu.Lock()
	rt.handlers[name] = h
	rt.mu.Unlock()
}

func (rt *Runtime) handler(name string) HandlerFunc {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.handlers[name]
}

// Post sends an action invocation to the destination locality. The
// local destination short-circuits the fabric. The optional handler h
// observes the send's completion: nil on success, the transport or
// dispatch error otherwise. Post returns an error only when the send
// fails before being accepted by the fabric.
func (rt *Runtime) Post(ctx context.Context, dst uint32, action string, payload []byte, h func(error)) error {
	if dst == rt.LocalityID() {
		go func() {
			err := rt.dispatch(dst, action, payload)
			if h != nil {
				h(err)
			}
		}()
		return nil
	}
	w := archive.NewWriter()
	w.PutString(action)
	w.PutUint32(rt.LocalityID())
	w.PutBytes(payload)
	env := w.Bytes()
	body := rt.pool.Allocate(len(env))
	copy(body.Block(), env)
	return rt.senders.Send(ctx, &parcel.Buffer{
		Dest:    fabric.Addr(dst),
		Body:    body,
		Chunks:  w.Chunks(),
		Handler: h,
	})
}

// Receive is the runtime's receive path; it is wired to the fabric
// provider's delivery callback. Non-piggybacked bodies and chunk
// tables are fetched through the key registry and acknowledged, then
// the action dispatches on its own task.
func (rt *Runtime) Receive(src fabric.Addr, header, body []byte, ack func()) {
	h, _, err := parcel.ParseHeader(header)
	if err != nil {
		log.Error.Printf("hpx: malformed parcel header from %d: %v", src, err)
		return
	}
	fetched := false
	if !h.PiggybackMessage() {
		b, ok := rt.keys.Lookup(h.MessageRMA.Key)
		if !ok {
			log.Error.Printf("hpx: unknown message region key %d from %d", h.MessageRMA.Key, src)
			return
		}
		// The sender may recycle the region as soon as we
		// acknowledge; the fetch must copy.
		body = append([]byte{}, b[:h.MessageSize]...)
		fetched = true
	}
	table := h.Chunks
	if !h.PiggybackChunks() {
		b, ok := rt.keys.Lookup(h.ChunkRMA.Key)
		if !ok {
			log.Error.Printf("hpx: unknown chunk table key %d from %d", h.ChunkRMA.Key, src)
			return
		}
		if table, err = parcel.DecodeChunkTable(b[:h.ChunkRMA.Size], h.NumChunks); err != nil {
			log.Error.Printf("hpx: bad chunk table from %d: %v", src, err)
			return
		}
		fetched = true
	}
	// Resolve out-of-line chunks so that the archive reader sees
	// their bytes inline.
	chunks := make([]archive.Chunk, len(table))
	for i, c := range table {
		chunks[i] = c
		if c.Kind == archive.ChunkInline {
			continue
		}
		b, ok := rt.keys.Lookup(c.Key)
		if !ok {
			log.Error.Printf("hpx: unknown chunk key %d from %d", c.Key, src)
			return
		}
		chunks[i].Data = append([]byte{}, b[:c.Size]...)
		fetched = true
	}
	if fetched {
		ack()
	}
	r, err := archive.NewReader(body, chunks)
	if err != nil {
		log.Error.Printf("hpx: bad parcel body from %d: %v", src, err)
		return
	}
	action, err := r.String()
	if err != nil {
		log.Error.Printf("hpx: bad parcel envelope from %d: %v", src, err)
		return
	}
	origin, err := r.Uint32()
	if err != nil {
		log.Error.Printf("hpx: bad parcel envelope from %d: %v", src, err)
		return
	}
	payload, err := r.Bytes()
	if err != nil {
		log.Error.Printf("hpx: bad parcel envelope from %d: %v", src, err)
		return
	}
	go func() {
		if err := rt.dispatch(origin, action, payload); err != nil {
			log.Error.Printf("hpx: action %s from %d: %v", action, origin, err)
		}
	}()
}

func (rt *Runtime) dispatch(src uint32, action string, payload []byte) error {
	h := rt.handler(action)
	if h == nil {
		return errors.E(errors.NotExist, "no handler for action "+action)
	}
	return h(src, payload)
}

// Shutdown drains the runtime's sender pool and verifies that no
// pinned regions remain leased.
func (rt *Runtime) Shutdown() error {
	if err := rt.senders.Close(); err != nil {
		return err
	}
	if n := rt.pool.Leased(); n != 0 {
		return errors.E(errors.Invalid, "runtime shutdown with pinned regions leased")
	}
	if rt.group != nil {
		rt.group.Printf("shutdown: %s", rt.stats.Snapshot())
	}
	return nil
}
