// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package channel provides a generation-indexed, closeable rendezvous
// between producers and consumers, layered on futures. Each send and
// each receive is numbered; matching numbers rendezvous regardless of
// arrival order, and the sentinel generation AnyGen assigns the next
// number in the respective direction.
package channel

import (
	"context"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/hkaiser/hpx/ctxsync"
	"github.com/hkaiser/hpx/future"
)

// AnyGen requests the next generation in the operation's direction.
const AnyGen = ^uint64(0)

// ErrDeadlock is returned by GetSync when the channel is empty and no
// other handle exists that could ever produce a value.
var ErrDeadlock = errors.New("channel is empty and not accessible by any other task")

// A Channel is a generation-indexed FIFO of values with close
// semantics. The zero value is not usable; construct with New.
// Channels serialize access internally; callers never need external
// locking.
type Channel[T any] struct {
	mu     ctxsync.Mutex
	buf    receiveBuffer[T]
	getGen uint64
	setGen uint64
	closed bool

	// refs counts live handles to the channel: the channel itself plus
	// any outstanding send/receive views. GetSync uses it to detect
	// requests that no other party can ever satisfy.
	refs int64
}

// New returns a new, open channel.
func New[T any]() *Channel[T] {
	return &Channel[T]{buf: newReceiveBuffer[T](), refs: 1}
}

// Set associates v with generation gen, resolving the matching
// receive. If gen is AnyGen, the next send generation is used. Set
// fails with an error of kind errors.Invalid if the channel is closed.
func (c *Channel[T]) Set(v T, gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.E(errors.Invalid, "set on closed channel")
	}
	c.setGen++
	if gen == AnyGen {
		gen = c.setGen
	}
	return c.buf.store(gen, v)
}

// Get returns the future for generation gen (AnyGen: the next receive
// generation). If the channel is closed and the requested value is not
// present, the returned future resolves to an error of kind
// errors.Invalid.
func (c *Channel[T]) Get(gen uint64) *future.Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(gen)
}

func (c *Channel[T]) get(gen uint64) *future.Future[T] {
	if c.buf.empty() && c.closed {
		return future.Faulted[T](errors.E(errors.Invalid, "channel is empty and was closed"))
	}
	c.getGen++
	if gen == AnyGen {
		gen = c.getGen
	}
	if c.closed {
		// The requested value must already be present: no producer can
		// arrive after close.
		f, ok := c.buf.tryReceive(gen)
		if !ok {
			return future.Faulted[T](errors.E(errors.Invalid,
				"channel is closed and the requested value has not been received"))
		}
		return f
	}
	return c.buf.receive(gen)
}

// TryGet is the non-suspending variant of Get: it reports false if the
// channel is closed and holds no value for the generation; otherwise
// it returns the generation's future, which may still be pending on an
// open channel.
func (c *Channel[T]) TryGet(gen uint64) (*future.Future[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.empty() && c.closed {
		return nil, false
	}
	c.getGen++
	if gen == AnyGen {
		gen = c.getGen
	}
	if c.closed {
		return c.buf.tryReceive(gen)
	}
	return c.buf.receive(gen), true
}

// GetSync returns the value for generation gen, suspending the calling
// task until it arrives. If the channel is empty, still open, and this
// is the only live handle, GetSync fails with ErrDeadlock rather than
// suspending forever.
func (c *Channel[T]) GetSync(ctx context.Context, gen uint64) (T, error) {
	c.mu.Lock()
	if c.buf.empty() && !c.closed && atomic.LoadInt64(&c.refs) == 1 {
		c.mu.Unlock()
		var zero T
		return zero, errors.E(errors.Invalid, ErrDeadlock)
	}
	f := c.get(gen)
	c.mu.Unlock()
	return f.Get(ctx)
}

// Close marks the channel closed. Pending receives whose generations
// can never be satisfied resolve to future.ErrCancelled; values set
// before close remain receivable. Closing an already-closed channel is
// an error of kind errors.Invalid.
func (c *Channel[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.E(errors.Invalid, "channel already closed")
	}
	c.closed = true
	if c.buf.empty() {
		return nil
	}
	c.buf.cancelWaiting(future.ErrCancelled)
	return nil
}

func (c *Channel[T]) addref()  { atomic.AddInt64(&c.refs, 1) }
func (c *Channel[T]) release() { atomic.AddInt64(&c.refs, -1) }

// SendOnly returns a view exposing only the producing half of the
// channel. The view shares the channel's state and counts as a live
// handle until released.
func (c *Channel[T]) SendOnly() *Sender[T] {
	c.addref()
	return &Sender[T]{c: c}
}

// RecvOnly returns a view exposing only the consuming half of the
// channel. The view shares the channel's state and counts as a live
// handle until released.
func (c *Channel[T]) RecvOnly() *Receiver[T] {
	c.addref()
	return &Receiver[T]{c: c}
}

// A Sender is a send-only view over a channel.
type Sender[T any] struct {
	c *Channel[T]
}

// Set is Channel.Set.
func (s *Sender[T]) Set(v T, gen uint64) error { return s.c.Set(v, gen) }

// Close is Channel.Close.
func (s *Sender[T]) Close() error { return s.c.Close() }

// Release drops the view's handle on the channel.
func (s *Sender[T]) Release() {
	if s.c != nil {
		s.c.release()
		s.c = nil
	}
}

// A Receiver is a receive-only view over a channel.
type Receiver[T any] struct {
	c *Channel[T]
}

// Get is Channel.Get.
func (r *Receiver[T]) Get(gen uint64) *future.Future[T] { return r.c.Get(gen) }

// TryGet is Channel.TryGet.
func (r *Receiver[T]) TryGet(gen uint64) (*future.Future[T], bool) { return r.c.TryGet(gen) }

// GetSync is Channel.GetSync.
func (r *Receiver[T]) GetSync(ctx context.Context, gen uint64) (T, error) {
	return r.c.GetSync(ctx, gen)
}

// Release drops the view's handle on the channel.
func (r *Receiver[T]) Release() {
	if r.c != nil {
		r.c.release()
		r.c = nil
	}
}
