// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

import (
	"context"
	"sync/atomic"
)

// A Promise is the write handle to a shared state. It may transition
// the state exactly once; its future is retrieved at most once.
type Promise[T any] struct {
	s         *sharedState[T]
	retrieved int32
}

// NewPromise returns a promise for a fresh, empty shared state.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{s: newState[T]()}
}

// Future returns the read handle for the promise's state. The handle
// may be retrieved once; subsequent calls return an invalid future
// whose accessors report ErrNoState.
func (p *Promise[T]) Future() *Future[T] {
	if !atomic.CompareAndSwapInt32(&p.retrieved, 0, 1) {
		return new(Future[T])
	}
	return &Future[T]{s: p.s}
}

// SetValue stores v into the shared state, resuming any waiters. It
// returns ErrPromiseAlreadySatisfied if the state has already
// transitioned.
func (p *Promise[T]) SetValue(v T) error {
	if p.s == nil {
		return ErrNoState
	}
	return p.s.set(v, nil)
}

// SetError stores err into the shared state, resuming any waiters.
func (p *Promise[T]) SetError(err error) error {
	if p.s == nil {
		return ErrNoState
	}
	var zero T
	return p.s.set(zero, err)
}

// Abandon records that no value will ever be produced: an empty state
// transitions to ErrBrokenPromise. Abandoning a satisfied promise is a
// no-op. Owners that may drop a promise without setting it must call
// Abandon so that readers do not wait forever.
func (p *Promise[T]) Abandon() {
	if p.s == nil {
		return
	}
	var zero T
	_ = p.s.set(zero, ErrBrokenPromise)
}

// A Future is a one-shot read handle to a shared state. Get consumes
// the handle; use Share for a repeatedly readable handle. Futures are
// not safe for concurrent use by multiple tasks.
type Future[T any] struct {
	s *sharedState[T]
}

// Ready returns a future that already holds v.
func Ready[T any](v T) *Future[T] {
	s := newState[T]()
	_ = s.set(v, nil)
	return &Future[T]{s: s}
}

// Faulted returns a future that already holds err.
func Faulted[T any](err error) *Future[T] {
	s := newState[T]()
	var zero T
	_ = s.set(zero, err)
	return &Future[T]{s: s}
}

// Valid reports whether the future refers to a shared state.
func (f *Future[T]) Valid() bool {
	return f != nil && f.s != nil
}

// IsReady reports whether Get would return without suspending.
func (f *Future[T]) IsReady() bool {
	return f.Valid() && f.s.isReady()
}

// Get returns the stored value, suspending the calling task until the
// state is ready. A successful or failed outcome consumes the future;
// a context error leaves it intact so the read can be retried.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if !f.Valid() {
		return zero, ErrNoState
	}
	s := f.s
	if err := s.wait(ctx); err != nil {
		return zero, err
	}
	f.s = nil
	return s.result()
}

// Share consumes the future and returns a shareable handle whose Get
// may be called any number of times.
func (f *Future[T]) Share() *SharedFuture[T] {
	if !f.Valid() {
		return new(SharedFuture[T])
	}
	s := f.s
	f.s = nil
	return &SharedFuture[T]{s: s}
}

// A SharedFuture is a repeatable read handle to a shared state. Unlike
// Future, Get does not consume it, and a SharedFuture may be read from
// multiple tasks concurrently.
type SharedFuture[T any] struct {
	s *sharedState[T]
}

// Get returns the stored value, suspending until the state is ready.
func (sf *SharedFuture[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if sf == nil || sf.s == nil {
		return zero, ErrNoState
	}
	if err := sf.s.wait(ctx); err != nil {
		return zero, err
	}
	return sf.s.result()
}

// IsReady reports whether Get would return without suspending.
func (sf *SharedFuture[T]) IsReady() bool {
	return sf != nil && sf.s != nil && sf.s.isReady()
}
