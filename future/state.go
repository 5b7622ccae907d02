// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package future provides the single-assignment value plumbing at the
// heart of the runtime: promises, futures, continuations, and the
// combinators that compose them into task graphs. A shared state is a
// cell that transitions out of empty at most once; every reader
// observes the same outcome, and tasks waiting on an empty cell are
// suspended cooperatively and resumed when the transition becomes
// visible.
package future

import (
	"context"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/hkaiser/hpx/ctxsync"
)

// Errors surfaced by promises and futures.
var (
	// ErrPromiseAlreadySatisfied is returned by a second attempt to
	// transition a shared state.
	ErrPromiseAlreadySatisfied = errors.New("promise already satisfied")
	// ErrBrokenPromise is the outcome observed by readers of a promise
	// that was abandoned without being set.
	ErrBrokenPromise = errors.New("broken promise")
	// ErrNoState is returned by accessors of a future or promise that
	// carries no shared state (default-constructed, already consumed,
	// or whose future was already retrieved).
	ErrNoState = errors.New("no associated shared state")
	// ErrCancelled is the outcome stored into cells whose values can
	// no longer arrive, e.g. pending channel gets at close.
	ErrCancelled = errors.New("future cancelled")
)

const (
	stateEmpty int32 = iota
	stateReady
	stateFailed
)

// sharedState is the single-assignment cell shared by a promise, its
// future, and any continuations. The state field is read atomically on
// fast paths and transitions only under mu. Waiting readers suspend on
// the cond; continuations register callbacks that run after the
// transition is visible.
type sharedState[T any] struct {
	mu   ctxsync.Mutex
	cond *ctxsync.Cond

	st    int32
	value T
	err   error

	// waiters holds continuation callbacks registered while empty.
	// Entries are the only reference a state keeps to its
	// continuations, so no ownership cycle arises: the continuation
	// owns the state, not vice versa.
	waiters []func()
}

func newState[T any]() *sharedState[T] {
	s := new(sharedState[T])
	s.cond = ctxsync.NewCond(&s.mu)
	return s
}

// set transitions the state exactly once. The stored outcome is the
// error if non-nil, the value otherwise. Registered waiters run after
// the transition, on the caller's goroutine.
func (s *sharedState[T]) set(v T, err error) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.st) != stateEmpty {
		s.mu.Unlock()
		return ErrPromiseAlreadySatisfied
	}
	s.value, s.err = v, err
	if err != nil {
		atomic.StoreInt32(&s.st, stateFailed)
	} else {
		atomic.StoreInt32(&s.st, stateReady)
	}
	waiters := s.waiters
	s.waiters = nil
	_ = s.cond.NotifyAll()
	s.mu.Unlock()
	for _, w := range waiters {
		w()
	}
	return nil
}

// wait suspends the calling task until the state has transitioned or
// the context completes.
func (s *sharedState[T]) wait(ctx context.Context) error {
	if atomic.LoadInt32(&s.st) != stateEmpty {
		return nil
	}
	s.mu.Lock()
	for atomic.LoadInt32(&s.st) == stateEmpty {
		if err := s.cond.Wait(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	return nil
}

// subscribe registers fn to run once the state is non-empty. If the
// state has already transitioned, fn runs immediately on the calling
// goroutine. fn is invoked exactly once.
func (s *sharedState[T]) subscribe(fn func()) {
	s.mu.Lock()
	if atomic.LoadInt32(&s.st) != stateEmpty {
		s.mu.Unlock()
		fn()
		return
	}
	s.waiters = append(s.waiters, fn)
	s.mu.Unlock()
}

// result returns the stored outcome. The state must be non-empty.
func (s *sharedState[T]) result() (T, error) {
	return s.value, s.err
}

func (s *sharedState[T]) isReady() bool {
	return atomic.LoadInt32(&s.st) != stateEmpty
}
