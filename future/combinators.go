// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

import (
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

// Aggregate collects the failures of a collective operation's
// branches. Its message carries the first failure; the full union is
// available through Errs and errors.Is/As via Unwrap.
type Aggregate struct {
	Errs []error
}

func (a *Aggregate) Error() string {
	if len(a.Errs) == 1 {
		return a.Errs[0].Error()
	}
	return fmt.Sprintf("%v (and %d more errors)", a.Errs[0], len(a.Errs)-1)
}

// Unwrap exposes the branch errors for inspection.
func (a *Aggregate) Unwrap() []error { return a.Errs }

// aggregate reduces a sparse error slice: nil if all succeeded, the
// error itself if exactly one failed, an Aggregate otherwise.
func aggregate(errs []error) error {
	var nonnil []error
	for _, err := range errs {
		if err != nil {
			nonnil = append(nonnil, err)
		}
	}
	switch len(nonnil) {
	case 0:
		return nil
	case 1:
		return nonnil[0]
	}
	return &Aggregate{Errs: nonnil}
}

// WhenAll returns a future that completes after every input has
// completed, holding the input values in order. If any input fails,
// the result carries the first failure, with the union of branch
// failures inspectable via Aggregate. WhenAll consumes its inputs.
func WhenAll[T any](fs ...*Future[T]) *Future[[]T] {
	out := newState[[]T]()
	n := len(fs)
	if n == 0 {
		_ = out.set([]T{}, nil)
		return &Future[[]T]{s: out}
	}
	var (
		pending = int32(n)
		values  = make([]T, n)
		errs    = make([]error, n)
	)
	complete := func() {
		_ = out.set(values, aggregate(errs))
	}
	for i, f := range fs {
		i := i
		if !f.Valid() {
			errs[i] = ErrNoState
			if atomic.AddInt32(&pending, -1) == 0 {
				complete()
			}
			continue
		}
		s := f.s
		f.s = nil
		s.subscribe(func() {
			values[i], errs[i] = s.result()
			if atomic.AddInt32(&pending, -1) == 0 {
				complete()
			}
		})
	}
	return &Future[[]T]{s: out}
}

// Any is the result of WhenAny: the first completed input's value and
// its position.
type Any[T any] struct {
	Index int
	Value T
}

// WhenAny returns a future that completes with the first input to
// complete. The remaining inputs are consumed but their outcomes are
// discarded. WhenAny of no futures fails immediately.
func WhenAny[T any](fs ...*Future[T]) *Future[Any[T]] {
	out := newState[Any[T]]()
	if len(fs) == 0 {
		var zero Any[T]
		_ = out.set(zero, errors.E(errors.Invalid, "when_any of no futures"))
		return &Future[Any[T]]{s: out}
	}
	var won int32
	for i, f := range fs {
		i := i
		if !f.Valid() {
			continue
		}
		s := f.s
		f.s = nil
		s.subscribe(func() {
			if !atomic.CompareAndSwapInt32(&won, 0, 1) {
				return
			}
			v, err := s.result()
			if err != nil {
				var zero Any[T]
				_ = out.set(zero, err)
				return
			}
			_ = out.set(Any[T]{Index: i, Value: v}, nil)
		})
	}
	return &Future[Any[T]]{s: out}
}

// Dataflow invokes fn with the values of the inputs once all of them
// are ready, without materializing an intermediate future of the value
// slice: the last input to complete invokes fn directly, on the chosen
// launch context. fn runs exactly once; if any input failed, fn is not
// invoked and the result carries the aggregated failure.
func Dataflow[T, U any](launch Launch, fn func([]T) (U, error), fs ...*Future[T]) *Future[U] {
	out := newState[U]()
	n := len(fs)
	var (
		pending = int32(n)
		values  = make([]T, n)
		errs    = make([]error, n)
	)
	invoke := func() {
		if err := aggregate(errs); err != nil {
			var zero U
			_ = out.set(zero, err)
			return
		}
		v, err := fn(values)
		if err != nil {
			var zero U
			_ = out.set(zero, err)
			return
		}
		_ = out.set(v, nil)
	}
	if n == 0 {
		invoke()
		return &Future[U]{s: out}
	}
	complete := func() {
		if launch == Async {
			go invoke()
		} else {
			invoke()
		}
	}
	for i, f := range fs {
		i := i
		if !f.Valid() {
			errs[i] = ErrNoState
			if atomic.AddInt32(&pending, -1) == 0 {
				complete()
			}
			continue
		}
		s := f.s
		f.s = nil
		s.subscribe(func() {
			values[i], errs[i] = s.result()
			if atomic.AddInt32(&pending, -1) == 0 {
				complete()
			}
		})
	}
	return &Future[U]{s: out}
}
