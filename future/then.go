// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

// Launch selects the execution context of a continuation, chosen at
// attach time.
type Launch int

const (
	// Sync runs the continuation inline: on the attaching task if the
	// input is already ready, otherwise on the task that completes it.
	Sync Launch = iota
	// Async runs the continuation as its own task.
	Async
)

// Then attaches a continuation to f, returning a future for the
// continuation's result. The continuation runs exactly once, after f's
// state transitions, and receives the completed input future; it never
// observes the input as empty. Then consumes f.
func Then[T, U any](f *Future[T], launch Launch, fn func(*Future[T]) (U, error)) *Future[U] {
	out := newState[U]()
	if !f.Valid() {
		var zero U
		_ = out.set(zero, ErrNoState)
		return &Future[U]{s: out}
	}
	in := f.s
	f.s = nil
	run := func() {
		v, err := fn(&Future[T]{s: in})
		if err != nil {
			var zero U
			_ = out.set(zero, err)
			return
		}
		_ = out.set(v, nil)
	}
	in.subscribe(func() {
		if launch == Async {
			go run()
		} else {
			run()
		}
	})
	return &Future[U]{s: out}
}
