// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package thread defines the cooperative-task contract consumed by the
// runtime core: stable task identities, the task state machine, and the
// yield primitive used by spinning code. The scheduler itself is the Go
// runtime; this package only pins down what the core's synchronization
// primitives need from it.
package thread

import (
	"runtime"
	"sync/atomic"
	"time"
)

// ID is a stable task identity. The zero ID is Nil and never names a
// live task; queue entries carrying Nil indicate internal corruption.
type ID uint64

// Nil is the sentinel identity.
const Nil ID = 0

var nextID uint64

// Next returns a fresh, non-Nil task identity.
func Next() ID {
	return ID(atomic.AddUint64(&nextID, 1))
}

// State represents the runtime state of a cooperative task. State
// values are defined so that their magnitudes correspond with task
// progression.
type State int32

const (
	// Pending indicates that a task is runnable: it has been created
	// or resumed and will be picked up by a worker.
	Pending State = iota
	// Suspended indicates that a task is parked at a suspension point
	// and will not run until resumed.
	Suspended
	// Cancelled indicates that the task has been asked to stop; the
	// cancellation is surfaced at its next suspension point.
	Cancelled
	// Terminated is the terminal state of a task.
	Terminated
)

var states = [...]string{
	Pending:    "PENDING",
	Suspended:  "SUSPENDED",
	Cancelled:  "CANCELLED",
	Terminated: "TERMINATED",
}

// String returns the state as an upper-case string.
func (s State) String() string {
	return states[s]
}

// A Handle pairs a task identity with its state. Handles are shared
// between the task itself and whoever may resume or cancel it.
type Handle struct {
	id    ID
	state int32
}

// NewHandle returns a handle for a new task in state Pending.
func NewHandle() *Handle {
	return &Handle{id: Next()}
}

// ID returns the task's identity.
func (h *Handle) ID() ID { return h.id }

// State returns the task's current state.
func (h *Handle) State() State {
	return State(atomic.LoadInt32(&h.state))
}

// Suspend moves the task from Pending to Suspended. It reports false
// if the task was cancelled or terminated in the meantime, in which
// case the caller must not park.
func (h *Handle) Suspend() bool {
	return atomic.CompareAndSwapInt32(&h.state, int32(Pending), int32(Suspended))
}

// Resume moves the task from Suspended back to Pending, reporting
// whether the transition took place.
func (h *Handle) Resume() bool {
	return atomic.CompareAndSwapInt32(&h.state, int32(Suspended), int32(Pending))
}

// Cancel marks the task cancelled. A suspended task is not unparked;
// the cancellation takes effect at its next suspension point.
func (h *Handle) Cancel() {
	for {
		s := atomic.LoadInt32(&h.state)
		if State(s) == Terminated || State(s) == Cancelled {
			return
		}
		if atomic.CompareAndSwapInt32(&h.state, s, int32(Cancelled)) {
			return
		}
	}
}

// Terminate moves the task to its terminal state.
func (h *Handle) Terminate() {
	atomic.StoreInt32(&h.state, int32(Terminated))
}

// Yield is the yield_k backoff primitive. Callers invoke it with a
// monotonically increasing iteration count while spinning; small
// counts burn a few cycles, medium counts defer to the scheduler, and
// large counts sleep so that a long wait does not monopolize a worker.
// The caller remains a cooperative task throughout; the OS thread is
// never blocked for longer than the largest sleep quantum.
func Yield(k int) {
	switch {
	case k < 4:
		// Busy wait: the successor is expected imminently.
	case k < 32:
		runtime.Gosched()
	default:
		d := time.Duration(k-31) * 10 * time.Microsecond
		if d > time.Millisecond {
			d = time.Millisecond
		}
		time.Sleep(d)
	}
}
