// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/hkaiser/hpx/thread"
)

// ErrNilThread is reported when a queue entry with a Nil task identity
// is found in a condition variable's queue. It indicates internal
// corruption; the queue is restored to a consistent state before the
// error is surfaced.
var ErrNilThread = errors.New("nil task identity in condition queue")

// A waiter is one suspended task's entry in a cond's queue. The entry
// records the owning queue so that an entry parked on a queue that was
// swapped aside by NotifyAll can still unlink itself on timeout.
type waiter struct {
	id   thread.ID
	c    chan error
	q    *waitq
	next *waiter
}

// waitq is an intrusive FIFO queue of waiters.
type waitq struct {
	head, tail *waiter
}

func (q *waitq) empty() bool { return q.head == nil }

func (q *waitq) push(w *waiter) {
	w.next = nil
	w.q = q
	if q.tail == nil {
		q.head, q.tail = w, w
	} else {
		q.tail.next = w
		q.tail = w
	}
}

func (q *waitq) pop() *waiter {
	w := q.head
	if w == nil {
		return nil
	}
	q.head = w.next
	if q.head == nil {
		q.tail = nil
	}
	w.next = nil
	w.q = nil
	return w
}

// remove unlinks w if it is still enqueued, reporting whether it was.
func (q *waitq) remove(w *waiter) bool {
	var prev *waiter
	for e := q.head; e != nil; e = e.next {
		if e != w {
			prev = e
			continue
		}
		if prev == nil {
			q.head = e.next
		} else {
			prev.next = e.next
		}
		if q.tail == e {
			q.tail = prev
		}
		w.next = nil
		w.q = nil
		return true
	}
	return false
}

// splice moves every entry of src onto the back of q.
func (q *waitq) splice(src *waitq) {
	for {
		w := src.pop()
		if w == nil {
			return
		}
		q.push(w)
	}
}

// A Cond suspends cooperative tasks until they are notified. All
// operations must be invoked with the associated Locker held; Wait
// releases it while suspended and re-acquires it before returning.
//
// Unlike sync.Cond, notification order is FIFO per call, waiters can
// time out or be cancelled through their contexts, and a non-empty
// queue can be aborted wholesale during shutdown.
type Cond struct {
	l sync.Locker
	q *waitq
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l, q: new(waitq)}
}

// Wait suspends the calling task until it is notified, the context's
// deadline elapses, or the context is cancelled. The cond's lock must
// be held; it is released while the task is suspended and re-acquired
// before Wait returns. A deadline elapsing returns an error of kind
// errors.Timeout; cancellation, errors.Canceled. A waiter that wakes
// for either reason unlinks its own queue entry.
func (c *Cond) Wait(ctx context.Context) error {
	w := &waiter{id: thread.Next(), c: make(chan error, 1)}
	c.q.push(w)
	c.l.Unlock()
	var err error
	select {
	case err = <-w.c:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.E(errors.Timeout, "condition wait")
		} else {
			err = errors.E(errors.Canceled, "condition wait")
		}
	}
	c.l.Lock()
	if err != nil {
		// The entry may already have been resumed concurrently with
		// the context firing; prefer the notification in that case so
		// that it is not silently swallowed.
		select {
		case err2 := <-w.c:
			err = err2
		default:
			if w.q != nil {
				w.q.remove(w)
			}
		}
	}
	return err
}

// NotifyOne resumes the task at the front of the queue, if any, and
// reports whether further waiters remain. The cond's lock must be
// held.
func (c *Cond) NotifyOne() bool {
	w := c.q.pop()
	if w == nil {
		return false
	}
	if w.id == thread.Nil {
		panic("ctxsync: " + ErrNilThread.Error())
	}
	w.c <- nil
	return !c.q.empty()
}

// NotifyAll resumes every task currently enqueued. Tasks that enqueue
// while the notification is in progress are left for the next call.
// The cond's lock must be held; it is released around each resume. If
// a corrupt entry is found, the remaining waiters are spliced back
// onto the queue and ErrNilThread is returned.
func (c *Cond) NotifyAll() error {
	// Swap the queue aside so that newly arriving waiters enqueue on a
	// fresh one. Entries keep their back-pointer to the detached queue
	// and can still unlink themselves while we drain it.
	local := c.q
	c.q = new(waitq)
	for {
		w := local.pop()
		if w == nil {
			return nil
		}
		if w.id == thread.Nil {
			c.q.splice(local)
			c.l.Unlock()
			c.l.Lock()
			return ErrNilThread
		}
		c.l.Unlock()
		w.c <- nil
		c.l.Lock()
	}
}

// AbortAll resumes every enqueued task with a cancelled status. It is
// used during shutdown; owners of a Cond must call it before
// discarding a cond whose queue may be non-empty. The cond's lock must
// be held.
func (c *Cond) AbortAll() {
	for {
		w := c.q.pop()
		if w == nil {
			return
		}
		w.c <- errors.E(errors.Canceled, "condition queue aborted")
	}
}

// Empty reports whether any tasks are enqueued. The cond's lock must
// be held.
func (c *Cond) Empty() bool { return c.q.empty() }
