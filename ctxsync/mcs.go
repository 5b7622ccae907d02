// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides the synchronization primitives used by the
// runtime core: a Mellor-Crummey & Scott queue mutex suitable for
// short critical sections under heavy contention, and a condition
// variable whose waiters are cooperative tasks.
package ctxsync

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hkaiser/hpx/thread"
)

const cacheLineSize = 64

// qnode is one waiter's slot in the MCS queue. Each waiter spins only
// on its own locked flag, so contended acquisition does not bounce a
// shared cache line between cores. The fields are padded apart so that
// a waiter's spin and its successor's publication do not false-share.
type qnode struct {
	locked uint32
	_      [cacheLineSize - 4]byte
	next   atomic.Pointer[qnode]
	_      [cacheLineSize - unsafe.Sizeof(atomic.Pointer[qnode]{})]byte
}

// Mutex is an MCS queue lock. Acquirers enqueue in arrival order and
// are granted the lock in that order. The zero Mutex is ready to use.
// Mutex implements sync.Locker.
//
// Goroutines have no thread-local storage, so queue nodes are leased
// from a pool for the duration of each acquisition rather than being
// per-thread statics; a node is only ever touched by its owner and the
// immediate predecessor, and is recycled after both are done with it.
type Mutex struct {
	tail atomic.Pointer[qnode]

	// holder is the node of the current lock holder. It is written by
	// the holder immediately after acquisition and read by the same
	// goroutine in Unlock, so no synchronization is needed beyond the
	// lock itself.
	holder *qnode

	pool sync.Pool
}

func (m *Mutex) node() *qnode {
	if n, ok := m.pool.Get().(*qnode); ok {
		return n
	}
	return new(qnode)
}

// Lock acquires m, enqueueing behind any earlier arrivals. Waiters
// spin on their own nodes with thread.Yield backoff and remain
// cooperative tasks throughout.
func (m *Mutex) Lock() {
	n := m.node()
	n.next.Store(nil)
	prev := m.tail.Swap(n)
	if prev != nil {
		// The locked flag must be set before the node is published as
		// the predecessor's successor: the predecessor may clear it at
		// any point afterwards.
		atomic.StoreUint32(&n.locked, 1)
		prev.next.Store(n)
		for k := 0; atomic.LoadUint32(&n.locked) != 0; k++ {
			thread.Yield(k)
		}
	}
	m.holder = n
}

// TryLock attempts to acquire m without waiting, reporting whether the
// lock was taken.
func (m *Mutex) TryLock() bool {
	n := m.node()
	n.next.Store(nil)
	if m.tail.CompareAndSwap(nil, n) {
		m.holder = n
		return true
	}
	m.pool.Put(n)
	return false
}

// Unlock releases m, handing the lock to the oldest waiter, if any.
func (m *Mutex) Unlock() {
	n := m.holder
	if n == nil {
		panic("ctxsync: unlock of unlocked Mutex")
	}
	m.holder = nil
	if n.next.Load() == nil {
		if m.tail.CompareAndSwap(n, nil) {
			m.pool.Put(n)
			return
		}
		// A successor swapped itself onto the tail but has not yet
		// published itself on our node; its publication strictly
		// precedes our observation of the CAS failure, so this spin
		// terminates.
		for k := 0; n.next.Load() == nil; k++ {
			thread.Yield(k)
		}
	}
	succ := n.next.Load()
	n.next.Store(nil)
	atomic.StoreUint32(&succ.locked, 0)
	m.pool.Put(n)
}
