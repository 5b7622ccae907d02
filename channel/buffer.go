// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package channel

import (
	"github.com/google/btree"
	"github.com/hkaiser/hpx/future"
)

// An entry is one outstanding generation's rendezvous cell. It is
// created by whichever side arrives first and destroyed once both
// sides have visited it. The cell itself is a future shared state, so
// arrival order does not matter: a get before the matching set returns
// a future that resolves when the set arrives, and vice versa.
type entry[T any] struct {
	gen uint64
	p   *future.Promise[T]
	f   *future.Future[T]
	got bool
	set bool
}

func (e *entry[T]) Less(than btree.Item) bool {
	return e.gen < than.(*entry[T]).gen
}

// receiveBuffer maps generation indices to rendezvous entries. The
// b-tree keeps entries in generation order so that close can cancel
// pending receives and drain remaining values in order.
type receiveBuffer[T any] struct {
	tree *btree.BTree
}

func newReceiveBuffer[T any]() receiveBuffer[T] {
	return receiveBuffer[T]{tree: btree.New(8)}
}

func (b receiveBuffer[T]) empty() bool {
	return b.tree.Len() == 0
}

func (b receiveBuffer[T]) lookup(gen uint64) *entry[T] {
	if item := b.tree.Get(&entry[T]{gen: gen}); item != nil {
		return item.(*entry[T])
	}
	return nil
}

func (b receiveBuffer[T]) entryAt(gen uint64) *entry[T] {
	if e := b.lookup(gen); e != nil {
		return e
	}
	p := future.NewPromise[T]()
	e := &entry[T]{gen: gen, p: p, f: p.Future()}
	b.tree.ReplaceOrInsert(e)
	return e
}

// maybeDestroy removes the entry once both sides have visited it. The
// handed-out future keeps the underlying cell alive.
func (b receiveBuffer[T]) maybeDestroy(e *entry[T]) {
	if e.got && e.set {
		b.tree.Delete(e)
	}
}

// receive returns the future for the given generation, creating the
// entry if the consumer arrives first. Each generation hands out
// exactly one future; the future itself enforces single consumption.
func (b receiveBuffer[T]) receive(gen uint64) *future.Future[T] {
	e := b.entryAt(gen)
	e.got = true
	f := e.f
	e.f = nil
	if f == nil {
		// The generation was already retrieved; hand back an invalid
		// future rather than aliasing the first consumer's handle.
		return new(future.Future[T])
	}
	b.maybeDestroy(e)
	return f
}

// tryReceive returns the future for gen only if a value has already
// been stored for it.
func (b receiveBuffer[T]) tryReceive(gen uint64) (*future.Future[T], bool) {
	e := b.lookup(gen)
	if e == nil || !e.set {
		return nil, false
	}
	return b.receive(gen), true
}

// store associates a value with the given generation, resolving a
// waiting consumer if one arrived first. Storing twice into one
// generation fails with ErrPromiseAlreadySatisfied.
func (b receiveBuffer[T]) store(gen uint64, v T) error {
	e := b.entryAt(gen)
	if e.set {
		return future.ErrPromiseAlreadySatisfied
	}
	e.set = true
	if err := e.p.SetValue(v); err != nil {
		return err
	}
	b.maybeDestroy(e)
	return nil
}

// cancelWaiting resolves every pending receive (entries visited by a
// consumer but never set) with err and removes them, in generation
// order. Entries holding values not yet received are left for later
// drain.
func (b receiveBuffer[T]) cancelWaiting(err error) {
	var pending []*entry[T]
	b.tree.Ascend(func(item btree.Item) bool {
		e := item.(*entry[T])
		if !e.set {
			pending = append(pending, e)
		}
		return true
	})
	for _, e := range pending {
		_ = e.p.SetError(err)
		b.tree.Delete(e)
	}
}
