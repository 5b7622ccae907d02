// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package parcel implements the sending side of the runtime's wire
// protocol: pinned memory regions leased from a pool, wire-format
// header construction, and the sender engine that drives one outgoing
// message through the fabric, accounts its completion events, and
// recycles itself.
package parcel

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/must"
)

// MaxHeaderSize is the fixed size of a header region, and therefore
// the upper bound of header+body on the piggyback path.
const MaxHeaderSize = 4096

// A Region is a block of memory registered with the fabric domain for
// direct network access. It carries a local descriptor for posting
// and a remote key under which the far side can fetch it. Regions are
// leased from a Pool; the lessee owns the region from allocation
// until Free.
type Region struct {
	b      []byte
	length int
	key    uint64
	pool   *Pool
	pooled bool
}

// Bytes returns the region's message bytes: the prefix of the block
// covered by its message length.
func (r *Region) Bytes() []byte { return r.b[:r.length] }

// Block returns the region's full backing block.
func (r *Region) Block() []byte { return r.b }

// SetLength records the number of meaningful bytes in the region.
func (r *Region) SetLength(n int) {
	must.True(n <= len(r.b), "parcel: message length exceeds region")
	r.length = n
}

// Len returns the region's message length.
func (r *Region) Len() int { return r.length }

// LocalKey returns the descriptor used when posting the region.
func (r *Region) LocalKey() uint64 { return r.key }

// RemoteKey returns the key under which the far side can fetch the
// region.
func (r *Region) RemoteKey() uint64 { return r.key }

// A KeyRegistry maps remote keys to registered memory. One registry
// serves a fabric domain; in a simulated cluster all localities share
// one registry, standing in for the provider's remote-access path.
type KeyRegistry struct {
	mu      sync.Mutex
	next    uint64
	regions map[uint64][]byte
}

// NewKeyRegistry returns an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{regions: make(map[uint64][]byte)}
}

func (k *KeyRegistry) add(b []byte) uint64 {
	k.mu.Lock()
	k.next++
	key := k.next
	k.regions[key] = b
	k.mu.Unlock()
	return key
}

func (k *KeyRegistry) remove(key uint64) {
	k.mu.Lock()
	delete(k.regions, key)
	k.mu.Unlock()
}

// Lookup resolves a remote key to the registered memory, as a
// receiver-initiated fetch would.
func (k *KeyRegistry) Lookup(key uint64) ([]byte, bool) {
	k.mu.Lock()
	b, ok := k.regions[key]
	k.mu.Unlock()
	return b, ok
}

// A Pool leases pinned regions. Header-sized blocks are recycled;
// larger message blocks are allocated per lease. The pool tracks the
// number of leased regions so that the runtime can assert at shutdown
// that no sender still owns one.
type Pool struct {
	keys    *KeyRegistry
	headers sync.Pool
	leased  int64
}

// NewPool returns a pool registering its regions with keys.
func NewPool(keys *KeyRegistry) *Pool {
	p := &Pool{keys: keys}
	p.headers.New = func() interface{} {
		return make([]byte, MaxHeaderSize)
	}
	return p
}

// Allocate leases a region of at least n bytes with message length n.
func (p *Pool) Allocate(n int) *Region {
	var (
		b      []byte
		pooled bool
	)
	if n <= MaxHeaderSize {
		b = p.headers.Get().([]byte)
		pooled = true
	} else {
		b = make([]byte, n)
	}
	atomic.AddInt64(&p.leased, 1)
	return &Region{b: b, length: n, key: p.keys.add(b), pool: p, pooled: pooled}
}

// Register leases a zero-copy region over caller-owned memory,
// registering it with the domain. The caller must keep the memory
// unmodified until the region is freed.
func (p *Pool) Register(user []byte) *Region {
	atomic.AddInt64(&p.leased, 1)
	return &Region{b: user, length: len(user), key: p.keys.add(user), pool: p}
}

// Free returns a region to the pool, dropping its registration.
func (p *Pool) Free(r *Region) {
	must.True(r.pool == p, "parcel: region freed into wrong pool")
	p.keys.remove(r.key)
	if r.pooled {
		p.headers.Put(r.b)
	}
	r.b, r.pool = nil, nil
	atomic.AddInt64(&p.leased, -1)
}

// Leased returns the number of regions currently leased out.
func (p *Pool) Leased() int64 {
	return atomic.LoadInt64(&p.leased)
}
