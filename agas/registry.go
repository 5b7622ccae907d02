// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package agas

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/hkaiser/hpx/future"
	"github.com/spaolacci/murmur3"
)

// A Registry is an in-process symbol namespace shared by every
// locality of a single-process run or a simulated cluster. Names are
// sharded across localities by hash, mirroring the distributed
// service's shard mapping; finds that arrive before the matching
// registration are parked and resolved on registration.
type Registry struct {
	mu sync.Mutex
	n  uint32

	names   map[string]ID
	pending map[string][]*future.Promise[ID]
}

// NewRegistry returns a registry serving a system of n localities.
func NewRegistry(n uint32) *Registry {
	return &Registry{
		n:       n,
		names:   make(map[string]ID),
		pending: make(map[string][]*future.Promise[ID]),
	}
}

// Resolver returns the registry's view from the given locality.
func (r *Registry) Resolver(locality uint32) Resolver {
	return &resolver{r: r, locality: locality}
}

func (r *Registry) register(name string, id ID) bool {
	r.mu.Lock()
	if _, ok := r.names[name]; ok {
		r.mu.Unlock()
		return false
	}
	r.names[name] = id
	waiters := r.pending[name]
	delete(r.pending, name)
	r.mu.Unlock()
	for _, p := range waiters {
		_ = p.SetValue(id)
	}
	return true
}

func (r *Registry) find(name string) *future.Future[ID] {
	r.mu.Lock()
	if id, ok := r.names[name]; ok {
		r.mu.Unlock()
		return future.Ready(id)
	}
	p := future.NewPromise[ID]()
	f := p.Future()
	r.pending[name] = append(r.pending[name], p)
	r.mu.Unlock()
	return f
}

func (r *Registry) unregister(name string) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	if ok {
		delete(r.names, name)
	}
	return id, ok
}

type resolver struct {
	r        *Registry
	locality uint32
}

func (v *resolver) RegisterWithBasename(basename string, id ID, site uint64) *future.Future[bool] {
	return future.Ready(v.r.register(NameFromBasename(basename, site), id))
}

func (v *resolver) FindFromBasename(basename string, site uint64) *future.Future[ID] {
	return v.r.find(NameFromBasename(basename, site))
}

func (v *resolver) UnregisterWithBasename(basename string, site uint64) *future.Future[ID] {
	name := NameFromBasename(basename, site)
	id, ok := v.r.unregister(name)
	if !ok {
		return future.Faulted[ID](errors.E(errors.NotExist, name))
	}
	return future.Ready(id)
}

func (v *resolver) ServiceLocalityID(name string) uint32 {
	return murmur3.Sum32([]byte(name)) % v.r.n
}

func (v *resolver) NumLocalities() uint32 { return v.r.n }

func (v *resolver) LocalityID() uint32 { return v.locality }
