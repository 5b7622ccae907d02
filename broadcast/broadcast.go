// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package broadcast implements the runtime's distribution collective:
// one producer delivers a value to N receiving sites registered under
// a symbolic basename. Sites are grouped by the locality owning their
// symbol-namespace shard; a bounded number of localities is messaged
// directly and the remainder is reached through recursive tree
// forwards, keeping per-node fanout constant and tree depth
// logarithmic in the number of sites.
package broadcast

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/hkaiser/hpx"
	"github.com/hkaiser/hpx/agas"
	"github.com/hkaiser/hpx/future"
)

// DefaultFanout bounds the number of localities any node messages
// directly.
const DefaultFanout = 16

const (
	actionApply = "broadcast.apply"
	actionTree  = "broadcast.tree"
)

// Options tune a broadcast operation. The zero value selects the
// defaults.
type Options struct {
	// Fanout overrides DefaultFanout.
	Fanout int
	// Generation, when non-zero, scopes the operation's names so that
	// successive broadcasts under one basename do not collide.
	Generation uint64
}

func (o Options) fanout() int {
	if o.Fanout <= 0 {
		return DefaultFanout
	}
	return o.Fanout
}

func (o Options) name(basename string) string {
	if o.Generation == 0 {
		return basename
	}
	return basename + "/" + strconv.FormatUint(o.Generation, 10)
}

// A part is one locality's share of a broadcast: the site indices
// whose symbol-namespace shards it owns.
type part struct {
	Locality uint32
	Sites    []uint64
}

type applyMsg struct {
	Name    string
	Sites   []uint64
	Payload []byte
}

type treeMsg struct {
	Name      string
	Parts     []part
	GlobalIdx uint64
	Fanout    int
	Payload   []byte
}

// Register installs the broadcast actions on rt. Every locality that
// may receive broadcast messages must register.
func Register(rt *hpx.Runtime) {
	rt.RegisterHandler(actionApply, func(src uint32, payload []byte) error {
		return handleApply(rt, payload)
	})
	rt.RegisterHandler(actionTree, func(src uint32, payload []byte) error {
		return handleTree(rt, payload)
	})
}

// Recv returns a future for the value broadcast to site under
// basename. A fresh cell is registered with the naming service; once
// the value arrives and the future is consumed, the registration is
// removed.
func Recv[T any](rt *hpx.Runtime, basename string, site uint64, opts Options) *future.Future[T] {
	name := opts.name(basename)
	p := future.NewPromise[T]()
	f := p.Future()
	id := rt.NewLCO(&gobTrigger[T]{p: p})
	registered := rt.Resolver().RegisterWithBasename(name, id, site)
	return future.Then(registered, future.Async, func(rf *future.Future[bool]) (T, error) {
		var zero T
		ok, err := rf.Get(context.Background())
		if err != nil {
			rt.DropLCO(id)
			return zero, err
		}
		if !ok {
			rt.DropLCO(id)
			return zero, errors.E(errors.Exists,
				"site "+strconv.FormatUint(site, 10)+" already registered under "+name)
		}
		v, err := f.Get(context.Background())
		if _, uerr := rt.Resolver().UnregisterWithBasename(name, site).Get(context.Background()); uerr != nil {
			log.Error.Printf("broadcast: unregister %s/%d: %v", name, site, uerr)
		}
		return v, err
	})
}

// gobTrigger adapts a typed promise to the runtime's untyped LCO
// table.
type gobTrigger[T any] struct {
	p *future.Promise[T]
}

func (g *gobTrigger[T]) Trigger(payload []byte) error {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&v); err != nil {
		_ = g.p.SetError(err)
		return err
	}
	return g.p.SetValue(v)
}

// Send delivers v to every one of numSites receivers registered under
// basename. The returned future completes once every forward has
// fully completed at the wire level; end-to-end delivery is observed
// through the receivers' futures. Branch failures are independent and
// aggregated into the result.
func Send[T any](ctx context.Context, rt *hpx.Runtime, basename string, v T, numSites uint64, opts Options) *future.Future[struct{}] {
	if numSites == 0 {
		return future.Ready(struct{}{})
	}
	payload, err := encode(v)
	if err != nil {
		return future.Faulted[struct{}](err)
	}
	name := opts.name(basename)
	return sendParts(ctx, rt, name, payload, localityParts(rt, name, numSites), 0, opts.fanout())
}

// localityParts groups the sites by the locality owning each site
// name's symbol-namespace shard, ordered by locality id.
func localityParts(rt *hpx.Runtime, name string, numSites uint64) []part {
	m := make(map[uint32][]uint64)
	for i := uint64(0); i < numSites; i++ {
		loc := rt.Resolver().ServiceLocalityID(agas.NameFromBasename(name, i))
		m[loc] = append(m[loc], i)
	}
	parts := make([]part, 0, len(m))
	for loc, sites := range m {
		parts = append(parts, part{Locality: loc, Sites: sites})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Locality < parts[j].Locality })
	return parts
}

// sendParts distributes the payload over the given locality parts:
// a single part is messaged directly; otherwise the first fanout
// parts get direct messages and the rest is sliced into tree
// forwards, each carrying its slice for the receiving locality to
// recurse on.
func sendParts(ctx context.Context, rt *hpx.Runtime, name string, payload []byte, parts []part, globalIdx uint64, fanout int) *future.Future[struct{}] {
	switch len(parts) {
	case 0:
		return future.Ready(struct{}{})
	case 1:
		return sendApply(ctx, rt, name, parts[0], payload)
	}
	localSize := min(len(parts), fanout)
	futures := make([]*future.Future[struct{}], 0, localSize+1)
	for i := 0; i < localSize; i++ {
		futures = append(futures, sendApply(ctx, rt, name, parts[i], payload))
	}
	rest := parts[localSize:]
	applied := uint64(localSize)
	if len(rest) > 0 {
		slice := (len(rest) + fanout - 1) / fanout
		for beg := 0; beg < len(rest); beg += slice {
			end := min(beg+slice, len(rest))
			futures = append(futures, sendTree(ctx, rt, treeMsg{
				Name:      name,
				Parts:     rest[beg:end],
				GlobalIdx: globalIdx + applied,
				Fanout:    fanout,
				Payload:   payload,
			}))
			applied += uint64(end - beg)
		}
	}
	return collapse(future.WhenAll(futures...))
}

func collapse(f *future.Future[[]struct{}]) *future.Future[struct{}] {
	return future.Then(f, future.Sync, func(f *future.Future[[]struct{}]) (struct{}, error) {
		_, err := f.Get(context.Background())
		return struct{}{}, err
	})
}

// sendApply posts a direct message delivering the payload to every
// site the destination locality owns.
func sendApply(ctx context.Context, rt *hpx.Runtime, name string, p part, payload []byte) *future.Future[struct{}] {
	rt.Stats().Int("broadcast.direct").Add(1)
	return post(ctx, rt, p.Locality, actionApply, applyMsg{
		Name:    name,
		Sites:   p.Sites,
		Payload: payload,
	})
}

// sendTree posts a tree forward to the first locality of the slice.
func sendTree(ctx context.Context, rt *hpx.Runtime, msg treeMsg) *future.Future[struct{}] {
	rt.Stats().Int("broadcast.tree.forward").Add(1)
	return post(ctx, rt, msg.Parts[0].Locality, actionTree, msg)
}

// post gob-encodes the message and posts it as a parcel, returning a
// future for the send's completion.
func post(ctx context.Context, rt *hpx.Runtime, dst uint32, action string, msg interface{}) *future.Future[struct{}] {
	payload, err := encode(msg)
	if err != nil {
		return future.Faulted[struct{}](err)
	}
	p := future.NewPromise[struct{}]()
	f := p.Future()
	handler := func(err error) {
		if err != nil {
			_ = p.SetError(err)
			return
		}
		_ = p.SetValue(struct{}{})
	}
	if err := rt.Post(ctx, dst, action, payload, handler); err != nil {
		// The sender already reported err through the handler.
		log.Error.Printf("broadcast: post %s to %d: %v", action, dst, err)
	}
	return f
}

// handleApply resolves each owned site's registered cell and sets its
// value. Site deliveries are independent; failures are aggregated.
func handleApply(rt *hpx.Runtime, payload []byte) error {
	var msg applyMsg
	if err := decode(payload, &msg); err != nil {
		return err
	}
	return traverse.Each(len(msg.Sites), func(i int) error {
		site := msg.Sites[i]
		id, err := rt.Resolver().FindFromBasename(msg.Name, site).Get(context.Background())
		if err != nil {
			return err
		}
		rt.Stats().Int("broadcast.applied").Add(1)
		return rt.SetLCO(context.Background(), id, msg.Payload)
	})
}

// handleTree recurses the broadcast over the forwarded slice.
func handleTree(rt *hpx.Runtime, payload []byte) error {
	var msg treeMsg
	if err := decode(payload, &msg); err != nil {
		return err
	}
	rt.Stats().Int("broadcast.tree.received").Add(1)
	_, err := sendParts(context.Background(), rt, msg.Name, msg.Payload, msg.Parts, msg.GlobalIdx, msg.Fanout).Get(context.Background())
	return err
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
