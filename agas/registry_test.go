// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package agas

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestRegisterFind(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(4)
	res := reg.Resolver(1)
	id := ID{Locality: 1, Seq: 7}
	ok, err := res.RegisterWithBasename("x", id, 0).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("registration rejected")
	}
	got, err := res.FindFromBasename("x", 0).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("got %+v, want %+v", got, id)
	}
	// Duplicate registration is rejected.
	ok, err = res.RegisterWithBasename("x", ID{Locality: 2, Seq: 1}, 0).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate registration accepted")
	}
}

// TestFindBeforeRegister verifies the rendezvous: a find that arrives
// first parks until the registration shows up.
func TestFindBeforeRegister(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(2)
	res := reg.Resolver(0)
	f := res.FindFromBasename("later", 3)
	if f.IsReady() {
		t.Fatal("find completed before registration")
	}
	id := ID{Locality: 1, Seq: 9}
	if _, err := res.RegisterWithBasename("later", id, 3).Get(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := f.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("got %+v, want %+v", got, id)
	}
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(2)
	res := reg.Resolver(0)
	id := ID{Locality: 0, Seq: 3}
	if _, err := res.RegisterWithBasename("u", id, 1).Get(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := res.UnregisterWithBasename("u", 1).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("got %+v, want %+v", got, id)
	}
	if _, err := res.UnregisterWithBasename("u", 1).Get(ctx); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not-exist", err)
	}
}

func TestServiceLocalityID(t *testing.T) {
	reg := NewRegistry(4)
	res := reg.Resolver(0)
	seen := make(map[uint32]bool)
	for site := uint64(0); site < 64; site++ {
		loc := res.ServiceLocalityID(NameFromBasename("shards", site))
		if loc >= 4 {
			t.Fatalf("locality %d out of range", loc)
		}
		seen[loc] = true
	}
	// The mapping is deterministic.
	if a, b := res.ServiceLocalityID("shards/0"), res.ServiceLocalityID("shards/0"); a != b {
		t.Errorf("mapping not deterministic: %d != %d", a, b)
	}
	// With 64 names over 4 shards, every shard should own some names.
	if len(seen) != 4 {
		t.Errorf("only %d shards used", len(seen))
	}
}

func TestNameFromBasename(t *testing.T) {
	for _, tc := range []struct {
		base string
		site uint64
		want string
	}{
		{"x", 0, "x/0"},
		{"x/", 3, "x/3"},
		{"a/b", 12, "a/b/12"},
	} {
		if got := NameFromBasename(tc.base, tc.site); got != tc.want {
			t.Errorf("NameFromBasename(%q, %d): got %q, want %q", tc.base, tc.site, got, tc.want)
		}
	}
}
