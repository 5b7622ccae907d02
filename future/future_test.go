// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestPromiseSetValue(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()
	if f.IsReady() {
		t.Error("future ready before set")
	}
	if err := p.SetValue(42); err != nil {
		t.Fatal(err)
	}
	if !f.IsReady() {
		t.Error("future not ready after set")
	}
	v, err := f.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("got %d, want 42", v)
	}
}

// TestSingleTransition verifies that of many concurrent writers,
// exactly one transitions the shared state, and every reader observes
// that writer's value.
func TestSingleTransition(t *testing.T) {
	const N = 50
	p := NewPromise[int]()
	f := p.Future()
	var (
		ok int32
		wg sync.WaitGroup
	)
	wg.Add(N)
	for i := 0; i < N; i++ {
		i := i
		go func() {
			defer wg.Done()
			if err := p.SetValue(i); err == nil {
				atomic.AddInt32(&ok, 1)
			} else if err != ErrPromiseAlreadySatisfied {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("%d transitions, want 1", ok)
	}
	if _, err := f.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestPromiseSetError(t *testing.T) {
	p := NewPromise[string]()
	f := p.Future()
	werr := errors.New("producer failed")
	if err := p.SetError(werr); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(context.Background()); err != werr {
		t.Errorf("got %v, want %v", err, werr)
	}
	if err := p.SetValue("late"); err != ErrPromiseAlreadySatisfied {
		t.Errorf("got %v, want %v", err, ErrPromiseAlreadySatisfied)
	}
}

func TestBrokenPromise(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()
	p.Abandon()
	if _, err := f.Get(context.Background()); err != ErrBrokenPromise {
		t.Errorf("got %v, want %v", err, ErrBrokenPromise)
	}
	// Abandoning a satisfied promise is a no-op.
	p = NewPromise[int]()
	f = p.Future()
	if err := p.SetValue(1); err != nil {
		t.Fatal(err)
	}
	p.Abandon()
	if v, err := f.Get(context.Background()); err != nil || v != 1 {
		t.Errorf("got %d, %v; want 1, nil", v, err)
	}
}

func TestNoState(t *testing.T) {
	var f Future[int]
	if _, err := f.Get(context.Background()); err != ErrNoState {
		t.Errorf("got %v, want %v", err, ErrNoState)
	}
	p := NewPromise[int]()
	p.Future()
	if _, err := p.Future().Get(context.Background()); err != ErrNoState {
		t.Errorf("second retrieval: got %v, want %v", err, ErrNoState)
	}
}

func TestGetConsumes(t *testing.T) {
	f := Ready(7)
	if _, err := f.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(context.Background()); err != ErrNoState {
		t.Errorf("got %v, want %v", err, ErrNoState)
	}
}

func TestGetSuspends(t *testing.T) {
	p := NewPromise[string]()
	f := p.Future()
	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := p.SetValue("done"); err != nil {
			t.Error(err)
		}
	}()
	v, err := f.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "done" {
		t.Errorf("got %q, want %q", v, "done")
	}
}

func TestGetContextError(t *testing.T) {
	p := NewPromise[int]()
	f := p.Future()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Get(ctx); !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want timeout", err)
	}
	// A context error does not consume the future.
	if err := p.SetValue(3); err != nil {
		t.Fatal(err)
	}
	if v, err := f.Get(context.Background()); err != nil || v != 3 {
		t.Errorf("got %d, %v; want 3, nil", v, err)
	}
}

func TestSharedFuture(t *testing.T) {
	p := NewPromise[int]()
	sf := p.Future().Share()
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			if v, err := sf.Get(context.Background()); err != nil || v != 9 {
				t.Errorf("got %d, %v; want 9, nil", v, err)
			}
		}()
	}
	if err := p.SetValue(9); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	// Repeatable.
	if v, err := sf.Get(context.Background()); err != nil || v != 9 {
		t.Errorf("got %d, %v; want 9, nil", v, err)
	}
}

func TestThen(t *testing.T) {
	p := NewPromise[int]()
	g := Then(p.Future(), Sync, func(f *Future[int]) (int, error) {
		if !f.IsReady() {
			t.Error("continuation observed empty input")
		}
		v, err := f.Get(context.Background())
		return v * 2, err
	})
	if err := p.SetValue(21); err != nil {
		t.Fatal(err)
	}
	v, err := g.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("got %d, want 42", v)
	}
}

func TestThenAlreadyReady(t *testing.T) {
	g := Then(Ready("x"), Sync, func(f *Future[string]) (string, error) {
		v, err := f.Get(context.Background())
		return v + "y", err
	})
	if !g.IsReady() {
		t.Error("continuation on ready input did not run immediately")
	}
	v, err := g.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "xy" {
		t.Errorf("got %q, want %q", v, "xy")
	}
}

func TestThenAsync(t *testing.T) {
	p := NewPromise[int]()
	g := Then(p.Future(), Async, func(f *Future[int]) (int, error) {
		v, err := f.Get(context.Background())
		return v + 1, err
	})
	if err := p.SetValue(1); err != nil {
		t.Fatal(err)
	}
	if v, err := g.Get(context.Background()); err != nil || v != 2 {
		t.Errorf("got %d, %v; want 2, nil", v, err)
	}
}

func TestThenPropagatesError(t *testing.T) {
	werr := errors.New("input failed")
	g := Then(Faulted[int](werr), Sync, func(f *Future[int]) (int, error) {
		return f.Get(context.Background())
	})
	if _, err := g.Get(context.Background()); err != werr {
		t.Errorf("got %v, want %v", err, werr)
	}
}
