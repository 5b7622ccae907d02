// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/hkaiser/hpx/future"
)

func TestRendezvousSetFirst(t *testing.T) {
	ctx := context.Background()
	c := New[int]()
	if err := c.Set(7, AnyGen); err != nil {
		t.Fatal(err)
	}
	v, err := c.Get(AnyGen).Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Errorf("got %d, want 7", v)
	}
}

func TestRendezvousGetFirst(t *testing.T) {
	ctx := context.Background()
	c := New[int]()
	f := c.Get(AnyGen)
	if f.IsReady() {
		t.Error("future ready before set")
	}
	if err := c.Set(11, AnyGen); err != nil {
		t.Fatal(err)
	}
	v, err := f.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 11 {
		t.Errorf("got %d, want 11", v)
	}
}

func TestExplicitGenerations(t *testing.T) {
	ctx := context.Background()
	c := New[string]()
	// Out-of-order sets rendezvous with in-order gets.
	if err := c.Set("second", 2); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("first", 1); err != nil {
		t.Fatal(err)
	}
	for gen, want := range map[uint64]string{1: "first", 2: "second"} {
		v, err := c.Get(gen).Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if v != want {
			t.Errorf("generation %d: got %q, want %q", gen, v, want)
		}
	}
}

// TestExactlyOnce verifies that for each generation, exactly one
// consumer observes the value.
func TestExactlyOnce(t *testing.T) {
	ctx := context.Background()
	c := New[int]()
	const N = 20
	for i := 1; i <= N; i++ {
		if err := c.Set(i, uint64(i)); err != nil {
			t.Fatal(err)
		}
	}
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			v, err := c.GetSync(ctx, AnyGen)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[v]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for i := 1; i <= N; i++ {
		if seen[i] != 1 {
			t.Errorf("value %d seen %d times, want 1", i, seen[i])
		}
	}
}

func TestSetOnClosed(t *testing.T) {
	c := New[int]()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(1, AnyGen); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestDoubleClose(t *testing.T) {
	c := New[int]()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestCloseCancelsPending(t *testing.T) {
	ctx := context.Background()
	c := New[int]()
	f := c.Get(AnyGen)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Get(ctx); err != future.ErrCancelled {
		t.Errorf("got %v, want %v", err, future.ErrCancelled)
	}
}

func TestGetSyncDeadlock(t *testing.T) {
	ctx := context.Background()
	c := New[int]()
	if _, err := c.GetSync(ctx, AnyGen); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want would-deadlock", err)
	}
	// With another handle outstanding, GetSync suspends instead.
	s := c.SendOnly()
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := c.GetSync(ctx, AnyGen)
		if err != nil {
			t.Error(err)
			return
		}
		if v != 5 {
			t.Errorf("got %d, want 5", v)
		}
	}()
	time.Sleep(10 * time.Millisecond)
	if err := s.Set(5, AnyGen); err != nil {
		t.Fatal(err)
	}
	<-done
	s.Release()
}

// TestScanAfterClose verifies that a channel iterated after close
// yields exactly the values set before close, in generation order.
func TestScanAfterClose(t *testing.T) {
	ctx := context.Background()
	c := New[string]()
	for gen, v := range map[uint64]string{1: "a", 2: "b", 3: "c"} {
		if err := c.Set(v, gen); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	var got []string
	scan := c.Scan()
	for scan.Scan(ctx) {
		got = append(got, scan.Value())
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
	if want := []string{"a", "b", "c"}; len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	}
	// A get past the drained values resolves to an invalid status.
	if _, err := c.Get(4).Get(ctx); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestScanTerminatesOnClose(t *testing.T) {
	ctx := context.Background()
	c := New[int]()
	var got []int
	done := make(chan struct{})
	go func() {
		defer close(done)
		scan := c.Scan()
		for scan.Scan(ctx) {
			got = append(got, scan.Value())
		}
		if err := scan.Err(); err != nil {
			t.Error(err)
		}
	}()
	for i := 1; i <= 3; i++ {
		if err := c.Set(i, AnyGen); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	<-done
	if len(got) != 3 {
		t.Errorf("got %v, want 3 values", got)
	}
}

// TestSumDispatch splits a slice in half and sends two partial sums
// through one channel to a consumer that reads two generations.
func TestSumDispatch(t *testing.T) {
	ctx := context.Background()
	input := []int{7, 2, 8, -9, 4, 0}
	c := New[int]()
	// The producer holds its own send view, so the consumer's GetSync
	// sees a second live handle and suspends instead of reporting a
	// would-deadlock.
	s := c.SendOnly()
	go func() {
		defer s.Release()
		sum := func(xs []int) int {
			var s int
			for _, x := range xs {
				s += x
			}
			return s
		}
		half := len(input) / 2
		if err := s.Set(sum(input[:half]), AnyGen); err != nil {
			t.Error(err)
		}
		if err := s.Set(sum(input[half:]), AnyGen); err != nil {
			t.Error(err)
		}
	}()
	a, err := c.GetSync(ctx, AnyGen)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.GetSync(ctx, AnyGen)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := a+b, 12; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

// TestPingPong passes a message through two channels via a forwarding
// task.
func TestPingPong(t *testing.T) {
	ctx := context.Background()
	p := New[string]()
	q := New[string]()
	pr := p.RecvOnly()
	qs := q.SendOnly()
	defer pr.Release()
	defer qs.Release()
	go func() {
		v, err := pr.GetSync(ctx, AnyGen)
		if err != nil {
			t.Error(err)
			return
		}
		if err := qs.Set(v, AnyGen); err != nil {
			t.Error(err)
		}
	}()
	if err := p.Set("passed message", AnyGen); err != nil {
		t.Fatal(err)
	}
	v, err := q.GetSync(ctx, AnyGen)
	if err != nil {
		t.Fatal(err)
	}
	if v != "passed message" {
		t.Errorf("got %q, want %q", v, "passed message")
	}
}

func TestDuplicateSet(t *testing.T) {
	c := New[int]()
	if err := c.Set(1, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(2, 1); err != future.ErrPromiseAlreadySatisfied {
		t.Errorf("got %v, want %v", err, future.ErrPromiseAlreadySatisfied)
	}
}
