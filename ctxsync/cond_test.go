// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestCondNotifyAll(t *testing.T) {
	var (
		mu          Mutex
		cond        = NewCond(&mu)
		start, done sync.WaitGroup
	)
	const N = 100
	start.Add(N)
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			mu.Lock()
			start.Done()
			if err := cond.Wait(context.Background()); err != nil {
				t.Error(err)
			}
			mu.Unlock()
			done.Done()
		}()
	}
	start.Wait()
	mu.Lock()
	if err := cond.NotifyAll(); err != nil {
		t.Fatal(err)
	}
	mu.Unlock()
	done.Wait()
}

func TestCondNotifyOne(t *testing.T) {
	var (
		mu    Mutex
		cond  = NewCond(&mu)
		woken = make(chan int, 3)
	)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			mu.Lock()
			if err := cond.Wait(context.Background()); err != nil {
				t.Error(err)
			}
			mu.Unlock()
			woken <- i
		}()
		// Let the waiter enqueue before spawning the next one so that
		// the queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		mu.Lock()
		more := cond.NotifyOne()
		mu.Unlock()
		if got, want := more, i < 2; got != want {
			t.Errorf("notify %d: got more=%v, want %v", i, got, want)
		}
		if got := <-woken; got != i {
			t.Errorf("woke waiter %d, want %d", got, i)
		}
	}
}

func TestCondWaitTimeout(t *testing.T) {
	var (
		mu   Mutex
		cond = NewCond(&mu)
	)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	mu.Lock()
	err := cond.Wait(ctx)
	if !cond.Empty() {
		t.Error("timed-out waiter still enqueued")
	}
	mu.Unlock()
	if !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want timeout", err)
	}
}

func TestCondWaitCancel(t *testing.T) {
	var (
		mu   Mutex
		cond = NewCond(&mu)
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mu.Lock()
	err := cond.Wait(ctx)
	mu.Unlock()
	if !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want canceled", err)
	}
}

func TestCondAbortAll(t *testing.T) {
	var (
		mu    Mutex
		cond  = NewCond(&mu)
		start sync.WaitGroup
		errs  = make(chan error, 5)
	)
	start.Add(5)
	for i := 0; i < 5; i++ {
		go func() {
			mu.Lock()
			start.Done()
			errs <- cond.Wait(context.Background())
			mu.Unlock()
		}()
	}
	start.Wait()
	mu.Lock()
	cond.AbortAll()
	mu.Unlock()
	for i := 0; i < 5; i++ {
		if err := <-errs; !errors.Is(errors.Canceled, err) {
			t.Errorf("got %v, want canceled", err)
		}
	}
}

// TestCondNotifyAllRestoresOnCorruption exercises the defensive path:
// a corrupt entry stops notification, and the waiters behind it are
// spliced back onto the queue.
func TestCondNotifyAllRestoresOnCorruption(t *testing.T) {
	var (
		mu   Mutex
		cond = NewCond(&mu)
	)
	mu.Lock()
	cond.q.push(&waiter{id: 0, c: make(chan error, 1)})
	cond.q.push(&waiter{id: 1, c: make(chan error, 1)})
	err := cond.NotifyAll()
	if err != ErrNilThread {
		t.Fatalf("got %v, want %v", err, ErrNilThread)
	}
	if cond.Empty() {
		t.Error("trailing waiters were not restored")
	}
	mu.Unlock()
}
