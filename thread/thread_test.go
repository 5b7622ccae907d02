// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package thread

import (
	"sync"
	"testing"
)

func TestNextUnique(t *testing.T) {
	const N = 1000
	var (
		mu  sync.Mutex
		ids = make(map[ID]bool)
		wg  sync.WaitGroup
	)
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			id := Next()
			mu.Lock()
			ids[id] = true
			mu.Unlock()
			wg.Done()
		}()
	}
	wg.Wait()
	if len(ids) != N {
		t.Errorf("got %d unique ids, want %d", len(ids), N)
	}
	if ids[Nil] {
		t.Error("Next returned Nil")
	}
}

func TestHandleTransitions(t *testing.T) {
	h := NewHandle()
	if got, want := h.State(), Pending; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !h.Suspend() {
		t.Fatal("suspend failed")
	}
	if got, want := h.State(), Suspended; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !h.Resume() {
		t.Fatal("resume failed")
	}
	if h.Resume() {
		t.Error("resumed a pending task")
	}
	h.Cancel()
	if got, want := h.State(), Cancelled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if h.Suspend() {
		t.Error("suspended a cancelled task")
	}
	h.Terminate()
	h.Cancel()
	if got, want := h.State(), Terminated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		Pending:    "PENDING",
		Suspended:  "SUSPENDED",
		Cancelled:  "CANCELLED",
		Terminated: "TERMINATED",
	} {
		if got := state.String(); got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}
