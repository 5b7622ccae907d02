// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	m := NewMap()
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Int("sends.posted").Add(1)
			}
		}()
	}
	wg.Wait()
	if got := m.Int("sends.posted").Get(); got != 1000 {
		t.Errorf("got %d, want 1000", got)
	}
	if got := m.Int("never.touched").Get(); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestNilCounter(t *testing.T) {
	var v *Int
	v.Add(1)
	if got := v.Get(); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
	var l *Latency
	l.Record(time.Second)
	if n, _, _ := l.Get(); n != 0 {
		t.Errorf("got %d, want 0", n)
	}
}

func TestLatency(t *testing.T) {
	m := NewMap()
	l := m.Latency("send")
	l.Record(2 * time.Millisecond)
	l.Record(5 * time.Millisecond)
	l.Record(time.Millisecond)
	n, total, max := l.Get()
	if n != 3 {
		t.Errorf("got count %d, want 3", n)
	}
	if total != 8*time.Millisecond {
		t.Errorf("got total %v, want 8ms", total)
	}
	if max != 5*time.Millisecond {
		t.Errorf("got max %v, want 5ms", max)
	}
}

func TestSnapshot(t *testing.T) {
	m := NewMap()
	m.Int("acks.received").Add(2)
	m.Latency("send").Record(time.Microsecond)
	vals := m.Snapshot()
	if vals["acks.received"] != 2 {
		t.Errorf("got %d, want 2", vals["acks.received"])
	}
	if vals["send.count"] != 1 {
		t.Errorf("got %d, want 1", vals["send.count"])
	}
	if vals["send.ns"] != int64(time.Microsecond) {
		t.Errorf("got %d, want %d", vals["send.ns"], int64(time.Microsecond))
	}
	if got, want := vals.String(), "acks.received:2"; !strings.Contains(got, want) {
		t.Errorf("snapshot %q missing %q", got, want)
	}
}
