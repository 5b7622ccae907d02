// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the counters and latency aggregates kept by
// the runtime's transport and collectives: sends posted, acks
// received, senders created, broadcast forwards, and per-message send
// latency. Counters belong to snapshottable maps so that a runtime's
// accounting can be read consistently while it is running.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Values is a snapshot of the counters in a map.
type Values map[string]int64

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters and latency aggregates keyed by name.
type Map struct {
	mu        sync.Mutex
	values    map[string]*Int
	latencies map[string]*Latency
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		values:    make(map[string]*Int),
		latencies: make(map[string]*Latency),
	}
}

// Int returns the counter with the provided name, creating it if it
// does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// Latency returns the latency aggregate with the provided name,
// creating it if it does not already exist.
func (m *Map) Latency(name string) *Latency {
	m.mu.Lock()
	l := m.latencies[name]
	if l == nil {
		l = new(Latency)
		m.latencies[name] = l
	}
	m.mu.Unlock()
	return l
}

// Snapshot returns the current value of every counter, with each
// latency aggregate contributing its count, total and max (in
// nanoseconds) under derived keys.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	for k, l := range m.latencies {
		n, total, max := l.Get()
		vals[k+".count"] = n
		vals[k+".ns"] = int64(total)
		vals[k+".max_ns"] = int64(max)
	}
	m.mu.Unlock()
	return vals
}

// An Int is an integer counter. Ints can be atomically incremented
// and read. A nil Int discards updates.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// A Latency aggregates durations: count, running total, and maximum.
// A nil Latency discards updates.
type Latency struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	max   time.Duration
}

// Record folds d into the aggregate.
func (l *Latency) Record(d time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.count++
	l.total += d
	if d > l.max {
		l.max = d
	}
	l.mu.Unlock()
}

// Get returns the aggregate's count, total and maximum.
func (l *Latency) Get() (count int64, total, max time.Duration) {
	if l == nil {
		return 0, 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count, l.total, l.max
}
