// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package channel

import (
	"context"

	"github.com/hkaiser/hpx/future"
)

// A Scanner drains a channel in generation order. Successive calls to
// Scan suspend until the next value arrives and stop cleanly once the
// channel is closed and drained. When scanning is complete, inspect
// Err to distinguish a clean close from a failure.
//
//	scan := ch.Scan()
//	for scan.Scan(ctx) {
//		process(scan.Value())
//	}
//	if err := scan.Err(); err != nil { ... }
type Scanner[T any] struct {
	c   *Channel[T]
	v   T
	err error
}

// Scan returns a scanner that consumes the channel's receive
// generations in order.
func (c *Channel[T]) Scan() *Scanner[T] {
	return &Scanner[T]{c: c}
}

// Scan retrieves the next value, suspending the calling task until it
// arrives. It returns true while a value was retrieved.
func (s *Scanner[T]) Scan(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	f, ok := s.c.TryGet(AnyGen)
	if !ok {
		return false
	}
	v, err := f.Get(ctx)
	if err != nil {
		// A receive cancelled by close terminates the scan cleanly.
		if err != future.ErrCancelled {
			s.err = err
		}
		return false
	}
	s.v = v
	return true
}

// Value returns the most recently scanned value.
func (s *Scanner[T]) Value() T { return s.v }

// Err returns the error that stopped the scan, if it was not a clean
// close.
func (s *Scanner[T]) Err() error { return s.err }
