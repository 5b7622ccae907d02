// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parcel

import (
	"time"

	"github.com/hkaiser/hpx/archive"
	"github.com/hkaiser/hpx/fabric"
)

// A Buffer is one prepared outgoing message: the serialized body, its
// chunk list, the destination, and the callbacks to run once the
// message has fully completed. Buffers are bound to a sender by
// Sender.Write, which takes ownership of the body region.
type Buffer struct {
	// Dest is the destination endpoint address.
	Dest fabric.Addr

	// Body holds the serialized message body, leased from the
	// sender's pool during encoding.
	Body *Region

	// Chunks lists the body's out-of-line segments. Pointer chunks
	// are registered with the domain by the sender; RMA chunks were
	// registered beforehand.
	Chunks []archive.Chunk

	// Bootstrap marks sends during which the destination may not yet
	// be resolvable; unknown-endpoint errors are then retried with
	// backoff instead of failing.
	Bootstrap bool

	// Handler is invoked exactly once when the message has fully
	// completed, with nil on success.
	Handler func(error)

	// PostProcess runs after the handler and all region releases,
	// typically returning the sender to its pool. The sender pool
	// installs a default.
	PostProcess func(*Sender)

	start time.Time
}
