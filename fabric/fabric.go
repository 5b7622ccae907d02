// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fabric defines the low-level transport interface the parcel
// layer posts sends through. The interface mirrors the libfabric
// message endpoints the runtime targets: posts either succeed, ask to
// be retried, report an unknown destination, or fail fatally, and
// every posted context later receives completion events through its
// handler.
package fabric

import "github.com/grailbio/base/errors"

// Addr identifies a destination endpoint (fi_addr_t).
type Addr uint64

// Post results. ErrRetry is a soft condition: the caller yields and
// reposts. ErrNoEndpoint means the destination is not (yet) resolved;
// it is retried with bounded backoff during bootstrap and fatal
// afterwards. Any other error is fatal to the posting sender.
var (
	ErrRetry      = errors.New("fabric: resource temporarily unavailable")
	ErrNoEndpoint = errors.New("fabric: no such endpoint")
)

// An ErrEntry describes a failed completion event, mirroring
// fi_cq_err_entry.
type ErrEntry struct {
	Err       error
	ProvErrno int
}

// A CompletionHandler receives the completion events for contexts it
// posted. Handlers for a single context are serialized: exactly one
// handler runs per completed event.
type CompletionHandler interface {
	// HandleSendCompletion is delivered when the posted message has
	// been sent.
	HandleSendCompletion()
	// HandleMessageCompletionAck is delivered when the receiver
	// acknowledges having fetched the message body and/or chunks.
	HandleMessageCompletionAck()
	// HandleError is delivered when the post completes in error.
	HandleError(ErrEntry)
}

// An Endpoint posts message sends. Posts are asynchronous: a nil
// return means the message was accepted and a completion event will
// follow; the buffer and descriptor must remain valid until then.
type Endpoint interface {
	// Send posts a single-region message.
	Send(buf []byte, desc uint64, dst Addr, ctx CompletionHandler) error

	// Sendv posts a two-region vector message delivered as one unit.
	Sendv(iov [2][]byte, desc [2]uint64, dst Addr, ctx CompletionHandler) error
}
