// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fabtest provides an in-memory fabric connecting the
// localities of a single-process test cluster. Deliveries run on
// their own goroutines, as real completions would; fault injection
// hooks simulate retryable posts, unknown endpoints, and error
// completion events.
package fabtest

import (
	"sync"

	"github.com/hkaiser/hpx/fabric"
)

// A RecvFunc receives one delivered message: the source address, the
// header region's bytes, the piggybacked body (nil when the body must
// be fetched through its remote key), and an ack function the
// receiver calls once it has fetched any out-of-line data. Ack is
// idempotent per message.
type RecvFunc func(src fabric.Addr, header, body []byte, ack func())

// A Fabric is an in-memory provider. Each locality gets an endpoint
// via Endpoint and registers its receive path via Handle.
type Fabric struct {
	mu        sync.Mutex
	recvs     map[fabric.Addr]RecvFunc
	failNext  []error
	errorNext int
	sent      int64
}

// New returns an empty fabric.
func New() *Fabric {
	return &Fabric{recvs: make(map[fabric.Addr]RecvFunc)}
}

// Handle registers the receive path for addr.
func (f *Fabric) Handle(addr fabric.Addr, recv RecvFunc) {
	f.mu.Lock()
	f.recvs[addr] = recv
	f.mu.Unlock()
}

// Endpoint returns a posting endpoint whose sends originate from src.
func (f *Fabric) Endpoint(src fabric.Addr) fabric.Endpoint {
	return &endpoint{f: f, src: src}
}

// FailNext queues errs to be returned by the next posts, one per
// post, before any delivery is attempted. Use fabric.ErrRetry to
// exercise the repost path.
func (f *Fabric) FailNext(errs ...error) {
	f.mu.Lock()
	f.failNext = append(f.failNext, errs...)
	f.mu.Unlock()
}

// ErrorNextCompletion causes the next n accepted posts to complete
// with an error event instead of being delivered.
func (f *Fabric) ErrorNextCompletion(n int) {
	f.mu.Lock()
	f.errorNext += n
	f.mu.Unlock()
}

// Sent returns the number of messages accepted for delivery.
func (f *Fabric) Sent() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type endpoint struct {
	f   *Fabric
	src fabric.Addr
}

func (e *endpoint) Send(buf []byte, desc uint64, dst fabric.Addr, ctx fabric.CompletionHandler) error {
	return e.post(buf, nil, dst, ctx)
}

func (e *endpoint) Sendv(iov [2][]byte, desc [2]uint64, dst fabric.Addr, ctx fabric.CompletionHandler) error {
	return e.post(iov[0], iov[1], dst, ctx)
}

func (e *endpoint) post(header, body []byte, dst fabric.Addr, ctx fabric.CompletionHandler) error {
	f := e.f
	f.mu.Lock()
	if len(f.failNext) > 0 {
		err := f.failNext[0]
		f.failNext = f.failNext[1:]
		f.mu.Unlock()
		return err
	}
	if f.errorNext > 0 {
		f.errorNext--
		f.mu.Unlock()
		go ctx.HandleError(fabric.ErrEntry{Err: fabric.ErrRetry, ProvErrno: -1})
		return nil
	}
	recv, ok := f.recvs[dst]
	if !ok {
		f.mu.Unlock()
		return fabric.ErrNoEndpoint
	}
	f.sent++
	f.mu.Unlock()

	// Copy the regions: the sender owns them and may recycle them
	// once its completion events have been delivered.
	h := append([]byte{}, header...)
	var b []byte
	if body != nil {
		b = append([]byte{}, body...)
	}
	go func() {
		var ackOnce sync.Once
		recv(e.src, h, b, func() {
			ackOnce.Do(ctx.HandleMessageCompletionAck)
		})
		ctx.HandleSendCompletion()
	}()
	return nil
}
