// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package archive implements the byte-oriented archive used to encode
// parcel bodies. Archives are tagged with the producing side's byte
// order: a same-order reader decodes bitwise-serializable arrays with
// bulk copies, while a foreign-order reader falls back to element-wise
// decoding. Arrays above a threshold are not inlined at all; the
// writer records a zero-copy chunk referencing the caller's memory,
// leaving the transport to move the bytes.
package archive

import (
	"encoding/binary"
	"unsafe"

	"github.com/grailbio/base/errors"
)

// ByteOrder tags an archive with its producer's endianness.
type ByteOrder uint8

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// NativeOrder returns the byte order of this host.
func NativeOrder() ByteOrder {
	x := uint16(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return LittleEndian
	}
	return BigEndian
}

// ChunkKind discriminates how a chunk's bytes travel.
type ChunkKind uint8

const (
	// ChunkInline chunks carry their bytes in the archive stream.
	ChunkInline ChunkKind = iota
	// ChunkPointer chunks reference caller memory to be registered
	// with the transport and fetched by the receiver.
	ChunkPointer
	// ChunkRMA chunks were already registered; they carry a remote key
	// and address instead of bytes.
	ChunkRMA
)

// A Chunk is one segment of a serialized payload.
type Chunk struct {
	Kind ChunkKind
	// Data holds the chunk's bytes: the caller's memory for
	// ChunkPointer on the sending side, or the fetched bytes on the
	// receiving side.
	Data []byte
	// Size is the byte length of the chunk's payload.
	Size uint64
	// Key and Addr locate the chunk for remote access once the sender
	// has registered it.
	Key  uint64
	Addr uint64
}

// DefaultZeroCopyThreshold is the array byte size at and above which
// PutArray emits a zero-copy chunk instead of inlining.
const DefaultZeroCopyThreshold = 4096

// Bitwise constrains the element types whose arrays may travel as raw
// bytes.
type Bitwise interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// A Writer builds an archive. The stream begins with the producing
// host's byte-order tag; multi-byte values are written in native
// order.
type Writer struct {
	buf       []byte
	order     ByteOrder
	chunks    []Chunk
	threshold int
}

// NewWriter returns a writer whose stream is tagged with the native
// byte order.
func NewWriter() *Writer {
	w := &Writer{order: NativeOrder(), threshold: DefaultZeroCopyThreshold}
	w.buf = append(w.buf, byte(w.order))
	return w
}

// SetZeroCopyThreshold overrides the array size at which the writer
// switches to zero-copy chunks. A threshold of 0 restores the default.
func (w *Writer) SetZeroCopyThreshold(n int) {
	if n == 0 {
		n = DefaultZeroCopyThreshold
	}
	w.threshold = n
}

// Bytes returns the encoded stream.
func (w *Writer) Bytes() []byte { return w.buf }

// Chunks returns the zero-copy chunks recorded while writing.
func (w *Writer) Chunks() []Chunk { return w.chunks }

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutUint32 appends a 32-bit value in native order.
func (w *Writer) PutUint32(v uint32) {
	w.buf = w.putN(4, uint64(v))
}

// PutUint64 appends a 64-bit value in native order.
func (w *Writer) PutUint64(v uint64) {
	w.buf = w.putN(8, v)
}

func (w *Writer) putN(n int, v uint64) []byte {
	var b [8]byte
	if w.order == LittleEndian {
		binary.LittleEndian.PutUint64(b[:], v)
	} else {
		binary.BigEndian.PutUint64(b[:], v)
		copy(b[:n], b[8-n:])
	}
	return append(w.buf, b[:n]...)
}

// PutUvarint appends a varint-encoded value. Varints are byte-oriented
// and therefore order-independent.
func (w *Writer) PutUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// PutBytes appends a length-prefixed byte string.
func (w *Writer) PutBytes(b []byte) {
	w.PutUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString appends a length-prefixed string.
func (w *Writer) PutString(s string) {
	w.PutUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// PutArray appends an array of bitwise-serializable elements. Small
// arrays are inlined as raw bytes; arrays of w's threshold size or
// larger are recorded as zero-copy chunks referencing xs's memory, so
// the caller must keep xs unmodified until the archive has been sent.
func PutArray[E Bitwise](w *Writer, xs []E) {
	var e E
	size := int(unsafe.Sizeof(e))
	total := size * len(xs)
	w.PutUvarint(uint64(len(xs)))
	w.PutUvarint(uint64(size))
	if total >= w.threshold && len(xs) > 0 {
		w.PutUint8(1) // chunked
		w.PutUvarint(uint64(len(w.chunks)))
		w.chunks = append(w.chunks, Chunk{
			Kind: ChunkPointer,
			Data: unsafe.Slice((*byte)(unsafe.Pointer(&xs[0])), total),
			Size: uint64(total),
		})
		return
	}
	w.PutUint8(0) // inline
	if len(xs) == 0 {
		return
	}
	w.buf = append(w.buf, unsafe.Slice((*byte)(unsafe.Pointer(&xs[0])), total)...)
}

// A Reader decodes an archive produced by a Writer, possibly on a host
// of different endianness.
type Reader struct {
	buf    []byte
	off    int
	order  ByteOrder
	chunks []Chunk
}

// NewReader returns a reader over the encoded stream b. chunks holds
// the out-of-line chunks referenced by the stream, with their bytes
// already resolved (fetched) by the transport layer.
func NewReader(b []byte, chunks []Chunk) (*Reader, error) {
	if len(b) == 0 {
		return nil, errors.E(errors.Invalid, "empty archive")
	}
	order := ByteOrder(b[0])
	if order != LittleEndian && order != BigEndian {
		return nil, errors.E(errors.Invalid, "bad archive byte-order tag")
	}
	return &Reader{buf: b, off: 1, order: order, chunks: chunks}, nil
}

// Foreign reports whether the archive was produced by a host of
// different endianness.
func (r *Reader) Foreign() bool { return r.order != NativeOrder() }

func (r *Reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, errors.E(errors.Invalid, "archive truncated")
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint32 reads a 32-bit value written by PutUint32.
func (r *Reader) Uint32() (uint32, error) {
	v, err := r.uintN(4)
	return uint32(v), err
}

// Uint64 reads a 64-bit value written by PutUint64.
func (r *Reader) Uint64() (uint64, error) {
	return r.uintN(8)
}

func (r *Reader) uintN(n int) (uint64, error) {
	b, err := r.take(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	if r.order == LittleEndian {
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
	} else {
		for i := 0; i < n; i++ {
			v = v<<8 | uint64(b[i])
		}
	}
	return v, nil
}

// Uvarint reads a varint-encoded value.
func (r *Reader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, errors.E(errors.Invalid, "archive truncated")
	}
	r.off += n
	return v, nil
}

// Bytes reads a length-prefixed byte string.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

// String reads a length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// GetArray reads an array written by PutArray. On a same-order host
// the bytes are copied in bulk; on a foreign-order host each element
// is decoded byte-reversed. Chunked arrays draw their bytes from the
// reader's resolved chunk table.
func GetArray[E Bitwise](r *Reader) ([]E, error) {
	count, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	size, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	var e E
	if size != uint64(unsafe.Sizeof(e)) {
		return nil, errors.E(errors.Invalid, "archive element size mismatch")
	}
	chunked, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	var raw []byte
	if chunked != 0 {
		index, err := r.Uvarint()
		if err != nil {
			return nil, err
		}
		if index >= uint64(len(r.chunks)) {
			return nil, errors.E(errors.Invalid, "archive chunk index out of range")
		}
		raw = r.chunks[index].Data
		if uint64(len(raw)) != count*size {
			return nil, errors.E(errors.Invalid, "archive chunk size mismatch")
		}
	} else {
		raw, err = r.take(int(count * size))
		if err != nil {
			return nil, err
		}
	}
	xs := make([]E, count)
	if count == 0 {
		return xs, nil
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&xs[0])), len(raw))
	if !r.Foreign() {
		copy(dst, raw)
		return xs, nil
	}
	// Foreign order: reverse each element's bytes.
	n := int(size)
	for i := 0; i < len(raw); i += n {
		for j := 0; j < n; j++ {
			dst[i+j] = raw[i+n-1-j]
		}
	}
	return xs, nil
}
