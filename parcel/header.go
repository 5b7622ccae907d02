// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parcel

import (
	"encoding/binary"

	"github.com/grailbio/base/errors"
	"github.com/hkaiser/hpx/archive"
)

// Flags is the header's flag byte.
type Flags uint8

const (
	// FlagPiggybackMessage indicates that the message body travels in
	// the same fabric message as the header.
	FlagPiggybackMessage Flags = 1 << iota
	// FlagPiggybackChunks indicates that the chunk descriptor table is
	// inlined in the header rather than fetched through an RMA handle.
	FlagPiggybackChunks
	// FlagBootstrap marks messages sent while the destination may not
	// yet have resolved our address.
	FlagBootstrap
)

// An RMA locates remotely fetchable memory: its key, base address and
// length.
type RMA struct {
	Key  uint64
	Addr uint64
	Size uint32
}

// Header field sizes. Header fields travel little-endian irrespective
// of host order; endianness only matters for the body archive, which
// carries its own tag.
const (
	headerFixedLen = 1 + 1 + 4 + 2 // flags, reserved, message size, chunk count
	chunkDescLen   = 1 + 8 + 8 + 8 // kind, size, key, addr
	rmaLen         = 8 + 8 + 4
)

// A Header describes one parcel on the wire: the body's size and
// location, the chunk table (inline or via RMA), and the send flags.
// Headers are encoded in place into a sender's pinned header region;
// they are never heap-allocated on the send path.
type Header struct {
	Flags       Flags
	MessageSize uint32
	// NumChunks is the size of the chunk table. On the sending side it
	// is implied by Chunks; ParseHeader populates it so that a
	// receiver of a non-piggybacked table knows how many descriptors
	// to fetch.
	NumChunks int
	// Chunks is the chunk descriptor table, piggybacked when
	// FlagPiggybackChunks is set.
	Chunks []archive.Chunk
	// ChunkRMA locates the pinned descriptor block when the table is
	// not piggybacked.
	ChunkRMA RMA
	// MessageRMA locates the message region when the body is not
	// piggybacked.
	MessageRMA RMA
}

// PiggybackMessage reports whether the body travels with the header.
func (h *Header) PiggybackMessage() bool { return h.Flags&FlagPiggybackMessage != 0 }

// PiggybackChunks reports whether the chunk table is inlined.
func (h *Header) PiggybackChunks() bool { return h.Flags&FlagPiggybackChunks != 0 }

// Bootstrap reports whether the bootstrap flag is set.
func (h *Header) Bootstrap() bool { return h.Flags&FlagBootstrap != 0 }

// NumZeroCopy returns the number of chunks the receiver must fetch
// remotely.
func (h *Header) NumZeroCopy() int {
	var n int
	for _, c := range h.Chunks {
		if c.Kind != archive.ChunkInline {
			n++
		}
	}
	return n
}

// EncodedLen returns the header's encoded length given its flags.
func (h *Header) EncodedLen() int {
	n := headerFixedLen
	if h.PiggybackChunks() {
		n += chunkDescLen * len(h.Chunks)
	} else {
		n += rmaLen
	}
	if !h.PiggybackMessage() {
		n += rmaLen
	}
	return n
}

func putRMA(b []byte, r RMA) int {
	binary.LittleEndian.PutUint64(b[0:], r.Key)
	binary.LittleEndian.PutUint64(b[8:], r.Addr)
	binary.LittleEndian.PutUint32(b[16:], r.Size)
	return rmaLen
}

func getRMA(b []byte) (RMA, int) {
	return RMA{
		Key:  binary.LittleEndian.Uint64(b[0:]),
		Addr: binary.LittleEndian.Uint64(b[8:]),
		Size: binary.LittleEndian.Uint32(b[16:]),
	}, rmaLen
}

// encodeChunkDescs serializes the chunk descriptor table into b,
// returning the encoded length. It is shared by the piggybacked table
// and the pinned descriptor block.
func encodeChunkDescs(b []byte, chunks []archive.Chunk) int {
	off := 0
	for _, c := range chunks {
		b[off] = byte(c.Kind)
		binary.LittleEndian.PutUint64(b[off+1:], c.Size)
		binary.LittleEndian.PutUint64(b[off+9:], c.Key)
		binary.LittleEndian.PutUint64(b[off+17:], c.Addr)
		off += chunkDescLen
	}
	return off
}

// DecodeChunkTable decodes n chunk descriptors from a fetched
// descriptor block.
func DecodeChunkTable(b []byte, n int) ([]archive.Chunk, error) {
	return decodeChunkDescs(b, n)
}

func decodeChunkDescs(b []byte, n int) ([]archive.Chunk, error) {
	if len(b) < n*chunkDescLen {
		return nil, errors.E(errors.Invalid, "parcel: truncated chunk table")
	}
	chunks := make([]archive.Chunk, n)
	off := 0
	for i := range chunks {
		chunks[i] = archive.Chunk{
			Kind: archive.ChunkKind(b[off]),
			Size: binary.LittleEndian.Uint64(b[off+1:]),
			Key:  binary.LittleEndian.Uint64(b[off+9:]),
			Addr: binary.LittleEndian.Uint64(b[off+17:]),
		}
		off += chunkDescLen
	}
	return chunks, nil
}

// Encode writes the header into dst (a header region's block),
// returning the encoded length. Encode fails if the header cannot fit
// the region.
func (h *Header) Encode(dst []byte) (int, error) {
	n := h.EncodedLen()
	if n > len(dst) || n > MaxHeaderSize {
		return 0, errors.E(errors.Invalid, "parcel: header exceeds header region")
	}
	dst[0] = byte(h.Flags)
	dst[1] = 0
	binary.LittleEndian.PutUint32(dst[2:], h.MessageSize)
	binary.LittleEndian.PutUint16(dst[6:], uint16(len(h.Chunks)))
	off := headerFixedLen
	if h.PiggybackChunks() {
		off += encodeChunkDescs(dst[off:], h.Chunks)
	} else {
		off += putRMA(dst[off:], h.ChunkRMA)
	}
	if !h.PiggybackMessage() {
		off += putRMA(dst[off:], h.MessageRMA)
	}
	return off, nil
}

// ParseHeader decodes a header from the leading bytes of b, returning
// the header and its encoded length.
func ParseHeader(b []byte) (*Header, int, error) {
	if len(b) < headerFixedLen {
		return nil, 0, errors.E(errors.Invalid, "parcel: truncated header")
	}
	h := &Header{
		Flags:       Flags(b[0]),
		MessageSize: binary.LittleEndian.Uint32(b[2:]),
		NumChunks:   int(binary.LittleEndian.Uint16(b[6:])),
	}
	numChunks := h.NumChunks
	off := headerFixedLen
	if h.PiggybackChunks() {
		chunks, err := decodeChunkDescs(b[off:], numChunks)
		if err != nil {
			return nil, 0, err
		}
		h.Chunks = chunks
		off += numChunks * chunkDescLen
	} else {
		if len(b) < off+rmaLen {
			return nil, 0, errors.E(errors.Invalid, "parcel: truncated header")
		}
		var n int
		h.ChunkRMA, n = getRMA(b[off:])
		off += n
	}
	if !h.PiggybackMessage() {
		if len(b) < off+rmaLen {
			return nil, 0, errors.E(errors.Invalid, "parcel: truncated header")
		}
		var n int
		h.MessageRMA, n = getRMA(b[off:])
		off += n
	}
	return h, off, nil
}
