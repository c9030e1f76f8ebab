// Package chunk implements the fragmentation protocol that lets payloads of
// any size cross a transport with a practical message-size ceiling. A payload
// at or under the limit travels as a single plain frame with zero added
// overhead; anything larger is split into indexed chunk frames that the
// receiving side reassembles per sender.
package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// TypeChunk is the message-type byte reserved for chunk frames within the
// outer sync protocol's type enumeration. Payloads handed to Fragment always
// start with one of the document model's own type values, never 5, so a
// leading TypeChunk byte unambiguously marks a chunk frame on the wire.
const TypeChunk uint8 = 5

// HeaderSize is the fixed chunk-frame header: Type(1) + ChunkID(16) +
// Index(4) + Total(4).
const HeaderSize = 25

// DefaultLimit is the default fragmentation threshold in bytes.
const DefaultLimit = 10000

// Frame is one chunk of an oversized payload.
type Frame struct {
	ChunkID uuid.UUID
	Index   uint32
	Total   uint32
	Payload []byte
}

// Encode serializes a chunk frame for transmission.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = TypeChunk
	copy(buf[1:17], f.ChunkID[:])
	binary.BigEndian.PutUint32(buf[17:21], f.Index)
	binary.BigEndian.PutUint32(buf[21:25], f.Total)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode deserializes a chunk frame. It is only valid to call on data whose
// first byte is TypeChunk.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("chunk frame too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	f := &Frame{
		Index: binary.BigEndian.Uint32(data[17:21]),
		Total: binary.BigEndian.Uint32(data[21:25]),
	}
	copy(f.ChunkID[:], data[1:17])
	if len(data) > HeaderSize {
		f.Payload = make([]byte, len(data)-HeaderSize)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}

// IsChunk reports whether an inbound wire message is a chunk frame rather
// than a plain payload.
func IsChunk(data []byte) bool {
	return len(data) > 0 && data[0] == TypeChunk
}

// Fragment splits payload into wire frames of at most limit payload bytes
// each. A payload at or under the limit is returned verbatim as a single
// plain frame. Larger payloads become ceil(len/limit) chunk frames sharing a
// fresh random chunk id, in index order; only the last frame may be short.
//
// A small payload that itself begins with the reserved chunk type byte
// (possible for ciphertext, whose leading nonce is random) is wrapped in a
// single chunk frame instead, so the receiver can never mistake it for a
// frame header.
func Fragment(payload []byte, limit int) [][]byte {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(payload) <= limit {
		if IsChunk(payload) {
			f := &Frame{ChunkID: uuid.New(), Index: 0, Total: 1, Payload: payload}
			return [][]byte{f.Encode()}
		}
		return [][]byte{payload}
	}

	chunkID := uuid.New()
	total := (len(payload) + limit - 1) / limit

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * limit
		end := min(start+limit, len(payload))
		f := &Frame{
			ChunkID: chunkID,
			Index:   uint32(i),
			Total:   uint32(total),
			Payload: payload[start:end],
		}
		frames = append(frames, f.Encode())
	}
	return frames
}
