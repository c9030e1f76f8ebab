package chunk

import (
	"sync"

	"github.com/google/uuid"
)

// buffer holds the slots of one in-flight chunked message.
type buffer struct {
	slots  [][]byte
	filled int
}

// completedCache bounds how many finished chunk ids the arena remembers, so
// a replayed frame of a completed message is dropped instead of opening a
// fresh buffer that could never complete.
const completedCache = 128

// Arena reassembles chunked messages arriving from a single sender. It is
// owned by exactly one peer connection and destroyed atomically with it, so
// no buffer can outlive its peer. After Purge the arena is dead: further
// frames are dropped without creating new buffers.
type Arena struct {
	mu      sync.Mutex
	closed  bool
	buffers map[uuid.UUID]*buffer
	done    map[uuid.UUID]struct{}
	doneLog []uuid.UUID
}

// NewArena creates an empty reassembly arena.
func NewArena() *Arena {
	return &Arena{
		buffers: make(map[uuid.UUID]*buffer),
		done:    make(map[uuid.UUID]struct{}),
	}
}

// Feed processes one inbound wire message. A plain frame is returned
// immediately, untouched. A chunk frame is written into its buffer's slot
// (last write wins per index); when the final slot fills, the concatenated
// payload is returned and the buffer deleted. The second result is false
// while a message is incomplete, which is distinct from a completed empty
// payload (non-nil empty slice, true).
//
// Malformed frames, frames referencing a recently completed chunk id, and
// frames arriving after Purge are all dropped silently: the caller observes a
// message that never completes, never an error.
func (a *Arena) Feed(data []byte) ([]byte, bool) {
	if !IsChunk(data) {
		return data, true
	}

	f, err := Decode(data)
	if err != nil {
		return nil, false
	}
	if f.Total < 1 || f.Index >= f.Total {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, false
	}
	if _, finished := a.done[f.ChunkID]; finished {
		return nil, false
	}

	b, ok := a.buffers[f.ChunkID]
	if !ok {
		b = &buffer{slots: make([][]byte, f.Total)}
		a.buffers[f.ChunkID] = b
	}
	if int(f.Index) >= len(b.slots) {
		// Total disagrees with the buffer created by an earlier frame.
		return nil, false
	}

	if b.slots[f.Index] == nil {
		b.filled++
	}
	b.slots[f.Index] = f.Payload

	if b.filled < len(b.slots) {
		return nil, false
	}

	delete(a.buffers, f.ChunkID)
	a.remember(f.ChunkID)

	size := 0
	for _, s := range b.slots {
		size += len(s)
	}
	payload := make([]byte, 0, size)
	for _, s := range b.slots {
		payload = append(payload, s...)
	}
	return payload, true
}

// remember records a completed chunk id, evicting the oldest entry past the
// cache bound. Caller holds a.mu.
func (a *Arena) remember(id uuid.UUID) {
	if len(a.doneLog) == completedCache {
		delete(a.done, a.doneLog[0])
		a.doneLog = a.doneLog[1:]
	}
	a.done[id] = struct{}{}
	a.doneLog = append(a.doneLog, id)
}

// Purge drops every in-flight buffer and marks the arena dead. It is called
// exactly once, synchronously, during peer teardown; frames that race past
// it are dropped. Safe to call more than once.
func (a *Arena) Purge() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.buffers = nil
	a.done = nil
	a.doneLog = nil
}

// Pending returns the number of in-flight buffers.
func (a *Arena) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Reassembler multiplexes reassembly across many senders, keyed by a sender
// id carried in the message envelope. It is used on paths like signaling
// where messages from multiple senders share one connection and senders have
// no tracked lifecycle of their own.
type Reassembler struct {
	mu     sync.Mutex
	arenas map[string]*Arena
}

// NewReassembler creates an empty multi-sender reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{arenas: make(map[string]*Arena)}
}

// Feed routes one inbound message to the sender's arena, creating the arena
// on first sight of that sender.
func (r *Reassembler) Feed(senderID string, data []byte) ([]byte, bool) {
	r.mu.Lock()
	a, ok := r.arenas[senderID]
	if !ok {
		a = NewArena()
		r.arenas[senderID] = a
	}
	r.mu.Unlock()
	return a.Feed(data)
}

// Purge drops all reassembly state for one sender.
func (r *Reassembler) Purge(senderID string) {
	r.mu.Lock()
	a, ok := r.arenas[senderID]
	delete(r.arenas, senderID)
	r.mu.Unlock()
	if ok {
		a.Purge()
	}
}
