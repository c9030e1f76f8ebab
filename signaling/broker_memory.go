package signaling

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Broker = (*MemoryBroker)(nil)

// MemoryHub is an in-process pub/sub backend for tests. Brokers created from
// the same hub exchange envelopes without any network. Topic readiness is
// immediate unless HoldAcks is enabled, in which case Join channels stay
// open until the test calls Ack — this is how the bridged adapter's
// queue-until-ready policy is exercised.
type MemoryHub struct {
	mu      sync.Mutex
	members map[string]map[*MemoryBroker]struct{}
	held    bool
	pending map[string][]chan struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		members: make(map[string]map[*MemoryBroker]struct{}),
		pending: make(map[string][]chan struct{}),
	}
}

// HoldAcks makes subsequent Join calls wait for an explicit Ack.
func (h *MemoryHub) HoldAcks() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held = true
}

// Ack releases every Join waiting on topic.
func (h *MemoryHub) Ack(topic string) {
	h.mu.Lock()
	waiters := h.pending[topic]
	delete(h.pending, topic)
	h.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Client creates a broker attached to this hub.
func (h *MemoryHub) Client() *MemoryBroker {
	return &MemoryBroker{hub: h}
}

func (h *MemoryHub) join(topic string, b *MemoryBroker) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.members[topic] == nil {
		h.members[topic] = make(map[*MemoryBroker]struct{})
	}
	h.members[topic][b] = struct{}{}

	ready := make(chan struct{})
	if h.held {
		h.pending[topic] = append(h.pending[topic], ready)
	} else {
		close(ready)
	}
	return ready
}

func (h *MemoryHub) leave(topic string, b *MemoryBroker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members[topic], b)
}

// send relays an envelope to every subscriber of topic except the sender.
func (h *MemoryHub) send(sender *MemoryBroker, env Envelope) {
	h.mu.Lock()
	targets := make([]*MemoryBroker, 0, len(h.members[env.Topic]))
	for b := range h.members[env.Topic] {
		if b != sender {
			targets = append(targets, b)
		}
	}
	h.mu.Unlock()

	for _, b := range targets {
		b.deliver(env)
	}
}

// MemoryBroker is one hub client implementing the Broker contract.
type MemoryBroker struct {
	hub *MemoryHub

	mu        sync.Mutex
	onMessage func(Envelope)
	sent      []Envelope
}

func (b *MemoryBroker) Connect(_ context.Context, _ string) error { return nil }
func (b *MemoryBroker) Disconnect() error                         { return nil }

func (b *MemoryBroker) Join(topic string) (<-chan struct{}, error) {
	return b.hub.join(topic, b), nil
}

func (b *MemoryBroker) Leave(topic string) error {
	b.hub.leave(topic, b)
	return nil
}

func (b *MemoryBroker) Send(topic, from string, data []byte) error {
	env := Envelope{Topic: topic, From: from, Data: data}
	b.mu.Lock()
	b.sent = append(b.sent, env)
	b.mu.Unlock()
	b.hub.send(b, env)
	return nil
}

func (b *MemoryBroker) OnMessage(fn func(Envelope)) {
	b.mu.Lock()
	b.onMessage = fn
	b.mu.Unlock()
}

func (b *MemoryBroker) deliver(env Envelope) {
	b.mu.Lock()
	fn := b.onMessage
	b.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// Sent returns every envelope this broker has pushed to the hub, in order.
func (b *MemoryBroker) Sent() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.sent))
	copy(out, b.sent)
	return out
}
