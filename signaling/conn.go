package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Saad5400/y-webrtc/internal/chunk"
	"github.com/Saad5400/y-webrtc/internal/util"
)

// Subscriber receives fully reassembled signaling payloads for the topics it
// follows on a Conn.
type Subscriber interface {
	HandleSignal(topic, from string, payload []byte)
}

// signalFrame is the inner envelope wrapped around every published fragment.
// Signaling is not a peer-scoped transport, so the reassembly key must
// travel inside the envelope itself: receivers key their buffers on From.
type signalFrame struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

// registry holds one shared Conn per signaling URL so that every room in the
// process pointed at the same endpoint rides one adapter connection and one
// subscription set.
var registry = struct {
	mu    sync.Mutex
	conns map[string]*Conn
}{conns: make(map[string]*Conn)}

// Conn multiplexes topic subscriptions for one or more rooms over a single
// adapter. It subscribes only the union of needed topics, unsubscribes a
// topic when its last interested subscriber detaches, and reassembles
// inbound fragments per sender before dispatching.
type Conn struct {
	adapter Adapter
	url     string
	shared  bool

	mu     sync.Mutex
	refs   int
	topics map[string]map[Subscriber]struct{}
	reasm  *chunk.Reassembler
}

// Acquire returns the process-wide shared Conn for url, creating and
// connecting it on first use. Every Acquire must be paired with a Release.
func Acquire(ctx context.Context, url string) (*Conn, error) {
	registry.mu.Lock()
	c, ok := registry.conns[url]
	if ok {
		c.mu.Lock()
		c.refs++
		c.mu.Unlock()
		registry.mu.Unlock()
		return c, nil
	}

	adapter, err := New(Config{Variant: VariantWebSocket})
	if err != nil {
		registry.mu.Unlock()
		return nil, err
	}
	c = newConn(adapter, url, true)
	registry.conns[url] = c
	registry.mu.Unlock()

	if err := c.adapter.Connect(ctx, url); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// Wrap builds an unshared Conn around a pre-built adapter. The caller still
// pairs it with Release.
func Wrap(adapter Adapter) *Conn {
	return newConn(adapter, "", false)
}

func newConn(adapter Adapter, url string, shared bool) *Conn {
	c := &Conn{
		adapter: adapter,
		url:     url,
		shared:  shared,
		refs:    1,
		topics:  make(map[string]map[Subscriber]struct{}),
		reasm:   chunk.NewReassembler(),
	}
	c.installHooks()
	return c
}

// installHooks chains the Conn's demultiplexer onto the adapter's OnMessage
// hook, preserving any hook the adapter was built with.
func (c *Conn) installHooks() {
	switch a := c.adapter.(type) {
	case *wsAdapter:
		prev := a.hooks.OnMessage
		a.hooks.OnMessage = func(env Envelope) {
			if prev != nil {
				prev(env)
			}
			c.handleMessage(env)
		}
	case *brokerAdapter:
		prev := a.hooks.OnMessage
		a.hooks.OnMessage = func(env Envelope) {
			if prev != nil {
				prev(env)
			}
			c.handleMessage(env)
		}
	default:
		util.LogWarning("signaling adapter %T exposes no message hook; inbound traffic will be lost", c.adapter)
	}
}

// Connect dials a wrapped adapter. Shared conns connect during Acquire.
func (c *Conn) Connect(ctx context.Context, url string) error {
	return c.adapter.Connect(ctx, url)
}

// Subscribe attaches sub to topic, subscribing the adapter on first interest.
// A failed adapter subscribe rolls the registration back, so the next attempt
// reaches the adapter again instead of finding a phantom entry.
func (c *Conn) Subscribe(topic string, sub Subscriber) error {
	c.mu.Lock()
	subs, ok := c.topics[topic]
	if !ok {
		subs = make(map[Subscriber]struct{})
		c.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	first := !ok
	c.mu.Unlock()

	if !first {
		return nil
	}
	if err := c.adapter.Subscribe(topic); err != nil {
		c.mu.Lock()
		delete(c.topics, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe detaches sub from topic, unsubscribing the adapter when the
// last interested subscriber leaves.
func (c *Conn) Unsubscribe(topic string, sub Subscriber) error {
	c.mu.Lock()
	subs, ok := c.topics[topic]
	if ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(c.topics, topic)
		}
	}
	last := ok && len(subs) == 0
	c.mu.Unlock()

	if last {
		return c.adapter.Unsubscribe(topic)
	}
	return nil
}

// Publish fragments payload and publishes each piece to topic, stamping the
// sender id into every inner envelope.
func (c *Conn) Publish(topic, from string, payload []byte, limit int) error {
	for _, frame := range chunk.Fragment(payload, limit) {
		buf, err := json.Marshal(signalFrame{From: from, Data: frame})
		if err != nil {
			return err
		}
		if err := c.adapter.Publish(topic, buf); err != nil {
			return err
		}
	}
	return nil
}

// handleMessage demultiplexes one inbound envelope: reassemble keyed by the
// embedded sender id, then fan out the completed payload to every subscriber
// of the topic.
func (c *Conn) handleMessage(env Envelope) {
	var sf signalFrame
	if err := json.Unmarshal(env.Data, &sf); err != nil {
		util.LogDebug("malformed signaling envelope on %q: %v", env.Topic, err)
		return
	}

	payload, ok := c.reasm.Feed(sf.From, sf.Data)
	if !ok {
		return
	}

	c.mu.Lock()
	subs := make([]Subscriber, 0, len(c.topics[env.Topic]))
	for s := range c.topics[env.Topic] {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.HandleSignal(env.Topic, sf.From, payload)
	}
}

// Release drops one reference. The last release destroys the adapter and,
// for shared conns, removes the registry entry. Idempotent per acquisition.
func (c *Conn) Release() {
	c.mu.Lock()
	if c.refs == 0 {
		c.mu.Unlock()
		return
	}
	c.refs--
	last := c.refs == 0
	c.mu.Unlock()

	if !last {
		return
	}

	if c.shared {
		registry.mu.Lock()
		if registry.conns[c.url] == c {
			delete(registry.conns, c.url)
		}
		registry.mu.Unlock()
	}
	if err := c.adapter.Destroy(); err != nil {
		util.LogDebug("signaling adapter destroy: %v", err)
	}
}
