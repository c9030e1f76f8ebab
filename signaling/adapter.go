// Package signaling implements the signaling side of the mesh: the pluggable
// pub/sub adapter contract, the two adapter variants (a direct WebSocket
// connection and a bridge over a third-party broker), and the shared,
// refcounted connection that multiplexes topic subscriptions for any number
// of rooms pointed at the same endpoint.
package signaling

import (
	"context"
	"errors"
)

// ErrMissingBroker is returned by New when a bridged adapter is requested
// without supplying the backing broker. Raised synchronously so the caller
// fails before any connect attempt.
var ErrMissingBroker = errors.New("signaling: bridged adapter requires a broker")

// ErrDestroyed is returned by operations on a destroyed adapter.
var ErrDestroyed = errors.New("signaling: adapter destroyed")

// Envelope is the unit of signaling traffic: an opaque payload published to
// a topic, tagged with the publisher's peer id so receivers can key chunk
// reassembly on it.
type Envelope struct {
	Topic string `json:"topic"`
	From  string `json:"from,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// Adapter is the pluggable pub/sub backend used for peer discovery and
// handshake exchange. Implementations deliver inbound traffic and lifecycle
// transitions through the hook table supplied at construction.
//
// Whether an operation issued while the backend is not ready is dropped or
// queued is a per-variant policy: the direct adapter drops, the bridged
// adapter queues per topic. See the variant docs.
type Adapter interface {
	Connect(ctx context.Context, url string) error
	Disconnect() error
	Subscribe(topics ...string) error
	Unsubscribe(topics ...string) error
	Publish(topic string, data []byte) error
	Destroy() error
}

// Variant selects the adapter implementation.
type Variant string

const (
	// VariantWebSocket is the direct adapter over a persistent WebSocket.
	VariantWebSocket Variant = "websocket"
	// VariantBridged is the adapter over a third-party pub/sub broker.
	VariantBridged Variant = "bridged"
)

// Config selects and parameterizes an adapter variant.
type Config struct {
	Variant Variant
	// Broker backs the bridged variant. Required for VariantBridged.
	Broker Broker
	// From is the local peer id stamped on published envelopes.
	From string
	// Hooks is the lifecycle hook table. May be zero.
	Hooks Hooks
}

// New is the adapter factory. It fails fast with ErrMissingBroker when the
// bridged variant is requested without a broker.
func New(cfg Config) (Adapter, error) {
	switch cfg.Variant {
	case VariantBridged:
		if cfg.Broker == nil {
			return nil, ErrMissingBroker
		}
		return newBrokerAdapter(cfg), nil
	case VariantWebSocket, "":
		return newWSAdapter(cfg), nil
	default:
		return nil, errors.New("signaling: unknown adapter variant " + string(cfg.Variant))
	}
}
