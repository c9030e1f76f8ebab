package signaling

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsTestHub is a miniature signaling server speaking the adapter's wire
// protocol. It implements http.Handler so tests can mount it on any
// listener, sever its clients, or bring it back after a shutdown.
type wsTestHub struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	topics  map[string]map[*websocket.Conn]struct{}
	conns   []*websocket.Conn
}

func newWSTestHub() *wsTestHub {
	return &wsTestHub{topics: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *wsTestHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		var msg wireMsg
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case wireSubscribe:
			h.mu.Lock()
			for _, topic := range msg.Topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*websocket.Conn]struct{})
				}
				h.topics[topic][conn] = struct{}{}
			}
			h.mu.Unlock()
		case wireUnsubscribe:
			h.mu.Lock()
			for _, topic := range msg.Topics {
				delete(h.topics[topic], conn)
			}
			h.mu.Unlock()
		case wirePublish:
			h.mu.Lock()
			receivers := make([]*websocket.Conn, 0, len(h.topics[msg.Topic]))
			for c := range h.topics[msg.Topic] {
				if c != conn {
					receivers = append(receivers, c)
				}
			}
			h.mu.Unlock()
			for _, c := range receivers {
				h.write(c, msg)
			}
		case wirePing:
			h.write(conn, wireMsg{Type: wirePong})
		}
	}

	h.mu.Lock()
	for _, set := range h.topics {
		delete(set, conn)
	}
	h.mu.Unlock()
}

func (h *wsTestHub) write(conn *websocket.Conn, msg wireMsg) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
	}
}

// subscriberCount reports how many live connections follow topic.
func (h *wsTestHub) subscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// dropClients severs every accepted connection, simulating a server-side
// failure that forces the adapters to redial.
func (h *wsTestHub) dropClients() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type envelopeLog struct {
	mu  sync.Mutex
	got []Envelope
}

func (l *envelopeLog) hook(env Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, env)
}

func (l *envelopeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
}

func (l *envelopeLog) last() Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.got[len(l.got)-1]
}

func TestWSDropsOperationsWhileDisconnected(t *testing.T) {
	a, err := New(Config{Variant: VariantWebSocket})
	require.NoError(t, err)

	// Never connected: publishes are lost by policy, subscribes only
	// record the topic set for replay. No operation errors.
	assert.NoError(t, a.Publish("room", []byte("lost")))
	assert.NoError(t, a.Subscribe("room"))
	assert.NoError(t, a.Unsubscribe("room"))
	assert.NoError(t, a.Disconnect())
	assert.NoError(t, a.Destroy())
}

func TestWSSubscribeRelay(t *testing.T) {
	hub := newWSTestHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	log := &envelopeLog{}
	recv, err := New(Config{Variant: VariantWebSocket, Hooks: Hooks{OnMessage: log.hook}})
	require.NoError(t, err)
	defer recv.Destroy()
	require.NoError(t, recv.Connect(context.Background(), wsURL(srv.URL)))
	require.NoError(t, recv.Subscribe("room"))

	// Subscribe is fire-and-forget on the wire; wait until the server has
	// registered it before publishing.
	require.Eventually(t, func() bool { return hub.subscriberCount("room") == 1 }, 2*time.Second, 10*time.Millisecond)

	send, err := New(Config{Variant: VariantWebSocket, From: "bob"})
	require.NoError(t, err)
	defer send.Destroy()
	require.NoError(t, send.Connect(context.Background(), wsURL(srv.URL)))
	require.NoError(t, send.Publish("room", []byte("hi")))

	require.Eventually(t, func() bool { return log.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	env := log.last()
	assert.Equal(t, "room", env.Topic)
	assert.Equal(t, "bob", env.From)
	assert.Equal(t, []byte("hi"), env.Data)
}

func TestWSReconnectReplaysSubscriptions(t *testing.T) {
	hub := newWSTestHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	var connects atomic.Int32
	log := &envelopeLog{}
	recv, err := New(Config{Variant: VariantWebSocket, Hooks: Hooks{
		OnMessage: log.hook,
		OnConnect: func() { connects.Add(1) },
	}})
	require.NoError(t, err)
	defer recv.Destroy()
	require.NoError(t, recv.Connect(context.Background(), wsURL(srv.URL)))
	require.NoError(t, recv.Subscribe("room"))
	require.Eventually(t, func() bool { return hub.subscriberCount("room") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.dropClients()

	// The adapter redials on its own and replays the topic set.
	require.Eventually(t, func() bool { return connects.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return hub.subscriberCount("room") == 1 }, 5*time.Second, 20*time.Millisecond)

	send, err := New(Config{Variant: VariantWebSocket, From: "bob"})
	require.NoError(t, err)
	defer send.Destroy()
	require.NoError(t, send.Connect(context.Background(), wsURL(srv.URL)))
	require.NoError(t, send.Publish("room", []byte("after reconnect")))

	require.Eventually(t, func() bool { return log.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("after reconnect"), log.last().Data)
}

func TestWSDestroyCancelsReconnect(t *testing.T) {
	hub := newWSTestHub()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	srv := &http.Server{Handler: hub}
	go srv.Serve(ln)

	var connects atomic.Int32
	a, err := New(Config{Variant: VariantWebSocket, Hooks: Hooks{
		OnConnect: func() { connects.Add(1) },
	}})
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background(), "ws://"+addr))
	require.Equal(t, int32(1), connects.Load())

	// Kill the server, putting the adapter into its redial loop, then
	// destroy the adapter while the loop is failing.
	require.NoError(t, srv.Close())
	require.NoError(t, a.Destroy())

	// Bring the server back. A live redial loop would reconnect within
	// the first backoff intervals; a destroyed adapter must not.
	var ln2 net.Listener
	require.Eventually(t, func() bool {
		var lerr error
		ln2, lerr = net.Listen("tcp", addr)
		return lerr == nil
	}, 2*time.Second, 50*time.Millisecond)
	srv2 := &http.Server{Handler: hub}
	go srv2.Serve(ln2)
	defer srv2.Close()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), connects.Load(), "a destroyed adapter must not redial")
}
