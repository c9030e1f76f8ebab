package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/Saad5400/y-webrtc/internal/util"
)

// Wire message verbs understood by the signaling server.
const (
	wirePublish     = "publish"
	wireSubscribe   = "subscribe"
	wireUnsubscribe = "unsubscribe"
	wirePing        = "ping"
	wirePong        = "pong"
)

// pingInterval is the keepalive period. A connection that misses a full
// interval without any inbound traffic is dropped and redialed.
const pingInterval = 30 * time.Second

// wireMsg is the JSON frame exchanged with the signaling server.
type wireMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	From   string   `json:"from,omitempty"`
	Data   []byte   `json:"data,omitempty"`
}

// wsAdapter is the direct adapter variant: one persistent WebSocket to a
// signaling server. Operations issued while the socket is down are silent
// no-ops, not queued; the adapter resubscribes its topic set itself after an
// automatic reconnect, so dropped subscribes self-heal and dropped publishes
// are lost by policy.
type wsAdapter struct {
	hooks Hooks
	from  string

	mu        sync.Mutex
	url       string
	conn      *websocket.Conn
	topics    map[string]struct{}
	connected bool
	destroyed bool
	cancel    context.CancelFunc
	ctx       context.Context

	writeMu sync.Mutex
}

var _ Adapter = (*wsAdapter)(nil)

func newWSAdapter(cfg Config) *wsAdapter {
	return &wsAdapter{
		hooks:  cfg.Hooks,
		from:   cfg.From,
		topics: make(map[string]struct{}),
	}
}

func (a *wsAdapter) Connect(ctx context.Context, url string) error {
	return run(a.hooks.BeforeConnect, func() error {
		a.mu.Lock()
		if a.destroyed {
			a.mu.Unlock()
			return ErrDestroyed
		}
		if a.connected {
			a.mu.Unlock()
			return nil
		}
		a.url = url
		aCtx, aCancel := context.WithCancel(ctx)
		a.ctx, a.cancel = aCtx, aCancel
		a.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			a.mu.Lock()
			a.cancel()
			a.mu.Unlock()
			return err
		}
		a.attach(conn)
		return nil
	}, a.hooks.AfterConnect, a.hooks.OnConnectError)
}

// attach installs a freshly dialed connection, replays the subscription set,
// and starts the session goroutines.
func (a *wsAdapter) attach(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	topics := make([]string, 0, len(a.topics))
	for t := range a.topics {
		topics = append(topics, t)
	}
	ctx := a.ctx
	a.mu.Unlock()

	if len(topics) > 0 {
		a.write(conn, wireMsg{Type: wireSubscribe, Topics: topics})
	}

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	var alive atomic.Bool
	alive.Store(true)

	go a.readLoop(conn, sessionCancel, &alive)
	go a.keepalive(sessionCtx, conn, &alive)

	a.hooks.emitConnect()
}

func (a *wsAdapter) readLoop(conn *websocket.Conn, sessionCancel context.CancelFunc, alive *atomic.Bool) {
	defer sessionCancel()

	for {
		var msg wireMsg
		if err := conn.ReadJSON(&msg); err != nil {
			a.onSessionLost(conn)
			return
		}
		alive.Store(true)

		switch msg.Type {
		case wirePublish:
			a.hooks.emitMessage(Envelope{Topic: msg.Topic, From: msg.From, Data: msg.Data})
		case wirePing:
			a.write(conn, wireMsg{Type: wirePong})
		case wirePong:
			// alive already recorded above
		}
	}
}

func (a *wsAdapter) keepalive(ctx context.Context, conn *websocket.Conn, alive *atomic.Bool) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !alive.Swap(false) {
				util.LogDebug("signaling keepalive missed, dropping connection")
				conn.Close()
				return
			}
			a.write(conn, wireMsg{Type: wirePing})
		case <-ctx.Done():
			return
		}
	}
}

// onSessionLost handles a dead socket: marks the adapter disconnected and
// kicks off the redial loop unless Disconnect or Destroy already ran.
func (a *wsAdapter) onSessionLost(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != conn {
		// Replaced or explicitly closed; nothing to do.
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connected = false
	ctx := a.ctx
	a.mu.Unlock()

	a.hooks.emitDisconnect()

	if ctx.Err() != nil {
		return
	}
	go a.redial(ctx)
}

func (a *wsAdapter) redial(ctx context.Context) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(0),
	), ctx)

	err := backoff.Retry(func() error {
		a.mu.Lock()
		url := a.url
		a.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			util.LogDebug("signaling redial failed: %v", err)
			return err
		}
		a.attach(conn)
		return nil
	}, policy)
	if err != nil && ctx.Err() == nil {
		util.LogWarning("signaling reconnect gave up: %v", err)
	}
}

func (a *wsAdapter) write(conn *websocket.Conn, msg wireMsg) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		util.LogDebug("signaling write failed: %v", err)
	}
}

// current returns the live connection, or nil while disconnected.
func (a *wsAdapter) current() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	return a.conn
}

func (a *wsAdapter) Subscribe(topics ...string) error {
	before := func() error {
		if a.hooks.BeforeSubscribe != nil {
			return a.hooks.BeforeSubscribe(topics)
		}
		return nil
	}
	after := func() {
		if a.hooks.AfterSubscribe != nil {
			a.hooks.AfterSubscribe(topics)
		}
	}
	return run(before, func() error {
		a.mu.Lock()
		for _, t := range topics {
			a.topics[t] = struct{}{}
		}
		a.mu.Unlock()

		if conn := a.current(); conn != nil {
			a.write(conn, wireMsg{Type: wireSubscribe, Topics: topics})
		}
		return nil
	}, after, nil)
}

func (a *wsAdapter) Unsubscribe(topics ...string) error {
	before := func() error {
		if a.hooks.BeforeUnsubscribe != nil {
			return a.hooks.BeforeUnsubscribe(topics)
		}
		return nil
	}
	after := func() {
		if a.hooks.AfterUnsubscribe != nil {
			a.hooks.AfterUnsubscribe(topics)
		}
	}
	return run(before, func() error {
		a.mu.Lock()
		for _, t := range topics {
			delete(a.topics, t)
		}
		a.mu.Unlock()

		if conn := a.current(); conn != nil {
			a.write(conn, wireMsg{Type: wireUnsubscribe, Topics: topics})
		}
		return nil
	}, after, nil)
}

func (a *wsAdapter) Publish(topic string, data []byte) error {
	topic, data, err := a.hooks.rewritePublish(topic, data)
	if err != nil {
		return err
	}
	return run(nil, func() error {
		conn := a.current()
		if conn == nil {
			// Drop policy: publishes while disconnected are lost.
			return nil
		}
		a.write(conn, wireMsg{Type: wirePublish, Topic: topic, From: a.from, Data: data})
		return nil
	}, func() {
		if a.hooks.AfterPublish != nil {
			a.hooks.AfterPublish(topic, data)
		}
	}, nil)
}

func (a *wsAdapter) Disconnect() error {
	return run(a.hooks.BeforeDisconnect, func() error {
		a.mu.Lock()
		if !a.connected && a.cancel == nil {
			a.mu.Unlock()
			return nil
		}
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
		conn := a.conn
		wasConnected := a.connected
		a.conn = nil
		a.connected = false
		a.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if wasConnected {
			a.hooks.emitDisconnect()
		}
		return nil
	}, a.hooks.AfterDisconnect, a.hooks.OnDisconnectError)
}

func (a *wsAdapter) Destroy() error {
	a.mu.Lock()
	a.destroyed = true
	a.mu.Unlock()
	return a.Disconnect()
}
