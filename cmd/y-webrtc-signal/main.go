// y-webrtc-signal — standalone WebSocket signaling server.
//
// Rooms use this server only for peer discovery and handshake exchange: the
// protocol is plain topic pub/sub. Clients send subscribe/unsubscribe with a
// topic list, publish with a topic and payload, and ping; the server relays
// every publish to the other subscribers of its topic and answers pong.
// Payload bytes are never inspected.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/Saad5400/y-webrtc/internal/util"
)

var version = "dev"

// pingInterval matches the client keepalive period; a client that stays
// silent for a full interval after a server ping is dropped.
const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireMsg is the JSON frame of the signaling protocol.
type wireMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	From   string   `json:"from,omitempty"`
	Data   []byte   `json:"data,omitempty"`
}

// hub tracks which client subscribes to which topic.
type hub struct {
	mu     sync.Mutex
	topics map[string]map[*client]struct{}
}

func newHub() *hub {
	return &hub{topics: make(map[string]map[*client]struct{})}
}

// client is one connected WebSocket session.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	topics  map[string]struct{}
	alive   atomic.Bool
}

func (c *client) write(msg wireMsg) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		util.LogDebug("write to %s failed: %v", c.conn.RemoteAddr(), err)
	}
}

func (h *hub) subscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if h.topics[t] == nil {
			h.topics[t] = make(map[*client]struct{})
		}
		h.topics[t][c] = struct{}{}
		c.topics[t] = struct{}{}
	}
}

func (h *hub) unsubscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		delete(h.topics[t], c)
		if len(h.topics[t]) == 0 {
			delete(h.topics, t)
		}
		delete(c.topics, t)
	}
}

// relay forwards one publish to every other subscriber of its topic.
func (h *hub) relay(sender *client, msg wireMsg) {
	h.mu.Lock()
	receivers := make([]*client, 0, len(h.topics[msg.Topic]))
	for c := range h.topics[msg.Topic] {
		if c != sender {
			receivers = append(receivers, c)
		}
	}
	h.mu.Unlock()

	for _, c := range receivers {
		c.write(msg)
	}
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	for t := range c.topics {
		delete(h.topics[t], c)
		if len(h.topics[t]) == 0 {
			delete(h.topics, t)
		}
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, topics: make(map[string]struct{})}
	c.alive.Store(true)
	util.LogDebug("client connected: %s", conn.RemoteAddr())

	go h.keepalive(c)

	for {
		var msg wireMsg
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		c.alive.Store(true)

		switch msg.Type {
		case "subscribe":
			h.subscribe(c, msg.Topics)
		case "unsubscribe":
			h.unsubscribe(c, msg.Topics)
		case "publish":
			h.relay(c, msg)
		case "ping":
			c.write(wireMsg{Type: "pong"})
		}
	}

	h.drop(c)
	util.LogDebug("client disconnected: %s", conn.RemoteAddr())
}

func (h *hub) keepalive(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !c.alive.Swap(false) {
			util.LogDebug("client %s unresponsive, dropping", c.conn.RemoteAddr())
			h.drop(c)
			return
		}
		c.write(wireMsg{Type: "ping"})
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", ":4444", "listen address")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Printfln("y-webrtc-signal — v%s", version)

	h := newHub()
	server := &http.Server{
		Addr:    *addr,
		Handler: http.HandlerFunc(h.handleWS),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	util.LogInfo("listening on %s", *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.LogError("server failed: %v", err)
		os.Exit(1)
	}
}
