// Package ywebrtc maintains an encrypted, multi-peer mesh scoped to a named
// room. Peers discover each other through pluggable pub/sub signaling
// backends and a same-device broadcast channel, then exchange opaque
// application payloads of any size over WebRTC data channels, fragmenting
// and reassembling transparently around the transport's message-size
// ceiling.
//
// The Provider is the application-facing facade: it wires one or more
// signaling connections and one room together and exposes status, synced
// and peer-membership events. The payloads themselves are opaque; conflict
// resolution and deduplication belong to the document model feeding them.
package ywebrtc

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Saad5400/y-webrtc/internal/chunk"
	"github.com/Saad5400/y-webrtc/internal/events"
	"github.com/Saad5400/y-webrtc/internal/room"
	"github.com/Saad5400/y-webrtc/internal/util"
	"github.com/Saad5400/y-webrtc/signaling"
)

// DefaultChunkLimit is the default fragmentation threshold in bytes.
const DefaultChunkLimit = chunk.DefaultLimit

// StatusEvent reports signaling connectivity.
type StatusEvent struct {
	Connected bool
}

// SyncedEvent reports the advisory room-level sync status.
type SyncedEvent struct {
	Synced bool
}

// PeersEvent describes one membership change. Added and Removed are the
// symmetric difference against the previous snapshot.
type PeersEvent struct {
	Added       []string
	Removed     []string
	WebRTCPeers []string
	BCPeers     []string
}

// Options configures a Provider.
type Options struct {
	// Signaling lists signaling server URLs. Connections are shared
	// process-wide: two providers pointed at the same URL ride one
	// socket and one subscription set.
	Signaling []string

	// Adapters supplies pre-built signaling adapters instead of (or in
	// addition to) URLs. They are connected in place; an adapter that
	// needs an endpoint should capture it at construction.
	Adapters []signaling.Adapter

	// Password, when non-empty, encrypts all payloads with a key derived
	// from it and the room name.
	Password string

	// PeerID overrides the local peer id. Empty means a random id.
	PeerID string

	// MaxConns caps simultaneous direct peer connections. Zero means the
	// default base of 20 plus a random jitter of up to 15.
	MaxConns int

	// FilterBCConns controls whether broadcast-path peers count toward
	// reported membership. Nil means true.
	FilterBCConns *bool

	// ChunkLimit is the fragmentation threshold in bytes. Zero means
	// DefaultChunkLimit.
	ChunkLimit int

	// Handler receives every inbound application payload. Payloads may
	// arrive more than once when both the direct and broadcast paths
	// deliver them; idempotent handling is the receiver's job.
	Handler func(peerID string, payload []byte)
}

// Provider connects one document's room to its signaling backends.
type Provider struct {
	roomName string
	peerID   string
	opts     Options
	room     *room.Room

	mu        sync.Mutex
	acquired  []*signaling.Conn
	connected bool
	destroyed bool

	statusFeed *events.Feed[StatusEvent]
	peersFeed  *events.Feed[PeersEvent]
	syncedFeed *events.Feed[SyncedEvent]
}

// New creates a Provider for the named room. Call Connect to join the mesh.
func New(roomName string, opts Options) *Provider {
	peerID := opts.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	filterBC := true
	if opts.FilterBCConns != nil {
		filterBC = *opts.FilterBCConns
	}

	p := &Provider{
		roomName:   roomName,
		peerID:     peerID,
		opts:       opts,
		statusFeed: events.New[StatusEvent](),
		peersFeed:  events.New[PeersEvent](),
		syncedFeed: events.New[SyncedEvent](),
	}
	p.room = room.New(room.Options{
		Name:          roomName,
		PeerID:        peerID,
		Password:      opts.Password,
		MaxConns:      opts.MaxConns,
		FilterBCConns: filterBC,
		ChunkLimit:    opts.ChunkLimit,
		Handler:       opts.Handler,
	})
	return p
}

// PeerID returns the local peer id used in discovery and envelopes.
func (p *Provider) PeerID() string { return p.peerID }

// Connect acquires the signaling connections, joins the room on every one
// of them, and starts event forwarding.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed || p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = true
	p.mu.Unlock()

	for _, url := range p.opts.Signaling {
		conn, err := signaling.Acquire(ctx, url)
		if err != nil {
			util.LogWarning("signaling %q unavailable: %v", url, err)
			continue
		}
		p.track(conn)
		p.room.AttachConn(conn)
	}
	for _, adapter := range p.opts.Adapters {
		conn := signaling.Wrap(adapter)
		if err := conn.Connect(ctx, ""); err != nil {
			util.LogWarning("signaling adapter connect failed: %v", err)
		}
		p.track(conn)
		p.room.AttachConn(conn)
	}

	// Subscribe before the room connects so no membership or sync event
	// published during or right after Connect can be missed.
	peersCh, peersCancel := p.room.PeersFeed().Subscribe()
	syncedCh, syncedCancel := p.room.SyncedFeed().Subscribe()

	if err := p.room.Connect(ctx); err != nil {
		peersCancel()
		syncedCancel()
		return err
	}

	go p.forwardPeers(peersCh, peersCancel)
	go p.forwardSynced(syncedCh, syncedCancel)

	p.statusFeed.Publish(StatusEvent{Connected: true})
	return nil
}

func (p *Provider) track(conn *signaling.Conn) {
	p.mu.Lock()
	p.acquired = append(p.acquired, conn)
	p.mu.Unlock()
}

func (p *Provider) forwardPeers(ch <-chan room.PeersEvent, cancel func()) {
	defer cancel()
	for ev := range ch {
		p.peersFeed.Publish(PeersEvent{
			Added:       ev.Added,
			Removed:     ev.Removed,
			WebRTCPeers: ev.WebRTCPeers,
			BCPeers:     ev.BCPeers,
		})
	}
}

func (p *Provider) forwardSynced(ch <-chan bool, cancel func()) {
	defer cancel()
	for synced := range ch {
		p.syncedFeed.Publish(SyncedEvent{Synced: synced})
	}
}

// Broadcast routes one opaque payload to every peer in the room, over both
// the direct-link and broadcast paths.
func (p *Provider) Broadcast(payload []byte) error {
	return p.room.Broadcast(payload)
}

// SetSynced records the application's sync status for one peer. Purely
// advisory: it feeds the Synced event, never gates delivery.
func (p *Provider) SetSynced(peerID string, synced bool) {
	p.room.SetSynced(peerID, synced)
}

// WebRTCPeers returns the ids of all tracked direct peers, sorted.
func (p *Provider) WebRTCPeers() []string { return p.room.WebRTCPeers() }

// BCPeers returns the ids of all broadcast-path peers, sorted.
func (p *Provider) BCPeers() []string { return p.room.BCPeers() }

// Status returns the connectivity event feed and its cancel function.
func (p *Provider) Status() (<-chan StatusEvent, func()) {
	return p.statusFeed.Subscribe()
}

// Peers returns the membership event feed and its cancel function.
func (p *Provider) Peers() (<-chan PeersEvent, func()) {
	return p.peersFeed.Subscribe()
}

// Synced returns the sync-status event feed and its cancel function.
func (p *Provider) Synced() (<-chan SyncedEvent, func()) {
	return p.syncedFeed.Subscribe()
}

// Destroy tears everything down: the room with all its peers, the topic
// subscriptions, and this provider's references on the shared signaling
// connections. Idempotent.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	wasConnected := p.connected
	p.connected = false
	conns := p.acquired
	p.acquired = nil
	p.mu.Unlock()

	p.room.Destroy()
	for _, c := range conns {
		c.Release()
	}

	if wasConnected {
		p.statusFeed.Publish(StatusEvent{Connected: false})
	}
	p.statusFeed.Close()
	p.peersFeed.Close()
	p.syncedFeed.Close()
}
