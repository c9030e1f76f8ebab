// Package room implements the per-document mesh coordinator: it tracks peer
// membership across the direct-link and broadcast discovery paths, enforces
// connection admission limits, owns the encryption boundary, and routes
// encrypted, fragmented payloads to every destination.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"

	"github.com/Saad5400/y-webrtc/internal/chunk"
	"github.com/Saad5400/y-webrtc/internal/crypto"
	"github.com/Saad5400/y-webrtc/internal/events"
	"github.com/Saad5400/y-webrtc/internal/link"
	"github.com/Saad5400/y-webrtc/internal/util"
	"github.com/Saad5400/y-webrtc/signaling"
)

// ErrNotConnected is returned by Broadcast before Connect has completed.
// Rejecting early publishes (rather than queueing them) guarantees no
// payload can leave the room before the encryption key is in place.
var ErrNotConnected = errors.New("room: not connected")

// Admission defaults: the effective limit is the base plus a random jitter
// so many rooms started simultaneously do not converge on identical limits.
const (
	defaultMaxConns = 20
	maxConnsJitter  = 16
)

// Discovery message types exchanged on the room's signaling topic.
const (
	discAnnounce = "announce"
	discSignal   = "signal"
	discLeave    = "leave"
)

// discoveryMsg is the JSON discovery envelope. Signal messages carry one
// opaque handshake payload for the direct link; To routes targeted messages.
type discoveryMsg struct {
	Type   string           `json:"type"`
	From   string           `json:"from"`
	To     string           `json:"to,omitempty"`
	Signal *link.SignalData `json:"signal,omitempty"`
}

// PeersEvent describes one membership change. Added and Removed are the
// symmetric difference against the previously reported snapshot.
type PeersEvent struct {
	Added       []string
	Removed     []string
	WebRTCPeers []string
	BCPeers     []string
}

// Options configures a Room.
type Options struct {
	Name   string
	PeerID string
	// Password, when non-empty, enables payload encryption with a key
	// derived before the room accepts its first publish.
	Password string
	// MaxConns caps simultaneous direct peers. Zero means the default
	// base plus jitter.
	MaxConns int
	// FilterBCConns excludes broadcast-path peers from reported
	// membership.
	FilterBCConns bool
	// ChunkLimit is the fragmentation threshold in bytes. Zero means
	// chunk.DefaultLimit.
	ChunkLimit int
	// NewLink builds one direct peer link to the given remote. Nil means
	// WebRTC.
	NewLink func(ctx context.Context, remoteID string) (link.Link, error)
	// Handler receives every inbound application payload after
	// reassembly and decryption.
	Handler func(from string, payload []byte)
}

// Room is the mesh coordinator for one named document.
type Room struct {
	name   string
	peerID string
	opts   Options

	maxConns int
	limit    int

	ctx    context.Context
	cancel context.CancelFunc

	// keyVal is set during Connect, before any subscription or publish,
	// and is immutable afterwards.
	keyVal   []byte
	keyReady chan struct{}

	mu        sync.Mutex
	conns     []*signaling.Conn
	peers     map[string]*Peer
	bcPeers   map[string]struct{}
	reported  map[string]struct{}
	connected bool
	destroyed bool
	synced    bool

	busSub  *BusSub
	bcReasm *chunk.Reassembler

	peersFeed  *events.Feed[PeersEvent]
	syncedFeed *events.Feed[bool]
}

// New creates a Room. Attach signaling connections with AttachConn, then
// call Connect.
func New(opts Options) *Room {
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns + rand.Intn(maxConnsJitter)
	}
	limit := opts.ChunkLimit
	if limit <= 0 {
		limit = chunk.DefaultLimit
	}
	return &Room{
		name:       opts.Name,
		peerID:     opts.PeerID,
		opts:       opts,
		maxConns:   maxConns,
		limit:      limit,
		keyReady:   make(chan struct{}),
		peers:      make(map[string]*Peer),
		bcPeers:    make(map[string]struct{}),
		reported:   make(map[string]struct{}),
		bcReasm:    chunk.NewReassembler(),
		peersFeed:  events.New[PeersEvent](),
		syncedFeed: events.New[bool](),
	}
}

// Name returns the room name, which doubles as its signaling topic.
func (r *Room) Name() string { return r.name }

// PeersFeed returns the membership event feed.
func (r *Room) PeersFeed() *events.Feed[PeersEvent] { return r.peersFeed }

// SyncedFeed emits whenever the room's advisory synced status flips.
func (r *Room) SyncedFeed() *events.Feed[bool] { return r.syncedFeed }

// AttachConn adds a signaling connection. Must be called before Connect.
func (r *Room) AttachConn(c *signaling.Conn) {
	r.mu.Lock()
	r.conns = append(r.conns, c)
	r.mu.Unlock()
}

// Connect derives the encryption key, attaches the broadcast subscriber,
// subscribes the room topic on every signaling connection, and announces
// presence on both discovery paths.
func (r *Room) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return errors.New("room: destroyed")
	}
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	conns := append([]*signaling.Conn(nil), r.conns...)
	r.mu.Unlock()

	// The key must exist before anything can be published.
	if r.opts.Password != "" {
		r.keyVal = crypto.DeriveKey(r.opts.Password, r.name)
	}
	close(r.keyReady)

	sub := subscribeBus(r.name, r.handleBus)

	r.mu.Lock()
	r.busSub = sub
	r.connected = true
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Subscribe(r.name, r); err != nil {
			util.LogWarning("room %q: topic subscribe failed: %v", r.name, err)
		}
	}

	r.announce("")
	publishBus(r.name, BusMsg{From: r.peerID, Kind: busAnnounce})
	return nil
}

// key returns the symmetric key, or nil when the room is unencrypted.
func (r *Room) key() []byte { return r.keyVal }

// announce publishes a presence announcement on every signaling connection,
// optionally targeted at one peer.
func (r *Room) announce(to string) {
	r.publishDiscovery(discoveryMsg{Type: discAnnounce, From: r.peerID, To: to})
}

func (r *Room) publishDiscovery(msg discoveryMsg) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return
	}
	r.mu.Lock()
	conns := append([]*signaling.Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, c := range conns {
		if err := c.Publish(r.name, r.peerID, buf, r.limit); err != nil {
			util.LogDebug("room %q: discovery publish failed: %v", r.name, err)
		}
	}
}

// sendPeerSignal relays one outbound handshake message for a direct link.
func (r *Room) sendPeerSignal(remoteID string, msg link.SignalData) {
	r.publishDiscovery(discoveryMsg{Type: discSignal, From: r.peerID, To: remoteID, Signal: &msg})
}

// HandleSignal implements signaling.Subscriber: it routes one reassembled
// signaling payload for this room's topic.
func (r *Room) HandleSignal(topic, from string, payload []byte) {
	if topic != r.name || from == r.peerID {
		return
	}

	var msg discoveryMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		util.LogDebug("room %q: malformed discovery message: %v", r.name, err)
		return
	}
	if msg.From == r.peerID || (msg.To != "" && msg.To != r.peerID) {
		return
	}

	switch msg.Type {
	case discAnnounce:
		created := r.maybeConnect(msg.From)
		// Reply to untargeted announces so the newcomer learns about us.
		if msg.To == "" && created {
			r.announce(msg.From)
		}

	case discSignal:
		if msg.Signal == nil {
			return
		}
		r.mu.Lock()
		p := r.peers[msg.From]
		r.mu.Unlock()
		if p == nil && msg.Signal.Kind == link.SignalOffer {
			// Offer from a peer we have not tracked yet: become the
			// responding side, subject to admission.
			p = r.addPeer(msg.From, false)
		}
		if p != nil {
			p.signal(*msg.Signal)
		}

	case discLeave:
		r.mu.Lock()
		p := r.peers[msg.From]
		r.mu.Unlock()
		if p != nil {
			p.Close()
		}
	}
}

// maybeConnect creates a direct link to a newly discovered peer. The
// initiating side is decided deterministically: the lexicographically
// smaller peer id dials, so two simultaneous discoveries never produce
// duplicate connections. Reports whether a new peer was tracked.
func (r *Room) maybeConnect(remoteID string) bool {
	r.mu.Lock()
	_, exists := r.peers[remoteID]
	r.mu.Unlock()
	if exists {
		return false
	}
	return r.addPeer(remoteID, r.peerID < remoteID) != nil
}

// addPeer creates and starts a peer connection, subject to admission
// control: at or above the limit the peer is silently skipped.
func (r *Room) addPeer(remoteID string, initiator bool) *Peer {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	if p, ok := r.peers[remoteID]; ok {
		r.mu.Unlock()
		return p
	}
	if len(r.peers) >= r.maxConns {
		r.mu.Unlock()
		util.LogDebug("room %q: admission limit %d reached, skipping peer %s", r.name, r.maxConns, remoteID)
		return nil
	}
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	lnk, err := r.newLink(ctx, remoteID)
	if err != nil {
		util.LogWarning("room %q: link construction for %s failed: %v", r.name, remoteID, err)
		return nil
	}

	p := newPeer(r, remoteID, lnk)

	r.mu.Lock()
	if r.destroyed || r.peers[remoteID] != nil || len(r.peers) >= r.maxConns {
		existing := r.peers[remoteID]
		r.mu.Unlock()
		lnk.Close()
		return existing
	}
	r.peers[remoteID] = p
	r.mu.Unlock()

	r.emitMembership()
	p.start(initiator)
	return p
}

func (r *Room) newLink(ctx context.Context, remoteID string) (link.Link, error) {
	if r.opts.NewLink != nil {
		return r.opts.NewLink(ctx, remoteID)
	}
	return link.NewWebRTC(ctx)
}

// removePeer drops p from the peer set and emits the membership change.
// Called from Peer.Close only.
func (r *Room) removePeer(id string, p *Peer) {
	r.mu.Lock()
	changed := r.peers[id] == p
	if changed {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if changed {
		r.emitMembership()
		r.recomputeSynced()
	}
}

// handleBus processes one message from the same-device broadcast channel.
func (r *Room) handleBus(msg BusMsg) {
	if msg.From == r.peerID {
		return
	}

	switch msg.Kind {
	case busAnnounce:
		r.mu.Lock()
		_, known := r.bcPeers[msg.From]
		if !known {
			r.bcPeers[msg.From] = struct{}{}
		}
		r.mu.Unlock()
		if !known {
			r.emitMembership()
			// Announce back so the newcomer sees us; a known sender is
			// never re-answered, so the exchange terminates.
			publishBus(r.name, BusMsg{From: r.peerID, Kind: busAnnounce})
		}

	case busLeave:
		r.mu.Lock()
		_, known := r.bcPeers[msg.From]
		delete(r.bcPeers, msg.From)
		r.mu.Unlock()
		if known {
			r.emitMembership()
		}
		r.bcReasm.Purge(msg.From)

	case busPayload:
		// Broadcast fragments are encrypted individually: decrypt first,
		// then reassemble.
		frame, err := crypto.Open(r.key(), msg.Data)
		if err != nil {
			util.LogDebug("room %q: undecryptable broadcast fragment from %s", r.name, msg.From)
			return
		}
		payload, ok := r.bcReasm.Feed(msg.From, frame)
		if !ok {
			return
		}
		r.deliver(msg.From, payload)
	}
}

// deliver hands one reassembled, decrypted payload to the application.
// Delivery is not deduplicated across the direct and broadcast paths; the
// document model is responsible for idempotent handling.
func (r *Room) deliver(from string, payload []byte) {
	if r.opts.Handler != nil {
		r.opts.Handler(from, payload)
	}
}

// Broadcast routes one outbound application payload: encrypt, fragment, and
// fan out to every connected direct peer and the broadcast channel. On the
// broadcast path fragmentation happens before encryption so each published
// message's ciphertext is bounded by the fragment size.
func (r *Room) Broadcast(payload []byte) error {
	select {
	case <-r.keyReady:
	default:
		return ErrNotConnected
	}
	r.mu.Lock()
	if !r.connected || r.destroyed {
		r.mu.Unlock()
		return ErrNotConnected
	}
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	// Direct path: whole payload encrypted once, then fragmented.
	sealed, err := crypto.Seal(r.key(), payload)
	if err != nil {
		return err
	}
	frames := chunk.Fragment(sealed, r.limit)
	for _, p := range peers {
		p.sendFrames(frames)
	}

	// Broadcast path: fragment first, encrypt per fragment.
	for _, frame := range chunk.Fragment(payload, r.limit) {
		sealedFrame, err := crypto.Seal(r.key(), frame)
		if err != nil {
			return err
		}
		publishBus(r.name, BusMsg{From: r.peerID, Kind: busPayload, Data: sealedFrame})
	}
	return nil
}

// SetSynced records the application's advisory sync status for one peer.
func (r *Room) SetSynced(peerID string, synced bool) {
	r.mu.Lock()
	p := r.peers[peerID]
	r.mu.Unlock()
	if p == nil {
		return
	}
	p.setSynced(synced)
	r.recomputeSynced()
}

// recomputeSynced emits on the synced feed when the room-level status
// (at least one direct peer synced) flips.
func (r *Room) recomputeSynced() {
	r.mu.Lock()
	current := false
	for _, p := range r.peers {
		if p.State() == StateSynced {
			current = true
			break
		}
	}
	changed := current != r.synced
	r.synced = current
	r.mu.Unlock()
	if changed {
		r.syncedFeed.Publish(current)
	}
}

// WebRTCPeers returns the ids of all tracked direct peers, sorted.
func (r *Room) WebRTCPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeysPeers(r.peers)
}

// BCPeers returns the ids of all broadcast-path peers, sorted.
func (r *Room) BCPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.bcPeers)
}

// emitMembership publishes a PeersEvent when the reported peer set changed.
// Broadcast-path peers are excluded from the reported set when
// FilterBCConns is on, but the event's BCPeers list always carries them.
func (r *Room) emitMembership() {
	r.mu.Lock()
	webrtcPeers := sortedKeysPeers(r.peers)
	bcPeers := sortedKeys(r.bcPeers)

	current := make(map[string]struct{}, len(r.peers)+len(r.bcPeers))
	for id := range r.peers {
		current[id] = struct{}{}
	}
	if !r.opts.FilterBCConns {
		for id := range r.bcPeers {
			current[id] = struct{}{}
		}
	}

	var added, removed []string
	for id := range current {
		if _, ok := r.reported[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range r.reported {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	r.reported = current
	r.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return
	}
	sort.Strings(added)
	sort.Strings(removed)
	r.peersFeed.Publish(PeersEvent{
		Added:       added,
		Removed:     removed,
		WebRTCPeers: webrtcPeers,
		BCPeers:     bcPeers,
	})
}

// Destroy tears the room down: leave announcements, every peer closed,
// every topic unsubscribed, broadcast subscriber detached. Idempotent.
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	wasConnected := r.connected
	r.connected = false
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	conns := append([]*signaling.Conn(nil), r.conns...)
	sub := r.busSub
	cancel := r.cancel
	r.mu.Unlock()

	if wasConnected {
		r.publishDiscovery(discoveryMsg{Type: discLeave, From: r.peerID})
		publishBus(r.name, BusMsg{From: r.peerID, Kind: busLeave})
	}

	for _, p := range peers {
		p.Close()
	}
	for _, c := range conns {
		if err := c.Unsubscribe(r.name, r); err != nil {
			util.LogDebug("room %q: topic unsubscribe failed: %v", r.name, err)
		}
	}
	if sub != nil {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}
	r.peersFeed.Close()
	r.syncedFeed.Close()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysPeers(peers map[string]*Peer) []string {
	out := make([]string, 0, len(peers))
	for k := range peers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
