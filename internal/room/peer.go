package room

import (
	"sync"
	"sync/atomic"

	"github.com/Saad5400/y-webrtc/internal/chunk"
	"github.com/Saad5400/y-webrtc/internal/crypto"
	"github.com/Saad5400/y-webrtc/internal/link"
	"github.com/Saad5400/y-webrtc/internal/util"
)

// PeerState is the lifecycle state of a direct peer connection.
type PeerState int32

const (
	StateNew PeerState = iota
	StateConnecting
	StateConnected
	// StateSynced is advisory, set by the application once a full sync
	// round has completed. It gates status reporting only, never message
	// delivery.
	StateSynced
	StateClosed
)

// String returns the state name for logging.
func (s PeerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Peer is the per-remote-peer state machine wrapping one direct link. It
// owns that peer's reassembly arena; the arena dies with the peer.
type Peer struct {
	room *Room
	id   string
	lnk  link.Link

	arena *chunk.Arena

	state     atomic.Int32
	closeOnce sync.Once
}

func newPeer(r *Room, remoteID string, lnk link.Link) *Peer {
	p := &Peer{
		room:  r,
		id:    remoteID,
		lnk:   lnk,
		arena: chunk.NewArena(),
	}
	p.state.Store(int32(StateNew))
	return p
}

// ID returns the remote peer id.
func (p *Peer) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Peer) State() PeerState { return PeerState(p.state.Load()) }

// start wires the link callbacks and begins negotiation. initiator is the
// outcome of the room's discovery tie-break.
func (p *Peer) start(initiator bool) {
	p.lnk.OnSignal(func(msg link.SignalData) {
		p.room.sendPeerSignal(p.id, msg)
	})
	p.lnk.OnData(p.handleData)

	go p.watch()

	p.state.CompareAndSwap(int32(StateNew), int32(StateConnecting))
	if err := p.lnk.Start(initiator); err != nil {
		util.LogDebug("peer %s: negotiation start failed: %v", p.id, err)
		p.Close()
	}
}

// watch follows the link lifecycle: open moves the state machine to
// connected, termination closes the peer.
func (p *Peer) watch() {
	select {
	case <-p.lnk.Ready():
		if p.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
			util.LogDebug("peer %s: link open", p.id)
		}
	case <-p.lnk.Done():
		p.Close()
		return
	}

	<-p.lnk.Done()
	p.Close()
}

// signal feeds one inbound handshake message into the link.
func (p *Peer) signal(msg link.SignalData) {
	if err := p.lnk.Signal(msg); err != nil {
		util.LogDebug("peer %s: handshake %s rejected: %v", p.id, msg.Kind, err)
	}
}

// handleData pushes one inbound frame through reassembly and, on
// completion, decrypts and routes the payload.
func (p *Peer) handleData(data []byte) {
	payload, ok := p.arena.Feed(data)
	if !ok {
		return
	}
	plain, err := crypto.Open(p.room.key(), payload)
	if err != nil {
		util.LogDebug("peer %s: undecryptable payload dropped: %v", p.id, err)
		return
	}
	p.room.deliver(p.id, plain)
}

// sendFrames writes pre-fragmented frames to the link in index order.
// A link that is not yet open or already dead drops the message; the state
// machine, not the sender, observes the failure.
func (p *Peer) sendFrames(frames [][]byte) {
	for _, f := range frames {
		if err := p.lnk.Send(f); err != nil {
			util.LogDebug("peer %s: send dropped: %v", p.id, err)
			return
		}
	}
}

// setSynced records the advisory synced flag from the application.
func (p *Peer) setSynced(synced bool) {
	if synced {
		p.state.CompareAndSwap(int32(StateConnected), int32(StateSynced))
	} else {
		p.state.CompareAndSwap(int32(StateSynced), int32(StateConnected))
	}
}

// Close moves the peer to its terminal state. Idempotent. The teardown
// order is fixed: purge the reassembly arena, remove the peer from the
// room's set (which emits the membership notification), then release the
// link.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.state.Store(int32(StateClosed))
		p.arena.Purge()
		p.room.removePeer(p.id, p)
		if err := p.lnk.Close(); err != nil {
			util.LogDebug("peer %s: link close: %v", p.id, err)
		}
	})
}
