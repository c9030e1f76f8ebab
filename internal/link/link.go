// Package link abstracts the direct peer-to-peer connection as a black box
// with open, data, and close events. The production implementation rides a
// pion/webrtc DataChannel; tests use an in-process pipe. Handshake payloads
// (SDP, ICE candidates) flow through the Signal/OnSignal surface so the
// owning room can relay them over whatever signaling path it has, without
// knowing their contents.
package link

import "errors"

// ErrNotOpen is returned by Send before the link has opened or after it has
// closed.
var ErrNotOpen = errors.New("link: not open")

// Signal kinds exchanged during link negotiation.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// SignalData is one opaque handshake message relayed between the two ends of
// a link through the signaling path.
type SignalData struct {
	Kind      string `json:"kind"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Link is one direct connection to a remote peer.
//
// Lifecycle: construct, register OnData/OnSignal callbacks, then Start. The
// initiating side (chosen by the caller's tie-break) produces the first
// handshake message; the responding side waits for it. Ready is closed when
// the link is open for data, Done when it is finished for any reason.
type Link interface {
	// Start begins negotiation. Exactly one side passes initiator=true.
	Start(initiator bool) error

	// Signal feeds an inbound handshake message from the remote side.
	Signal(msg SignalData) error

	// OnSignal registers the callback that ships outbound handshake
	// messages to the remote side. Must be set before Start.
	OnSignal(fn func(msg SignalData))

	// OnData registers the inbound frame callback. Frames are delivered
	// one at a time, in the order the transport produces them.
	OnData(fn func(data []byte))

	// Send writes one frame. Returns ErrNotOpen before open or after close.
	Send(data []byte) error

	// Ready is closed once the link is open for data.
	Ready() <-chan struct{}

	// Done is closed when the link has terminated.
	Done() <-chan struct{}

	// Close tears the link down. Idempotent.
	Close() error
}
