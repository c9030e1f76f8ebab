package link

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Saad5400/y-webrtc/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — the mesh is designed
// for direct connectivity with zero infrastructure cost.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Backpressure watermarks for the DataChannel send buffer.
const (
	highWaterMark = 256 * 1024
	lowWaterMark  = 64 * 1024
)

// WebRTC is the production Link over a pion PeerConnection with a single
// pre-negotiated DataChannel. Negotiated mode (ID 0) lets both sides create
// the channel independently without relying on OnDataChannel.
type WebRTC struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openSignal chan struct{}
	openOnce   sync.Once
	sendReady  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	onSignal func(SignalData)
	onData   func([]byte)
}

var _ Link = (*WebRTC)(nil)

// NewWebRTC creates a WebRTC link. The link is alive as long as the
// DataChannel is open and ctx has not been cancelled.
func NewWebRTC(ctx context.Context) (*WebRTC, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, err
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("sync", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	lCtx, lCancel := context.WithCancel(ctx)
	l := &WebRTC{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		sendReady:  make(chan struct{}, 1),
		ctx:        lCtx,
		cancel:     lCancel,
	}

	dc.OnOpen(func() {
		l.openOnce.Do(func() { close(l.openSignal) })
	})
	dc.OnClose(func() {
		lCancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		fn := l.onData
		l.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case l.sendReady <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer link state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			lCancel()
		}
	})

	// Trickle ICE: forward every gathered candidate through signaling.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		l.emitSignal(SignalData{Kind: SignalCandidate, Candidate: string(data)})
	})

	return l, nil
}

func (l *WebRTC) emitSignal(msg SignalData) {
	l.mu.Lock()
	fn := l.onSignal
	l.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// OnSignal registers the outbound handshake callback.
func (l *WebRTC) OnSignal(fn func(SignalData)) {
	l.mu.Lock()
	l.onSignal = fn
	l.mu.Unlock()
}

// OnData registers the inbound frame callback.
func (l *WebRTC) OnData(fn func([]byte)) {
	l.mu.Lock()
	l.onData = fn
	l.mu.Unlock()
}

// Start begins negotiation. The initiator creates and emits the SDP offer;
// the responder does nothing until the offer arrives via Signal.
func (l *WebRTC) Start(initiator bool) error {
	if !initiator {
		return nil
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	l.emitSignal(SignalData{Kind: SignalOffer, SDP: offer.SDP})
	return nil
}

// Signal applies one inbound handshake message.
func (l *WebRTC) Signal(msg SignalData) error {
	switch msg.Kind {
	case SignalOffer:
		err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  msg.SDP,
		})
		if err != nil {
			return err
		}
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		l.emitSignal(SignalData{Kind: SignalAnswer, SDP: answer.SDP})
		return nil

	case SignalAnswer:
		return l.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  msg.SDP,
		})

	case SignalCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return err
		}
		return l.pc.AddICECandidate(init)
	}
	return nil
}

// Send writes one frame to the DataChannel, blocking on the buffered-amount
// watermark when the channel's send buffer is full.
func (l *WebRTC) Send(data []byte) error {
	select {
	case <-l.openSignal:
	default:
		return ErrNotOpen
	}
	select {
	case <-l.ctx.Done():
		return ErrNotOpen
	default:
	}

	if l.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-l.sendReady:
		case <-l.ctx.Done():
			return ErrNotOpen
		}
	}
	return l.dc.Send(data)
}

// Ready is closed when the DataChannel opens.
func (l *WebRTC) Ready() <-chan struct{} { return l.openSignal }

// Done is closed when the link has shut down.
func (l *WebRTC) Done() <-chan struct{} { return l.ctx.Done() }

// Close shuts down the DataChannel and PeerConnection. Idempotent.
func (l *WebRTC) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}
