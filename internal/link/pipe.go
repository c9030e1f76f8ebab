package link

import "sync"

// pipeInboxSize bounds in-flight frames per direction of a pipe.
const pipeInboxSize = 256

// Pipe returns two connected in-process links for tests. The handshake is a
// miniature offer/answer round trip through Signal/OnSignal, so tests that
// relay handshake messages over a signaling path exercise the same flow as
// the WebRTC link. Frames are delivered in order; closing either end
// terminates both.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

// PipeEnd is one side of an in-process link pair.
type PipeEnd struct {
	peer *PipeEnd

	inbox chan []byte

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu       sync.Mutex
	onSignal func(SignalData)
	onData   func([]byte)
}

var _ Link = (*PipeEnd)(nil)

func newPipeEnd() *PipeEnd {
	return &PipeEnd{
		inbox: make(chan []byte, pipeInboxSize),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (p *PipeEnd) pump() {
	for {
		select {
		case data := <-p.inbox:
			p.mu.Lock()
			fn := p.onData
			p.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		case <-p.done:
			return
		}
	}
}

func (p *PipeEnd) emitSignal(msg SignalData) {
	p.mu.Lock()
	fn := p.onSignal
	p.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (p *PipeEnd) open() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// OnSignal registers the outbound handshake callback.
func (p *PipeEnd) OnSignal(fn func(SignalData)) {
	p.mu.Lock()
	p.onSignal = fn
	p.mu.Unlock()
}

// OnData registers the inbound frame callback.
func (p *PipeEnd) OnData(fn func([]byte)) {
	p.mu.Lock()
	p.onData = fn
	p.mu.Unlock()
}

// Start begins the mock handshake: the initiator emits an offer, the
// responder answers it, and each side opens on receipt.
func (p *PipeEnd) Start(initiator bool) error {
	if initiator {
		p.emitSignal(SignalData{Kind: SignalOffer, SDP: "pipe-offer"})
	}
	return nil
}

// Signal applies one inbound handshake message.
func (p *PipeEnd) Signal(msg SignalData) error {
	switch msg.Kind {
	case SignalOffer:
		p.open()
		p.emitSignal(SignalData{Kind: SignalAnswer, SDP: "pipe-answer"})
	case SignalAnswer:
		p.open()
	}
	return nil
}

// Send delivers one frame to the remote end's data callback.
func (p *PipeEnd) Send(data []byte) error {
	select {
	case <-p.ready:
	default:
		return ErrNotOpen
	}
	select {
	case <-p.done:
		return ErrNotOpen
	case p.peer.inbox <- data:
		return nil
	}
}

// Ready is closed when the handshake has completed on this side.
func (p *PipeEnd) Ready() <-chan struct{} { return p.ready }

// Done is closed when either end has closed.
func (p *PipeEnd) Done() <-chan struct{} { return p.done }

// Close terminates both ends. Idempotent.
func (p *PipeEnd) Close() error {
	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *PipeEnd) shutdown() {
	p.doneOnce.Do(func() { close(p.done) })
}
