package signaling

// Hooks is the adapter lifecycle hook table: an explicit struct of optional
// callbacks. Every field may be nil. Sequencing and error propagation are
// enforced centrally by run, not by each adapter: the Before hook fires
// ahead of the operation's effect, the After hook fires only when the
// operation succeeded, and on failure the error hook (where one exists)
// fires and the original error is re-raised to the caller. Hooks never
// swallow errors.
type Hooks struct {
	BeforeConnect    func() error
	AfterConnect     func()
	BeforeDisconnect func() error
	AfterDisconnect  func()

	BeforeSubscribe   func(topics []string) error
	AfterSubscribe    func(topics []string)
	BeforeUnsubscribe func(topics []string) error
	AfterUnsubscribe  func(topics []string)

	// BeforePublish may substitute the outgoing (topic, data) pair by
	// returning different values; returning the inputs leaves the publish
	// unchanged.
	BeforePublish func(topic string, data []byte) (string, []byte, error)
	AfterPublish  func(topic string, data []byte)

	// OnConnect / OnDisconnect observe transport-level session changes,
	// including automatic reconnects.
	OnConnect    func()
	OnDisconnect func()

	// OnMessage receives every inbound envelope.
	OnMessage func(env Envelope)

	OnConnectError    func(error)
	OnDisconnectError func(error)
}

// run executes before → op → after with uniform error propagation. A nil
// before/after/onErr is skipped. The returned error is always the original
// failure, whether it came from the before hook or the operation.
func run(before func() error, op func() error, after func(), onErr func(error)) error {
	if before != nil {
		if err := before(); err != nil {
			if onErr != nil {
				onErr(err)
			}
			return err
		}
	}
	if err := op(); err != nil {
		if onErr != nil {
			onErr(err)
		}
		return err
	}
	if after != nil {
		after()
	}
	return nil
}

func (h *Hooks) emitConnect() {
	if h.OnConnect != nil {
		h.OnConnect()
	}
}

func (h *Hooks) emitDisconnect() {
	if h.OnDisconnect != nil {
		h.OnDisconnect()
	}
}

func (h *Hooks) emitMessage(env Envelope) {
	if h.OnMessage != nil {
		h.OnMessage(env)
	}
}

// rewritePublish applies the BeforePublish substitution, defaulting to the
// original pair.
func (h *Hooks) rewritePublish(topic string, data []byte) (string, []byte, error) {
	if h.BeforePublish == nil {
		return topic, data, nil
	}
	return h.BeforePublish(topic, data)
}
