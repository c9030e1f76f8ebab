package signaling

import (
	"context"
	"sync"
)

// Broker is the third-party pub/sub system behind a bridged adapter. The
// key difference from a plain socket is per-topic readiness: joining a topic
// may take a round trip to the backend, and the broker reports completion by
// closing the returned channel.
type Broker interface {
	Connect(ctx context.Context, url string) error
	Disconnect() error

	// Join subscribes to a topic. The returned channel is closed once the
	// subscription is acknowledged and the topic is ready for traffic.
	Join(topic string) (ready <-chan struct{}, err error)
	Leave(topic string) error

	Send(topic string, from string, data []byte) error

	// OnMessage registers the single inbound callback.
	OnMessage(fn func(env Envelope))
}

// brokerAdapter is the bridged adapter variant. Publishes issued before a
// topic subscription is acknowledged are queued and flushed once the topic
// becomes ready, preserving submission order per topic — the opposite of
// the direct adapter's drop policy.
type brokerAdapter struct {
	hooks  Hooks
	from   string
	broker Broker

	mu        sync.Mutex
	topics    map[string]*topicState
	connected bool
	destroyed bool
}

// topicState tracks readiness and the pending publish queue of one topic.
// ready is set only after the queue has fully drained, so a publish issued
// during the flush joins the queue instead of overtaking it.
type topicState struct {
	ready   bool
	pending []pendingPublish
}

type pendingPublish struct {
	data []byte
}

var _ Adapter = (*brokerAdapter)(nil)

func newBrokerAdapter(cfg Config) *brokerAdapter {
	a := &brokerAdapter{
		hooks:  cfg.Hooks,
		from:   cfg.From,
		broker: cfg.Broker,
		topics: make(map[string]*topicState),
	}
	a.broker.OnMessage(func(env Envelope) {
		a.hooks.emitMessage(env)
	})
	return a
}

func (a *brokerAdapter) Connect(ctx context.Context, url string) error {
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
		a.mu.Unlock()

		if err := a.broker.Connect(ctx, url); err != nil {
			return err
		}
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		a.hooks.emitConnect()
		return nil
	}, a.hooks.AfterConnect, a.hooks.OnConnectError)
}

func (a *brokerAdapter) Subscribe(topics ...string) error {
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
		for _, topic := range topics {
			a.mu.Lock()
			if _, ok := a.topics[topic]; ok {
				a.mu.Unlock()
				continue
			}
			st := &topicState{}
			a.topics[topic] = st
			a.mu.Unlock()

			ready, err := a.broker.Join(topic)
			if err != nil {
				a.mu.Lock()
				delete(a.topics, topic)
				a.mu.Unlock()
				return err
			}
			go a.watchReady(topic, st, ready)
		}
		return nil
	}, after, nil)
}

// watchReady flushes the pending queue in submission order once the broker
// acknowledges the topic. Draining happens in rounds with the lock released
// around the sends; publishes racing the flush append to the queue and are
// picked up by the next round, and only an empty queue flips ready.
func (a *brokerAdapter) watchReady(topic string, st *topicState, ready <-chan struct{}) {
	<-ready

	a.mu.Lock()
	for {
		if a.topics[topic] != st {
			// Unsubscribed; drop the queue.
			a.mu.Unlock()
			return
		}
		if len(st.pending) == 0 {
			break
		}
		queue := st.pending
		st.pending = nil
		a.mu.Unlock()

		for _, p := range queue {
			a.broker.Send(topic, a.from, p.data)
		}
		a.mu.Lock()
	}
	st.ready = true
	a.mu.Unlock()
}

func (a *brokerAdapter) Unsubscribe(topics ...string) error {
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
		for _, topic := range topics {
			a.mu.Lock()
			_, ok := a.topics[topic]
			delete(a.topics, topic)
			a.mu.Unlock()
			if !ok {
				continue
			}
			if err := a.broker.Leave(topic); err != nil {
				return err
			}
		}
		return nil
	}, after, nil)
}

func (a *brokerAdapter) Publish(topic string, data []byte) error {
	topic, data, err := a.hooks.rewritePublish(topic, data)
	if err != nil {
		return err
	}
	return run(nil, func() error {
		a.mu.Lock()
		st, ok := a.topics[topic]
		if ok && !st.ready {
			// Queue policy: hold until the topic subscription is
			// acknowledged, then flush in order.
			st.pending = append(st.pending, pendingPublish{data: data})
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
		return a.broker.Send(topic, a.from, data)
	}, func() {
		if a.hooks.AfterPublish != nil {
			a.hooks.AfterPublish(topic, data)
		}
	}, nil)
}

func (a *brokerAdapter) Disconnect() error {
	return run(a.hooks.BeforeDisconnect, func() error {
		a.mu.Lock()
		if !a.connected {
			a.mu.Unlock()
			return nil
		}
		a.connected = false
		a.mu.Unlock()

		if err := a.broker.Disconnect(); err != nil {
			return err
		}
		a.hooks.emitDisconnect()
		return nil
	}, a.hooks.AfterDisconnect, a.hooks.OnDisconnectError)
}

func (a *brokerAdapter) Destroy() error {
	a.mu.Lock()
	a.destroyed = true
	a.mu.Unlock()
	return a.Disconnect()
}
