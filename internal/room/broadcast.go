package room

import "sync"

// The broadcast bus is a process-global named channel standing in for the
// same-device broadcast path: every room in the process subscribed to the
// same name sees every published message, including copies of messages that
// also travel over direct links. Delivery is per-subscriber ordered;
// subscribers filter out their own messages by sender id.

// busInboxSize bounds undelivered messages per subscriber.
const busInboxSize = 256

// BusMsg is one message on the broadcast bus.
type BusMsg struct {
	From string
	Kind string // "announce", "leave" or "payload"
	Data []byte // one encrypted fragment when Kind is "payload"
}

// Bus message kinds.
const (
	busAnnounce = "announce"
	busLeave    = "leave"
	busPayload  = "payload"
)

var bus = struct {
	mu    sync.Mutex
	rooms map[string]map[*BusSub]struct{}
}{rooms: make(map[string]map[*BusSub]struct{})}

// BusSub is one subscription to a named broadcast channel.
type BusSub struct {
	name    string
	inbox   chan BusMsg
	done    chan struct{}
	once    sync.Once
	handler func(BusMsg)
}

// subscribeBus attaches a handler to the named channel. Messages are
// delivered in publish order through a per-subscriber pump goroutine.
func subscribeBus(name string, handler func(BusMsg)) *BusSub {
	s := &BusSub{
		name:    name,
		inbox:   make(chan BusMsg, busInboxSize),
		done:    make(chan struct{}),
		handler: handler,
	}

	bus.mu.Lock()
	if bus.rooms[name] == nil {
		bus.rooms[name] = make(map[*BusSub]struct{})
	}
	bus.rooms[name][s] = struct{}{}
	bus.mu.Unlock()

	go s.pump()
	return s
}

func (s *BusSub) pump() {
	for {
		select {
		case msg := <-s.inbox:
			s.handler(msg)
		case <-s.done:
			return
		}
	}
}

// Close detaches the subscription. Idempotent.
func (s *BusSub) Close() {
	s.once.Do(func() {
		bus.mu.Lock()
		delete(bus.rooms[s.name], s)
		if len(bus.rooms[s.name]) == 0 {
			delete(bus.rooms, s.name)
		}
		bus.mu.Unlock()
		close(s.done)
	})
}

// publishBus delivers msg to every subscriber of the named channel,
// including the publisher's own subscription; senders suppress their own
// traffic by checking From. A subscriber with a full inbox loses the
// message rather than blocking the publisher.
func publishBus(name string, msg BusMsg) {
	bus.mu.Lock()
	subs := make([]*BusSub, 0, len(bus.rooms[name]))
	for s := range bus.rooms[name] {
		subs = append(subs, s)
	}
	bus.mu.Unlock()

	for _, s := range subs {
		select {
		case s.inbox <- msg:
		default:
		}
	}
}
