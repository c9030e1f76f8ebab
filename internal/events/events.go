// Package events provides a minimal typed publish-subscribe feed for
// component lifecycle notifications. One writer, many subscribers, each
// consuming through its own buffered channel.
package events

import "sync"

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind loses its oldest unread event rather than blocking
// the publisher.
const subscriberBuffer = 16

// Feed is a typed event feed. The zero value is not usable; create with New.
type Feed[T any] struct {
	mu     sync.Mutex
	closed bool
	subs   map[chan T]struct{}
}

// New creates an empty feed.
func New[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[chan T]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed when the subscription is cancelled or the
// feed itself is closed.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, subscriberBuffer)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber without blocking. A full subscriber
// drops its oldest unread event to make room.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Close shuts the feed down and closes every subscriber channel. Idempotent.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}
