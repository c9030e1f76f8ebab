package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	f := New[int]()
	a, cancelA := f.Subscribe()
	b, cancelB := f.Subscribe()
	defer cancelA()
	defer cancelB()

	f.Publish(7)

	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
}

func TestCancelStopsDelivery(t *testing.T) {
	f := New[int]()
	ch, cancel := f.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open, "cancelling must close the subscriber channel")

	f.Publish(1) // must not panic
	cancel()     // idempotent
}

func TestCloseClosesSubscribers(t *testing.T) {
	f := New[string]()
	ch, _ := f.Subscribe()

	f.Close()
	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	late, _ := f.Subscribe()
	_, open = <-late
	assert.False(t, open)

	f.Close() // idempotent
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	f := New[int]()
	ch, cancel := f.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		f.Publish(i)
	}

	// The oldest events were displaced; the newest must still be present.
	var got []int
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, subscriberBuffer+4, got[len(got)-1])
	assert.Len(t, got, subscriberBuffer)
}
