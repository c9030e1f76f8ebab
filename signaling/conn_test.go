package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the reassembled payloads dispatched to one subscriber.
type recorder struct {
	mu   sync.Mutex
	got  []string
	from []string
}

func (r *recorder) HandleSignal(_, from string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, string(payload))
	r.from = append(r.from, from)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func newBridgedConn(t *testing.T, hub *MemoryHub, from string) *Conn {
	t.Helper()
	a, err := New(Config{Variant: VariantBridged, Broker: hub.Client(), From: from})
	require.NoError(t, err)
	c := Wrap(a)
	require.NoError(t, c.Connect(context.Background(), ""))
	return c
}

func TestConnRoutesByTopic(t *testing.T) {
	hub := NewMemoryHub()
	local := newBridgedConn(t, hub, "local")
	defer local.Release()

	roomA, roomB := &recorder{}, &recorder{}
	require.NoError(t, local.Subscribe("room-a", roomA))
	require.NoError(t, local.Subscribe("room-b", roomB))

	remote := newBridgedConn(t, hub, "remote")
	defer remote.Release()

	require.NoError(t, remote.Publish("room-a", "remote", []byte("for a"), 1000))
	require.NoError(t, remote.Publish("room-b", "remote", []byte("for b"), 1000))

	assert.Equal(t, []string{"for a"}, roomA.payloads(), "a subscriber must only see its own topic's traffic")
	assert.Equal(t, []string{"for b"}, roomB.payloads())
	assert.Equal(t, []string{"remote"}, roomA.from)
}

func TestConnReassemblesChunkedPublish(t *testing.T) {
	hub := NewMemoryHub()
	local := newBridgedConn(t, hub, "local")
	defer local.Release()

	rec := &recorder{}
	require.NoError(t, local.Subscribe("room", rec))

	remote := newBridgedConn(t, hub, "remote")
	defer remote.Release()

	big := make([]byte, 500)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	require.NoError(t, remote.Publish("room", "remote", big, 64))

	sent := remoteSentCount(remote)
	assert.Greater(t, sent, 1, "a payload over the threshold must travel as multiple envelopes")

	got := rec.payloads()
	require.Len(t, got, 1, "the subscriber must see one reassembled message")
	assert.Equal(t, string(big), got[0])
}

func remoteSentCount(c *Conn) int {
	return len(c.adapter.(*brokerAdapter).broker.(*MemoryBroker).Sent())
}

func TestConnInterleavedSenders(t *testing.T) {
	hub := NewMemoryHub()
	local := newBridgedConn(t, hub, "local")
	defer local.Release()

	rec := &recorder{}
	require.NoError(t, local.Subscribe("room", rec))

	alice := newBridgedConn(t, hub, "alice")
	defer alice.Release()
	bob := newBridgedConn(t, hub, "bob")
	defer bob.Release()

	// Two senders fragment over the shared topic; reassembly is keyed per
	// sender, so the streams cannot corrupt each other.
	fill := func(b byte) []byte {
		payload := make([]byte, 300)
		for i := range payload {
			payload[i] = b
		}
		return payload
	}
	require.NoError(t, alice.Publish("room", "alice", fill('A'), 50))
	require.NoError(t, bob.Publish("room", "bob", fill('B'), 50))

	require.Eventually(t, func() bool { return len(rec.payloads()) == 2 }, 2*time.Second, 10*time.Millisecond)
	for i, p := range rec.payloads() {
		want := fill('A')
		if rec.from[i] == "bob" {
			want = fill('B')
		}
		assert.Equal(t, string(want), p, "reassembled stream mixed bytes from another sender")
	}
}

func TestConnLastDetachUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	local := newBridgedConn(t, hub, "local")
	defer local.Release()

	a, b := &recorder{}, &recorder{}
	require.NoError(t, local.Subscribe("room", a))
	require.NoError(t, local.Subscribe("room", b))

	remote := newBridgedConn(t, hub, "remote")
	defer remote.Release()

	require.NoError(t, local.Unsubscribe("room", a))
	require.NoError(t, remote.Publish("room", "remote", []byte("still here"), 1000))
	assert.Empty(t, a.payloads())
	assert.Equal(t, []string{"still here"}, b.payloads(), "the remaining subscriber keeps the topic alive")

	require.NoError(t, local.Unsubscribe("room", b))
	require.NoError(t, remote.Publish("room", "remote", []byte("gone"), 1000))
	assert.Equal(t, []string{"still here"}, b.payloads(), "the last detach must drop the adapter subscription")
}

// flakyJoinBroker refuses a configurable number of Join calls before
// behaving normally.
type flakyJoinBroker struct {
	*MemoryBroker
	mu       sync.Mutex
	failures int
}

func (b *flakyJoinBroker) Join(topic string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("join refused")
	}
	return b.MemoryBroker.Join(topic)
}

func TestConnSubscribeFailureLeavesRetryPath(t *testing.T) {
	hub := NewMemoryHub()
	broker := &flakyJoinBroker{MemoryBroker: hub.Client(), failures: 1}
	adapter, err := New(Config{Variant: VariantBridged, Broker: broker, From: "local"})
	require.NoError(t, err)
	local := Wrap(adapter)
	defer local.Release()
	require.NoError(t, local.Connect(context.Background(), ""))

	rec := &recorder{}
	require.Error(t, local.Subscribe("room", rec))

	// The failed attempt must not leave a phantom registration behind:
	// the retry has to reach the adapter and actually subscribe.
	require.NoError(t, local.Subscribe("room", rec))

	remote := newBridgedConn(t, hub, "remote")
	defer remote.Release()
	require.NoError(t, remote.Publish("room", "remote", []byte("after retry"), 1000))

	require.Eventually(t, func() bool { return len(rec.payloads()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "after retry", rec.payloads()[0])
}

func TestConnReleaseDestroysAdapter(t *testing.T) {
	hub := NewMemoryHub()
	c := newBridgedConn(t, hub, "local")

	c.Release()
	c.Release() // extra releases are no-ops

	assert.ErrorIs(t, c.Connect(context.Background(), ""), ErrDestroyed)
}
