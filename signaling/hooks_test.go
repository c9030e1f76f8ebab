package signaling

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSequencing(t *testing.T) {
	var order []string

	err := run(
		func() error { order = append(order, "before"); return nil },
		func() error { order = append(order, "op"); return nil },
		func() { order = append(order, "after") },
		func(error) { order = append(order, "err") },
	)

	require.NoError(t, err)
	assert.Equal(t, []string{"before", "op", "after"}, order)
}

func TestRunBeforeFailureSkipsOperation(t *testing.T) {
	boom := errors.New("boom")
	var order []string
	var seen error

	err := run(
		func() error { order = append(order, "before"); return boom },
		func() error { order = append(order, "op"); return nil },
		func() { order = append(order, "after") },
		func(e error) { seen = e },
	)

	assert.ErrorIs(t, err, boom, "the original failure must be re-raised to the caller")
	assert.ErrorIs(t, seen, boom)
	assert.Equal(t, []string{"before"}, order)
}

func TestRunOperationFailureSkipsAfter(t *testing.T) {
	boom := errors.New("boom")
	var afterRan bool

	err := run(
		nil,
		func() error { return boom },
		func() { afterRan = true },
		nil,
	)

	assert.ErrorIs(t, err, boom)
	assert.False(t, afterRan)
}

func TestConnectHookOrder(t *testing.T) {
	var order []string
	hub := NewMemoryHub()

	a, err := New(Config{
		Variant: VariantBridged,
		Broker:  hub.Client(),
		Hooks: Hooks{
			BeforeConnect: func() error { order = append(order, "before"); return nil },
			AfterConnect:  func() { order = append(order, "after") },
			OnConnect:     func() { order = append(order, "session") },
		},
	})
	require.NoError(t, err)

	require.NoError(t, a.Connect(context.Background(), ""))
	assert.Equal(t, []string{"before", "session", "after"}, order)
}

// failingBroker refuses to connect; used to check error hook propagation.
type failingBroker struct {
	MemoryBroker
	err error
}

func (f *failingBroker) Connect(context.Context, string) error { return f.err }

func TestConnectErrorHookAndReRaise(t *testing.T) {
	boom := errors.New("no route")
	var seen error

	a, err := New(Config{
		Variant: VariantBridged,
		Broker:  &failingBroker{err: boom},
		Hooks: Hooks{
			OnConnectError: func(e error) { seen = e },
			AfterConnect:   func() { t.Fatal("after hook must not fire on failure") },
		},
	})
	require.NoError(t, err)

	err = a.Connect(context.Background(), "")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, seen, boom)
}

func TestBeforePublishSubstitution(t *testing.T) {
	hub := NewMemoryHub()
	broker := hub.Client()

	a, err := New(Config{
		Variant: VariantBridged,
		Broker:  broker,
		From:    "alice",
		Hooks: Hooks{
			BeforePublish: func(topic string, data []byte) (string, []byte, error) {
				return "rewritten", append([]byte("x:"), data...), nil
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background(), ""))

	require.NoError(t, a.Publish("original", []byte("payload")))

	sent := broker.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "rewritten", sent[0].Topic)
	assert.Equal(t, []byte("x:payload"), sent[0].Data)
}

func TestBeforePublishVeto(t *testing.T) {
	hub := NewMemoryHub()
	broker := hub.Client()
	veto := errors.New("not allowed")

	a, err := New(Config{
		Variant: VariantBridged,
		Broker:  broker,
		Hooks: Hooks{
			BeforePublish: func(topic string, data []byte) (string, []byte, error) {
				return "", nil, veto
			},
		},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, a.Publish("t", []byte("p")), veto)
	assert.Empty(t, broker.Sent())
}
