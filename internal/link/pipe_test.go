package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relay wires the two ends' handshake callbacks to each other, the way a
// signaling path would.
func relay(t *testing.T, a, b *PipeEnd) {
	t.Helper()
	a.OnSignal(func(msg SignalData) { require.NoError(t, b.Signal(msg)) })
	b.OnSignal(func(msg SignalData) { require.NoError(t, a.Signal(msg)) })
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPipeHandshake(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	relay(t, a, b)

	require.NoError(t, a.Start(true))
	require.NoError(t, b.Start(false))

	waitClosed(t, a.Ready(), "initiator ready")
	waitClosed(t, b.Ready(), "responder ready")
}

func TestPipeSendBeforeOpen(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	_ = b

	err := a.Send([]byte("too early"))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestPipeOrderedDelivery(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	relay(t, a, b)

	got := make(chan []byte, 16)
	b.OnData(func(data []byte) { got <- data })

	require.NoError(t, a.Start(true))
	require.NoError(t, b.Start(false))
	waitClosed(t, a.Ready(), "initiator ready")

	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, f := range frames {
		require.NoError(t, a.Send(f))
	}

	for _, want := range frames {
		select {
		case data := <-got:
			assert.Equal(t, want, data)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestPipeCloseTerminatesBothEnds(t *testing.T) {
	a, b := Pipe()
	relay(t, a, b)

	require.NoError(t, a.Start(true))
	waitClosed(t, a.Ready(), "initiator ready")

	require.NoError(t, b.Close())
	waitClosed(t, a.Done(), "initiator done")
	waitClosed(t, b.Done(), "responder done")

	require.NoError(t, b.Close()) // repeat is harmless
	assert.ErrorIs(t, a.Send([]byte("late")), ErrNotOpen)
}
