package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("hunter2", "roomA")
	b := DeriveKey("hunter2", "roomA")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestDeriveKeySaltedByRoom(t *testing.T) {
	a := DeriveKey("hunter2", "roomA")
	b := DeriveKey("hunter2", "roomB")
	assert.NotEqual(t, a, b, "the same passphrase must yield independent keys per room")
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := DeriveKey("secret", "room")
	plaintext := []byte("the quick brown fox")

	box, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, box)

	got, err := Open(key, box)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealRandomizesNonce(t *testing.T) {
	key := DeriveKey("secret", "room")
	a, err := Seal(key, []byte("msg"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("msg"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenWrongKeyFails(t *testing.T) {
	box, err := Seal(DeriveKey("secret", "room"), []byte("msg"))
	require.NoError(t, err)

	_, err = Open(DeriveKey("wrong", "room"), box)
	assert.Error(t, err)
}

func TestOpenTruncatedBoxFails(t *testing.T) {
	_, err := Open(DeriveKey("secret", "room"), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNilKeyIsIdentity(t *testing.T) {
	plaintext := []byte("in the clear")

	box, err := Seal(nil, plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, box)

	got, err := Open(nil, box)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}
