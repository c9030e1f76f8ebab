// Package crypto provides the room-level encryption boundary: symmetric key
// derivation from a shared passphrase and AES-GCM sealing of individual
// message fragments.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. The room name serves as the salt so that the
// same passphrase yields independent keys in different rooms.
const (
	keyLen     = 32
	iterations = 100000
)

// DeriveKey stretches a passphrase into a 256-bit AES key using
// PBKDF2-SHA256 with the room name as salt.
func DeriveKey(password, roomName string) []byte {
	return pbkdf2.Key([]byte(password), []byte(roomName), iterations, keyLen, sha256.New)
}

// Seal encrypts plaintext with AES-256-GCM under key, prefixing the random
// nonce to the ciphertext. A nil key returns the plaintext unchanged.
func Seal(key, plaintext []byte) ([]byte, error) {
	if key == nil {
		return plaintext, nil
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a box produced by Seal. A nil key returns the box unchanged.
func Open(key, box []byte) ([]byte, error) {
	if key == nil {
		return box, nil
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(box) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(box))
	}
	nonce, ciphertext := box[:aead.NonceSize()], box[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}
