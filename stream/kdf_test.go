package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	secret := []byte("shared-secret-at-least-32-bytes!!")
	var nonce [NonceSize]byte
	copy(nonce[:], []byte("0123456789abcdef"))

	a := DeriveKeys(secret, 99, nonce)
	b := DeriveKeys(secret, 99, nonce)
	assert.Equal(t, a, b, "KDF must be deterministic given identical inputs")
	assert.NotEqual(t, a.Stream, a.Mac, "stream and mac keys must differ")
}

func TestDeriveKeysSaltChangesOutput(t *testing.T) {
	secret := []byte("shared-secret-at-least-32-bytes!!")
	var nonce [NonceSize]byte
	a := DeriveKeys(secret, 1, nonce)
	b := DeriveKeys(secret, 2, nonce)
	assert.NotEqual(t, a.Stream, b.Stream)
}

func TestDeriveKeysNonceChangesOutput(t *testing.T) {
	secret := []byte("shared-secret-at-least-32-bytes!!")
	var n1, n2 [NonceSize]byte
	n2[0] = 1
	a := DeriveKeys(secret, 1, n1)
	b := DeriveKeys(secret, 1, n2)
	assert.NotEqual(t, a.Stream, b.Stream)
}
