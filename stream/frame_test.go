package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codecPair(t *testing.T, m Modifier) (*Codec, *Codec) {
	t.Helper()
	secret := bytes.Repeat([]byte{0xAB}, 32)
	var nonce [NonceSize]byte
	copy(nonce[:], bytes.Repeat([]byte{0x01}, NonceSize))
	keys := DeriveKeys(secret, 12345, nonce)

	enc, err := NewCodec(m, keys, DefaultPadRange)
	require.NoError(t, err)
	dec, err := NewCodec(m, keys, DefaultPadRange)
	require.NoError(t, err)
	return enc, dec
}

func TestFrameRoundTrip(t *testing.T) {
	for _, m := range []Modifier{ModPositionalXorRotate, ModRotatingSalt, ModSubstitutionTable} {
		enc, dec := codecPair(t, m)
		for i := 0; i < 5; i++ {
			payload := []byte("GET / HTTP/1.0\r\n\r\n")
			wire, err := enc.EncodeFrame(payload)
			require.NoError(t, err)
			got, err := dec.DecodeFrame(bytes.NewReader(wire))
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		}
	}
}

func TestFrameBadTagOnBitFlip(t *testing.T) {
	enc, dec := codecPair(t, ModPositionalXorRotate)
	wire, err := enc.EncodeFrame([]byte("hello"))
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0x01 // flip a bit inside the obfuscated tag region

	_, err = dec.DecodeFrame(bytes.NewReader(wire))
	assert.Error(t, err)
}

func TestFrameSeqMismatchRejected(t *testing.T) {
	enc, dec := codecPair(t, ModRotatingSalt)
	// encode two frames, then try to decode only the second
	_, err := enc.EncodeFrame([]byte("one"))
	require.NoError(t, err)
	wire2, err := enc.EncodeFrame([]byte("two"))
	require.NoError(t, err)

	_, err = dec.DecodeFrame(bytes.NewReader(wire2))
	assert.ErrorIs(t, err, ErrSeqMismatch)
}

func TestFrameOversizePayloadRejected(t *testing.T) {
	enc, _ := codecPair(t, ModSubstitutionTable)
	_, err := enc.EncodeFrame(make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrBadLen)
}

func TestFrameTruncatedRead(t *testing.T) {
	enc, dec := codecPair(t, ModPositionalXorRotate)
	wire, err := enc.EncodeFrame([]byte("hello"))
	require.NoError(t, err)

	_, err = dec.DecodeFrame(bytes.NewReader(wire[:len(wire)-2]))
	assert.Error(t, err)
}
