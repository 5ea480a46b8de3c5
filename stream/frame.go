package stream

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/pkg/errors"
)

// MaxPayload is the largest payload a single frame may carry (spec §3).
const MaxPayload = 16384

// TagSize is the length of the HMAC integrity tag appended to every
// frame, truncated to 128 bits (spec §8 "Tag detection" property).
const TagSize = 16

// headerSize is seq[4] + payload_len[2] + pad_len[2].
const headerSize = 4 + 2 + 2

// minRecord/maxRecord bound the 2-byte obfuscated length prefix; a
// prefix outside this range is a BadLen error rather than a giant
// allocation.
const (
	minRecord = headerSize + TagSize
	maxRecord = headerSize + MaxPayload + 256 /*pad max*/ + TagSize
)

// Frame-level protocol errors (spec §4.3, §7 "Protocol" taxonomy). All
// are connection-fatal: the caller closes the connection and counts
// the event.
var (
	ErrBadLen      = errors.New("stream: frame length out of range")
	ErrTruncated   = errors.New("stream: truncated frame")
	ErrBadTag      = errors.New("stream: HMAC tag mismatch")
	ErrSeqMismatch = errors.New("stream: out-of-order or replayed sequence number")
)

// PadRange holds the inclusive [min,max] padding bounds (spec §4.3).
type PadRange struct {
	Min uint16
	Max uint16
}

// DefaultPadRange matches spec §4.3's stated default.
var DefaultPadRange = PadRange{Min: 16, Max: 256}

// Codec frames one direction of one connection: it owns the sequence
// counter, session keys and modifier, and is not safe for concurrent
// use by more than one goroutine (the bridge serializes each
// direction onto its own Codec, spec §5 "no shared mutable state is
// accessed without a lock").
type Codec struct {
	modifier Modifier
	mod      byteModifier
	kstream  [KeySize]byte
	kmac     [KeySize]byte
	pad      PadRange

	sendSeq uint32
	recvSeq uint32
}

// NewCodec builds a frame codec for one direction given the session
// keys derived by DeriveKeys and the configured modifier/padding.
func NewCodec(m Modifier, keys SessionKeys, pad PadRange) (*Codec, error) {
	bm, err := newByteModifier(m, keys.Stream)
	if err != nil {
		return nil, err
	}
	return &Codec{
		modifier: m,
		mod:      bm,
		kstream:  keys.Stream,
		kmac:     keys.Mac,
		pad:      pad,
	}, nil
}

func (c *Codec) tag(seq uint32, payloadLen, padLen uint16, payload, pad []byte) []byte {
	mac := hmac.New(sha256.New, c.kmac[:])
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], seq)
	binary.BigEndian.PutUint16(hdr[4:6], payloadLen)
	binary.BigEndian.PutUint16(hdr[6:8], padLen)
	_, _ = mac.Write(hdr[:])
	_, _ = mac.Write(payload)
	_, _ = mac.Write(pad)
	return mac.Sum(nil)[:TagSize]
}

func randPadLen(pr PadRange) (uint16, error) {
	if pr.Max <= pr.Min {
		return pr.Min, nil
	}
	span := int64(pr.Max-pr.Min) + 1
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, errors.Wrap(err, "stream: sampling pad_len")
	}
	return pr.Min + uint16(n.Int64()), nil
}

// EncodeFrame builds one on-wire frame carrying payload, applies
// random padding and the HMAC tag, obfuscates the record (including
// header and tag, spec §4.3) and returns the bytes to write to the
// socket: a 2-byte obfuscated length prefix followed by the
// obfuscated body.
func (c *Codec) EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errors.Wrapf(ErrBadLen, "payload %d exceeds max %d", len(payload), MaxPayload)
	}
	padLen, err := randPadLen(c.pad)
	if err != nil {
		return nil, err
	}
	pad := make([]byte, padLen)
	if _, err := io.ReadFull(rand.Reader, pad); err != nil {
		return nil, errors.Wrap(err, "stream: generating pad bytes")
	}

	seq := c.sendSeq
	tag := c.tag(seq, uint16(len(payload)), padLen, payload, pad)

	record := make([]byte, 0, headerSize+len(payload)+len(pad)+TagSize)
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], seq)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(payload)))
	binary.BigEndian.PutUint16(hdr[6:8], padLen)
	record = append(record, hdr[:]...)
	record = append(record, payload...)
	record = append(record, pad...)
	record = append(record, tag...)

	if len(record) > maxRecord {
		return nil, errors.Wrapf(ErrBadLen, "record %d exceeds max %d", len(record), maxRecord)
	}

	c.mod.Apply(record, c.kstream, seq)

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(record)))
	c.mod.Apply(lenPrefix[:], c.kstream, seq)

	out := make([]byte, 0, 2+len(record))
	out = append(out, lenPrefix[:]...)
	out = append(out, record...)

	c.sendSeq++
	return out, nil
}

// DecodeFrame reads one frame from r, reverses the modifier, verifies
// the sequence number and HMAC tag, and returns the payload.
func (c *Codec) DecodeFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [2]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrTruncated, err.Error())
		}
		return nil, errors.Wrap(err, "stream: reading length prefix")
	}
	// recvSeq is not yet known to be correct; we must unapply the
	// modifier using the sequence number we EXPECT, per spec's
	// sequence-monotonicity invariant (a forged seq in the prefix
	// itself would simply produce garbage that fails the HMAC check).
	seq := c.recvSeq
	c.mod.Unapply(lenPrefix[:], c.kstream, seq)
	recordLen := binary.BigEndian.Uint16(lenPrefix[:])

	if int(recordLen) < minRecord || int(recordLen) > maxRecord {
		return nil, errors.Wrapf(ErrBadLen, "record length %d out of [%d,%d]", recordLen, minRecord, maxRecord)
	}

	record := make([]byte, recordLen)
	if _, err := io.ReadFull(r, record); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrTruncated, err.Error())
		}
		return nil, errors.Wrap(err, "stream: reading record body")
	}

	c.mod.Unapply(record, c.kstream, seq)

	gotSeq := binary.BigEndian.Uint32(record[0:4])
	payloadLen := binary.BigEndian.Uint16(record[4:6])
	padLen := binary.BigEndian.Uint16(record[6:8])

	need := headerSize + int(payloadLen) + int(padLen) + TagSize
	if need != len(record) {
		return nil, errors.Wrapf(ErrTruncated, "record declares %d, got %d", need, len(record))
	}

	payload := record[headerSize : headerSize+int(payloadLen)]
	pad := record[headerSize+int(payloadLen) : headerSize+int(payloadLen)+int(padLen)]
	tag := record[len(record)-TagSize:]

	want := c.tag(gotSeq, payloadLen, padLen, payload, pad)
	if !hmac.Equal(want, tag) {
		return nil, ErrBadTag
	}

	if gotSeq != c.recvSeq {
		return nil, errors.Wrapf(ErrSeqMismatch, "expected %d, got %d", c.recvSeq, gotSeq)
	}
	c.recvSeq++

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

