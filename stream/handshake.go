package stream

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Version is the single handshake version this endpoint speaks.
const Version = 1

// Ack status/reason codes (spec §4.4).
const (
	StatusAccepted byte = 0
	StatusRejected byte = 1
)

// nolint: golint
const (
	ReasonVersion      byte = 1
	ReasonReplay       byte = 2
	ReasonTargetRefuse byte = 3
	ReasonRateLimited  byte = 4
)

// Handshake-level errors (spec §7 "Protocol" taxonomy).
var (
	ErrVersionMismatch = errors.New("stream: version mismatch")
	ErrReplay          = errors.New("stream: nonce replay detected")
	ErrDecoy           = errors.New("stream: first frame did not authenticate; decoy served")
)

// HelloPayload is the client->server first-frame payload (spec §4.4).
type HelloPayload struct {
	Version    uint8
	Flags      uint8
	Nonce      [NonceSize]byte
	TargetHost string
	TargetPort uint16
}

func (h HelloPayload) marshal() []byte {
	hostBytes := []byte(h.TargetHost)
	buf := make([]byte, 0, 1+1+NonceSize+1+len(hostBytes)+2)
	buf = append(buf, h.Version, h.Flags)
	buf = append(buf, h.Nonce[:]...)
	buf = append(buf, byte(len(hostBytes)))
	buf = append(buf, hostBytes...)
	var portBE [2]byte
	binary.BigEndian.PutUint16(portBE[:], h.TargetPort)
	buf = append(buf, portBE[:]...)
	return buf
}

func unmarshalHello(b []byte) (HelloPayload, error) {
	var h HelloPayload
	if len(b) < 1+1+NonceSize+1 {
		return h, errors.Wrap(ErrTruncated, "hello payload too short")
	}
	h.Version = b[0]
	h.Flags = b[1]
	copy(h.Nonce[:], b[2:2+NonceSize])
	off := 2 + NonceSize
	hostLen := int(b[off])
	off++
	if len(b) < off+hostLen+2 {
		return h, errors.Wrap(ErrTruncated, "hello payload host/port truncated")
	}
	h.TargetHost = string(b[off : off+hostLen])
	off += hostLen
	h.TargetPort = binary.BigEndian.Uint16(b[off : off+2])
	return h, nil
}

// AckPayload is the server->client first-frame reply (spec §4.4).
type AckPayload struct {
	Status byte
	Reason byte
}

func (a AckPayload) marshal() []byte { return []byte{a.Status, a.Reason} }

func unmarshalAck(b []byte) (AckPayload, error) {
	if len(b) < 1 {
		return AckPayload{}, errors.Wrap(ErrTruncated, "ack payload empty")
	}
	a := AckPayload{Status: b[0]}
	if len(b) >= 2 {
		a.Reason = b[1]
	}
	return a, nil
}

// ReplayChecker is implemented by the server dispatcher's replay
// window (spec §3 "Replay window", owned solely by the dispatcher per
// spec §9 Design Notes). SeenOrInsert reports whether nonce was
// already present; if not, it inserts it and returns false.
type ReplayChecker interface {
	SeenOrInsert(nonce [NonceSize]byte) bool
}

// Session bundles the send/receive codecs and the negotiated target
// produced by a completed handshake, ready for the bridge/dispatcher
// to pump application bytes through.
type Session struct {
	Send  *Codec
	Recv  *Codec
	Nonce [NonceSize]byte
}

// ClientHandshake performs the client side of spec §4.4: generate a
// fresh nonce, send it in clear, send the hello frame under keys
// derived from it, and read back the ack frame. Returns a ready
// Session on StatusAccepted.
func ClientHandshake(conn net.Conn, secret []byte, salt uint32, mod Modifier, pad PadRange, targetHost string, targetPort uint16) (*Session, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.Wrap(err, "stream: generating nonce")
	}
	if _, err := conn.Write(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "stream: writing cleartext nonce")
	}

	keys := DeriveKeys(secret, salt, nonce)
	sendCodec, err := NewCodec(mod, keys, pad)
	if err != nil {
		return nil, err
	}
	recvCodec, err := NewCodec(mod, keys, pad)
	if err != nil {
		return nil, err
	}

	hello := HelloPayload{
		Version:    Version,
		Nonce:      nonce,
		TargetHost: targetHost,
		TargetPort: targetPort,
	}
	frameBytes, err := sendCodec.EncodeFrame(hello.marshal())
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(frameBytes); err != nil {
		return nil, errors.Wrap(err, "stream: writing hello frame")
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ackPayload, err := recvCodec.DecodeFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, errors.Wrap(err, "stream: reading hello-ack")
	}
	ack, err := unmarshalAck(ackPayload)
	if err != nil {
		return nil, err
	}
	if ack.Status != StatusAccepted {
		return nil, errors.Wrapf(ackReasonError(ack.Reason), "server rejected hello (status=%d reason=%d)", ack.Status, ack.Reason)
	}

	return &Session{Send: sendCodec, Recv: recvCodec, Nonce: nonce}, nil
}

func ackReasonError(reason byte) error {
	switch reason {
	case ReasonVersion:
		return ErrVersionMismatch
	case ReasonReplay:
		return ErrReplay
	case ReasonTargetRefuse:
		return errors.New("stream: target refused")
	case ReasonRateLimited:
		return errors.New("stream: rate limited")
	default:
		return errors.New("stream: hello rejected")
	}
}

// ServerAccept performs the server side of spec §4.4: read the
// cleartext nonce, KDF deterministically, decode the first (seq=0)
// frame as the hello. If decode fails (bad tag / garbage probe
// traffic), the caller should serve the HTTP decoy (spec §4.4) and
// close — ServerAccept returns ErrDecoy in that case without having
// written anything.
//
// replay is consulted and updated before the hello is considered
// valid; a replayed nonce yields ErrReplay (caller still must write a
// reject ack).
func ServerAccept(conn net.Conn, secret []byte, salt uint32, mod Modifier, pad PadRange, replay ReplayChecker) (*Session, HelloPayload, error) {
	var nonce [NonceSize]byte
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(conn, nonce[:])
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, HelloPayload{}, errors.Wrap(ErrDecoy, "short/garbage probe (no nonce)")
	}

	keys := DeriveKeys(secret, salt, nonce)
	recvCodec, err := NewCodec(mod, keys, pad)
	if err != nil {
		return nil, HelloPayload{}, err
	}
	sendCodec, err := NewCodec(mod, keys, pad)
	if err != nil {
		return nil, HelloPayload{}, err
	}

	helloBytes, err := recvCodec.DecodeFrame(conn)
	if err != nil {
		// Any decode failure at seq=0 (bad tag, bad len, truncation)
		// means this wasn't a genuine client: present the decoy.
		return nil, HelloPayload{}, errors.Wrap(ErrDecoy, err.Error())
	}
	hello, err := unmarshalHello(helloBytes)
	if err != nil {
		return nil, HelloPayload{}, errors.Wrap(ErrDecoy, err.Error())
	}

	sess := &Session{Send: sendCodec, Recv: recvCodec, Nonce: nonce}

	// From here on the session keys are established, so even a
	// rejected hello is acked over the framed channel rather than
	// closed raw (spec §4.4: non-zero reasons version/replay/etc. are
	// ack'd, not silently dropped) — callers use the returned sess to
	// write that ack even though the error is non-nil.
	if hello.Version != Version {
		return sess, hello, ErrVersionMismatch
	}
	if replay.SeenOrInsert(nonce) {
		return sess, hello, ErrReplay
	}

	return sess, hello, nil
}

// SendAck writes the server's hello-ack frame.
func SendAck(conn net.Conn, codec *Codec, status, reason byte) error {
	frameBytes, err := codec.EncodeFrame(AckPayload{Status: status, Reason: reason}.marshal())
	if err != nil {
		return err
	}
	_, err = conn.Write(frameBytes)
	return errors.Wrap(err, "stream: writing ack frame")
}

// ServeDecoy writes a static, plausible HTTP/1.1 200 response and
// leaves the connection for the caller to close (spec §4.4, §9
// "should look like a web server" property).
func ServeDecoy(conn net.Conn) error {
	const body = "<html><head><title>It works!</title></head>" +
		"<body><h1>It works!</h1></body></html>"
	resp := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	_, err := conn.Write([]byte(resp))
	return err
}
