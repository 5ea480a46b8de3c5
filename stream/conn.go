package stream

import (
	"bytes"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Conn wraps a net.Conn plus an established Session, presenting the
// obfuscated stream as a plain io.Reader/io.Writer the way the
// teacher's xsnet.Conn wraps net.Conn with its KEx'd cipher streams.
// Framing is invisible to the caller: Write chunks the given bytes
// into frames bounded by MaxPayload, Read defragments frames into the
// caller's buffer via an internal bytes.Buffer.
type Conn struct {
	c    net.Conn
	sess *Session
	rbuf bytes.Buffer
}

// NewConn wraps conn with an already-negotiated Session.
func NewConn(conn net.Conn, sess *Session) *Conn {
	return &Conn{c: conn, sess: sess}
}

// Write implements io.Writer, splitting b into one or more frames.
func (c *Conn) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		n := len(b)
		if n > MaxPayload {
			n = MaxPayload
		}
		frameBytes, err := c.sess.Send.EncodeFrame(b[:n])
		if err != nil {
			return total, err
		}
		if _, err := c.c.Write(frameBytes); err != nil {
			return total, errors.Wrap(err, "stream: writing frame")
		}
		total += n
		b = b[n:]
	}
	return total, nil
}

// Read implements io.Reader, decoding whole frames as needed and
// draining them into b across calls.
func (c *Conn) Read(b []byte) (int, error) {
	if c.rbuf.Len() == 0 {
		payload, err := c.sess.Recv.DecodeFrame(c.c)
		if err != nil {
			return 0, err
		}
		c.rbuf.Write(payload)
	}
	return c.rbuf.Read(b)
}

// Close closes the underlying net.Conn.
func (c *Conn) Close() error { return c.c.Close() }

// CloseWrite propagates a half-close to the underlying connection's
// write side, when it supports one (e.g. *net.TCPConn), so the bridge
// can shut down one direction while the other still drains (spec §4.8
// "Half-close is propagated").
func (c *Conn) CloseWrite() error {
	if wc, ok := c.c.(interface{ CloseWrite() error }); ok {
		return wc.CloseWrite()
	}
	return nil
}

// LocalAddr, RemoteAddr, SetDeadline, SetReadDeadline and
// SetWriteDeadline delegate to the underlying net.Conn so Conn can
// stand in wherever a net.Conn is expected by the bridge.
func (c *Conn) LocalAddr() net.Addr                { return c.c.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.c.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.c.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.c.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.c.SetWriteDeadline(t) }
