// Package bridge implements the client-side per-connection state
// machine: accept a redirected TCP connection, recover its original
// destination, classify it, and pump bytes either through the
// obfuscated stream or directly (spec §2 C8, §4.8).
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package bridge

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"blitter.com/go/xrproxy/config"
	"blitter.com/go/xrproxy/logger"
	"blitter.com/go/xrproxy/natlookup"
	"blitter.com/go/xrproxy/router"
	"blitter.com/go/xrproxy/stream"
)

// State is one point in a connection record's lifecycle (spec §3
// "Connection record": "Accepted → Classified → (Direct|Proxied) →
// Closing → Closed. Only Closed is terminal.").
type State int

// nolint: golint
const (
	Accepted State = iota
	Classified
	Proxied
	Direct
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Classified:
		return "classified"
	case Proxied:
		return "proxied"
	case Direct:
		return "direct"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	bufSize         = 32 * 1024
	classifyTimeout = 500 * time.Millisecond
	dialTimeout     = 5 * time.Second
	sniffMax        = 4096
	maxRetries      = 3
)

// Record is the bridge's per-connection bookkeeping (spec §3
// "Connection record").
type Record struct {
	ID        uint64
	Origin    router.Origin
	Verdict   router.Verdict
	State     State
	BytesUp   int64
	BytesDown int64
	StartedAt time.Time
}

// Bridge runs the client-side redirect listener's connection pipeline:
// NAT origin recovery, optional SNI sniff, routing verdict, and the
// proxied/direct pump (spec §2 C8).
type Bridge struct {
	cfg      *config.Config
	engine   *router.Engine
	nextID   uint64
	inFlight int64
	maxConns int64
}

// New builds a Bridge bound to cfg's obfuscation/server/client
// settings and engine's routing rules.
func New(cfg *config.Config, engine *router.Engine) *Bridge {
	max := int64(cfg.Client.MaxConnections)
	if max <= 0 {
		max = 256
	}
	return &Bridge{cfg: cfg, engine: engine, maxConns: max}
}

// Handle runs one redirected connection through the full state
// machine to completion (spec §4.8). Every failure is connection-
// scoped: it is logged and the connection closed, never propagated to
// the caller (spec §7 "Transport"/"Target" taxonomy).
func (b *Bridge) Handle(ctx context.Context, conn *net.TCPConn) {
	if atomic.AddInt64(&b.inFlight, 1) > b.maxConns {
		atomic.AddInt64(&b.inFlight, -1)
		logger.LogWarning("bridge: overload, closing redirected connection")
		_ = conn.Close()
		return
	}
	defer atomic.AddInt64(&b.inFlight, -1)

	rec := &Record{ID: atomic.AddUint64(&b.nextID, 1), State: Accepted, StartedAt: time.Now()}
	defer func() { rec.State = Closed }()

	dstIP, dstPort, err := natlookup.OriginalDst(conn)
	if err != nil {
		logger.LogErr("bridge: NAT origin lookup failed: " + err.Error())
		_ = conn.Close()
		return
	}
	rec.Origin = router.Origin{DstIP: dstIP, DstPort: dstPort}

	sniffed, sni := b.sniffSNI(conn)
	rec.Origin.SNI = sni
	rec.State = Classified
	rec.Verdict = b.engine.Evaluate(rec.Origin)

	if rec.Verdict == router.Proxy {
		b.runProxied(ctx, conn, rec, sniffed)
	} else {
		b.runDirect(conn, rec, sniffed)
	}
}

// sniffSNI reads up to sniffMax bytes with a classifyTimeout deadline
// and attempts TLS ClientHello SNI extraction (spec §4.7). On timeout
// or a non-TLS prefix it returns whatever was read (possibly nil) and
// an empty SNI, per spec §4.8 state 2's "on timeout classify with
// SNI=None".
func (b *Bridge) sniffSNI(conn *net.TCPConn) ([]byte, string) {
	_ = conn.SetReadDeadline(time.Now().Add(classifyTimeout))
	buf := make([]byte, sniffMax)
	n, _ := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if n == 0 {
		return nil, ""
	}
	buf = buf[:n]
	sni, err := natlookup.SniffSNI(buf)
	if err != nil {
		return buf, ""
	}
	return buf, sni
}

// runProxied implements spec §4.8 state 3: dial upstream, handshake,
// and on failure apply the configured on_server_down policy.
func (b *Bridge) runProxied(ctx context.Context, conn *net.TCPConn, rec *Record, sniffed []byte) {
	mod, err := stream.ParseModifier(b.cfg.Obfuscation.Modifier)
	if err != nil {
		logger.LogErr("bridge: " + err.Error())
		_ = conn.Close()
		return
	}
	pad := stream.PadRange{Min: b.cfg.Obfuscation.PaddingMin, Max: b.cfg.Obfuscation.PaddingMax}

	targetHost := rec.Origin.SNI
	if targetHost == "" {
		targetHost = rec.Origin.DstIP.String()
	}

	sess, upstream, err := b.dialAndHandshake(mod, pad, targetHost, rec.Origin.DstPort)
	policy := config.ServerDownPolicy(b.cfg.Client.OnServerDown)
	if err != nil && policy == config.OnServerDownRetry {
		backoff := 200 * time.Millisecond
		for attempt := 1; err != nil && attempt < maxRetries; attempt++ {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			sess, upstream, err = b.dialAndHandshake(mod, pad, targetHost, rec.Origin.DstPort)
		}
	}
	if err != nil {
		logger.LogWarning("bridge: proxied dial/handshake failed (on_server_down=" + string(policy) + "): " + err.Error())
		if policy == config.OnServerDownDirect {
			b.runDirect(conn, rec, sniffed)
		} else {
			_ = conn.Close()
		}
		return
	}
	defer upstream.Close() // nolint: errcheck

	rec.State = Proxied
	sc := stream.NewConn(upstream, sess)
	if len(sniffed) > 0 {
		if _, werr := sc.Write(sniffed); werr != nil {
			logger.LogWarning("bridge: forwarding sniffed prefix upstream: " + werr.Error())
			_ = conn.Close()
			return
		}
	}
	pump(conn, sc, rec)
}

func (b *Bridge) dialAndHandshake(mod stream.Modifier, pad stream.PadRange, targetHost string, targetPort uint16) (*stream.Session, net.Conn, error) {
	addr := net.JoinHostPort(b.cfg.Server.Address, strconv.Itoa(int(b.cfg.Server.Port)))
	upstream, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, nil, errors.Wrap(err, "bridge: dialing upstream server")
	}
	sess, err := stream.ClientHandshake(upstream, []byte(b.cfg.Obfuscation.Key), b.cfg.Obfuscation.Salt, mod, pad, targetHost, targetPort)
	if err != nil {
		_ = upstream.Close()
		return nil, nil, err
	}
	return sess, upstream, nil
}

// runDirect implements spec §4.8 state 4: dial the original
// destination with no framing.
func (b *Bridge) runDirect(conn *net.TCPConn, rec *Record, sniffed []byte) {
	addr := net.JoinHostPort(rec.Origin.DstIP.String(), strconv.Itoa(int(rec.Origin.DstPort)))
	upstream, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		logger.LogWarning("bridge: direct dial failed: " + err.Error())
		_ = conn.Close()
		return
	}
	defer upstream.Close() // nolint: errcheck

	rec.State = Direct
	rec.Verdict = router.Direct
	if len(sniffed) > 0 {
		if _, werr := upstream.Write(sniffed); werr != nil {
			_ = conn.Close()
			return
		}
	}
	pump(conn, upstream, rec)
}

// halfCloser is implemented by net.TCPConn and by stream.Conn, letting
// pump propagate a half-close to the peer once one direction drains
// (spec §4.8 "Half-close is propagated").
type halfCloser interface {
	CloseWrite() error
}

// pump relays bytes in both directions with fixed bufSize buffers
// (spec §4.8 "Back-pressure") until both directions have drained,
// then closes both ends.
func pump(client net.Conn, upstream net.Conn, rec *Record) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.CopyBuffer(upstream, client, make([]byte, bufSize))
		atomic.AddInt64(&rec.BytesUp, n)
		if hc, ok := upstream.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		n, _ := io.CopyBuffer(client, upstream, make([]byte, bufSize))
		atomic.AddInt64(&rec.BytesDown, n)
		if hc, ok := client.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
	}()
	wg.Wait()

	rec.State = Closing
	_ = client.Close()
	_ = upstream.Close()
}
