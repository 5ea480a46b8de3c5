// Package dispatcher runs the server-side accept loop: authenticate
// the obfuscated handshake, resolve the requested target, relay, and
// enforce the per-IP/per-process connection limits (spec §2 C9, §4.9).
//
// Copyright (c) 2017-2020 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package dispatcher

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"blitter.com/go/xrproxy/config"
	"blitter.com/go/xrproxy/logger"
	"blitter.com/go/xrproxy/stream"
)

const (
	dialTimeout = 5 * time.Second
	dnsTimeout  = 2 * time.Second
	bufSize     = 32 * 1024
)

// Dispatcher is the server-side accept loop (spec §2 C9, §4.9).
type Dispatcher struct {
	cfg      *config.Config
	mod      stream.Modifier
	pad      stream.PadRange
	replay   *ReplayWindow
	limiters sync.Map // string(ip) -> *rate.Limiter
	inFlight int64
	maxConns int64
	burst    int
	perSec   float64
}

// New builds a Dispatcher from cfg's [obfuscation]/[server] settings.
func New(cfg *config.Config) (*Dispatcher, error) {
	mod, err := stream.ParseModifier(cfg.Obfuscation.Modifier)
	if err != nil {
		return nil, err
	}
	max := int64(cfg.Server.MaxConnections)
	if max <= 0 {
		max = 1024
	}
	perSec := float64(cfg.Server.RateLimitPerIP)
	if perSec <= 0 {
		perSec = 10
	}
	return &Dispatcher{
		cfg:      cfg,
		mod:      mod,
		pad:      stream.PadRange{Min: cfg.Obfuscation.PaddingMin, Max: cfg.Obfuscation.PaddingMax},
		replay:   NewReplayWindow(1024),
		maxConns: max,
		perSec:   perSec,
		burst:    30,
	}, nil
}

// Serve accepts connections from ln, spawning one handler goroutine
// per connection, until ctx is cancelled (spec §5 "one task per
// accepted connection").
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "dispatcher: accept")
			}
		}
		go d.handle(ctx, conn)
	}
}

func (d *Dispatcher) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close() // nolint: errcheck

	if atomic.AddInt64(&d.inFlight, 1) > d.maxConns {
		atomic.AddInt64(&d.inFlight, -1)
		logger.LogWarning("dispatcher: overload, closing connection")
		return
	}
	defer atomic.AddInt64(&d.inFlight, -1)

	sess, hello, err := stream.ServerAccept(conn, []byte(d.cfg.Obfuscation.Key), d.cfg.Obfuscation.Salt, d.mod, d.pad, d.replay)
	if err != nil {
		d.handleHandshakeError(conn, sess, err)
		return
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !d.allow(host) {
		logger.LogInfo("dispatcher: rate limit exceeded for " + host)
		_ = stream.SendAck(conn, sess.Send, stream.StatusRejected, stream.ReasonRateLimited)
		return
	}

	upstream, err := d.dialTarget(ctx, hello.TargetHost, hello.TargetPort)
	if err != nil {
		logger.LogInfo("dispatcher: target unreachable: " + err.Error())
		_ = stream.SendAck(conn, sess.Send, stream.StatusRejected, stream.ReasonTargetRefuse)
		return
	}
	defer upstream.Close() // nolint: errcheck

	if err := stream.SendAck(conn, sess.Send, stream.StatusAccepted, 0); err != nil {
		logger.LogWarning("dispatcher: writing accept ack: " + err.Error())
		return
	}

	relay(stream.NewConn(conn, sess), upstream)
}

func (d *Dispatcher) handleHandshakeError(conn net.Conn, sess *stream.Session, err error) {
	switch {
	case errors.Is(err, stream.ErrDecoy):
		logger.LogInfo("dispatcher: unauthenticated probe, serving decoy")
		_ = stream.ServeDecoy(conn)
	case errors.Is(err, stream.ErrVersionMismatch):
		logger.LogInfo("dispatcher: version mismatch")
		if sess != nil {
			_ = stream.SendAck(conn, sess.Send, stream.StatusRejected, stream.ReasonVersion)
		}
	case errors.Is(err, stream.ErrReplay):
		logger.LogInfo("dispatcher: replayed nonce rejected")
		if sess != nil {
			_ = stream.SendAck(conn, sess.Send, stream.StatusRejected, stream.ReasonReplay)
		}
	default:
		logger.LogInfo("dispatcher: handshake failed: " + err.Error())
	}
}

// allow applies the per-source-IP token bucket (spec §4.9 "Rate
// limiting"), lazily creating a limiter the first time ip is seen.
func (d *Dispatcher) allow(ip string) bool {
	v, _ := d.limiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(d.perSec), d.burst))
	return v.(*rate.Limiter).Allow()
}

// dialTarget resolves host (literal IP fast path, else DNS with a 2 s
// timeout) and dials it with a 5 s timeout (spec §4.9).
func (d *Dispatcher) dialTarget(ctx context.Context, host string, port uint16) (net.Conn, error) {
	target := host
	if net.ParseIP(host) == nil {
		resolveCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupHost(resolveCtx, host)
		if err != nil || len(addrs) == 0 {
			return nil, errors.Wrapf(err, "dispatcher: resolving %q", host)
		}
		target = addrs[0]
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(target, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Wrapf(err, "dispatcher: dialing %s:%d", target, port)
	}
	return conn, nil
}

// relay pumps bytes in both directions between the framed client
// stream and the raw upstream connection until either side is done
// (spec §4.8 "pump bytes in both directions until either peer EOFs or
// errors").
func relay(client *stream.Conn, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.CopyBuffer(upstream, client, make([]byte, bufSize))
	}()
	go func() {
		defer wg.Done()
		_, _ = io.CopyBuffer(client, upstream, make([]byte, bufSize))
	}()
	wg.Wait()
}
