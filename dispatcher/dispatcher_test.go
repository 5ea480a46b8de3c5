package dispatcher

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/xrproxy/config"
	"blitter.com/go/xrproxy/stream"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Obfuscation.Key = "0123456789abcdef0123456789abcdef"
	cfg.Obfuscation.Modifier = "positional_xor_rotate"
	cfg.Obfuscation.Salt = 7
	cfg.Obfuscation.PaddingMin = 16
	cfg.Obfuscation.PaddingMax = 256
	cfg.Server.MaxConnections = 64
	cfg.Server.RateLimitPerIP = 10
	return cfg
}

// echoTarget starts a tiny TCP echo listener standing in for the
// connection bridge's real destination (spec §8 end-to-end scenario
// 1's "local echo target").
func echoTarget(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestDispatcherLoopbackRelay(t *testing.T) {
	echoAddr, stopEcho := echoTarget(t)
	defer stopEcho()
	echoHost, echoPortStr, err := net.SplitHostPort(echoAddr)
	require.NoError(t, err)

	d, err := New(testConfig())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx, ln) }()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	portInt, err := strconv.Atoi(echoPortStr)
	require.NoError(t, err)
	port := uint16(portInt)

	sess, err := stream.ClientHandshake(clientConn, []byte(testConfig().Obfuscation.Key), 7, stream.ModPositionalXorRotate, stream.DefaultPadRange, echoHost, port)
	require.NoError(t, err)

	sc := stream.NewConn(clientConn, sess)
	msg := []byte("GET / HTTP/1.0\r\n\r\n")
	_, err = sc.Write(msg)
	require.NoError(t, err)

	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(msg))
	n, err := sc.Read(got)
	require.NoError(t, err)
	assert.Equal(t, msg, got[:n])
}

func TestDispatcherRateLimitsPerIP(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitPerIP = 1
	d, err := New(cfg)
	require.NoError(t, err)
	d.burst = 1

	assert.True(t, d.allow("203.0.113.9"))
	assert.False(t, d.allow("203.0.113.9"), "burst of 1 must reject the immediate second attempt")
	assert.True(t, d.allow("203.0.113.10"), "a distinct source IP has its own bucket")
}
