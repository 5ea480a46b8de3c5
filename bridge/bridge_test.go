package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blitter.com/go/xrproxy/config"
	"blitter.com/go/xrproxy/router"
)

func testConfig(onServerDown config.ServerDownPolicy) *config.Config {
	cfg := &config.Config{}
	cfg.Obfuscation.Key = "0123456789abcdef0123456789abcdef"
	cfg.Obfuscation.Modifier = "positional_xor_rotate"
	cfg.Obfuscation.Salt = 7
	cfg.Obfuscation.PaddingMin = 16
	cfg.Obfuscation.PaddingMax = 256
	cfg.Client.MaxConnections = 64
	cfg.Client.OnServerDown = string(onServerDown)
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = 1 // nothing listens here
	return cfg
}

func echoTarget(t *testing.T) (ip net.IP, port uint16, stop func()) {
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
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP, uint16(tcpAddr.Port), func() { _ = ln.Close() }
}

// acceptOneTCPConn starts a loopback listener, dials it once, and
// returns the server-side *net.TCPConn plus the client-side net.Conn
// driving it — a stand-in for the redirected socket the real
// transparent listener would have accepted.
func acceptOneTCPConn(t *testing.T) (serverSide *net.TCPConn, clientSide net.Conn, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c.(*net.TCPConn)
		}
	}()

	clientSide, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	serverSide = <-accepted
	return serverSide, clientSide, func() { _ = ln.Close() }
}

// TestBridgeDirectFallbackWhenServerDown exercises spec §8 end-to-end
// scenario 5: an unreachable upstream proxy server with
// on_server_down=direct falls back to dialing the original
// destination directly, and the bytes still flow.
func TestBridgeDirectFallbackWhenServerDown(t *testing.T) {
	echoIP, echoPort, stopEcho := echoTarget(t)
	defer stopEcho()

	serverSide, clientSide, stopListener := acceptOneTCPConn(t)
	defer stopListener()
	defer clientSide.Close()

	engine := router.NewEngine(nil, router.Proxy, nil) // default_action=proxy, always routed to the (down) server
	b := New(testConfig(config.OnServerDownDirect), engine)
	rec := &Record{Origin: router.Origin{DstIP: echoIP, DstPort: echoPort}, Verdict: router.Proxy}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.runProxied(context.Background(), serverSide, rec, nil)
	}()

	msg := []byte("hello")
	require.NoError(t, clientSide.SetDeadline(time.Now().Add(3*time.Second)))
	_, err := clientSide.Write(msg)
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = clientSide.Read(got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	_ = clientSide.Close()
	<-done

	assert.Equal(t, Closing, rec.State, "pump() transitions to Closing once both directions drain")
	assert.Equal(t, router.Direct, rec.Verdict, "on_server_down=direct must fall back to a Direct verdict")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "proxied", Proxied.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBridgeOverloadClosesExcessConnections(t *testing.T) {
	cfg := testConfig(config.OnServerDownBlock)
	cfg.Client.MaxConnections = 1
	engine := router.NewEngine(nil, router.Direct, nil)
	b := New(cfg, engine)
	b.inFlight = 1 // simulate one connection already in flight

	serverSide, clientSide, stop := acceptOneTCPConn(t)
	defer stop()
	defer clientSide.Close()

	b.Handle(context.Background(), serverSide)

	_ = clientSide.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := clientSide.Read(buf)
	assert.Error(t, err, "the excess connection must be closed rather than served")
}

func TestSniffSNITimesOutToEmptyClassification(t *testing.T) {
	_, _, stop := echoTarget(t)
	defer stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c.(*net.TCPConn)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	b := &Bridge{}
	start := time.Now()
	buf, sni := b.sniffSNI(server)
	elapsed := time.Since(start)

	assert.Empty(t, sni)
	assert.Nil(t, buf)
	assert.Less(t, elapsed, 2*time.Second)
}
