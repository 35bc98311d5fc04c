package proxy

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dbpotato/gonet/loop"
	"github.com/stretchr/testify/require"
)

// startEchoUpstream runs a plain TCP echo server for the proxy to
// forward to, independent of this toolkit's own socket stack so the
// test exercises the proxy against a conventional peer.
func startEchoUpstream(t *testing.T) (host string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, func() { ln.Close() }
}

func TestProxyForwardsRoundTrip(t *testing.T) {
	upHost, upPort, closeUp := startEchoUpstream(t)
	defer closeUp()

	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	p, err := Listen(l, "127.0.0.1", 0, upHost, upPort)
	require.NoError(t, err)
	defer p.Close()
	port, err := p.Port()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello through proxy"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	got := make([]byte, 0, 64)
	want := "hello through proxy"
	for len(got) < len(want) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, want, string(got))
}

func TestProxyBuffersInboundUntilUpstreamConnects(t *testing.T) {
	upHost, upPort, closeUp := startEchoUpstream(t)
	defer closeUp()

	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	p, err := Listen(l, "127.0.0.1", 0, upHost, upPort)
	require.NoError(t, err)
	defer p.Close()
	port, err := p.Port()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	// Write immediately, before the outbound leg has had a chance to
	// finish connecting — the channel must buffer, not drop, this.
	_, err = conn.Write([]byte("early bytes"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	got := make([]byte, 0, 64)
	want := "early bytes"
	for len(got) < len(want) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, want, string(got))
}

func TestProxyUpstreamRefusedClosesInbound(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	// Bind a throwaway listener solely to learn a free, currently
	// refused port, then close it immediately.
	tmp, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := tmp.Addr().(*net.TCPAddr).Port
	tmp.Close()

	p, err := Listen(l, "127.0.0.1", 0, "127.0.0.1", deadPort)
	require.NoError(t, err)
	defer p.Close()
	port, err := p.Port()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err) // inbound closed once the outbound connect failed
}
