package httpserver

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dbpotato/gonet/framing"
	"github.com/dbpotato/gonet/loop"
	"github.com/stretchr/testify/require"
)

type redirectHandler struct{}

func (redirectHandler) OnRequest(req *Request) {
	header := framing.NewResponseHeader(framing.ProtocolHTTP11, 301)
	header.SetField(framing.FieldLocation, "/index.html")
	req.Respond(301, header, nil)
}

func dialRaw(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	return conn
}

func TestServerRespondsWithRedirect(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	srv, err := Listen(l, "127.0.0.1", 0, redirectHandler{})
	require.NoError(t, err)
	defer srv.Close()
	port, err := srv.Port()
	require.NoError(t, err)

	conn := dialRaw(t, port)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /old HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	want := "HTTP/1.1 301 Moved Permanently\r\nContent-Length: 0\r\nLocation: /index.html\r\n\r\n"
	got := make([]byte, 0, len(want))
	buf := make([]byte, 256)
	for len(got) < len(want) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, want, string(got))
}

type echoHandler struct {
	mu  sync.Mutex
	got []byte
}

func (h *echoHandler) OnRequest(req *Request) {
	h.mu.Lock()
	h.got = append([]byte(nil), req.Content.MemCache().Bytes()...)
	h.mu.Unlock()
	req.Respond(200, nil, []byte("ok"))
}

func TestServerReadsContentLengthBodyAndResponds(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	h := &echoHandler{}
	srv, err := Listen(l, "127.0.0.1", 0, h)
	require.NoError(t, err)
	defer srv.Close()
	port, err := srv.Port()
	require.NoError(t, err)

	conn := dialRaw(t, port)
	defer conn.Close()

	req := "POST /upload HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "200 OK")
	require.Contains(t, string(buf[:n]), "ok")

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return string(h.got) == "hello"
	}, time.Second, 5*time.Millisecond)
}

type unhandledHandler struct{}

func (unhandledHandler) OnRequest(req *Request) {}

func TestUnhandledRequestSendsNoResponse(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	srv, err := Listen(l, "127.0.0.1", 0, unhandledHandler{})
	require.NoError(t, err)
	defer srv.Close()
	port, err := srv.Port()
	require.NoError(t, err)

	conn := dialRaw(t, port)
	defer conn.Close()
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err) // timeout: handler never marked the request handled
}
