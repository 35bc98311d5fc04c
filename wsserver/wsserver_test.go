package wsserver

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/framing"
	"github.com/dbpotato/gonet/loop"
	"github.com/stretchr/testify/require"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func expectedAccept(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

type recordingHandler struct {
	mu      sync.Mutex
	conn    *Conn
	opcode  uint8
	content string
	closed  bool
}

func (h *recordingHandler) OnMessage(c *Conn, opcode uint8, content *buf.Resource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = c
	h.opcode = opcode
	b := make([]byte, content.Size())
	n, _ := content.CopyToBuf(b, content.Size(), 0)
	h.content = string(b[:n])
}

func (h *recordingHandler) OnClose(c *Conn) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// maskedClientFrame builds a masked single-frame WebSocket message, as
// a real browser client would send (RFC 6455 §5.1: client frames must
// be masked).
func maskedClientFrame(opcode uint8, payload []byte) []byte {
	mask := [4]byte{0x11, 0x22, 0x33, 0x44}
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	var frame []byte
	frame = append(frame, 0x80|opcode)
	if len(payload) < 126 {
		frame = append(frame, 0x80|byte(len(payload)))
	} else {
		frame = append(frame, 0x80|126)
		szb := make([]byte, 2)
		binary.BigEndian.PutUint16(szb, uint16(len(payload)))
		frame = append(frame, szb...)
	}
	frame = append(frame, mask[:]...)
	frame = append(frame, masked...)
	return frame
}

func TestHandshakeComputesAcceptKey(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	h := &recordingHandler{}
	srv, err := Listen(l, "127.0.0.1", 0, h)
	require.NoError(t, err)
	defer srv.Close()
	port, err := srv.Port()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	clientKey := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " +
		clientKey + "\r\nSec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	resp := string(buf[:n])
	require.Contains(t, resp, "101 Switching Protocols")
	require.Contains(t, resp, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	require.Equal(t, expectedAccept(clientKey), framing.WSAcceptKey(clientKey))
}

func TestTextFrameReachesHandlerAndPingIsEchoed(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	h := &recordingHandler{}
	srv, err := Listen(l, "127.0.0.1", 0, h)
	require.NoError(t, err)
	defer srv.Close()
	port, err := srv.Port()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	clientKey := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " +
		clientKey + "\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	require.NoError(t, err)

	_, err = conn.Write(maskedClientFrame(framing.WSOpText, []byte("hello")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.content == "hello"
	}, 2*time.Second, 5*time.Millisecond)

	_, err = conn.Write(maskedClientFrame(framing.WSOpPing, []byte("p")))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	frame := buf[:n]
	require.Equal(t, byte(0x80|framing.WSOpPong), frame[0])
}

// TestPipelinedFrameSurvivesUpgrade writes the handshake request and
// the first WebSocket frame as one TCP write, without waiting for the
// 101 response in between (legal per RFC 6455, and what a client
// pipelining its writes does). The frame must still reach the
// handler instead of being silently absorbed by the now-stale HTTP
// framer.
func TestPipelinedFrameSurvivesUpgrade(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	h := &recordingHandler{}
	srv, err := Listen(l, "127.0.0.1", 0, h)
	require.NoError(t, err)
	defer srv.Close()
	port, err := srv.Port()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	clientKey := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /chat HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: " +
		clientKey + "\r\n\r\n"
	payload := append([]byte(req), maskedClientFrame(framing.WSOpText, []byte("pipelined"))...)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.content == "pipelined"
	}, 2*time.Second, 5*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "101 Switching Protocols")
}
