package socket

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/loop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordingHandler struct {
	mu           sync.Mutex
	connected    bool
	connErr      error
	reads        [][]byte
	writes       int
	failedWrites int
	closed       bool
	closeErr     error
	onRead       func([]byte)
	socket       *Socket
}

func (h *recordingHandler) OnConnected(s *Socket) {
	h.mu.Lock()
	h.connected = true
	h.socket = s
	h.mu.Unlock()
}
func (h *recordingHandler) OnConnectFailed(s *Socket, err error) {
	h.mu.Lock()
	h.connErr = err
	h.mu.Unlock()
}
func (h *recordingHandler) OnDataRead(s *Socket, data *buf.Data) {
	h.mu.Lock()
	h.reads = append(h.reads, append([]byte(nil), data.Bytes()...))
	cb := h.onRead
	h.mu.Unlock()
	if cb != nil {
		cb(data.Bytes())
	}
}
func (h *recordingHandler) OnWriteComplete(s *Socket, w *WriteRequest, success bool) {
	h.mu.Lock()
	if success {
		h.writes++
	} else {
		h.failedWrites++
	}
	h.mu.Unlock()
}
func (h *recordingHandler) OnClosed(s *Socket, err error) {
	h.mu.Lock()
	h.closed = true
	h.closeErr = err
	h.mu.Unlock()
}

// acceptOneRawFd accepts a single connection on ln and returns an
// independent, duplicated fd for it so the test can hand it to
// socket.Accept without net.Conn racing the raw fd's lifecycle.
func acceptOneRawFd(t *testing.T, ln net.Listener) int {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	sc, err := conn.(*net.TCPConn).SyscallConn()
	require.NoError(t, err)
	var dupFd int
	var ctlErr error
	err = sc.Control(func(fd uintptr) {
		dupFd, ctlErr = unix.Dup(int(fd))
	})
	require.NoError(t, err)
	require.NoError(t, ctlErr)
	conn.Close()
	return dupFd
}

func TestConnectToRealListenerSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	var serverFd int
	serverReady := make(chan struct{})
	go func() {
		serverFd = acceptOneRawFd(t, ln)
		close(serverReady)
	}()

	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	h := &recordingHandler{}
	Connect(l, "127.0.0.1", port, h)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.connected || h.connErr != nil
	}, 2*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	connected, connErr := h.connected, h.connErr
	h.mu.Unlock()
	require.NoError(t, connErr)
	require.True(t, connected)

	<-serverReady
	unix.Close(serverFd)
}

// TestWriteFailureDrainsQueuedRequests reproduces "Close during send":
// a head request stuck mid-write plus a second request queued behind
// it must both reach OnWriteComplete(false) once the connection is
// reset, before OnClosed fires.
func TestWriteFailureDrainsQueuedRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	serverFdCh := make(chan int, 1)
	go func() { serverFdCh <- acceptOneRawFd(t, ln) }()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	serverFd := <-serverFdCh
	// Shrink the server's send buffer so a multi-megabyte write can't
	// complete in one syscall, leaving the head request queued with
	// bytes still unsent.
	require.NoError(t, unix.SetsockoptInt(serverFd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	serverH := &recordingHandler{}
	serverSocketCh := make(chan *Socket, 1)
	l.Post(func() {
		s, err := Accept(l, serverFd, serverH)
		require.NoError(t, err)
		serverSocketCh <- s
	})
	serverSocket := <-serverSocketCh

	big := make([]byte, 8*1024*1024)
	l.Post(func() {
		// The client never reads, so TCP backpressure stalls this
		// mid-flight: it stays in writeQueue[0] with Remaining > 0.
		serverSocket.Write(buf.NewData(big))
		// Queued behind the stalled head request without its own
		// flush attempt (queueWrite only flushes on the first enqueue).
		serverSocket.Write(buf.NewDataString("second"))
	})

	// Force a reset: the client closes with SO_LINGER 0 so the
	// server's next write/read sees a hard connection error.
	if tc, ok := clientConn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	clientConn.Close()

	require.Eventually(t, func() bool {
		serverH.mu.Lock()
		defer serverH.mu.Unlock()
		return serverH.closed
	}, 2*time.Second, 5*time.Millisecond)

	serverH.mu.Lock()
	defer serverH.mu.Unlock()
	require.Equal(t, 2, serverH.failedWrites)
	require.Equal(t, 0, serverH.writes)
	require.NotNil(t, serverSocket)
}

func TestSocketReadWriteRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	serverFdCh := make(chan int, 1)
	go func() { serverFdCh <- acceptOneRawFd(t, ln) }()

	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	clientH := &recordingHandler{}
	Connect(l, "127.0.0.1", port, clientH)

	require.Eventually(t, func() bool {
		clientH.mu.Lock()
		defer clientH.mu.Unlock()
		return clientH.connected
	}, 2*time.Second, 5*time.Millisecond)

	serverFd := <-serverFdCh
	gotFromClient := make(chan []byte, 1)
	serverH := &recordingHandler{onRead: func(b []byte) { gotFromClient <- b }}

	serverSocketCh := make(chan *Socket, 1)
	l.Post(func() {
		s, err := Accept(l, serverFd, serverH)
		require.NoError(t, err)
		serverSocketCh <- s
	})
	serverSocket := <-serverSocketCh

	clientH.mu.Lock()
	clientSocket := clientH.socket
	clientH.mu.Unlock()
	require.NotNil(t, clientSocket)

	l.Post(func() { clientSocket.Write(buf.NewDataString("ping")) })

	select {
	case b := <-gotFromClient:
		require.Equal(t, "ping", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received client write")
	}

	gotFromServer := make(chan []byte, 1)
	clientH.mu.Lock()
	clientH.onRead = func(b []byte) { gotFromServer <- b }
	clientH.mu.Unlock()

	l.Post(func() { serverSocket.Write(buf.NewDataString("pong")) })

	select {
	case b := <-gotFromServer:
		require.Equal(t, "pong", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server write")
	}

	body, err := buf.NewResourceFromData(buf.NewDataString("payload-bytes"), "")
	require.NoError(t, err)
	msg := buf.NewMessageWithHeader(buf.NewDataString("HDR:"), body)

	gotMessage := make(chan []byte, 1)
	var accum []byte
	clientH.mu.Lock()
	clientH.onRead = func(b []byte) {
		accum = append(accum, b...)
		if len(accum) >= len("HDR:payload-bytes") {
			gotMessage <- accum
		}
	}
	clientH.mu.Unlock()

	l.Post(func() { serverSocket.WriteMessage(msg) })

	select {
	case b := <-gotMessage:
		require.Equal(t, "HDR:payload-bytes", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server WriteMessage")
	}
}
