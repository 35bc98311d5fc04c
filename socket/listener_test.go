package socket

import (
	"sync"
	"testing"
	"time"

	"github.com/dbpotato/gonet/loop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordingAcceptHandler struct {
	mu  sync.Mutex
	fds []int
}

func (h *recordingAcceptHandler) OnAccept(fd int) {
	h.mu.Lock()
	h.fds = append(h.fds, fd)
	h.mu.Unlock()
}

func TestListenerAcceptsConnection(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	h := &recordingAcceptHandler{}
	ln, err := Listen(l, "127.0.0.1", 0, h)
	require.NoError(t, err)
	defer ln.Close()

	port, err := ln.Port()
	require.NoError(t, err)
	require.NotZero(t, port)

	clientH := &recordingHandler{}
	Connect(l, "127.0.0.1", port, clientH)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.fds) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	for _, fd := range h.fds {
		unix.Close(fd)
	}
	h.mu.Unlock()
}
