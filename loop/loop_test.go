package loop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recordingListener struct {
	fd     int
	reads  int32
	writes int32
	errs   int32
	onRead func()
}

func (l *recordingListener) Fd() int { return l.fd }
func (l *recordingListener) OnReadReady() {
	atomic.AddInt32(&l.reads, 1)
	if l.onRead != nil {
		l.onRead()
	}
}
func (l *recordingListener) OnWriteReady() { atomic.AddInt32(&l.writes, 1) }
func (l *recordingListener) OnError(bool)  { atomic.AddInt32(&l.errs, 1) }

func TestLoopDeliversReadReadiness(t *testing.T) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	l, err := New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	rl := &recordingListener{fd: fds[0]}
	require.NoError(t, l.AddListener(rl, true))
	defer l.RemoveListener(fds[0])

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rl.reads) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestLoopPostRunsOnLoopGoroutine(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted task did not run")
	}
}

func TestLoopSetWantWriteDeliversWriteReadiness(t *testing.T) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	l, err := New()
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	rl := &recordingListener{fd: fds[1]}
	require.NoError(t, l.AddListener(rl, false))
	defer l.RemoveListener(fds[1])
	l.SetWantWrite(fds[1], true)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rl.writes) > 0
	}, time.Second, 5*time.Millisecond)
}
