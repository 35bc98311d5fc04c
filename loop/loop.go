// Package loop implements a single-threaded epoll event loop:
// non-blocking fd multiplexing plus a
// cross-thread post() queue, so callers on other goroutines can
// schedule work onto the loop's own goroutine instead of touching its
// state directly.
package loop

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const maxEvents = 32

// FdListener is notified of readiness for the fd it owns. Grounded on
// original_source/tools/system/Epool.h's FdListener.
type FdListener interface {
	Fd() int
	OnReadReady()
	OnWriteReady()
	OnError(isLoopErr bool)
}

type listenerInfo struct {
	listener FdListener
	events   uint32
}

// Loop owns one epoll instance and runs on exactly one goroutine (Run
// blocks the calling goroutine). All other methods are safe to call
// from any goroutine: they guard the listener map and the task queue
// with a mutex and call epoll_ctl directly; only Post defers work to
// the loop goroutine.
type Loop struct {
	epollFd int
	wakeFd  int

	loopGoroutine int64 // not set by Run and not read by any method

	mu        sync.Mutex
	listeners map[int]*listenerInfo
	tasks     []func()

	stop chan struct{}
	done chan struct{}
}

// New creates an epoll instance and its wake-up eventfd.
func New() (*Loop, error) {
	epollFd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "gonet/loop: epoll_create1")
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFd)
		return nil, errors.Wrap(err, "gonet/loop: eventfd")
	}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(epollFd)
		unix.Close(wakeFd)
		return nil, errors.Wrap(err, "gonet/loop: add wake fd")
	}
	return &Loop{
		epollFd:   epollFd,
		wakeFd:    wakeFd,
		listeners: make(map[int]*listenerInfo),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (l *Loop) wake() {
	var buf [8]byte
	buf[7] = 1
	unix.Write(l.wakeFd, buf[:])
}

func (l *Loop) clearWake() {
	var buf [8]byte
	unix.Read(l.wakeFd, buf[:])
}

// Post queues fn to run on the loop goroutine and wakes the loop if it
// is currently blocked in epoll_wait. Safe from any goroutine,
// including the loop goroutine itself (fn then runs on the next tick).
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) drainTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

// AddListener registers obj's fd for epoll readiness notifications.
// waitForRead selects whether EPOLLIN is armed immediately.
func (l *Loop) AddListener(obj FdListener, waitForRead bool) error {
	fd := obj.Fd()
	l.mu.Lock()
	if _, exists := l.listeners[fd]; exists {
		l.mu.Unlock()
		return errors.Errorf("gonet/loop: listener already registered for fd %d", fd)
	}
	info := &listenerInfo{listener: obj}
	l.listeners[fd] = info
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)}); err != nil {
		l.mu.Lock()
		delete(l.listeners, fd)
		l.mu.Unlock()
		return errors.Wrap(err, "gonet/loop: epoll_ctl add")
	}
	if waitForRead {
		l.SetWantRead(fd, true)
	}
	return nil
}

// RemoveListener deregisters fd and closes it. Safe to call more than
// once for the same fd.
func (l *Loop) RemoveListener(fd int) {
	l.mu.Lock()
	_, ok := l.listeners[fd]
	delete(l.listeners, fd)
	l.mu.Unlock()
	if !ok {
		return
	}
	unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
	unix.Close(fd)
}

// SetWantRead arms or disarms EPOLLIN for fd.
func (l *Loop) SetWantRead(fd int, want bool) { l.setObservedEvent(fd, unix.EPOLLIN, want) }

// SetWantWrite arms or disarms EPOLLOUT for fd.
func (l *Loop) SetWantWrite(fd int, want bool) { l.setObservedEvent(fd, unix.EPOLLOUT, want) }

func (l *Loop) setObservedEvent(fd int, flag uint32, enabled bool) {
	l.mu.Lock()
	info, ok := l.listeners[fd]
	if !ok {
		l.mu.Unlock()
		return
	}
	if enabled {
		info.events |= flag
	} else {
		info.events &^= flag
	}
	events := info.events
	l.mu.Unlock()

	unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Run blocks the calling goroutine, alternating between draining
// posted tasks and waiting on epoll, until Stop is called.
func (l *Loop) Run() {
	defer close(l.done)
	var events [maxEvents]unix.EpollEvent
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		l.drainTasks()

		n, err := unix.EpollWait(l.epollFd, events[:], 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			continue
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFd {
				l.clearWake()
				continue
			}
			l.handleEvent(fd, events[i].Events)
		}
	}
}

func (l *Loop) handleEvent(fd int, ev uint32) {
	l.mu.Lock()
	info, ok := l.listeners[fd]
	l.mu.Unlock()
	if !ok {
		return
	}

	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		info.listener.OnError(true)
		return
	}
	if ev&unix.EPOLLIN != 0 {
		info.listener.OnReadReady()
	}
	if ev&unix.EPOLLOUT != 0 {
		info.listener.OnWriteReady()
	}
}

// Stop signals Run to return once its current iteration completes.
func (l *Loop) Stop() {
	close(l.stop)
	l.wake()
	<-l.done
	unix.Close(l.epollFd)
	unix.Close(l.wakeFd)
}
