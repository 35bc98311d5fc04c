// Package monitor implements a liveness monitor:
// a shared, 2-second-tick checker that pings idle connections and
// declares them unresponsive (reconnecting keep-alive targets,
// dropping watch-only ones) after a second idle window. Grounded on
// original_source/tools/net/utils/ConnectionChecker.h/.cpp
// (MonitorTask/ConnectionChecker): the RECHECK_TIME/INACTIVITY_TIME
// constants, the NOT_CONNECTED/CONNECTING/CONNECTED/MAYBE_CONNECTED
// state machine, and the port==-1-means-watch-only vs
// port>-1-means-reconnect-target split carry over as Role.
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/internal/task"
	"github.com/dbpotato/gonet/log/zlog"
	"github.com/dbpotato/gonet/loop"
	"github.com/dbpotato/gonet/socket"
	"golang.org/x/time/rate"
)

const (
	tickInterval        = 2 * time.Second
	inactivityTimeout   = 8 * time.Second
	defaultReconnectQPS = 1
)

// Role distinguishes a task the monitor only watches ("watch-only",
// dropped once unresponsive) from one it actively keeps alive by
// reconnecting.
type Role int

const (
	RoleWatchExisting Role = iota
	RoleKeepAliveTarget
)

// State is a Task's position in its liveness state machine.
// It is advanced on the loop goroutine, by the socket callbacks and by
// the idle check each tick posts onto the loop.
type State int32

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
	StateMaybeConnected
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateMaybeConnected:
		return "maybe_connected"
	default:
		return "unknown"
	}
}

// Pinger sends an application-level liveness probe on a connection
// the monitor believes has gone idle.
type Pinger func(s *socket.Socket)

// Handler observes a monitored task's lifecycle. The Task itself
// always tracks liveness (last-read time, state) regardless of
// whether a Handler is set.
type Handler interface {
	OnConnected(t *Task, s *socket.Socket)
	OnConnectFailed(t *Task, err error)
	OnDataRead(t *Task, data *buf.Data)
	OnUnresponsive(t *Task)
}

// Task tracks one monitored connection's liveness: role, state, an
// atomic pointer to the current
// socket (nil when none is attached), and an atomically-updated
// last-read timestamp (written by the loop goroutine on every read,
// read by the idle check each tick posts onto the loop).
type Task struct {
	role     Role
	host     string
	port     int
	dialOpts []socket.DialOption
	handler  Handler
	mon      *Monitor

	state    atomic.Int32
	lastRead atomic.Int64 // unix seconds
	sock     atomic.Pointer[socket.Socket]
}

func newTask(mon *Monitor, role Role, host string, port int, handler Handler, opts []socket.DialOption) *Task {
	t := &Task{mon: mon, role: role, host: host, port: port, handler: handler, dialOpts: opts}
	t.state.Store(int32(StateNotConnected))
	return t
}

// State returns the task's current liveness state.
func (t *Task) State() State { return State(t.state.Load()) }

// Socket returns the currently attached connection, or nil.
func (t *Task) Socket() *socket.Socket { return t.sock.Load() }

func (t *Task) touch() { t.lastRead.Store(time.Now().Unix()) }

func (t *Task) lastReadAt() time.Time { return time.Unix(t.lastRead.Load(), 0) }

func (t *Task) attach(s *socket.Socket) {
	t.sock.Store(s)
	t.state.Store(int32(StateConnected))
	t.touch()
}

// socket.Handler implementation: a socket the Task dials itself
// (KeepAlive) has the Task as its handler, so liveness tracking happens
// transparently, then is forwarded to the application Handler if one
// was given. A socket passed to WatchExisting keeps its own handler;
// its reads reach the Task only through calls to Task.OnDataRead.

func (t *Task) OnConnected(s *socket.Socket) {
	t.attach(s)
	if t.handler != nil {
		t.handler.OnConnected(t, s)
	}
}

func (t *Task) OnConnectFailed(s *socket.Socket, err error) {
	t.state.Store(int32(StateNotConnected))
	if t.handler != nil {
		t.handler.OnConnectFailed(t, err)
	}
}

func (t *Task) OnDataRead(s *socket.Socket, data *buf.Data) {
	t.touch()
	if t.handler != nil {
		t.handler.OnDataRead(t, data)
	}
}

func (t *Task) OnWriteComplete(*socket.Socket, *socket.WriteRequest, bool) {}

func (t *Task) OnClosed(*socket.Socket, error) {
	t.sock.Store(nil)
	t.state.Store(int32(StateNotConnected))
}

// check runs one tick's worth of logic for t and reports whether t
// should remain registered (always true for keep-alive targets,
// false for a watch-only task that was just declared unresponsive or
// has no connection left to watch).
func (t *Task) check() bool {
	if t.role == RoleKeepAliveTarget {
		t.checkReconnecting()
		return true
	}
	return t.checkWatchOnly()
}

func (t *Task) checkReconnecting() {
	s := t.sock.Load()
	if s == nil {
		if t.State() != StateConnecting {
			t.reconnect()
		}
		return
	}
	t.applyIdleTransition(s, func() { t.reconnect() })
}

func (t *Task) checkWatchOnly() bool {
	s := t.sock.Load()
	if s == nil {
		return false
	}
	dropped := false
	t.applyIdleTransition(s, func() {
		t.sock.Store(nil)
		dropped = true
	})
	return !dropped
}

// applyIdleTransition runs the shared CONNECTED -> MAYBE_CONNECTED ->
// unresponsive logic; onUnresponsive is invoked (reconnect or drop)
// once the second idle window has elapsed with no read.
func (t *Task) applyIdleTransition(s *socket.Socket, onUnresponsive func()) {
	idle := time.Since(t.lastReadAt())
	state := t.State()
	switch {
	case idle > inactivityTimeout && state == StateConnected:
		t.state.Store(int32(StateMaybeConnected))
		t.mon.pinger(s)
	case idle > inactivityTimeout && state == StateMaybeConnected:
		if t.handler != nil {
			t.handler.OnUnresponsive(t)
		}
		onUnresponsive()
	case state != StateConnected:
		t.state.Store(int32(StateConnected))
	}
}

func (t *Task) reconnect() {
	if !t.mon.limiter.Allow() {
		return
	}
	t.sock.Store(nil)
	t.state.Store(int32(StateConnecting))
	socket.Connect(t.mon.loop, t.host, t.port, t, t.dialOpts...)
}

// Monitor is the shared liveness checker. Grounded on
// ConnectionChecker's GetInstance/AddTask/CheckTasks: this toolkit
// makes the singleton an explicit value the application constructs
// and owns instead of a lazily-created weak-ptr-guarded global,
// favoring Go-native ownership.
type Monitor struct {
	loop    *loop.Loop
	pinger  Pinger
	limiter *rate.Limiter
	log     zlog.Logger

	newTasks *task.Collector[*Task]
	live     []*Task
	ticker   *task.DelayedTask
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger overrides the monitor's logger (default: a no-op sink).
func WithLogger(l zlog.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithReconnectLimiter overrides the default 1 QPS reconnect throttle
// (the original ConnectionChecker has no reconnect-storm protection;
// this toolkit adds one).
func WithReconnectLimiter(l *rate.Limiter) Option {
	return func(m *Monitor) { m.limiter = l }
}

// New starts a Monitor's 2-second tick immediately. pinger is called
// whenever a task's connection has gone quiet for 8 seconds.
func New(l *loop.Loop, pinger Pinger, opts ...Option) *Monitor {
	m := &Monitor{
		loop:     l,
		pinger:   pinger,
		limiter:  rate.NewLimiter(rate.Limit(defaultReconnectQPS), 1),
		log:      zlog.NewNop(),
		newTasks: task.NewCollector[*Task](),
	}
	for _, o := range opts {
		o(m)
	}
	m.ticker = task.NewRepeatingTask(m.tick, tickInterval)
	return m
}

// Stop cancels the periodic tick. Already-registered tasks stop
// being monitored; their sockets are left open.
func (m *Monitor) Stop() { m.ticker.Cancel() }

// WatchExisting registers an already-connected socket for idle
// tracking. The monitor never dials on its own behalf for it; once
// declared unresponsive the task is dropped.
func (m *Monitor) WatchExisting(s *socket.Socket, handler Handler) *Task {
	t := newTask(m, RoleWatchExisting, "", 0, handler, nil)
	t.attach(s)
	m.newTasks.Add(t)
	return t
}

// KeepAlive registers a (host, port) target the monitor dials itself
// immediately and automatically reconnects whenever declared
// unresponsive or found with no connection attached.
func (m *Monitor) KeepAlive(host string, port int, handler Handler, opts ...socket.DialOption) *Task {
	t := newTask(m, RoleKeepAliveTarget, host, port, handler, opts)
	m.newTasks.Add(t)
	t.reconnect()
	return t
}

func (m *Monitor) tick() {
	m.loop.Post(func() {
		m.live = m.newTasks.Collect(m.live)
		live := m.live[:0]
		for _, t := range m.live {
			if t.check() {
				live = append(live, t)
			}
		}
		m.live = live
	})
}
