// Package socket implements the per-connection state machine:
// non-blocking connect and accept, read/write drivers
// registered with a loop.Loop, and a write queue for messages that
// don't fit in one syscall. Grounded on
// original_source/tools/net/SocketObject.{h,cpp},
// original_source/tools/net/SocketContext.h (state enum) and
// original_source/tools/net/Connection.{h,cpp} (connect/accept/read
// procedures) — reworked around Go's non-blocking raw-fd primitives
// (golang.org/x/sys/unix) instead of C++ shared/weak-pointer ownership.
package socket

import (
	"context"
	"net"
	"time"

	gonet "github.com/dbpotato/gonet"
	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/loop"
	"github.com/dbpotato/gonet/tlsadapter"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// State is a Socket's position in its lifecycle:
// client sockets move Connecting -> AfterConnect -> TLSHandshake ->
// Active -> Closed; accepted sockets move AfterAccept -> TLSHandshake
// -> Active -> Closed. StateGettingInfo and StateAccepted are declared
// but no code path sets them.
type State int

const (
	StateGettingInfo State = iota
	StateConnecting
	StateAfterConnect
	StateAccepted
	StateAfterAccept
	StateTLSHandshake
	StateActive
	StateClosed
)

// handshakePollInterval bounds how often a pending adapter handshake
// (e.g. a TLS session whose handshake goroutine hasn't finished yet)
// is re-checked, mirroring an AWAIT_READ/AWAIT_WRITE re-entry.
const handshakePollInterval = 2 * time.Millisecond

// ConnectTimeout is the cumulative budget allotted to
// connecting across every address a hostname resolves to.
const ConnectTimeout = 300 * time.Millisecond

// Handler receives lifecycle and data callbacks from a Socket. All
// calls happen on the owning Loop's goroutine. OnWriteComplete's
// success flag mirrors the original SocketObject::OnMsgWrite(msg,
// status)'s bool status: false means the write failed and the
// request's bytes were never fully delivered (the socket is closing,
// or has already closed, by the time this fires).
type Handler interface {
	OnConnected(s *Socket)
	OnConnectFailed(s *Socket, err error)
	OnDataRead(s *Socket, data *buf.Data)
	OnWriteComplete(s *Socket, w *WriteRequest, success bool)
	OnClosed(s *Socket, err error)
}

// writeChunkSize bounds how much of a Message's content Subset copies
// into one outbound slice at a time, so a Resource-backed
// body spilled to disk is streamed off disk in bounded chunks instead
// of loaded into memory all at once.
const writeChunkSize = 64 * 1024

// WriteRequest is one queued outbound message. A plain-Data request
// (queued via Write) tracks its unsent suffix in Remaining; a
// Message request (queued via WriteMessage) tracks progress in
// written and re-derives each chunk from msg.Subset.
type WriteRequest struct {
	Remaining *buf.Data
	msg       *buf.Message
	written   uint64
	total     int
}

// Socket owns one non-blocking TCP file descriptor and drives it
// through loop.Loop readiness callbacks. An application owns its
// Socket; the Socket holds its Loop by reference only (no cycle),
// favoring Go-native ownership over emulating shared/weak pointers.
type Socket struct {
	fd          int
	host        string
	isServer    bool
	state       State
	loop        *loop.Loop
	handler     Handler
	readBufSize int
	adapter     tlsadapter.Adapter

	writeQueue   []*WriteRequest
	closeErr     error
	connectTimer *time.Timer
}

// DialConfig configures Connect.
type DialConfig struct {
	ConnectTimeout time.Duration
	ReadBufferSize int
	Adapter        tlsadapter.Adapter
}

// DialOption mutates a DialConfig.
type DialOption func(*DialConfig)

// WithConnectTimeout overrides the default 300ms cumulative connect budget.
func WithConnectTimeout(d time.Duration) DialOption {
	return func(c *DialConfig) { c.ConnectTimeout = d }
}

// WithReadBufferSize overrides the per-read syscall buffer size.
func WithReadBufferSize(n int) DialOption {
	return func(c *DialConfig) { c.ReadBufferSize = n }
}

// WithAdapter routes this socket's post-connect handshake and all
// subsequent reads/writes through a, instead of talking to the raw fd
// directly. Pass a *tlsadapter.Session (from TLS.NewSession) for mTLS;
// the default is a plain fd pass-through.
func WithAdapter(a tlsadapter.Adapter) DialOption {
	return func(c *DialConfig) { c.Adapter = a }
}

func defaultDialConfig() *DialConfig {
	return &DialConfig{ConnectTimeout: ConnectTimeout, ReadBufferSize: 64 * 1024, Adapter: tlsadapter.Plain{}}
}

// Connect resolves host and attempts a non-blocking connect to each
// resulting address in turn, sharing one cumulative timeout budget
// across all attempts. The next address is tried when socket creation
// or connect fails at once, or when an in-progress connect outlasts
// the budget; an in-progress connect that later reports an error ends
// the whole attempt with OnConnectFailed, and the remaining addresses
// are not tried. Resolution runs off the loop
// goroutine; every subsequent state transition is posted back onto l
// so the Socket is only ever touched from one goroutine.
func Connect(l *loop.Loop, host string, port int, handler Handler, opts ...DialOption) {
	cfg := defaultDialConfig()
	for _, o := range opts {
		o(cfg)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil || len(ips) == 0 {
			l.Post(func() {
				handler.OnConnectFailed(nil, gonet.NewError(gonet.KindResolve, err, "gonet/socket: resolve "+host))
			})
			return
		}
		deadline := time.Now().Add(cfg.ConnectTimeout)
		l.Post(func() { attemptConnect(l, host, ips, 0, port, deadline, handler, cfg) })
	}()
}

func attemptConnect(l *loop.Loop, host string, ips []net.IPAddr, idx int, port int, deadline time.Time, handler Handler, cfg *DialConfig) {
	if time.Now().After(deadline) {
		handler.OnConnectFailed(nil, gonet.NewError(gonet.KindConnectTimeout, nil, "gonet/socket: connect timeout"))
		return
	}
	if idx >= len(ips) {
		handler.OnConnectFailed(nil, gonet.NewError(gonet.KindConnectRefused, nil, "gonet/socket: all addresses refused"))
		return
	}

	ip := ips[idx]
	domain := unix.AF_INET
	var sa unix.Sockaddr
	if v4 := ip.IP.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		sa = &unix.SockaddrInet4{Port: port, Addr: addr}
	} else {
		domain = unix.AF_INET6
		var addr [16]byte
		copy(addr[:], ip.IP.To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: addr}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		attemptConnect(l, host, ips, idx+1, port, deadline, handler, cfg)
		return
	}
	unix.SetNonblock(fd, true)

	s := &Socket{fd: fd, host: host, loop: l, handler: handler, state: StateConnecting, readBufSize: cfg.ReadBufferSize, adapter: cfg.Adapter}

	err = unix.Connect(fd, sa)
	if err == nil {
		s.finishConnect()
		return
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		attemptConnect(l, host, ips, idx+1, port, deadline, handler, cfg)
		return
	}

	if lErr := l.AddListener(s, false); lErr != nil {
		unix.Close(fd)
		attemptConnect(l, host, ips, idx+1, port, deadline, handler, cfg)
		return
	}
	l.SetWantWrite(fd, true)

	remaining := time.Until(deadline)
	timer := time.AfterFunc(remaining, func() {
		l.Post(func() {
			if s.state != StateConnecting {
				return
			}
			l.RemoveListener(fd)
			attemptConnect(l, host, ips, idx+1, port, deadline, handler, cfg)
		})
	})
	s.connectTimer = timer
}

func (s *Socket) Fd() int { return s.fd }

func (s *Socket) OnReadReady() {
	switch s.state {
	case StateConnecting:
		s.checkConnectResult()
	case StateAccepted:
		s.finishAccept()
	case StateTLSHandshake:
		s.pollHandshake(!s.isServer)
	case StateActive:
		s.readAvailable()
	}
}

func (s *Socket) OnWriteReady() {
	switch s.state {
	case StateConnecting:
		s.checkConnectResult()
	case StateTLSHandshake:
		s.pollHandshake(!s.isServer)
	case StateActive:
		s.flushWriteQueue()
	}
}

func (s *Socket) OnError(isLoopErr bool) {
	s.fail(gonet.NewError(gonet.KindPeerClosed, nil, "gonet/socket: fd error"))
}

func (s *Socket) checkConnectResult() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		s.loop.RemoveListener(s.fd)
		cause := errors.Errorf("connect errno %d", errno)
		s.state = StateClosed
		s.handler.OnConnectFailed(s, gonet.NewError(gonet.KindConnectRefused, cause, "gonet/socket: connect failed"))
		return
	}
	s.finishConnect()
}

func (s *Socket) finishConnect() {
	s.state = StateAfterConnect
	if err := s.ensureRegistered(); err != nil {
		s.handler.OnConnectFailed(s, err)
		return
	}
	s.loop.SetWantWrite(s.fd, false)
	s.loop.SetWantRead(s.fd, true)
	s.state = StateTLSHandshake
	s.pollHandshake(true)
}

// pollHandshake drives the adapter's after-connect/after-accept hook
// to completion. A NeedsRead/NeedsWrite result means
// the adapter's own handshake (e.g. tlsadapter's background goroutine)
// has not finished yet; it is re-polled on a short timer rather than
// waiting on fd readiness, since that handshake may be driven entirely
// off-loop.
func (s *Socket) pollHandshake(isClient bool) {
	if s.state != StateTLSHandshake {
		return
	}
	var result tlsadapter.Result
	if isClient {
		result = s.adapter.AfterCreate(s.fd, s.host)
	} else {
		result = s.adapter.AfterAccept(s.fd)
	}
	switch result {
	case tlsadapter.ResultOK:
		s.state = StateActive
		if isClient {
			s.handler.OnConnected(s)
		}
		// Accepted sockets wait for the next real OnReadReady instead
		// of reading speculatively here: a TLS Session's Read blocks
		// its goroutine-backed fdConn until a record is available
		// (crypto/tls has no non-blocking Read), so it must only run
		// when the fd has actually signalled data, not unconditionally.
	case tlsadapter.ResultFailed:
		kind := gonet.KindTlsHandshake
		if isClient {
			s.handler.OnConnectFailed(s, gonet.NewError(kind, nil, "gonet/socket: tls handshake failed"))
			s.loop.RemoveListener(s.fd)
			s.state = StateClosed
		} else {
			s.fail(gonet.NewError(kind, nil, "gonet/socket: tls handshake failed"))
		}
	default:
		time.AfterFunc(handshakePollInterval, func() {
			s.loop.Post(func() { s.pollHandshake(isClient) })
		})
	}
}

func (s *Socket) ensureRegistered() error {
	// AddListener is a no-op error ("already registered") when Connect
	// already added this fd while waiting on EINPROGRESS; an
	// immediately-successful connect (s.finishConnect called straight
	// from attemptConnect) still needs registering here.
	if err := s.loop.AddListener(s, false); err != nil {
		return nil
	}
	return nil
}

// Accept wraps an already-accept(2)-ed fd (see Listener) into an
// active Socket.
func Accept(l *loop.Loop, fd int, handler Handler, opts ...DialOption) (*Socket, error) {
	cfg := defaultDialConfig()
	for _, o := range opts {
		o(cfg)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "gonet/socket: set nonblock on accepted fd")
	}
	s := &Socket{fd: fd, isServer: true, loop: l, handler: handler, state: StateAfterAccept, readBufSize: cfg.ReadBufferSize, adapter: cfg.Adapter}
	if err := l.AddListener(s, true); err != nil {
		return nil, err
	}
	s.state = StateTLSHandshake
	s.pollHandshake(false)
	return s, nil
}

func (s *Socket) finishAccept() {
	s.pollHandshake(false)
}

func (s *Socket) readAvailable() {
	rb := make([]byte, s.readBufSize)
	for {
		n, result := s.adapter.Read(s.fd, rb)
		if n > 0 {
			s.handler.OnDataRead(s, dataOf(rb[:n]))
		}
		switch result {
		case tlsadapter.ResultNeedsRead, tlsadapter.ResultNeedsWrite:
			return
		case tlsadapter.ResultFailed:
			s.fail(gonet.NewError(gonet.KindPeerClosed, nil, "gonet/socket: read"))
			return
		}
		if n == 0 {
			s.fail(gonet.NewError(gonet.KindPeerClosed, nil, "gonet/socket: peer closed"))
			return
		}
		if n < len(rb) {
			return
		}
	}
}

// Write queues data for sending. Queued requests are flushed in FIFO
// order; a request that does not fully drain in one syscall is kept
// at the head of the queue with its Remaining view advanced.
func (s *Socket) Write(data *buf.Data) *WriteRequest {
	req := &WriteRequest{Remaining: data.ShallowCopy(), total: data.Len()}
	s.queueWrite(req)
	return req
}

// WriteMessage queues msg for sending, chunking its wire form (header
// then content) through Message.Subset rather than materializing it
// up front, so a large or disk-backed body streams out in
// writeChunkSize pieces.
func (s *Socket) WriteMessage(msg *buf.Message) *WriteRequest {
	req := &WriteRequest{msg: msg, total: int(msg.TotalSize())}
	s.queueWrite(req)
	return req
}

func (s *Socket) queueWrite(req *WriteRequest) {
	s.writeQueue = append(s.writeQueue, req)
	if len(s.writeQueue) == 1 {
		s.loop.SetWantWrite(s.fd, true)
		s.flushWriteQueue()
	}
}

func (s *Socket) flushWriteQueue() {
	for len(s.writeQueue) > 0 {
		req := s.writeQueue[0]

		var chunk []byte
		if req.msg != nil {
			remaining := uint64(req.total) - req.written
			chunkSize := uint64(writeChunkSize)
			if remaining < chunkSize {
				chunkSize = remaining
			}
			d, err := req.msg.Subset(chunkSize, req.written)
			if err != nil {
				s.fail(gonet.NewError(gonet.KindResourceIO, err, "gonet/socket: message subset"))
				return
			}
			chunk = d.Bytes()
		} else {
			chunk = req.Remaining.Bytes()
		}

		n, result := s.adapter.Write(s.fd, chunk)
		if n > 0 {
			if req.msg != nil {
				req.written += uint64(n)
			} else {
				req.Remaining.Advance(n)
			}
		}
		switch result {
		case tlsadapter.ResultNeedsRead, tlsadapter.ResultNeedsWrite:
			return
		case tlsadapter.ResultFailed:
			s.fail(gonet.NewError(gonet.KindWriteShort, nil, "gonet/socket: write"))
			return
		}

		done := req.Remaining != nil && req.Remaining.Len() == 0
		done = done || (req.msg != nil && req.written >= uint64(req.total))
		if !done {
			continue
		}
		s.writeQueue = s.writeQueue[1:]
		s.handler.OnWriteComplete(s, req, true)
	}
	s.loop.SetWantWrite(s.fd, false)
}

// fail tears the socket down: every request still sitting in
// writeQueue (the one mid-write plus everything behind it) is
// reported as a failed send before OnClosed fires, matching
// Connection::Close's "unsent bytes of the head message are reported
// as a failed send; further queued messages are also reported as
// failed before the manager's on_closed".
func (s *Socket) fail(err error) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.closeErr = err
	s.loop.RemoveListener(s.fd)
	pending := s.writeQueue
	s.writeQueue = nil
	for _, req := range pending {
		s.handler.OnWriteComplete(s, req, false)
	}
	s.handler.OnClosed(s, err)
}

// Close tears the socket down without reporting an error to the
// handler's OnClosed beyond the nil cause (a clean, caller-initiated close).
func (s *Socket) Close() {
	s.fail(nil)
}

// State returns the socket's current lifecycle state.
func (s *Socket) State() State { return s.state }

func dataOf(b []byte) *buf.Data {
	cp := make([]byte, len(b))
	copy(cp, b)
	return buf.NewData(cp)
}
