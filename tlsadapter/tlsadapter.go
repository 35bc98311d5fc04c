// Package tlsadapter implements the mTLS integration: a fixed
// four-hook interface (after_create, after_accept,
// read, write) that isolates TLS from the event loop, so socket.Socket
// can treat a TLS connection and a plain TCP connection identically.
// Grounded on original_source/tools/net/ConnectionMTls.h/.cpp
// (SocketContextMtls's MakeHandshake/Read/Write hooks driving an
// mbedTLS session non-blockingly) and
// original_source/tools/net/MtlsCppWrapper.h/.cpp. crypto/tls has no
// non-blocking BIO equivalent to mbedTLS's, so the handshake runs on
// one dedicated goroutine per session against a polling net.Conn shim
// over the raw fd; the adapter translates that goroutine's progress
// into the same OK/NeedsRead/NeedsWrite/Failed vocabulary the socket
// FSM expects. After the handshake, Session.Read and Session.Write
// call into tls.Conn on the caller's goroutine, where the shim polls
// through EAGAIN until the record I/O completes.
// SPIFFE/SPIRE workload identity (github.com/spiffe/go-spiffe/v2) is
// wired in as the trust source for mTLS: SPIFFESource builds the
// client/server tls.Config from a
// workload API source instead of static cert files, when the caller
// wants workload identity instead of a bring-your-own tls.Config.
package tlsadapter

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Result is the four hooks' shared return vocabulary.
type Result int

const (
	ResultOK Result = iota
	ResultNeedsRead
	ResultNeedsWrite
	ResultFailed
)

// Adapter isolates TLS (or its absence) from socket.Socket.
type Adapter interface {
	AfterCreate(fd int, host string) Result
	AfterAccept(fd int) Result
	Read(fd int, buf []byte) (int, Result)
	Write(fd int, p []byte) (int, Result)
}

// Plain is the identity adapter: a pass-through to the raw fd, used
// for connections that don't need TLS so socket.Socket has one
// uniform code path either way.
type Plain struct{}

func (Plain) AfterCreate(fd int, host string) Result { return ResultOK }
func (Plain) AfterAccept(fd int) Result              { return ResultOK }

func (Plain) Read(fd int, buf []byte) (int, Result) {
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ResultNeedsRead
	}
	if err != nil {
		return 0, ResultFailed
	}
	return n, ResultOK
}

func (Plain) Write(fd int, p []byte) (int, Result) {
	n, err := unix.Write(fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ResultNeedsWrite
	}
	if err != nil {
		return 0, ResultFailed
	}
	return n, ResultOK
}

// Config configures a TLS session factory.
type Config struct {
	ClientConfig *tls.Config
	ServerConfig *tls.Config
	// PollInterval is how often fdConn retries a raw read/write that
	// returned EAGAIN; small enough not to stall the handshake, large
	// enough not to spin the CPU.
	PollInterval time.Duration
}

// TLS is a session factory: one *TLS wrapping a pair of configs can
// mint an Adapter (via NewSession) for every accepted or dialed
// connection.
type TLS struct {
	cfg Config
}

// New returns a session factory. A zero PollInterval defaults to 1ms.
func New(cfg Config) *TLS {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	return &TLS{cfg: cfg}
}

// NewSession returns a fresh per-connection Adapter.
func (t *TLS) NewSession() *Session {
	return &Session{factory: t}
}

// Session is one TLS connection's Adapter implementation.
type Session struct {
	factory *TLS
	conn    *tls.Conn
	done    chan struct{}
	err     error
}

func (s *Session) AfterCreate(fd int, host string) Result {
	if s.done == nil {
		cfg := s.factory.cfg.ClientConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		s.startHandshake(fd, tls.Client(newFdConn(fd, s.factory.cfg.PollInterval), cfg))
	}
	return s.poll()
}

func (s *Session) AfterAccept(fd int) Result {
	if s.done == nil {
		cfg := s.factory.cfg.ServerConfig
		s.startHandshake(fd, tls.Server(newFdConn(fd, s.factory.cfg.PollInterval), cfg))
	}
	return s.poll()
}

func (s *Session) startHandshake(fd int, conn *tls.Conn) {
	s.conn = conn
	s.done = make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.err = conn.HandshakeContext(ctx)
		close(s.done)
	}()
}

func (s *Session) poll() Result {
	select {
	case <-s.done:
		if s.err != nil {
			return ResultFailed
		}
		return ResultOK
	default:
		return ResultNeedsRead
	}
}

// Read returns decrypted application bytes. Only valid after the
// handshake hook has returned ResultOK.
func (s *Session) Read(fd int, buf []byte) (int, Result) {
	n, err := s.conn.Read(buf)
	if err != nil {
		if n > 0 {
			return n, ResultOK
		}
		return 0, ResultFailed
	}
	return n, ResultOK
}

// Write encrypts and sends p. Only valid after the handshake hook has
// returned ResultOK.
func (s *Session) Write(fd int, p []byte) (int, Result) {
	n, err := s.conn.Write(p)
	if err != nil {
		if n > 0 {
			return n, ResultOK
		}
		return 0, ResultFailed
	}
	return n, ResultOK
}

// fdConn adapts a raw, non-blocking fd to net.Conn by polling through
// EAGAIN, so crypto/tls (which expects a blocking net.Conn) can drive
// its handshake from the dedicated Session goroutine, and its record
// layer from whichever goroutine calls Session.Read or Session.Write.
type fdConn struct {
	fd       int
	interval time.Duration
}

func newFdConn(fd int, interval time.Duration) *fdConn { return &fdConn{fd: fd, interval: interval} }

func (c *fdConn) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, b)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			time.Sleep(c.interval)
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "gonet/tlsadapter: read")
		}
		return n, nil
	}
}

func (c *fdConn) Write(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := unix.Write(c.fd, b[total:])
		if n > 0 {
			total += n
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			time.Sleep(c.interval)
			continue
		}
		if err != nil {
			return total, errors.Wrap(err, "gonet/tlsadapter: write")
		}
	}
	return total, nil
}

func (c *fdConn) Close() error                     { return nil } // fd lifecycle belongs to socket.Socket
func (c *fdConn) LocalAddr() net.Addr              { return fdAddr{} }
func (c *fdConn) RemoteAddr() net.Addr             { return fdAddr{} }
func (c *fdConn) SetDeadline(time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

type fdAddr struct{}

func (fdAddr) Network() string { return "tcp" }
func (fdAddr) String() string  { return "fd" }
