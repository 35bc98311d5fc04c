package socket

import (
	"net"

	"github.com/dbpotato/gonet/loop"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// AcceptHandler receives each connection a Listener accepts.
type AcceptHandler interface {
	OnAccept(fd int)
}

// Listener owns a bound, listening, non-blocking TCP socket and drains
// pending connections whenever the loop reports it readable. Grounded
// on original_source/tools/net/Server.h/.cpp's listen-socket role,
// split out from Socket since accepting is a property of the
// server socket, distinct from the per-connection socket.
type Listener struct {
	fd      int
	loop    *loop.Loop
	handler AcceptHandler
}

// Listen binds and listens on host:port and registers the resulting
// fd with l for read readiness (an incoming connection pending).
func Listen(l *loop.Loop, host string, port int, handler AcceptHandler) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "gonet/socket: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gonet/socket: setsockopt reuseaddr")
	}

	var addr [4]byte
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			unix.Close(fd)
			return nil, errors.Errorf("gonet/socket: invalid bind address %q", host)
		}
		copy(addr[:], ip.To4())
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gonet/socket: bind")
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gonet/socket: listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gonet/socket: set nonblock")
	}

	ln := &Listener{fd: fd, loop: l, handler: handler}
	if err := l.AddListener(ln, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return ln, nil
}

// Port returns the bound local port (useful after binding to :0).
func (ln *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(ln.fd)
	if err != nil {
		return 0, errors.Wrap(err, "gonet/socket: getsockname")
	}
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		return v4.Port, nil
	}
	if v6, ok := sa.(*unix.SockaddrInet6); ok {
		return v6.Port, nil
	}
	return 0, errors.New("gonet/socket: unexpected sockaddr type")
}

func (ln *Listener) Fd() int { return ln.fd }

func (ln *Listener) OnReadReady() {
	for {
		fd, _, err := unix.Accept(ln.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			return
		}
		unix.SetNonblock(fd, true)
		ln.handler.OnAccept(fd)
	}
}

func (ln *Listener) OnWriteReady() {}
func (ln *Listener) OnError(bool)  { ln.Close() }

// Close deregisters and closes the listening socket.
func (ln *Listener) Close() { ln.loop.RemoveListener(ln.fd) }
