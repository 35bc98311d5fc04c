// Package httpserver implements an HTTP server convenience layer: a
// socket.Listener with an HTTPFramer installed on every accepted
// client, delegating each parsed request to an application Handler.
// Grounded on nats-server's accept-loop shape in server/server.go
// (one listener, one handler per accepted client) generalized from
// NATS's own wire protocol to HTTP.
package httpserver

import (
	"strconv"

	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/framing"
	"github.com/dbpotato/gonet/loop"
	"github.com/dbpotato/gonet/log/zlog"
	"github.com/dbpotato/gonet/socket"
	"github.com/dbpotato/gonet/tlsadapter"
	"github.com/nats-io/nuid"
	"golang.org/x/sys/unix"
)

// Request is one parsed HTTP request, handed to the application's
// Handler. The handler either calls Respond (or RespondMessage) to
// set the reply the server writes back, or calls MarkHandled to tell
// the server it already sent (or intentionally will not send) a
// response itself.
type Request struct {
	Header  *framing.Header
	Content *buf.Resource

	conn     *conn
	handled  bool
	response *buf.Message
}

// Conn exposes the underlying socket, for handlers that need the
// remote address, want to call MarkHandled and write later, or need
// to close the connection outright (e.g. after a protocol upgrade).
func (r *Request) Conn() *socket.Socket { return r.conn.socket }

// Respond builds a status-line-and-headers response with the given
// body and queues it for the socket's next write. It also sets
// Content-Length. The server never adds Connection: close; the client
// decides whether to keep the connection open.
func (r *Request) Respond(status int, header *framing.Header, body []byte) {
	if header == nil {
		header = framing.NewResponseHeader(framing.ProtocolHTTP11, status)
	} else {
		header.StatusCode = status
		if header.Protocol == framing.ProtocolUnknown {
			header.Protocol = framing.ProtocolHTTP11
		}
	}
	content, err := buf.NewResourceFromData(buf.NewData(body), r.conn.srv.tmpDir)
	if err != nil {
		r.conn.srv.log.Errorf("gonet/httpserver: build response body: %v", err)
		r.conn.socket.Close()
		return
	}
	header.SetField(framing.FieldContentLength, strconv.Itoa(len(body)))
	r.response = buf.NewMessageWithHeader(buf.NewDataString(header.String()), content)
	r.handled = true
}

// RespondMessage lets a handler hand over an already-built buf.Message
// directly (e.g. one whose content streams from a file), bypassing
// Respond's Content-Length bookkeeping — the handler is responsible
// for setting it itself if required.
func (r *Request) RespondMessage(msg *buf.Message) {
	r.response = msg
	r.handled = true
}

// MarkHandled tells the server the handler has already produced (or
// deliberately withheld) a response, so the server's default "no
// response set" behavior does not also fire.
func (r *Request) MarkHandled() { r.handled = true }

// Upgrade hands this connection's future raw bytes to onData instead
// of further HTTP framing, and its close notification to onClosed —
// the hook a protocol upgrade (e.g. wsserver's WebSocket handshake)
// uses to take the byte stream over once the request
// that negotiated the upgrade has been answered. Upgrade is called
// from inside the framer's own dispatch of this request, so it also
// arms the connection's HTTPFramer to divert any bytes still on the
// tape from the read that carried this request — a client that
// pipelines its first post-upgrade bytes behind the handshake in one
// write is not required to wait for the 101 response first.
func (r *Request) Upgrade(onData func(*buf.Data), onClosed func(error)) {
	r.conn.onRawData = onData
	r.conn.onClosed = onClosed
	r.conn.framer.Divert(onData)
	r.handled = true
}

// Handler receives every parsed request on an accepted connection.
type Handler interface {
	OnRequest(req *Request)
}

// Server listens on a port and runs the HTTP framer + request
// dispatch.
type Server struct {
	loop     *loop.Loop
	ln       *socket.Listener
	handler  Handler
	dialOpts []socket.DialOption
	tmpDir   string
	log      zlog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTmpDir sets the directory request/response bodies spill to once
// they exceed buf.MemCacheLimit.
func WithTmpDir(dir string) Option {
	return func(s *Server) { s.tmpDir = dir }
}

// WithDialOptions forwards socket.DialOption values (e.g.
// socket.WithAdapter for TLS) to every accepted connection.
func WithDialOptions(opts ...socket.DialOption) Option {
	return func(s *Server) { s.dialOpts = append(s.dialOpts, opts...) }
}

// WithLogger overrides the server's logger (default: a no-op sink).
func WithLogger(l zlog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Listen binds host:port and starts accepting HTTP connections.
func Listen(l *loop.Loop, host string, port int, handler Handler, opts ...Option) (*Server, error) {
	srv := &Server{loop: l, handler: handler, log: zlog.NewNop()}
	for _, o := range opts {
		o(srv)
	}
	ln, err := socket.Listen(l, host, port, srv)
	if err != nil {
		return nil, err
	}
	srv.ln = ln
	return srv, nil
}

// Port returns the server's bound local port.
func (s *Server) Port() (int, error) { return s.ln.Port() }

// Close stops accepting and tears down the listening socket.
func (s *Server) Close() { s.ln.Close() }

func (s *Server) OnAccept(fd int) {
	c := &conn{srv: s, id: nuid.Next()}
	sock, err := socket.Accept(s.loop, fd, c, s.dialOpts...)
	if err != nil {
		s.log.Warnf("gonet/httpserver: accept %s: %v", c.id, err)
		unix.Close(fd)
		return
	}
	c.socket = sock
	c.framer = framing.NewHTTPFramer(s.tmpDir, c.onMessage)
}

// conn adapts one accepted HTTP connection's socket.Handler callbacks
// into framer feeding and request dispatch. It is also the extension
// point wsserver.Server upgrades in place (see Request.Upgrade).
type conn struct {
	srv    *Server
	id     string
	socket *socket.Socket
	framer *framing.HTTPFramer
	log    zlog.Logger

	// onRawData and onClosed, once set via Request.Upgrade, receive raw
	// bytes and the close notification in place of HTTP framing and
	// Handler.OnRequest — the seam wsserver uses to take a connection
	// over after a successful WebSocket handshake without this package
	// knowing anything about WebSocket.
	onRawData func(*buf.Data)
	onClosed  func(error)
}

func (c *conn) OnConnected(*socket.Socket)            {}
func (c *conn) OnConnectFailed(*socket.Socket, error) {}

func (c *conn) OnDataRead(s *socket.Socket, data *buf.Data) {
	if c.onRawData != nil {
		c.onRawData(data)
		return
	}
	if err := c.framer.AddData(data); err != nil || c.framer.Poisoned() {
		c.srv.log.Debugf("gonet/httpserver: %s framing error, closing", c.id)
		s.Close()
	}
}

func (c *conn) OnWriteComplete(*socket.Socket, *socket.WriteRequest, bool) {}

func (c *conn) OnClosed(s *socket.Socket, err error) {
	if c.onClosed != nil {
		c.onClosed(err)
	}
}

func (c *conn) onMessage(msg *framing.HTTPMessage) {
	req := &Request{Header: msg.Header, Content: msg.Content, conn: c}
	c.srv.handler.OnRequest(req)
	if !req.handled {
		return
	}
	if req.response != nil {
		c.socket.WriteMessage(req.response)
	}
}

// Compile-time check that tlsadapter.Plain satisfies tlsadapter.Adapter.
var _ tlsadapter.Adapter = tlsadapter.Plain{}
