// Package wsserver implements a WebSocket server: an httpserver.Server
// that recognizes the WebSocket upgrade handshake, swaps the
// connection from HTTP framing to framing.WSFramer on success, and
// dispatches frames by opcode. Grounded on nats-server's own
// WebSocket implementation in server/websocket.go (the
// upgrade-then-swap-framer shape, and ping/pong/close opcode
// handling), adapted from a NATS-specific client attachment onto this
// toolkit's generic httpserver.Request.
package wsserver

import (
	"strings"

	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/framing"
	"github.com/dbpotato/gonet/httpserver"
	"github.com/dbpotato/gonet/loop"
	"github.com/dbpotato/gonet/log/zlog"
	"github.com/dbpotato/gonet/socket"
)

// Conn is a connection that has completed the WebSocket handshake.
type Conn struct {
	socket *socket.Socket
}

// Send frames payload with opcode and queues it for write, unmasked
// (RFC 6455 §5.1: a server never masks its own frames).
func (c *Conn) Send(opcode uint8, payload []byte) {
	c.socket.Write(buf.NewData(framing.EncodeWSFrame(true, opcode, payload)))
}

// Socket returns the underlying connection, for address lookups.
func (c *Conn) Socket() *socket.Socket { return c.socket }

// Close closes the underlying connection.
func (c *Conn) Close() { c.socket.Close() }

// Handler receives reassembled application messages and the close
// notification for every successfully upgraded connection. Ping/pong
// are handled by the server itself (PING echoed back as PONG, PONG
// dropped) and never reach the Handler.
type Handler interface {
	OnMessage(c *Conn, opcode uint8, content *buf.Resource)
	OnClose(c *Conn)
}

// Server upgrades qualifying HTTP requests to WebSocket connections
// and runs the post-handshake frame dispatch.
type Server struct {
	http     *httpserver.Server
	handler  Handler
	tmpDir   string
	log      zlog.Logger
	httpOpts []httpserver.Option
}

// Option configures a Server.
type Option func(*Server)

// WithTmpDir sets the directory fragmented-message reassembly spills
// to once a message exceeds buf.MemCacheLimit.
func WithTmpDir(dir string) Option { return func(s *Server) { s.tmpDir = dir } }

// WithDialOptions forwards socket.DialOption values (e.g.
// socket.WithAdapter for TLS) to every accepted connection.
func WithDialOptions(opts ...socket.DialOption) Option {
	return func(s *Server) { s.httpOpts = append(s.httpOpts, httpserver.WithDialOptions(opts...)) }
}

// WithLogger overrides the server's logger (default: a no-op sink).
func WithLogger(l zlog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Listen binds host:port and starts accepting HTTP connections,
// upgrading the ones that request it.
func Listen(l *loop.Loop, host string, port int, handler Handler, opts ...Option) (*Server, error) {
	srv := &Server{handler: handler, log: zlog.NewNop()}
	for _, o := range opts {
		o(srv)
	}
	httpOpts := srv.httpOpts
	if srv.tmpDir != "" {
		httpOpts = append(httpOpts, httpserver.WithTmpDir(srv.tmpDir))
	}
	httpOpts = append(httpOpts, httpserver.WithLogger(srv.log))
	hs, err := httpserver.Listen(l, host, port, srv, httpOpts...)
	if err != nil {
		return nil, err
	}
	srv.http = hs
	return srv, nil
}

// Port returns the server's bound local port.
func (s *Server) Port() (int, error) { return s.http.Port() }

// Close stops accepting and tears down the listening socket.
func (s *Server) Close() { s.http.Close() }

// OnRequest implements httpserver.Handler. Every request that is not
// a well-formed WebSocket upgrade gets a 400; a well-formed one gets
// 101 plus the computed Sec-WebSocket-Accept and the connection's
// framer is swapped from HTTP to WebSocket.
func (s *Server) OnRequest(req *httpserver.Request) {
	upgrade, hasUpgrade := req.Header.FieldValue(framing.FieldUpgrade)
	key, hasKey := req.Header.FieldValue(framing.FieldSecWebSocketKey)
	if !hasUpgrade || !strings.EqualFold(upgrade, "websocket") || !hasKey {
		req.Respond(400, nil, []byte("expected websocket upgrade"))
		return
	}

	header := framing.NewResponseHeader(framing.ProtocolHTTP11, 101)
	header.SetField(framing.FieldUpgrade, "websocket")
	header.SetField(framing.FieldConnection, "Upgrade")
	header.SetField(framing.FieldSecWebSocketAccept, framing.WSAcceptKey(key))
	req.Respond(101, header, nil)

	c := &Conn{socket: req.Conn()}
	framer := framing.NewWSFramer(s.tmpDir, func(msg *framing.WSMessage) {
		s.handler.OnMessage(c, msg.Opcode, msg.Content)
	}, func(opcode uint8, payload []byte) {
		s.onControlFrame(c, opcode, payload)
	})

	req.Upgrade(func(data *buf.Data) {
		if err := framer.AddData(data); err != nil || framer.Poisoned() {
			c.Close()
		}
	}, func(error) {
		s.handler.OnClose(c)
	})
}

func (s *Server) onControlFrame(c *Conn, opcode uint8, payload []byte) {
	switch opcode {
	case framing.WSOpPing:
		c.Send(framing.WSOpPong, payload)
	case framing.WSOpPong:
		// no response; a liveness pong with no outstanding ping is dropped.
	case framing.WSOpClose:
		s.handler.OnClose(c)
		c.Close()
	}
}
