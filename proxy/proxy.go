// Package proxy implements a TCP proxy: a
// listener paired with a dialer toward a fixed (host, port). Each
// accepted inbound connection gets a channel that owns both legs,
// buffers inbound bytes until the outbound leg finishes connecting,
// then forwards bytes both ways until either leg fails.
package proxy

import (
	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/log/zlog"
	"github.com/dbpotato/gonet/loop"
	"github.com/dbpotato/gonet/socket"
	"github.com/nats-io/nuid"
	"golang.org/x/sys/unix"
)

// Transform lets an application rewrite bytes crossing a channel in
// either direction. The default is the identity transform.
type Transform func(data []byte) []byte

func identity(data []byte) []byte { return data }

// Proxy listens on one port and forwards every accepted connection
// to a fixed upstream (host, port).
type Proxy struct {
	loop           *loop.Loop
	ln             *socket.Listener
	upstreamHost   string
	upstreamPort   int
	dialOpts       []socket.DialOption
	inboundTform   Transform
	outboundTform  Transform
	log            zlog.Logger
	onChannelClose func(*Channel)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithDialOptions forwards socket.DialOption values (e.g.
// socket.WithAdapter for TLS) to both legs: the accepted inbound
// socket and the outbound dial.
func WithDialOptions(opts ...socket.DialOption) Option {
	return func(p *Proxy) { p.dialOpts = append(p.dialOpts, opts...) }
}

// WithInboundTransform rewrites bytes read from the inbound (client)
// leg before they are forwarded outbound. Identity by default.
func WithInboundTransform(t Transform) Option { return func(p *Proxy) { p.inboundTform = t } }

// WithOutboundTransform rewrites bytes read from the outbound
// (upstream) leg before they are forwarded inbound. Identity by default.
func WithOutboundTransform(t Transform) Option { return func(p *Proxy) { p.outboundTform = t } }

// WithLogger overrides the proxy's logger (default: a no-op sink).
func WithLogger(l zlog.Logger) Option { return func(p *Proxy) { p.log = l } }

// WithOnChannelClose registers a callback fired when a channel tears
// down, useful for tests and metrics.
func WithOnChannelClose(fn func(*Channel)) Option {
	return func(p *Proxy) { p.onChannelClose = fn }
}

// Listen binds listenHost:listenPort and forwards every accepted
// connection to upstreamHost:upstreamPort.
func Listen(l *loop.Loop, listenHost string, listenPort int, upstreamHost string, upstreamPort int, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		loop:          l,
		upstreamHost:  upstreamHost,
		upstreamPort:  upstreamPort,
		inboundTform:  identity,
		outboundTform: identity,
		log:           zlog.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	ln, err := socket.Listen(l, listenHost, listenPort, p)
	if err != nil {
		return nil, err
	}
	p.ln = ln
	return p, nil
}

// Port returns the proxy's bound local listening port.
func (p *Proxy) Port() (int, error) { return p.ln.Port() }

// Close stops accepting new connections. Channels already open are
// left running until their own legs close.
func (p *Proxy) Close() { p.ln.Close() }

func (p *Proxy) OnAccept(fd int) {
	id := nuid.Next()
	ch := &Channel{proxy: p, id: id, log: p.log.WithID(id)}
	inSock, err := socket.Accept(p.loop, fd, &inboundLeg{ch: ch}, p.dialOpts...)
	if err != nil {
		ch.log.Warnf("gonet/proxy: accept inbound: %v", err)
		unix.Close(fd)
		return
	}
	ch.inbound = inSock
	socket.Connect(p.loop, p.upstreamHost, p.upstreamPort, &outboundLeg{ch: ch}, p.dialOpts...)
}

// Channel owns one proxied connection's inbound (client-facing) and
// outbound (upstream-facing) legs. Inbound bytes are buffered until
// the outbound leg connects, then both directions forward
// continuously; a failed send on either leg tears the whole channel
// down.
type Channel struct {
	proxy    *Proxy
	id       string
	log      zlog.Logger
	inbound  *socket.Socket
	outbound *socket.Socket

	outboundReady bool
	pending       [][]byte
	closed        bool
}

func (ch *Channel) queueOrForward(data []byte) {
	if !ch.outboundReady {
		ch.pending = append(ch.pending, append([]byte(nil), data...))
		return
	}
	ch.outbound.Write(buf.NewData(ch.proxy.inboundTform(data)))
}

func (ch *Channel) flushPending() {
	for _, data := range ch.pending {
		ch.outbound.Write(buf.NewData(ch.proxy.inboundTform(data)))
	}
	ch.pending = nil
}

// teardown closes both legs exactly once.
func (ch *Channel) teardown() {
	if ch.closed {
		return
	}
	ch.closed = true
	if ch.inbound != nil {
		ch.inbound.Close()
	}
	if ch.outbound != nil {
		ch.outbound.Close()
	}
	if ch.proxy.onChannelClose != nil {
		ch.proxy.onChannelClose(ch)
	}
}

// inboundLeg adapts the client-facing socket's callbacks onto the channel.
type inboundLeg struct{ ch *Channel }

func (l *inboundLeg) OnConnected(*socket.Socket)            {}
func (l *inboundLeg) OnConnectFailed(*socket.Socket, error) {}

func (l *inboundLeg) OnDataRead(s *socket.Socket, data *buf.Data) {
	l.ch.queueOrForward(append([]byte(nil), data.Bytes()...))
}

func (l *inboundLeg) OnWriteComplete(*socket.Socket, *socket.WriteRequest, bool) {}

func (l *inboundLeg) OnClosed(*socket.Socket, error) {
	l.ch.log.Debugf("gonet/proxy: inbound leg closed")
	l.ch.teardown()
}

// outboundLeg adapts the upstream-facing socket's callbacks onto the channel.
type outboundLeg struct{ ch *Channel }

func (l *outboundLeg) OnConnected(s *socket.Socket) {
	l.ch.outbound = s
	l.ch.outboundReady = true
	l.ch.flushPending()
}

func (l *outboundLeg) OnConnectFailed(s *socket.Socket, err error) {
	l.ch.log.Warnf("gonet/proxy: upstream connect failed: %v", err)
	l.ch.teardown()
}

func (l *outboundLeg) OnDataRead(s *socket.Socket, data *buf.Data) {
	if l.ch.inbound == nil {
		return
	}
	l.ch.inbound.Write(buf.NewData(l.ch.proxy.outboundTform(append([]byte(nil), data.Bytes()...))))
}

func (l *outboundLeg) OnWriteComplete(*socket.Socket, *socket.WriteRequest, bool) {}

func (l *outboundLeg) OnClosed(*socket.Socket, error) {
	l.ch.log.Debugf("gonet/proxy: outbound leg closed")
	l.ch.teardown()
}
