// Command echoserver accepts length-prefixed connections and echoes
// every message back to its sender. Grounded on
// original_source/examples/client_server/server.cpp's ServerListener:
// log every connect/read/close, respond from OnClientRead.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dbpotato/gonet/buf"
	"github.com/dbpotato/gonet/framing"
	"github.com/dbpotato/gonet/log/zlog"
	"github.com/dbpotato/gonet/loop"
	"github.com/dbpotato/gonet/socket"
)

type server struct {
	l   *loop.Loop
	log zlog.Logger
}

func (s *server) OnAccept(fd int) {
	c := &conn{log: s.log}
	sock, err := socket.Accept(s.l, fd, c)
	if err != nil {
		s.log.Warnf("accept: %v", err)
		return
	}
	c.socket = sock
	c.framer = framing.NewSimpleFramer("", c.onMessage)
}

type conn struct {
	socket *socket.Socket
	framer *framing.SimpleFramer
	log    zlog.Logger
}

func (c *conn) OnConnected(*socket.Socket)            {}
func (c *conn) OnConnectFailed(*socket.Socket, error) {}

func (c *conn) OnDataRead(s *socket.Socket, data *buf.Data) {
	if err := c.framer.AddData(data); err != nil || c.framer.Poisoned() {
		c.log.Warnf("framing error, closing connection")
		s.Close()
	}
}

func (c *conn) OnWriteComplete(*socket.Socket, *socket.WriteRequest, bool) {}

func (c *conn) OnClosed(s *socket.Socket, err error) {
	c.log.Noticef("connection closed: %v", err)
}

func (c *conn) onMessage(msg *framing.SimpleMessage) {
	body := make([]byte, msg.Content.Size())
	n, _ := msg.Content.CopyToBuf(body, msg.Content.Size(), 0)
	body = body[:n]
	c.log.Noticef("read type=%d payload=%q, echoing back", msg.Type, body)

	content, err := buf.NewResourceFromData(buf.NewData(body), "")
	if err != nil {
		c.log.Errorf("build echo response: %v", err)
		return
	}
	reply := buf.NewMessageWithHeader(framing.SimpleHeaderData(msg.Type, uint32(len(body))), content)
	c.socket.WriteMessage(reply)
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: echoserver <listen port>")
		os.Exit(1)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid port:", os.Args[1])
		os.Exit(1)
	}

	log := zlog.NewDefault()
	l, err := loop.New()
	if err != nil {
		log.Errorf("create loop: %v", err)
		os.Exit(1)
	}
	go l.Run()

	srv := &server{l: l, log: log}
	ln, err := socket.Listen(l, "0.0.0.0", port, srv)
	if err != nil {
		log.Errorf("listen on port %d: %v", port, err)
		os.Exit(1)
	}
	defer ln.Close()
	log.Noticef("echoserver listening on port %d", port)

	select {}
}
