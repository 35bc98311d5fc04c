// Command echoclient dials a length-prefixed echo peer, sends one
// message and logs the reply. Grounded on
// original_source/examples/client_server/client.cpp's ClientHandler:
// log on connecting/connected/read/closed, send once OnConnected fires.
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

const messageType = 7

type client struct {
	socket  *socket.Socket
	framer  *framing.SimpleFramer
	log     zlog.Logger
	payload string
	done    chan struct{}
}

func (c *client) OnConnected(s *socket.Socket) {
	c.socket = s
	c.log.Noticef("connected, sending %q", c.payload)

	content, err := buf.NewResourceFromData(buf.NewData([]byte(c.payload)), "")
	if err != nil {
		c.log.Errorf("build request: %v", err)
		close(c.done)
		return
	}
	msg := buf.NewMessageWithHeader(framing.SimpleHeaderData(messageType, uint32(len(c.payload))), content)
	s.WriteMessage(msg)
}

func (c *client) OnConnectFailed(s *socket.Socket, err error) {
	c.log.Errorf("connect failed: %v", err)
	close(c.done)
}

func (c *client) OnDataRead(s *socket.Socket, data *buf.Data) {
	if err := c.framer.AddData(data); err != nil || c.framer.Poisoned() {
		c.log.Warnf("framing error")
		s.Close()
	}
}

func (c *client) OnWriteComplete(*socket.Socket, *socket.WriteRequest, bool) {}

func (c *client) OnClosed(s *socket.Socket, err error) {
	c.log.Noticef("connection closed: %v", err)
}

func (c *client) onMessage(msg *framing.SimpleMessage) {
	body := make([]byte, msg.Content.Size())
	n, _ := msg.Content.CopyToBuf(body, msg.Content.Size(), 0)
	body = body[:n]
	c.log.Noticef("received echo type=%d payload=%q", msg.Type, body)
	c.socket.Close()
	close(c.done)
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: echoclient <host> <port>")
		os.Exit(1)
	}
	host := os.Args[1]
	port, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid port:", os.Args[2])
		os.Exit(1)
	}

	log := zlog.NewDefault()
	l, err := loop.New()
	if err != nil {
		log.Errorf("create loop: %v", err)
		os.Exit(1)
	}
	go l.Run()
	defer l.Stop()

	c := &client{log: log, payload: "hi", done: make(chan struct{})}
	c.framer = framing.NewSimpleFramer("", c.onMessage)

	log.Noticef("connecting to %s:%d", host, port)
	socket.Connect(l, host, port, c)

	<-c.done
}
