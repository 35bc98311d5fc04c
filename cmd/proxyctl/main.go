// Command proxyctl forwards connections from a local port to a fixed
// upstream host:port. Grounded on
// original_source/examples/proxy/main.cpp's usage/argument layout and
// keep-alive main loop.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dbpotato/gonet/log/zlog"
	"github.com/dbpotato/gonet/loop"
	"github.com/dbpotato/gonet/proxy"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: proxyctl <listen port> <host url> <host port>")
		os.Exit(1)
	}
	listenPort, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid listen port:", os.Args[1])
		os.Exit(1)
	}
	upstreamHost := os.Args[2]
	upstreamPort, err := strconv.Atoi(os.Args[3])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid host port:", os.Args[3])
		os.Exit(1)
	}

	log := zlog.NewDefault()
	l, err := loop.New()
	if err != nil {
		log.Errorf("create loop: %v", err)
		os.Exit(1)
	}
	go l.Run()

	p, err := proxy.Listen(l, "0.0.0.0", listenPort, upstreamHost, upstreamPort, proxy.WithLogger(log))
	if err != nil {
		log.Errorf("listen on port %d: %v", listenPort, err)
		os.Exit(1)
	}
	defer p.Close()
	log.Noticef("proxying 0.0.0.0:%d -> %s:%d", listenPort, upstreamHost, upstreamPort)

	select {}
}
