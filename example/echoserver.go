package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/tcpweir/tcpweir"
	"github.com/tcpweir/tcpweir/sockets"
)

func main() {
	addr := ":9000"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	srv, err := tcpweir.NewServer("tcp", addr, runtime.NumCPU(), sockets.SocketOptions{
		ReuseAddr:  true,
		TCPNoDelay: sockets.TCPNoDelay,
	})
	if err != nil {
		logging.Fatalf("create server: %v", err)
	}

	srv.SetConnectionCallback(func(c *tcpweir.Connection) {
		if c.IsConnected() {
			logging.Infof("conn up: %s", c.Name())
		} else {
			logging.Infof("conn down: %s", c.Name())
		}
	})
	srv.SetMessageCallback(func(c *tcpweir.Connection, buf *tcpweir.Buffer) {
		c.Send(buf.Peek())
		buf.RetrieveAll()
	})
	srv.SetIdleTimeout(60)

	srv.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	if err := srv.Stop(); err != nil {
		logging.Errorf("stop server: %v", err)
	}
}
