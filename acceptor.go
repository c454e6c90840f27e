package tcpweir

import (
	"net"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/tcpweir/tcpweir/sockets"
	"golang.org/x/sys/unix"
)

// NewConnectionFunc receives each accepted socket fd and its peer
// address. The callee owns the fd.
type NewConnectionFunc func(fd int, peerAddr net.Addr)

// Acceptor owns a listening socket on one loop and hands accepted fds
// to its callback.
type Acceptor struct {
	loop     *EventLoop
	listenFd int
	channel  *Channel
	addr     net.Addr
	newConn  NewConnectionFunc
}

// NewAcceptor binds a listening socket on addr with the given options.
func NewAcceptor(loop *EventLoop, proto, addr string, opts sockets.SocketOptions) (*Acceptor, error) {
	fd, boundAddr, err := sockets.TCPSocket(proto, addr, true, sockets.SetOptions(proto, opts)...)
	if err != nil {
		return nil, err
	}
	a := &Acceptor{
		loop:     loop,
		listenFd: fd,
		addr:     boundAddr,
	}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.acceptInLoop)
	return a, nil
}

// Addr is the bound listening address.
func (a *Acceptor) Addr() net.Addr { return a.addr }

func (a *Acceptor) SetNewConnectionCallback(fn NewConnectionFunc) { a.newConn = fn }

// Listen starts accepting on the loop.
func (a *Acceptor) Listen() {
	a.loop.RunInLoop(func() {
		a.channel.EnableReading()
	})
}

func (a *Acceptor) acceptInLoop() {
	a.loop.AssertInLoopThread()
	for {
		fd, peer, err := sockets.Accept(a.listenFd)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				logging.Errorf("accept: out of file descriptors: %v", err)
				return
			}
			logging.Errorf("accept: %v", err)
			return
		}
		if a.newConn != nil {
			a.newConn(fd, peer)
		} else {
			unix.Close(fd)
		}
	}
}

// Close stops accepting and closes the listening socket.
func (a *Acceptor) Close() {
	a.loop.RunInLoop(func() {
		a.channel.DisableAll()
		a.channel.Remove()
		unix.Close(a.listenFd)
	})
}
