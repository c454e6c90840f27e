package tcpweir

import (
	"net"
	"sync"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/tcpweir/tcpweir/sockets"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Server runs an acceptor plus a set of event loops and places each
// accepted connection on a loop round-robin. It is supporting harness
// around Connection: user callbacks installed here are copied onto each
// connection.
type Server struct {
	proto string
	addr  string
	opts  sockets.SocketOptions

	loops    []*EventLoop
	acceptor *Acceptor
	group    errgroup.Group
	next     int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback ConnectionCallback

	idleTimeout int
	wheel       *TimingWheel

	mu    sync.Mutex
	conns map[int]*Connection
}

// NewServer creates a server with numLoops event loops listening on
// proto://addr. The first loop doubles as the accept loop.
func NewServer(proto, addr string, numLoops int, opts sockets.SocketOptions) (*Server, error) {
	if numLoops < 1 {
		numLoops = 1
	}
	s := &Server{
		proto: proto,
		addr:  addr,
		opts:  opts,
		conns: make(map[int]*Connection),
	}
	for i := 0; i < numLoops; i++ {
		loop, err := NewEventLoop()
		if err != nil {
			return nil, err
		}
		s.loops = append(s.loops, loop)
	}
	acceptor, err := NewAcceptor(s.loops[0], proto, addr, opts)
	if err != nil {
		return nil, err
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	s.acceptor = acceptor
	return s, nil
}

// Addr is the bound listening address.
func (s *Server) Addr() net.Addr { return s.acceptor.Addr() }

func (s *Server) SetConnectionCallback(fn ConnectionCallback)    { s.connectionCallback = fn }
func (s *Server) SetMessageCallback(fn MessageCallback)          { s.messageCallback = fn }
func (s *Server) SetWriteCompleteCallback(fn ConnectionCallback) { s.writeCompleteCallback = fn }

// SetIdleTimeout arms per-connection idle expiry in seconds. Must be
// called before Run.
func (s *Server) SetIdleTimeout(seconds int) {
	s.idleTimeout = seconds
}

// Run starts the loops and the acceptor. It does not block.
func (s *Server) Run() {
	if s.idleTimeout > 0 && s.wheel == nil {
		s.wheel = NewTimingWheel(s.idleTimeout + 1)
	}
	for _, loop := range s.loops {
		loop := loop
		s.group.Go(loop.Run)
	}
	s.acceptor.Listen()
	logging.Infof("server listening on %s", s.Addr())
}

func (s *Server) newConnection(fd int, peerAddr net.Addr) {
	loop := s.loops[s.next]
	s.next = (s.next + 1) % len(s.loops)

	conn := NewConnection(loop, fd, sockets.LocalAddr(fd), peerAddr)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetCloseCallback(s.connectionClosed)
	if s.idleTimeout > 0 {
		conn.SetIdleTimeout(s.idleTimeout, s.wheel)
	}

	s.mu.Lock()
	s.conns[fd] = conn
	s.mu.Unlock()

	conn.ConnectEstablished()
}

// connectionClosed drops the server's reference and schedules the
// final teardown after the in-flight callbacks finish.
func (s *Server) connectionClosed(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.FD())
	s.mu.Unlock()
	c.Loop().QueueInLoop(c.ConnectDestroyed)
}

// Stop force-closes every connection, stops the acceptor, the loops
// and the idle wheel, and waits for the loop goroutines to finish.
func (s *Server) Stop() error {
	s.acceptor.Close()

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ForceClose()
	}

	if s.wheel != nil {
		s.wheel.Stop()
	}
	var err error
	for _, loop := range s.loops {
		loop.Stop()
	}
	err = multierr.Append(err, s.group.Wait())
	return err
}
