package tcpweir

import (
	"net"
	"time"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/tcpweir/tcpweir/sockets"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// ConnStatus is the lifecycle state of a Connection.
type ConnStatus int32

const (
	Connecting ConnStatus = iota
	Connected
	Disconnecting
	Disconnected
)

// defaultHighWaterMark is the pending-outbound threshold above which
// the high-water-mark callback fires unless the user set their own.
const defaultHighWaterMark = 64 * 1024 * 1024

// ConnectionCallback observes lifecycle transitions: once on
// establishment and once on disconnection.
type ConnectionCallback func(*Connection)

// MessageCallback delivers received bytes. The buffer is owned by the
// connection; consume it with Peek/Retrieve before returning.
type MessageCallback func(*Connection, *Buffer)

// HighWaterMarkCallback fires when pending outbound bytes exceed the
// configured threshold.
type HighWaterMarkCallback func(*Connection, int64)

// Connection owns one established TCP socket on one event loop. Every
// mutating operation runs on that loop's thread: calls arriving from
// other goroutines are serialized through the loop's task queue, so
// user callbacks never need their own locking.
type Connection struct {
	loop      *EventLoop
	channel   *Channel
	fd        int
	localAddr net.Addr
	peerAddr  net.Addr
	name      string
	ctx       interface{}

	status     atomic.Int32
	readBuffer Buffer
	writeQueue writeQueue
	tls        TLSAdapter

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback ConnectionCallback
	highWaterMarkCallback HighWaterMarkCallback
	sslErrorCallback      func(TLSError)
	closeCallback         ConnectionCallback
	upgradeCallback       ConnectionCallback

	highWaterMark int64
	closeOnEmpty  bool

	idleTimeout     int
	wheel           *TimingWheel
	kickEntry       *WheelEntry
	lastWheelUpdate time.Time

	bytesReceived atomic.Int64
	bytesSent     atomic.Int64
}

// NewConnection wraps an already-established, non-blocking socket fd.
// The connection starts in Connecting; call ConnectEstablished once the
// callbacks are installed.
func NewConnection(loop *EventLoop, fd int, localAddr, peerAddr net.Addr) *Connection {
	c := &Connection{
		loop:          loop,
		fd:            fd,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		highWaterMark: defaultHighWaterMark,
	}
	c.name = addrString(localAddr) + "--" + addrString(peerAddr)
	logging.Debugf("new connection: %s", c.name)
	c.channel = NewChannel(loop, fd)
	c.channel.SetReadCallback(c.readCallback)
	c.channel.SetWriteCallback(c.writeCallback)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	if err := sockets.SetKeepAlive(fd, 1); err != nil {
		logging.Warnf("[%s] enable keep-alive: %v", c.name, err)
	}
	return c
}

func addrString(a net.Addr) string {
	if a == nil {
		return "?"
	}
	return a.String()
}

func (c *Connection) Name() string        { return c.name }
func (c *Connection) Loop() *EventLoop    { return c.loop }
func (c *Connection) FD() int             { return c.fd }
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }
func (c *Connection) PeerAddr() net.Addr  { return c.peerAddr }

func (c *Connection) Status() ConnStatus { return ConnStatus(c.status.Load()) }
func (c *Connection) IsConnected() bool  { return c.Status() == Connected }

// BytesReceived is the total byte count taken off the socket.
func (c *Connection) BytesReceived() int64 { return c.bytesReceived.Load() }

// BytesSent is the total byte count accepted by the raw socket writer.
func (c *Connection) BytesSent() int64 { return c.bytesSent.Load() }

func (c *Connection) Context() interface{}       { return c.ctx }
func (c *Connection) SetContext(ctx interface{}) { c.ctx = ctx }

func (c *Connection) SetConnectionCallback(fn ConnectionCallback)    { c.connectionCallback = fn }
func (c *Connection) SetMessageCallback(fn MessageCallback)          { c.messageCallback = fn }
func (c *Connection) SetWriteCompleteCallback(fn ConnectionCallback) { c.writeCompleteCallback = fn }
func (c *Connection) SetCloseCallback(fn ConnectionCallback)         { c.closeCallback = fn }
func (c *Connection) SetSSLErrorCallback(fn func(TLSError))          { c.sslErrorCallback = fn }

// SetHighWaterMarkCallback installs the backpressure notification with
// its threshold in bytes.
func (c *Connection) SetHighWaterMarkCallback(fn HighWaterMarkCallback, mark int64) {
	c.highWaterMarkCallback = fn
	if mark > 0 {
		c.highWaterMark = mark
	}
}

// SetTCPNoDelay toggles Nagle's algorithm on the socket.
func (c *Connection) SetTCPNoDelay(on bool) {
	v := 0
	if on {
		v = 1
	}
	if err := sockets.SetNoDelay(c.fd, v); err != nil {
		logging.Warnf("[%s] set TCP_NODELAY: %v", c.name, err)
	}
}

// SetIdleTimeout arms idle expiry: when no wire activity refreshes the
// wheel entry for the given number of seconds, the connection is force
// closed. Must be called before ConnectEstablished.
func (c *Connection) SetIdleTimeout(seconds int, wheel *TimingWheel) {
	if seconds <= 0 || wheel == nil {
		return
	}
	c.idleTimeout = seconds
	c.wheel = wheel
	c.kickEntry = NewWheelEntry(func() {
		logging.Debugf("[%s] idle timeout, force closing", c.name)
		c.ForceClose()
	})
	c.lastWheelUpdate = time.Now()
	wheel.InsertEntry(seconds, c.kickEntry)
}

// extendLife refreshes the idle-wheel entry, at most once per second so
// continuous traffic does not churn the wheel on every byte.
func (c *Connection) extendLife() {
	if c.idleTimeout <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(c.lastWheelUpdate) < time.Second {
		return
	}
	c.lastWheelUpdate = now
	if c.kickEntry != nil && !c.kickEntry.Fired() {
		c.wheel.InsertEntry(c.idleTimeout, c.kickEntry)
	}
}

// ConnectEstablished transitions the connection to Connected on its
// loop, enables read readiness and starts the TLS handshake when one is
// configured.
func (c *Connection) ConnectEstablished() {
	c.loop.RunInLoop(func() {
		logging.Debugf("[%s] connection established", c.name)
		c.channel.Tie(c)
		c.channel.EnableReading()
		c.status.Store(int32(Connected))
		if c.tls != nil {
			c.tls.StartEncryption()
		} else if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	})
}

// ConnectDestroyed is the owner-side teardown: it finishes the close
// transition if needed, unregisters the channel and closes the socket.
func (c *Connection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if ConnStatus(c.status.Load()) == Connected {
		c.status.Store(int32(Disconnected))
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	if err := unix.Close(c.fd); err != nil {
		logging.Warnf("[%s] close fd %d: %v", c.name, c.fd, err)
	}
}

// StartEncryption upgrades the connection to TLS. It fails fast with no
// state change when encryption is already active or no provider is
// registered. When upgrade is non-nil it replaces the connection
// callback for the handshake-finished notification.
func (c *Connection) StartEncryption(policy *TLSPolicy, isServer bool, upgrade ConnectionCallback) error {
	if c.tls != nil || c.upgradeCallback != nil {
		logging.Errorf("[%s] TLS is already started", c.name)
		return ErrTLSAlreadyStarted
	}
	if newTLSAdapter == nil {
		return ErrTLSNotSupported
	}
	adapter, err := newTLSAdapter(policy, isServer)
	if err != nil {
		return err
	}
	c.upgradeCallback = upgrade
	c.installTLSAdapter(adapter)
	c.loop.RunInLoop(func() {
		if ConnStatus(c.status.Load()) == Connected {
			adapter.StartEncryption()
		}
	})
	return nil
}

func (c *Connection) installTLSAdapter(adapter TLSAdapter) {
	adapter.SetWriteCallback(func(data []byte) int {
		n, _ := c.writeRaw(data)
		return n
	})
	adapter.SetErrorCallback(func(e TLSError) {
		if c.sslErrorCallback != nil {
			c.sslErrorCallback(e)
		}
		c.ForceClose()
	})
	adapter.SetHandshakeCallback(func() {
		if c.upgradeCallback != nil {
			cb := c.upgradeCallback
			c.upgradeCallback = nil
			cb(c)
		} else if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	})
	adapter.SetMessageCallback(func(buf *Buffer) {
		if c.messageCallback != nil {
			c.messageCallback(c, buf)
		}
	})
	// Peer sent a close alert.
	adapter.SetCloseCallback(func() {
		c.Shutdown()
	})
	c.tls = adapter
}

// Send writes raw bytes, preserving submission order with all other
// send calls. Off the loop thread the bytes are copied into an owned
// buffer before crossing the task queue.
func (c *Connection) Send(data []byte) {
	if c.loop.InLoopThread() {
		c.sendInLoop(data)
		return
	}
	bb := bytebufferpool.Get()
	bb.Write(data)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendString writes a string.
func (c *Connection) SendString(data string) {
	if c.loop.InLoopThread() {
		c.sendInLoop([]byte(data))
		return
	}
	bb := bytebufferpool.Get()
	bb.WriteString(data)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendBuffer writes the readable region of buf.
func (c *Connection) SendBuffer(buf *Buffer) {
	c.Send(buf.Peek())
}

// SendFile queues a byte range of a regular file. length == 0 sends
// from offset to end of file. A file that cannot be opened or whose
// range is invalid is dropped after logging; the connection stays up.
func (c *Connection) SendFile(path string, offset, length int64) {
	node := NewFileNode(path, offset, length)
	if !node.Available() {
		return
	}
	c.enqueueNode(node)
}

// SendStream queues a pull-driven stream. The producer is called on the
// loop thread whenever the socket can take more; returning 0 ends the
// stream.
func (c *Connection) SendStream(producer StreamProducer) {
	c.enqueueNode(NewStreamNode(producer))
}

// SendAsyncStream queues a push-driven stream and returns the producer
// handle. Bytes pushed through the handle keep wire order with respect
// to send calls made after this one.
func (c *Connection) SendAsyncStream() *AsyncStream {
	node := NewAsyncNode()
	c.enqueueNode(node)
	return &AsyncStream{conn: c, node: node}
}

// enqueueNode appends a non-coalescing node at the queue tail, kicking
// the drain once when the node becomes the sole entry.
func (c *Connection) enqueueNode(node BufferNode) {
	c.loop.RunInLoop(func() {
		if ConnStatus(c.status.Load()) != Connected {
			logging.Warnf("[%s] connection is not connected, give up sending", c.name)
			return
		}
		c.writeQueue.pushBack(node)
		if c.writeQueue.size() == 1 && node.RemainingBytes() > 0 {
			c.sendNodeInLoop(node)
		}
	})
}

// Shutdown closes gracefully: once the write queue and any buffered
// ciphertext drain, the write half of the socket is closed and the
// peer's FIN completes the teardown.
func (c *Connection) Shutdown() {
	c.loop.RunInLoop(func() {
		if ConnStatus(c.status.Load()) != Connected {
			return
		}
		if c.tls != nil {
			if c.tls.GetBufferedData().ReadableBytes() != 0 || !c.writeQueue.empty() {
				c.closeOnEmpty = true
				return
			}
			c.tls.Close()
		}
		if c.tls == nil && !c.writeQueue.empty() {
			c.closeOnEmpty = true
			return
		}
		c.status.Store(int32(Disconnecting))
		if !c.channel.IsWriting() {
			if err := sockets.CloseWrite(c.fd); err != nil {
				logging.Warnf("[%s] close write half: %v", c.name, err)
			}
		}
	})
}

// ForceClose tears the connection down immediately, abandoning pending
// outbound data. Safe from any goroutine and idempotent.
func (c *Connection) ForceClose() {
	c.loop.RunInLoop(func() {
		st := ConnStatus(c.status.Load())
		if st == Connected || st == Disconnecting {
			c.status.Store(int32(Disconnecting))
			c.handleClose()
			if c.tls != nil {
				c.tls.Close()
			}
		}
	})
}

func (c *Connection) readCallback() {
	c.loop.AssertInLoopThread()
	n, err := c.readBuffer.ReadFromFD(c.fd)
	if n == 0 {
		// Peer closed the socket.
		c.handleClose()
		return
	}
	if n < 0 {
		if err == unix.EPIPE || err == unix.ECONNRESET {
			logging.Debugf("[%s] EPIPE or ECONNRESET on read, fd=%d", c.name, c.fd)
			return
		}
		if err == unix.EAGAIN {
			return
		}
		logging.Errorf("[%s] read socket error: %v", c.name, err)
		c.handleClose()
		return
	}
	c.extendLife()
	c.bytesReceived.Add(int64(n))
	if c.tls != nil {
		c.tls.RecvData(&c.readBuffer)
	} else if c.messageCallback != nil {
		c.messageCallback(c, &c.readBuffer)
	}
}

func (c *Connection) writeCallback() {
	c.loop.AssertInLoopThread()
	c.extendLife()
	if !c.channel.IsWriting() {
		logging.Errorf("[%s] write callback fired but writing is disabled", c.name)
		return
	}
	if c.tls != nil {
		if !c.tls.SendBufferedData() {
			return
		}
	}
	for !c.writeQueue.empty() {
		node := c.writeQueue.front()
		if node.RemainingBytes() == 0 {
			if !node.IsAsync() || !node.Available() {
				c.writeQueue.popFront()
				continue
			}
			// An open async node at the head: stop polling for
			// writability until its producer appends again.
			c.channel.DisableWriting()
			return
		}
		c.sendNodeInLoop(node)
		if node.RemainingBytes() > 0 {
			return
		}
	}
	c.channel.DisableWriting()
	if c.writeCompleteCallback != nil {
		c.writeCompleteCallback(c)
	}
	if c.closeOnEmpty && (c.tls == nil || c.tls.GetBufferedData().ReadableBytes() == 0) {
		c.Shutdown()
	}
}

func (c *Connection) handleClose() {
	c.loop.AssertInLoopThread()
	if ConnStatus(c.status.Load()) == Disconnected {
		return
	}
	logging.Debugf("[%s] connection closed, fd=%d", c.name, c.fd)
	c.status.Store(int32(Disconnected))
	c.channel.DisableAll()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	err := sockets.GetSocketError(c.fd)
	if err == 0 {
		return
	}
	switch err {
	case int(unix.EPIPE), int(unix.ECONNRESET), int(unix.EBADMSG):
		logging.Debugf("[%s] SO_ERROR = %d %s", c.name, err, unix.Errno(err).Error())
	default:
		logging.Errorf("[%s] SO_ERROR = %d %s", c.name, err, unix.Errno(err).Error())
	}
}

// sendInLoop commits raw bytes: an immediate write attempt when the
// pipe is idle, with the remainder coalesced onto the queue tail.
func (c *Connection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if ConnStatus(c.status.Load()) != Connected {
		logging.Warnf("[%s] connection is not connected, give up sending", c.name)
		return
	}
	c.extendLife()
	sent := 0
	if !c.channel.IsWriting() && c.writeQueue.empty() {
		n, err := c.writeInLoop(data)
		if n < 0 {
			if err != nil && err != unix.EWOULDBLOCK {
				if err == unix.EPIPE || err == unix.ECONNRESET {
					logging.Debugf("[%s] EPIPE or ECONNRESET on write", c.name)
					return
				}
				logging.Errorf("[%s] unexpected error(%v) on write", c.name, err)
				return
			}
			// EWOULDBLOCK, or a negative return with no error set:
			// nothing was accepted.
			n = 0
		}
		sent = n
	}
	if sent < len(data) && ConnStatus(c.status.Load()) == Connected {
		tail := c.writeQueue.appendBytes(data[sent:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
		if c.highWaterMarkCallback != nil && tail.RemainingBytes() > c.highWaterMark {
			c.highWaterMarkCallback(c, tail.RemainingBytes())
		}
		if c.highWaterMarkCallback != nil && c.tls != nil &&
			int64(c.tls.GetBufferedData().ReadableBytes()) > c.highWaterMark {
			c.highWaterMarkCallback(c, int64(c.tls.GetBufferedData().ReadableBytes()))
		}
		return
	}
	if c.writeQueue.empty() && c.writeCompleteCallback != nil {
		c.writeCompleteCallback(c)
	}
}

// sendAsyncDataInLoop feeds bytes from an async-stream producer into
// its node. When the node sits at the queue head fully drained, the
// bytes go straight to the socket and only the remainder is buffered.
// nil data closes the stream.
func (c *Connection) sendAsyncDataInLoop(node BufferNode, data []byte) {
	c.loop.AssertInLoopThread()
	if data == nil {
		node.Done()
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if !c.writeQueue.empty() && c.writeQueue.front() == node && node.RemainingBytes() == 0 {
		n, err := c.writeInLoop(data)
		if n < 0 {
			if err != nil && err != unix.EWOULDBLOCK {
				logging.Errorf("[%s] write error: %v", c.name, err)
			}
			n = 0
		}
		if n < len(data) {
			node.Append(data[n:])
			if !c.channel.IsWriting() {
				c.channel.EnableWriting()
			}
		}
		return
	}
	node.Append(data)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// sendNodeInLoop drains one node toward the socket: the kernel
// sendfile fast path for plaintext file nodes, a chunked
// get-write-retrieve loop for everything else.
func (c *Connection) sendNodeInLoop(node BufferNode) {
	c.loop.AssertInLoopThread()
	if node.IsFile() && c.tls == nil {
		c.sendFileInLoop(node)
		return
	}
	for node.RemainingBytes() > 0 {
		data := node.GetData()
		if len(data) == 0 {
			// A pull stream signaled end of stream.
			node.Done()
			break
		}
		n, err := c.writeInLoop(data)
		if n >= 0 {
			node.Retrieve(n)
			if n < len(data) {
				// Kernel buffer full; wait for writability.
				if !c.channel.IsWriting() {
					c.channel.EnableWriting()
				}
				return
			}
			continue
		}
		if err != nil && err != unix.EWOULDBLOCK {
			if err == unix.EPIPE || err == unix.ECONNRESET {
				logging.Debugf("[%s] EPIPE or ECONNRESET on send", c.name)
				return
			}
			logging.Errorf("[%s] unexpected error(%v) on send", c.name, err)
			return
		}
		break
	}
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// writeInLoop routes bytes through the TLS adapter when one is active,
// else straight to the socket. Ciphertext the socket did not take stays
// buffered in the adapter, so writability polling must stay on until it
// drains.
func (c *Connection) writeInLoop(data []byte) (int, error) {
	if c.tls != nil {
		n := c.tls.SendData(data)
		if c.tls.GetBufferedData().ReadableBytes() > 0 && !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
		return n, nil
	}
	return c.writeRaw(data)
}

// writeRaw is the raw socket writer; every positive return adds to the
// sent-bytes counter.
func (c *Connection) writeRaw(data []byte) (int, error) {
	n, err := unix.Write(c.fd, data)
	if n > 0 {
		c.bytesSent.Add(int64(n))
	}
	return n, err
}
