package tcpweir

import (
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
)

// asyncNode buffers bytes pushed by an external producer. It stays on
// the queue while open even when drained; the producer re-arms write
// readiness through the connection when it appends.
type asyncNode struct {
	buf    Buffer
	isDone bool
}

// NewAsyncNode creates an open async-stream node.
func NewAsyncNode() BufferNode {
	return &asyncNode{}
}

func (n *asyncNode) RemainingBytes() int64 { return int64(n.buf.ReadableBytes()) }
func (n *asyncNode) GetData() []byte       { return n.buf.Peek() }
func (n *asyncNode) Retrieve(c int)        { n.buf.Retrieve(c) }
func (n *asyncNode) Append(data []byte)    { n.buf.Append(data) }
func (n *asyncNode) Done()                 { n.isDone = true }
func (n *asyncNode) Available() bool       { return !n.isDone }
func (n *asyncNode) IsFile() bool          { return false }
func (n *asyncNode) IsStream() bool        { return false }
func (n *asyncNode) IsAsync() bool         { return true }
func (n *asyncNode) FD() int               { return -1 }

// AsyncStream is the producer handle returned by SendAsyncStream. Send
// and Close may be called from any goroutine; bytes cross into the
// owning loop as owned copies.
type AsyncStream struct {
	conn   *Connection
	node   BufferNode
	closed atomic.Bool
}

// Send pushes bytes into the stream. Bytes sent after Close or after
// the connection went away are dropped.
func (s *AsyncStream) Send(data []byte) {
	if len(data) == 0 {
		return
	}
	if s.closed.Load() {
		logging.Debugf("async stream is closed, give up sending")
		return
	}
	c := s.conn
	if ConnStatus(c.status.Load()) != Connected {
		logging.Debugf("connection is not connected, give up sending")
		return
	}
	if c.loop.InLoopThread() {
		c.sendAsyncDataInLoop(s.node, data)
		return
	}
	bb := bytebufferpool.Get()
	bb.Write(data)
	c.loop.QueueInLoop(func() {
		c.sendAsyncDataInLoop(s.node, bb.B)
		bytebufferpool.Put(bb)
	})
}

// Close marks the stream finished. The node drains its remaining bytes
// and is then removed from the write queue. Close is idempotent.
func (s *AsyncStream) Close() {
	if !s.closed.CAS(false, true) {
		return
	}
	c := s.conn
	c.loop.RunInLoop(func() {
		c.sendAsyncDataInLoop(s.node, nil)
	})
}
