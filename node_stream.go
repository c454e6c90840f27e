package tcpweir

import "github.com/panjf2000/gnet/v2/pkg/logging"

// StreamProducer fills dst with the next bytes of a pull-driven stream
// and returns how many it wrote. Returning 0 signals end of stream.
type StreamProducer func(dst []byte) int

// streamNode pulls bytes from a producer function into a staging buffer
// whenever the previous chunk has been fully consumed.
type streamNode struct {
	producer StreamProducer
	staging  Buffer
	isDone   bool
}

// NewStreamNode creates a pull-stream node around producer.
func NewStreamNode(producer StreamProducer) BufferNode {
	return &streamNode{producer: producer}
}

// RemainingBytes is the staged byte count plus an undefined additional
// amount while the stream is open; callers must rely on the empty chunk
// from GetData, not on this counter, to detect end of stream.
func (n *streamNode) RemainingBytes() int64 {
	if n.isDone {
		return int64(n.staging.ReadableBytes())
	}
	return int64(n.staging.ReadableBytes()) + 1
}

func (n *streamNode) GetData() []byte {
	if n.staging.ReadableBytes() == 0 && !n.isDone {
		n.staging.EnsureWritable(fileStagingSize)
		c := n.producer(n.staging.WritableSlice())
		if c > 0 {
			n.staging.HasWritten(c)
		}
	}
	return n.staging.Peek()
}

func (n *streamNode) Retrieve(c int) {
	n.staging.Retrieve(c)
}

func (n *streamNode) Append([]byte) {
	logging.Errorf("stream node does not accept appends")
}

func (n *streamNode) Done() {
	n.isDone = true
	n.producer = nil
}

func (n *streamNode) Available() bool { return true }
func (n *streamNode) IsFile() bool    { return false }
func (n *streamNode) IsStream() bool  { return true }
func (n *streamNode) IsAsync() bool   { return false }
func (n *streamNode) FD() int         { return -1 }
