package tcpweir

import (
	gmath "github.com/panjf2000/gnet/v2/pkg/math"
	"github.com/panjf2000/gnet/v2/pkg/pool/byteslice"
	"golang.org/x/sys/unix"
)

const (
	// initialBufferSize is the starting capacity of a Buffer.
	initialBufferSize = 1024

	// spillBufferSize is the size of the temporary buffer used by
	// ReadFromFD to drain the socket in one readv call even when the
	// writable region is small.
	spillBufferSize = 64 * 1024
)

// Buffer is a growable byte queue with a read cursor and a write cursor.
//
//	+-------------------+------------------+------------------+
//	|  retrieved bytes  |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=      readIndex   <=     writeIndex    <=    capacity
//
// The slice returned by Peek stays valid until the next mutating call.
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// NewBuffer creates a Buffer with at least the given capacity.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = initialBufferSize
	}
	return &Buffer{buf: make([]byte, gmath.CeilToPowerOfTwo(size))}
}

// ReadableBytes returns the number of bytes available for reading.
func (b *Buffer) ReadableBytes() int {
	return b.writeIndex - b.readIndex
}

// WritableBytes returns the number of bytes that can be written without
// growing the buffer.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writeIndex
}

// Peek borrows a view of the readable region without advancing the read
// cursor. The returned slice is invalidated by the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readIndex:b.writeIndex]
}

// Retrieve advances the read cursor by n bytes. Retrieving everything
// resets both cursors so the whole capacity becomes writable again.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readIndex += n
}

// RetrieveAll discards all readable bytes.
func (b *Buffer) RetrieveAll() {
	b.readIndex = 0
	b.writeIndex = 0
}

// EnsureWritable reserves space for n more bytes, compacting retrieved
// space first and growing the backing slice only when compaction is not
// enough.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.readIndex+b.WritableBytes() >= n {
		readable := b.ReadableBytes()
		copy(b.buf, b.buf[b.readIndex:b.writeIndex])
		b.readIndex = 0
		b.writeIndex = readable
		return
	}
	newCap := gmath.CeilToPowerOfTwo(b.writeIndex + n)
	newBuf := make([]byte, newCap)
	copy(newBuf, b.buf[:b.writeIndex])
	b.buf = newBuf
}

// WritableSlice returns the writable region. The caller commits written
// bytes with HasWritten.
func (b *Buffer) WritableSlice() []byte {
	return b.buf[b.writeIndex:]
}

// HasWritten advances the write cursor after the caller filled the
// writable region directly.
func (b *Buffer) HasWritten(n int) {
	b.writeIndex += n
}

// Append copies data into the buffer, growing it as needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writeIndex:], data)
	b.writeIndex += len(data)
}

// AppendString copies a string into the buffer.
func (b *Buffer) AppendString(data string) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writeIndex:], data)
	b.writeIndex += len(data)
}

// ReadFromFD scatter-reads from fd into the writable region, spilling
// into a temporary buffer so a single call can take up to the writable
// space plus spillBufferSize bytes, however little space is left. Returns
// the byte count from readv; 0 means the peer closed the socket.
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	spill := byteslice.Get(spillBufferSize)
	defer byteslice.Put(spill)

	writable := b.WritableBytes()
	var n int
	var err error
	if writable > 0 {
		n, err = unix.Readv(fd, [][]byte{b.buf[b.writeIndex:], spill})
	} else {
		n, err = unix.Read(fd, spill)
	}
	if n <= 0 {
		return n, err
	}
	if n <= writable {
		b.writeIndex += n
	} else {
		b.writeIndex = len(b.buf)
		b.Append(spill[:n-writable])
	}
	return n, nil
}
