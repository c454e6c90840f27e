package tcpweir

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferAppendPeekRetrieve(t *testing.T) {
	b := NewBuffer(0)
	assert.Equal(t, 0, b.ReadableBytes())

	b.AppendString("hello")
	assert.Equal(t, 5, b.ReadableBytes())
	assert.Equal(t, []byte("hello"), b.Peek())

	b.Retrieve(2)
	assert.Equal(t, []byte("llo"), b.Peek())

	b.Retrieve(100)
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, 0, b.readIndex)
	assert.Equal(t, 0, b.writeIndex)
}

func TestBufferGrowth(t *testing.T) {
	b := NewBuffer(16)
	data := bytes.Repeat([]byte("x"), 100)
	b.Append(data)
	assert.Equal(t, 100, b.ReadableBytes())
	assert.Equal(t, data, b.Peek())
}

func TestBufferCompactionBeforeGrowth(t *testing.T) {
	b := NewBuffer(64)
	b.Append(bytes.Repeat([]byte("a"), 60))
	b.Retrieve(50)

	// 10 readable bytes remain; the retrieved front space is enough
	// for 20 more without growing.
	capBefore := len(b.buf)
	b.Append(bytes.Repeat([]byte("b"), 20))
	assert.Equal(t, capBefore, len(b.buf))
	assert.Equal(t, 30, b.ReadableBytes())
	want := append(bytes.Repeat([]byte("a"), 10), bytes.Repeat([]byte("b"), 20)...)
	assert.Equal(t, want, b.Peek())
}

func TestBufferWritableSliceHasWritten(t *testing.T) {
	b := NewBuffer(32)
	b.EnsureWritable(8)
	n := copy(b.WritableSlice(), "abcdefgh")
	b.HasWritten(n)
	assert.Equal(t, []byte("abcdefgh"), b.Peek())
}

func TestBufferReadFromFDSpill(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := bytes.Repeat([]byte("0123456789"), 500)
	written := 0
	for written < len(payload) {
		n, err := unix.Write(fds[0], payload[written:])
		require.NoError(t, err)
		written += n
	}

	// A tiny buffer forces the readv spill path.
	b := NewBuffer(16)
	got := make([]byte, 0, len(payload))
	for len(got) < len(payload) {
		n, err := b.ReadFromFD(fds[1])
		if n < 0 && err == unix.EAGAIN {
			continue
		}
		require.NoError(t, err)
		require.Greater(t, n, 0)
		got = append(got, b.Peek()...)
		b.RetrieveAll()
	}
	assert.Equal(t, payload, got)
}

func TestBufferReadFromFDPeerClosed(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	unix.Close(fds[0])

	b := NewBuffer(16)
	n, err := b.ReadFromFD(fds[1])
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
