package tcpweir

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcpweir/tcpweir/sockets"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

func startLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop()
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run()
	}()
	require.Eventually(t, loop.running.Load, time.Second, time.Millisecond)
	t.Cleanup(func() {
		loop.Stop()
		<-done
	})
	return loop
}

// newTestConn wires one end of a socketpair into a Connection on loop
// and returns the raw peer fd.
func newTestConn(t *testing.T, loop *EventLoop) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	conn := NewConnection(loop, fds[0], nil, nil)
	t.Cleanup(func() { unix.Close(fds[1]) })
	return conn, fds[1]
}

func destroyOnClose(c *Connection) {
	c.Loop().QueueInLoop(c.ConnectDestroyed)
}

func establish(t *testing.T, c *Connection) {
	t.Helper()
	c.ConnectEstablished()
	require.Eventually(t, c.IsConnected, time.Second, time.Millisecond)
}

func readExactly(t *testing.T, fd, n int, timeout time.Duration) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < n {
		r, err := unix.Read(fd, buf[got:])
		if r > 0 {
			got += r
			continue
		}
		if err == unix.EAGAIN {
			if time.Now().After(deadline) {
				t.Fatalf("timed out after reading %d of %d bytes", got, n)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if r == 0 && err == nil {
			t.Fatalf("peer EOF after %d of %d bytes", got, n)
		}
		require.NoError(t, err)
	}
	return buf
}

func readUntilEOF(t *testing.T, fd int, timeout time.Duration) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(timeout)
	for {
		r, err := unix.Read(fd, buf)
		if r > 0 {
			out = append(out, buf[:r]...)
			continue
		}
		if err == unix.EAGAIN {
			if time.Now().After(deadline) {
				t.Fatalf("no EOF after %v, read %d bytes", timeout, len(out))
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if r == 0 && err == nil {
			return out
		}
		require.NoError(t, err)
	}
}

func TestServerEcho(t *testing.T) {
	srv, err := NewServer("tcp", "127.0.0.1:0", 2, sockets.SocketOptions{
		ReuseAddr:  true,
		TCPNoDelay: sockets.TCPNoDelay,
	})
	require.NoError(t, err)

	var serverGot atomic.Int64
	srv.SetMessageCallback(func(c *Connection, buf *Buffer) {
		serverGot.Add(int64(buf.ReadableBytes()))
		c.SendString(string(bytes.ToUpper(buf.Peek())))
		buf.RetrieveAll()
	})
	srv.Run()
	defer srv.Stop()

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	reply := make([]byte, 5)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), reply)
	assert.EqualValues(t, 5, serverGot.Load())
}

func TestSendBeforeEstablishedIsDropped(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)

	conn.Send([]byte("early"))
	time.Sleep(50 * time.Millisecond)

	buf := make([]byte, 16)
	_, err := unix.Read(peer, buf)
	assert.Equal(t, unix.EAGAIN, err)

	establish(t, conn)
	conn.Send([]byte("late"))
	assert.Equal(t, []byte("late"), readExactly(t, peer, 4, time.Second))
}

func TestInterleavedSendFileOrdering(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)
	establish(t, conn)

	path, content := writeTempFile(t, 128*1024)

	conn.Send([]byte("A"))
	conn.SendFile(path, 0, 0)
	conn.Send([]byte("B"))

	got := readExactly(t, peer, 1+len(content)+1, 10*time.Second)
	assert.Equal(t, byte('A'), got[0])
	assert.Equal(t, content, got[1:1+len(content)])
	assert.Equal(t, byte('B'), got[len(got)-1])
}

func TestHighWaterMarkAndDrain(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)

	var hwmCalls atomic.Int32
	var hwmSize atomic.Int64
	conn.SetHighWaterMarkCallback(func(c *Connection, pending int64) {
		hwmCalls.Inc()
		hwmSize.Store(pending)
	}, 64*1024)

	var writeComplete atomic.Int32
	conn.SetWriteCompleteCallback(func(*Connection) { writeComplete.Inc() })

	establish(t, conn)

	payload := bytes.Repeat([]byte("p"), 1024*1024)
	conn.Send(payload)

	require.Eventually(t, func() bool { return hwmCalls.Load() >= 1 }, 2*time.Second, time.Millisecond)
	assert.Greater(t, hwmSize.Load(), int64(64*1024))

	// Peer drains; nothing may be lost.
	got := readExactly(t, peer, len(payload), 10*time.Second)
	assert.Equal(t, payload, got)
	require.Eventually(t, func() bool { return writeComplete.Load() >= 1 }, 2*time.Second, time.Millisecond)
	assert.EqualValues(t, len(payload), conn.BytesSent())
}

func TestShutdownDrainsThenCloses(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)

	var closeCalls atomic.Int32
	conn.SetCloseCallback(func(c *Connection) {
		closeCalls.Inc()
		destroyOnClose(c)
	})
	establish(t, conn)

	payload := bytes.Repeat([]byte("s"), 2*1024*1024)
	conn.Send(payload)
	conn.Shutdown()

	got := readUntilEOF(t, peer, 10*time.Second)
	assert.Equal(t, len(payload), len(got))

	// Peer closes its side; the FIN completes the teardown.
	unix.Close(peer)
	require.Eventually(t, func() bool { return closeCalls.Load() == 1 }, 3*time.Second, time.Millisecond)
	assert.Equal(t, Disconnected, conn.Status())
}

func TestForceCloseIsIdempotent(t *testing.T) {
	loop := startLoop(t)
	conn, _ := newTestConn(t, loop)

	var closeCalls atomic.Int32
	conn.SetCloseCallback(func(c *Connection) {
		closeCalls.Inc()
		destroyOnClose(c)
	})
	establish(t, conn)

	conn.Send(bytes.Repeat([]byte("f"), 2*1024*1024))
	conn.ForceClose()
	conn.ForceClose()

	require.Eventually(t, func() bool { return conn.Status() == Disconnected }, 2*time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, closeCalls.Load())

	// No callback may fire after the close notification.
	conn.Send([]byte("after close"))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, closeCalls.Load())
}

func TestSendFileBadOffsetDropped(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)
	establish(t, conn)

	path, content := writeTempFile(t, 1000)
	conn.SendFile(path, int64(len(content))+1, 0)
	conn.Send([]byte("X"))

	assert.Equal(t, []byte("X"), readExactly(t, peer, 1, 2*time.Second))
	assert.True(t, conn.IsConnected())
}

func TestPullStreamEOFThenMemoryNode(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)
	establish(t, conn)

	calls := 0
	conn.SendStream(func(dst []byte) int {
		calls++
		if calls > 2 {
			return 0
		}
		return copy(dst, bytes.Repeat([]byte{byte('0' + calls)}, 16))
	})
	conn.Send([]byte("after"))

	got := readExactly(t, peer, 32+5, 3*time.Second)
	assert.Equal(t, bytes.Repeat([]byte("1"), 16), got[:16])
	assert.Equal(t, bytes.Repeat([]byte("2"), 16), got[16:32])
	assert.Equal(t, []byte("after"), got[32:])

	// The drained stream node must be gone from the queue.
	queueLen := make(chan int, 1)
	loop.RunInLoop(func() { queueLen <- conn.writeQueue.size() })
	assert.Equal(t, 0, <-queueLen)
}

func TestAsyncStreamOrdering(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)
	establish(t, conn)

	stream := conn.SendAsyncStream()
	stream.Send([]byte("x1"))
	// Raw bytes sent while the stream is open still land behind every
	// byte the stream produces.
	conn.Send([]byte("mid"))
	stream.Send([]byte("x2"))
	stream.Close()

	got := readExactly(t, peer, 7, 3*time.Second)
	assert.Equal(t, []byte("x1x2mid"), got)
}

func TestAsyncStreamCloseIsIdempotent(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)
	establish(t, conn)

	stream := conn.SendAsyncStream()
	stream.Send([]byte("once"))
	stream.Close()
	stream.Close()
	stream.Send([]byte("dropped"))

	assert.Equal(t, []byte("once"), readExactly(t, peer, 4, 2*time.Second))
	time.Sleep(50 * time.Millisecond)
	buf := make([]byte, 16)
	_, err := unix.Read(peer, buf)
	assert.Equal(t, unix.EAGAIN, err)
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	loop := startLoop(t)
	tw := NewTimingWheel(5)
	defer tw.Stop()

	conn, _ := newTestConn(t, loop)
	var closed atomic.Bool
	conn.SetCloseCallback(func(c *Connection) {
		closed.Store(true)
		destroyOnClose(c)
	})
	conn.SetIdleTimeout(2, tw)
	establish(t, conn)

	start := time.Now()
	for !closed.Load() {
		if time.Since(start) > 5*time.Second {
			t.Fatal("idle connection never closed")
		}
		time.Sleep(50 * time.Millisecond)
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second-100*time.Millisecond)
	assert.Less(t, elapsed, 3500*time.Millisecond)
}

func TestExtendLifeIsDampened(t *testing.T) {
	loop := startLoop(t)
	tw := NewTimingWheel(15)
	defer tw.Stop()

	conn, _ := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)
	conn.SetIdleTimeout(10, tw)
	establish(t, conn)

	refsAfter := func() int32 {
		ch := make(chan int32, 1)
		loop.RunInLoop(func() { ch <- conn.kickEntry.refs.Load() })
		return <-ch
	}

	// Rapid activity within the same second must not re-insert.
	loop.RunInLoop(func() {
		c := conn
		c.extendLife()
		c.extendLife()
		c.extendLife()
	})
	assert.EqualValues(t, 1, refsAfter())

	// Pretend the last refresh was long ago; the next activity
	// re-inserts exactly once.
	loop.RunInLoop(func() {
		conn.lastWheelUpdate = time.Now().Add(-2 * time.Second)
		conn.extendLife()
		conn.extendLife()
	})
	assert.EqualValues(t, 2, refsAfter())
}

func TestBytesCounters(t *testing.T) {
	loop := startLoop(t)
	conn, peer := newTestConn(t, loop)
	conn.SetCloseCallback(destroyOnClose)

	received := make(chan []byte, 1)
	conn.SetMessageCallback(func(c *Connection, buf *Buffer) {
		data := append([]byte(nil), buf.Peek()...)
		buf.RetrieveAll()
		received <- data
	})
	establish(t, conn)

	conn.Send([]byte("12345"))
	readExactly(t, peer, 5, time.Second)
	assert.EqualValues(t, 5, conn.BytesSent())

	_, err := unix.Write(peer, []byte("abc"))
	require.NoError(t, err)
	select {
	case data := <-received:
		assert.Equal(t, []byte("abc"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("message callback never fired")
	}
	assert.EqualValues(t, 3, conn.BytesReceived())
}
