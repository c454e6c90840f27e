package tcpweir

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNode(t *testing.T) {
	n := NewMemoryNode()
	assert.True(t, n.Available())
	assert.False(t, n.IsFile())
	assert.False(t, n.IsStream())
	assert.False(t, n.IsAsync())

	n.Append([]byte("hello"))
	assert.EqualValues(t, 5, n.RemainingBytes())
	assert.Equal(t, []byte("hello"), n.GetData())

	n.Retrieve(3)
	assert.EqualValues(t, 2, n.RemainingBytes())
	assert.Equal(t, []byte("lo"), n.GetData())
}

func TestWriteQueueCoalescing(t *testing.T) {
	var q writeQueue
	q.appendBytes([]byte("a"))
	q.appendBytes([]byte("b"))
	assert.Equal(t, 1, q.size())
	assert.EqualValues(t, 2, q.front().RemainingBytes())

	q.pushBack(NewStreamNode(func([]byte) int { return 0 }))
	q.appendBytes([]byte("c"))
	assert.Equal(t, 3, q.size())

	// No two consecutive memory nodes.
	prevMemory := false
	for _, node := range q.nodes {
		memory := !node.IsFile() && !node.IsStream() && !node.IsAsync()
		assert.False(t, prevMemory && memory)
		prevMemory = memory
	}
}

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := bytes.Repeat([]byte("0123456789abcdef"), size/16+1)[:size]
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

func TestFileNodeWholeFile(t *testing.T) {
	path, content := writeTempFile(t, 40000)
	n := NewFileNode(path, 0, 0)
	require.True(t, n.Available())
	assert.True(t, n.IsFile())
	assert.EqualValues(t, len(content), n.RemainingBytes())
	assert.GreaterOrEqual(t, n.FD(), 0)

	var got []byte
	for n.RemainingBytes() > 0 {
		chunk := n.GetData()
		require.NotEmpty(t, chunk)
		require.LessOrEqual(t, len(chunk), fileStagingSize)
		got = append(got, chunk...)
		n.Retrieve(len(chunk))
	}
	assert.Equal(t, content, got)
}

func TestFileNodeRange(t *testing.T) {
	path, content := writeTempFile(t, 1000)
	n := NewFileNode(path, 100, 300)
	require.True(t, n.Available())
	assert.EqualValues(t, 300, n.RemainingBytes())

	chunk := n.GetData()
	assert.Equal(t, content[100:400], chunk)
}

func TestFileNodeBornBroken(t *testing.T) {
	path, _ := writeTempFile(t, 100)

	for _, tc := range []struct {
		name           string
		path           string
		offset, length int64
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope"), 0, 0},
		{"offset past end", path, 101, 0},
		{"range past end", path, 50, 51},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := NewFileNode(tc.path, tc.offset, tc.length)
			assert.False(t, n.Available())
			assert.EqualValues(t, 0, n.RemainingBytes())
		})
	}
}

func TestStreamNodeProducesUntilEOF(t *testing.T) {
	calls := 0
	n := NewStreamNode(func(dst []byte) int {
		calls++
		if calls > 2 {
			return 0
		}
		return copy(dst, bytes.Repeat([]byte{byte('0' + calls)}, 16))
	})
	assert.True(t, n.IsStream())
	assert.Positive(t, n.RemainingBytes())

	chunk := n.GetData()
	assert.Len(t, chunk, 16)
	n.Retrieve(16)

	chunk = n.GetData()
	assert.Len(t, chunk, 16)
	n.Retrieve(16)

	// Producer signals end of stream with an empty chunk.
	chunk = n.GetData()
	assert.Empty(t, chunk)
	n.Done()
	assert.EqualValues(t, 0, n.RemainingBytes())
}

func TestStreamNodeDoneDrainsStaged(t *testing.T) {
	n := NewStreamNode(func(dst []byte) int { return copy(dst, "staged") })
	chunk := n.GetData()
	assert.Equal(t, []byte("staged"), chunk)
	n.Retrieve(2)
	n.Done()
	assert.EqualValues(t, 4, n.RemainingBytes())
	assert.Equal(t, []byte("aged"), n.GetData())
}

func TestAsyncNodeLifecycle(t *testing.T) {
	n := NewAsyncNode()
	assert.True(t, n.IsAsync())
	assert.True(t, n.Available())
	assert.EqualValues(t, 0, n.RemainingBytes())
	assert.Empty(t, n.GetData())

	n.Append([]byte("push"))
	assert.EqualValues(t, 4, n.RemainingBytes())

	n.Done()
	assert.False(t, n.Available())
	// Remaining bytes still drain after Done.
	assert.Equal(t, []byte("push"), n.GetData())
	n.Retrieve(4)
	assert.EqualValues(t, 0, n.RemainingBytes())
}
