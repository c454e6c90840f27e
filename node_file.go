package tcpweir

import (
	"io"
	"os"

	"github.com/panjf2000/gnet/v2/pkg/logging"
)

// fileStagingSize caps how much of the file is read into the staging
// buffer per chunk on the user-space send path.
const fileStagingSize = 16 * 1024

// fileNode sends a byte range of a regular file. On Linux the raw fd
// feeds kernel sendfile; when the connection is encrypted the staging
// buffer path is used instead.
type fileNode struct {
	file      *os.File
	remaining int64
	staging   Buffer
	isDone    bool
}

// NewFileNode opens the file and validates the range. length == 0 means
// "from offset to end of file". A node whose open, stat or range check
// fails is born broken: Available reports false and RemainingBytes is 0.
func NewFileNode(path string, offset, length int64) BufferNode {
	n := &fileNode{}
	f, err := os.Open(path)
	if err != nil {
		logging.Errorf("open %s: %v", path, err)
		n.isDone = true
		return n
	}
	st, err := f.Stat()
	if err != nil {
		logging.Errorf("stat %s: %v", path, err)
		f.Close()
		n.isDone = true
		return n
	}
	size := st.Size()
	if length == 0 {
		if offset >= size {
			logging.Errorf("file %s is %d bytes, but offset is %d and length is %d",
				path, size, offset, length)
			f.Close()
			n.isDone = true
			return n
		}
		n.remaining = size - offset
	} else {
		if offset+length > size {
			logging.Errorf("file %s is %d bytes, but offset is %d and length is %d",
				path, size, offset, length)
			f.Close()
			n.isDone = true
			return n
		}
		n.remaining = length
	}
	if _, err = f.Seek(offset, 0); err != nil {
		logging.Errorf("seek %s: %v", path, err)
		f.Close()
		n.isDone = true
		return n
	}
	n.file = f
	return n
}

func (n *fileNode) RemainingBytes() int64 {
	if n.isDone {
		return 0
	}
	return n.remaining
}

func (n *fileNode) GetData() []byte {
	if n.staging.ReadableBytes() == 0 && n.remaining > 0 && n.file != nil {
		toRead := int64(fileStagingSize)
		if n.remaining < toRead {
			toRead = n.remaining
		}
		n.staging.EnsureWritable(int(toRead))
		c, err := n.file.Read(n.staging.WritableSlice()[:toRead])
		if c > 0 {
			n.staging.HasWritten(c)
		} else if err == nil || err == io.EOF {
			logging.Debugf("read the end of file")
		} else {
			logging.Errorf("file node read: %v", err)
		}
	}
	return n.staging.Peek()
}

func (n *fileNode) Retrieve(c int) {
	n.staging.Retrieve(c)
	n.remaining -= int64(c)
	if n.remaining <= 0 && n.file != nil {
		n.file.Close()
		n.file = nil
	}
}

func (n *fileNode) Append([]byte) {
	logging.Errorf("file node does not accept appends")
}

func (n *fileNode) Done() {
	n.isDone = true
	if n.file != nil {
		n.file.Close()
		n.file = nil
	}
}

func (n *fileNode) Available() bool { return n.file != nil }
func (n *fileNode) IsFile() bool    { return true }
func (n *fileNode) IsStream() bool  { return false }
func (n *fileNode) IsAsync() bool   { return false }

func (n *fileNode) FD() int {
	if n.file == nil {
		return -1
	}
	return int(n.file.Fd())
}
