//go:build linux
// +build linux

package tcpweir

import (
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"golang.org/x/sys/unix"
)

// maxSendfileBytes caps a single sendfile call (the kernel limit is
// 2 GiB minus one page).
const maxSendfileBytes = 0x7ffff000

// sendFileInLoop moves file bytes to the socket with zero-copy kernel
// sendfile. The file's own offset tracks progress, so no offset pointer
// is passed.
func (c *Connection) sendFileInLoop(node BufferNode) {
	c.loop.AssertInLoopThread()
	toSend := node.RemainingBytes()
	if toSend <= 0 {
		logging.Errorf("[%s] 0 or negative bytes to send", c.name)
		return
	}
	count := toSend
	if count > maxSendfileBytes {
		count = maxSendfileBytes
	}
	n, err := unix.Sendfile(c.fd, node.FD(), nil, int(count))
	if err != nil {
		if err != unix.EAGAIN {
			logging.Errorf("[%s] sendfile: %v", c.name, err)
			if c.channel.IsWriting() {
				c.channel.DisableWriting()
			}
			return
		}
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
		return
	}
	if n == 0 {
		logging.Errorf("[%s] sendfile sent 0 of %d bytes", c.name, toSend)
		return
	}
	logging.Debugf("[%s] sendfile sent %d bytes", c.name, n)
	node.Retrieve(n)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}
