package tcpweir

import (
	"runtime"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
)

// Channel ties a file descriptor to its readiness interest bits and the
// callbacks the owning loop fires when readiness arrives. All methods
// must be called on the loop thread.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32
	revents uint32
	addedTo bool

	readCallback  func()
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tie keeps a strong reference to the channel's owner for the
	// duration of event handling so a late readiness callback never
	// sees a released owner.
	tie interface{}
}

// NewChannel binds a channel to fd on the given loop. Interest starts
// empty; call EnableReading/EnableWriting to register with the poller.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd}
}

func (c *Channel) FD() int { return c.fd }

func (c *Channel) SetReadCallback(fn func())  { c.readCallback = fn }
func (c *Channel) SetWriteCallback(fn func()) { c.writeCallback = fn }
func (c *Channel) SetCloseCallback(fn func()) { c.closeCallback = fn }
func (c *Channel) SetErrorCallback(fn func()) { c.errorCallback = fn }

// Tie pins owner for as long as the channel is registered.
func (c *Channel) Tie(owner interface{}) { c.tie = owner }

func (c *Channel) IsReading() bool   { return c.events&readEvents != 0 }
func (c *Channel) IsWriting() bool   { return c.events&writeEvents != 0 }
func (c *Channel) IsNoneEvent() bool { return c.events == 0 }

func (c *Channel) EnableReading() {
	c.events |= readEvents
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= writeEvents
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= writeEvents
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = 0
	c.update()
}

// Remove unregisters the channel from the loop and drops the tied
// owner reference.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
	c.tie = nil
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// handleEvent dispatches one readiness notification. A hangup with no
// pending input goes to the close callback; errors fire before reads so
// SO_ERROR is observed ahead of the terminal zero-read.
func (c *Channel) handleEvent(revents uint32) {
	c.revents = revents
	// The tied owner stays reachable until every callback of this
	// event has returned.
	defer runtime.KeepAlive(c.tie)

	if revents&unix.EPOLLHUP != 0 && revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
		return
	}
	if revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback()
		}
	}
	if revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
