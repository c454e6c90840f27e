//go:build linux
// +build linux

package tcpweir

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// pollEvent is one readiness notification handed back by poller.wait.
type pollEvent struct {
	fd     int
	events uint32
}

// poller wraps an epoll instance plus an eventfd used to interrupt the
// wait from other threads.
type poller struct {
	epollFd int
	wakeFd  int
	events  []unix.EpollEvent
	wakeBuf [8]byte
}

func openPoller() (*poller, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFd)
		return nil, errors.Wrap(err, "eventfd")
	}
	p := &poller{
		epollFd: epollFd,
		wakeFd:  wakeFd,
		events:  make([]unix.EpollEvent, 128),
	}
	if err = p.add(wakeFd, unix.EPOLLIN); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *poller) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &ev), "epoll_ctl add")
}

func (p *poller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd, &ev), "epoll_ctl mod")
}

func (p *poller) delete(fd int) error {
	return errors.Wrap(unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil), "epoll_ctl del")
}

// wake interrupts a blocked wait. Safe to call from any thread.
func (p *poller) wake() {
	var one = [8]byte{0: 1}
	for {
		_, err := unix.Write(p.wakeFd, one[:])
		if err != unix.EINTR {
			return
		}
	}
}

// wait blocks until readiness arrives or timeoutMs elapses, appending
// notifications to out. Wakeup-eventfd noise is drained internally.
func (p *poller) wait(timeoutMs int, out []pollEvent) ([]pollEvent, error) {
	n, err := unix.EpollWait(p.epollFd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return out, nil
		}
		return out, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakeFd {
			unix.Read(p.wakeFd, p.wakeBuf[:])
			continue
		}
		out = append(out, pollEvent{fd: fd, events: p.events[i].Events})
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return out, nil
}

func (p *poller) close() error {
	return multierr.Append(unix.Close(p.epollFd), unix.Close(p.wakeFd))
}
