package tcpweir

import (
	"runtime"
	"sync"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds a single poll so the loop notices Stop even when
// no fd ever becomes ready.
const pollTimeoutMs = 10000

// EventLoop is a single-threaded cooperative task runner around an I/O
// readiness poller. Each connection is pinned to exactly one loop; all
// of its state transitions happen on that loop's thread. Cross-thread
// work enters through QueueInLoop and is drained after every poll round.
type EventLoop struct {
	poller   *poller
	channels map[int]*Channel
	tid      atomic.Int64
	running  atomic.Bool

	mu    sync.Mutex
	tasks []func()
}

// NewEventLoop creates a loop with its poller. Run must be called to
// start it.
func NewEventLoop() (*EventLoop, error) {
	p, err := openPoller()
	if err != nil {
		return nil, err
	}
	return &EventLoop{
		poller:   p,
		channels: make(map[int]*Channel),
	}, nil
}

// Run drives the loop until Stop. It locks the calling goroutine to its
// OS thread; the thread id is the loop's identity for InLoopThread.
func (el *EventLoop) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	el.tid.Store(int64(unix.Gettid()))
	el.running.Store(true)

	events := make([]pollEvent, 0, 128)
	for el.running.Load() {
		var err error
		events, err = el.poller.wait(pollTimeoutMs, events[:0])
		if err != nil {
			logging.Errorf("poller wait: %v", err)
			continue
		}
		for _, ev := range events {
			// The channel may have been removed by an earlier
			// callback in this same round.
			if ch, ok := el.channels[ev.fd]; ok {
				ch.handleEvent(ev.events)
			}
		}
		el.doPendingTasks()
	}
	// Tasks queued by the tasks of the final round (teardown chains
	// like force-close followed by destroy) still run before exit.
	for el.hasPendingTasks() {
		el.doPendingTasks()
	}
	return el.poller.close()
}

func (el *EventLoop) hasPendingTasks() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.tasks) > 0
}

// Stop makes Run return after the current round. Safe from any thread.
func (el *EventLoop) Stop() {
	el.running.Store(false)
	el.poller.wake()
}

// InLoopThread reports whether the caller runs on the loop's thread.
func (el *EventLoop) InLoopThread() bool {
	return int64(unix.Gettid()) == el.tid.Load()
}

// AssertInLoopThread logs a fatal error and exits the process when
// called off the loop thread. It guards
// the single-threaded discipline of everything the loop owns.
func (el *EventLoop) AssertInLoopThread() {
	if !el.InLoopThread() {
		logging.Fatalf("called from tid %d, but the loop runs on tid %d",
			unix.Gettid(), el.tid.Load())
	}
}

// RunInLoop runs fn immediately when already on the loop thread, and
// enqueues it otherwise.
func (el *EventLoop) RunInLoop(fn func()) {
	if el.InLoopThread() {
		fn()
		return
	}
	el.QueueInLoop(fn)
}

// QueueInLoop always enqueues fn for the next task round and wakes the
// poller. Tasks from one producer run in submission order.
func (el *EventLoop) QueueInLoop(fn func()) {
	el.mu.Lock()
	el.tasks = append(el.tasks, fn)
	el.mu.Unlock()
	el.poller.wake()
}

func (el *EventLoop) doPendingTasks() {
	el.mu.Lock()
	tasks := el.tasks
	el.tasks = nil
	el.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func (el *EventLoop) updateChannel(c *Channel) {
	el.AssertInLoopThread()
	if c.addedTo {
		if c.IsNoneEvent() {
			if err := el.poller.delete(c.fd); err != nil {
				logging.Errorf("remove fd %d from poller: %v", c.fd, err)
			}
			c.addedTo = false
			return
		}
		if err := el.poller.modify(c.fd, c.events); err != nil {
			logging.Errorf("update fd %d in poller: %v", c.fd, err)
		}
		return
	}
	if c.IsNoneEvent() {
		return
	}
	if err := el.poller.add(c.fd, c.events); err != nil {
		logging.Errorf("add fd %d to poller: %v", c.fd, err)
		return
	}
	c.addedTo = true
	el.channels[c.fd] = c
}

func (el *EventLoop) removeChannel(c *Channel) {
	el.AssertInLoopThread()
	if c.addedTo {
		if err := el.poller.delete(c.fd); err != nil {
			logging.Errorf("remove fd %d from poller: %v", c.fd, err)
		}
		c.addedTo = false
	}
	delete(el.channels, c.fd)
}
