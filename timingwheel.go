package tcpweir

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// WheelEntry is a refcounted timing-wheel slot member. Every insertion
// into the wheel holds one reference; when the last bucket holding the
// entry expires without a newer insertion, the timeout fires once.
type WheelEntry struct {
	refs    atomic.Int32
	fired   atomic.Bool
	timeout func()
}

// NewWheelEntry creates an entry that runs timeout when it falls off
// the wheel.
func NewWheelEntry(timeout func()) *WheelEntry {
	return &WheelEntry{timeout: timeout}
}

// Fired reports whether the timeout has already run; a fired entry can
// no longer be re-inserted.
func (e *WheelEntry) Fired() bool { return e.fired.Load() }

func (e *WheelEntry) release() {
	if e.refs.Dec() == 0 && e.fired.CAS(false, true) {
		e.timeout()
	}
}

// TimingWheel expires idle entries with one-second granularity. An
// entry inserted with timeout t fires between t and t+1 seconds after
// its last insertion. Insertion is cheap and thread-safe, which is what
// lets connections refresh their entry on every activity burst.
type TimingWheel struct {
	mu      sync.Mutex
	buckets [][]*WheelEntry
	pos     int
	done    chan struct{}
	once    sync.Once
}

// NewTimingWheel starts a wheel able to hold timeouts up to maxTimeout
// seconds. The ticker goroutine runs until Stop.
func NewTimingWheel(maxTimeout int) *TimingWheel {
	if maxTimeout < 1 {
		maxTimeout = 1
	}
	tw := &TimingWheel{
		buckets: make([][]*WheelEntry, maxTimeout+1),
		done:    make(chan struct{}),
	}
	go tw.run()
	return tw
}

func (tw *TimingWheel) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-tw.done:
			return
		case <-ticker.C:
			tw.tick()
		}
	}
}

func (tw *TimingWheel) tick() {
	tw.mu.Lock()
	tw.pos = (tw.pos + 1) % len(tw.buckets)
	expired := tw.buckets[tw.pos]
	tw.buckets[tw.pos] = nil
	tw.mu.Unlock()
	for _, e := range expired {
		e.release()
	}
}

// InsertEntry schedules entry to expire after the given seconds,
// counted from now. Re-inserting a live entry extends its life; a fired
// entry is ignored.
func (tw *TimingWheel) InsertEntry(seconds int, entry *WheelEntry) {
	if entry == nil || entry.Fired() {
		return
	}
	if seconds < 1 {
		seconds = 1
	}
	if seconds > len(tw.buckets)-1 {
		seconds = len(tw.buckets) - 1
	}
	entry.refs.Inc()
	tw.mu.Lock()
	// The next tick may come at any point within the coming second, so
	// one extra slot keeps the expiry at least the full timeout away.
	idx := (tw.pos + seconds + 1) % len(tw.buckets)
	tw.buckets[idx] = append(tw.buckets[idx], entry)
	tw.mu.Unlock()
}

// Stop halts the ticker. Entries still on the wheel never fire.
func (tw *TimingWheel) Stop() {
	tw.once.Do(func() { close(tw.done) })
}
