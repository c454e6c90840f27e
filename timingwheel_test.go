package tcpweir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestTimingWheelFiresAfterTimeout(t *testing.T) {
	tw := NewTimingWheel(5)
	defer tw.Stop()

	var fired atomic.Bool
	start := time.Now()
	entry := NewWheelEntry(func() { fired.Store(true) })
	tw.InsertEntry(2, entry)

	for !fired.Load() {
		if time.Since(start) > 5*time.Second {
			t.Fatal("entry never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second-100*time.Millisecond)
	assert.Less(t, elapsed, 3500*time.Millisecond)
	assert.True(t, entry.Fired())
}

func TestTimingWheelReinsertExtendsLife(t *testing.T) {
	tw := NewTimingWheel(5)
	defer tw.Stop()

	var fired atomic.Bool
	entry := NewWheelEntry(func() { fired.Store(true) })
	tw.InsertEntry(2, entry)

	// Keep refreshing for 3 seconds; the entry must stay alive the
	// whole time.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tw.InsertEntry(2, entry)
		time.Sleep(200 * time.Millisecond)
		assert.False(t, fired.Load())
	}

	for i := 0; i < 80 && !fired.Load(); i++ {
		time.Sleep(50 * time.Millisecond)
	}
	assert.True(t, fired.Load())
}

func TestTimingWheelFiresOnce(t *testing.T) {
	tw := NewTimingWheel(3)
	defer tw.Stop()

	var count atomic.Int32
	entry := NewWheelEntry(func() { count.Inc() })
	tw.InsertEntry(1, entry)
	tw.InsertEntry(1, entry)
	tw.InsertEntry(2, entry)

	time.Sleep(4 * time.Second)
	assert.EqualValues(t, 1, count.Load())

	// A fired entry is not re-insertable.
	tw.InsertEntry(1, entry)
	time.Sleep(2500 * time.Millisecond)
	assert.EqualValues(t, 1, count.Load())
}

func TestTimingWheelStop(t *testing.T) {
	tw := NewTimingWheel(3)
	var fired atomic.Bool
	tw.InsertEntry(1, NewWheelEntry(func() { fired.Store(true) }))
	tw.Stop()
	time.Sleep(2500 * time.Millisecond)
	assert.False(t, fired.Load())
}
