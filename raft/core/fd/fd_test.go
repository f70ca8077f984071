package fd

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerFiresAfterBase(t *testing.T) {
	var fired int32
	timer := New(20*time.Millisecond, 0, func() { atomic.AddInt32(&fired, 1) })
	timer.Enable()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestTimerSnoozeDelaysFire(t *testing.T) {
	var fired int32
	timer := New(30*time.Millisecond, 0, func() { atomic.AddInt32(&fired, 1) })
	timer.Enable()

	time.Sleep(15 * time.Millisecond)
	timer.Snooze()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired), "snooze should have pushed the deadline past this point")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestTimerDisableStopsFiring(t *testing.T) {
	var fired int32
	timer := New(15*time.Millisecond, 0, func() { atomic.AddInt32(&fired, 1) })
	timer.Enable()
	timer.Disable()

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestTimerFireIsSingleFlight(t *testing.T) {
	var fired int32
	done := make(chan struct{})
	timer := New(10*time.Millisecond, 0, func() {
		atomic.AddInt32(&fired, 1)
		close(done)
	})
	timer.Enable()

	<-done
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
