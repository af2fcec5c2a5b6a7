package cantimer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFires(t *testing.T) {
	var fired atomic.Bool
	tm := Setup(func(any) { fired.Store(true) }, nil)
	tm.Schedule(5) // 5ms at HZ=1000

	require.Eventually(t, func() bool { return fired.Load() }, time.Second, time.Millisecond)
	assert.False(t, tm.Armed())
}

func TestRescheduleReplacesPreviousFire(t *testing.T) {
	var count atomic.Int32
	tm := Setup(func(any) { count.Add(1) }, nil)
	tm.Schedule(500)
	tm.Schedule(5)

	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

// TestCancelSyncSynchronicity asserts testable property #8: after
// CancelSync returns, no callback fires.
func TestCancelSyncSynchronicity(t *testing.T) {
	var fired atomic.Bool
	tm := Setup(func(any) { fired.Store(true) }, nil)
	tm.Schedule(10)
	tm.CancelSync()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCancelSyncWaitsForInFlightCallback(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tm := Setup(func(any) {
		close(started)
		<-release
	}, nil)
	tm.Schedule(1)

	<-started
	done := make(chan struct{})
	go func() {
		tm.CancelSync()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("CancelSync returned before in-flight callback finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
}
