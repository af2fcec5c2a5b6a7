package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/Deniz-Eren/dev-can-linux/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow(ms int64) func() int64 {
	return func() int64 { return ms }
}

// TestLossAccounting asserts testable property #1: delivered + dropped ==
// len(S), and deliveries are a suffix of S in order.
func TestLossAccounting(t *testing.T) {
	const capacity = 4
	const total = 10
	var dropped int
	q := New(capacity, func(n int) { dropped += n })

	for i := 0; i < total; i++ {
		q.Enqueue(frame.Frame{ID: uint32(i)})
	}

	var delivered []uint32
	for {
		fr, ok := q.DequeueNoBlock(0, fixedNow(0))
		if !ok {
			break
		}
		delivered = append(delivered, fr.ID)
	}

	assert.Equal(t, total, len(delivered)+dropped)
	for i, id := range delivered {
		assert.Equal(t, uint32(total-len(delivered)+i), id)
	}
}

// TestWrapDropsExactlyOne asserts testable property #2's first half.
func TestWrapDropsExactlyOne(t *testing.T) {
	const capacity = 4
	var dropped int
	q := New(capacity, func(n int) { dropped += n })

	for i := 0; i < capacity+1; i++ {
		q.Enqueue(frame.Frame{ID: uint32(i)})
	}

	assert.Equal(t, 1, dropped)
	assert.Equal(t, capacity, q.Len())

	fr, ok := q.DequeueNoBlock(0, fixedNow(0))
	require.True(t, ok)
	assert.Equal(t, uint32(1), fr.ID) // oldest surviving item, id 0 was dropped
}

// TestWrapPreservesFIFOUnderFlood asserts testable property #2's second half.
func TestWrapPreservesFIFOUnderFlood(t *testing.T) {
	const capacity = 4
	var dropped int
	q := New(capacity, func(n int) { dropped += n })

	total := 2*capacity + 1
	for i := 0; i < total; i++ {
		q.Enqueue(frame.Frame{ID: uint32(i)})
	}
	assert.GreaterOrEqual(t, dropped, capacity+1)

	var prev int64 = -1
	for {
		fr, ok := q.DequeueNoBlock(0, fixedNow(0))
		if !ok {
			break
		}
		assert.Greater(t, int64(fr.ID), prev)
		prev = int64(fr.ID)
	}
}

// TestLatencyFilter asserts testable property #3.
func TestLatencyFilter(t *testing.T) {
	q := New(4, nil)
	q.Enqueue(frame.Frame{ID: 1, TimestampMs: 0})
	q.Enqueue(frame.Frame{ID: 2, TimestampMs: 990})

	fr, ok := q.DequeueNoBlock(10, fixedNow(1000))
	require.True(t, ok)
	assert.Equal(t, uint32(2), fr.ID) // id 1 aged out (age 1000 > 10ms limit)

	_, ok = q.DequeueNoBlock(10, fixedNow(1000))
	assert.False(t, ok)
}

func TestLatencyZeroNeverDropsForAge(t *testing.T) {
	q := New(4, nil)
	q.Enqueue(frame.Frame{ID: 1, TimestampMs: 0})

	fr, ok := q.DequeueNoBlock(0, fixedNow(1_000_000))
	require.True(t, ok)
	assert.Equal(t, uint32(1), fr.ID)
}

// TestSessionTeardownUnblocksReader asserts testable property #9.
func TestSessionTeardownUnblocksReader(t *testing.T) {
	q := New(4, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		_, ok := q.Dequeue(0, func() int64 { return time.Now().UnixMilli() })
		assert.False(t, ok)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Destroy()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not unblock after Destroy")
	}
	wg.Wait()
}
