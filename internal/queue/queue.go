// Package queue implements the bounded MPSC ring of spec.md §4.B: many
// producers, one consumer, blocking and peeking dequeue, latency-bounded
// drop. The ring arithmetic (begin/end indices wrapping on the backing
// array) is generalized directly from the teacher's internal/fifo package
// (fifo.go), which implements the same begin/end byte-ring for the SDO
// client's send/receive buffers; here the element type is frame.Frame and
// the package adds condition-variable blocking, a latency filter, and
// teardown semantics fifo.Fifo does not need.
package queue

import (
	"sync"
	"time"

	"github.com/Deniz-Eren/dev-can-linux/frame"
)

// DropCallback is invoked (outside the queue's lock) whenever an overflow
// displaces unread frames, carrying the number of frames just displaced.
type DropCallback func(displaced int)

// Queue is a single ring buffer of frame.Frame, capacity K. On overflow the
// oldest entry is displaced to make room (spec.md §4.B); see DESIGN.md for
// the Open Question on the two-slot wrap-collision variant described in the
// narrative text, which this implementation does not reproduce because it
// would violate the capacity/loss invariant of spec.md §8 item 2.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring   []frame.Frame
	begin  int // index of oldest element
	count  int // number of live elements
	cap    int

	sessionUp       bool
	dequeueWaiting  int
	onDrop          DropCallback

	droppedSingle uint64 // frames lost to a one-slot overflow displacement
	droppedDouble uint64 // frames lost to a two-slot wrap collision (see above; always 0 here)
}

// New creates a Queue with the given capacity K >= 1.
func New(capacity int, onDrop DropCallback) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		ring:      make([]frame.Frame, capacity),
		cap:       capacity,
		sessionUp: true,
		onDrop:    onDrop,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) end() int {
	return (q.begin + q.count) % q.cap
}

// Enqueue appends fr, stamping nothing (the caller stamps TimestampMs
// before calling). On overflow the oldest entry is displaced and the drop
// counter/callback fire. Returns true if the queue was already full (a
// displacement occurred).
func (q *Queue) Enqueue(fr frame.Frame) (displaced bool) {
	q.mu.Lock()
	if !q.sessionUp {
		q.mu.Unlock()
		return false
	}
	if q.count == q.cap {
		// Overflow: drop the oldest single entry to make room.
		q.begin = (q.begin + 1) % q.cap
		q.count--
		displaced = true
		q.droppedSingle++
	}
	idx := q.end()
	q.ring[idx] = fr
	q.count++
	q.cond.Signal()
	q.mu.Unlock()

	if displaced && q.onDrop != nil {
		q.onDrop(1)
	}
	return displaced
}

// stale reports whether fr is older than latencyMs relative to nowMs.
// latencyMs == 0 disables the filter per spec.md §4.B.
func stale(fr *frame.Frame, latencyMs int64, nowMs int64) bool {
	if latencyMs == 0 {
		return false
	}
	return nowMs-fr.TimestampMs > latencyMs
}

// Dequeue blocks until an item within the latency window is available or
// the session is torn down, returning (frame, true) or (zero, false).
// Items older than latencyMs are silently discarded while scanning.
func (q *Queue) Dequeue(latencyMs int64, nowMsFn func() int64) (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dequeueWaiting++
	defer func() { q.dequeueWaiting-- }()

	for {
		for q.count > 0 {
			fr := q.ring[q.begin]
			if stale(&fr, latencyMs, nowMsFn()) {
				q.begin = (q.begin + 1) % q.cap
				q.count--
				continue
			}
			q.begin = (q.begin + 1) % q.cap
			q.count--
			return fr, true
		}
		if !q.sessionUp {
			return frame.Frame{}, false
		}
		q.cond.Wait()
		if !q.sessionUp {
			return frame.Frame{}, false
		}
	}
}

// DequeueNoBlock behaves like Dequeue but returns immediately when empty.
func (q *Queue) DequeueNoBlock(latencyMs int64, nowMsFn func() int64) (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count > 0 {
		fr := q.ring[q.begin]
		if stale(&fr, latencyMs, nowMsFn()) {
			q.begin = (q.begin + 1) % q.cap
			q.count--
			continue
		}
		q.begin = (q.begin + 1) % q.cap
		q.count--
		return fr, true
	}
	return frame.Frame{}, false
}

// Peek inspects the head without consuming it, blocking until an item is
// available or the session is torn down.
func (q *Queue) Peek() (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 && q.sessionUp {
		q.cond.Wait()
	}
	if q.count == 0 {
		return frame.Frame{}, false
	}
	return q.ring[q.begin], true
}

// PeekNoBlock inspects the head without consuming it, returning immediately.
func (q *Queue) PeekNoBlock() (frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return frame.Frame{}, false
	}
	return q.ring[q.begin], true
}

// Destroy marks the session down, wakes every blocked consumer, and waits
// for them to observe the down-state before the backing storage is
// released (spec.md §5 teardown ordering / §8 item 9).
func (q *Queue) Destroy() {
	q.mu.Lock()
	q.sessionUp = false
	q.cond.Broadcast()
	for q.dequeueWaiting > 0 {
		q.mu.Unlock()
		time.Sleep(time.Millisecond)
		q.mu.Lock()
	}
	q.ring = nil
	q.begin, q.count = 0, 0
	q.mu.Unlock()
}

// Stats reports the cumulative displacement counters. devctl GET_STATS
// does not read them (see resmgr.StatsSnapshot).
func (q *Queue) Stats() (droppedSingle, droppedDouble uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedSingle, q.droppedDouble
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the configured capacity K.
func (q *Queue) Cap() int { return q.cap }
