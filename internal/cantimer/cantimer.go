// Package cantimer implements the single-shot, cancellable, pulse-driven
// timer of spec.md §4.C, used by the bus-off restart logic. It is
// generalized from the teacher's pkg/time.TIME millisecond/tick bookkeeping
// (time.go's producerTimerMs accounting) into a dedicated callback timer
// with synchronous cancellation, since the teacher's TIME object only ever
// drives its own periodic producer rather than an arbitrary callback.
package cantimer

import (
	"sync"
	"time"
)

// HZ is the internal tick frequency: ticks are expressed in 1/HZ seconds.
const HZ = 1000

// Timer binds a monotonic clock expiration to a callback, invoked from a
// dedicated goroutine standing in for the pulse-receiver thread of §4.C.
type Timer struct {
	mu       sync.Mutex
	cb       func(arg any)
	arg      any
	timer    *time.Timer
	running  bool
	wg       sync.WaitGroup
}

// Setup prepares internal state without arming, per §4.C.
func Setup(cb func(arg any), arg any) *Timer {
	return &Timer{cb: cb, arg: arg}
}

// Schedule arms a single-shot expiration ticks*(1s/HZ) in the future.
// Rearming while already armed is idempotent: the previous pending fire is
// replaced by the new one.
func (t *Timer) Schedule(ticks int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil && t.running {
		if t.timer.Stop() {
			// Previous fire never ran; balance its wg.Add(1) ourselves.
			t.wg.Done()
		}
		t.running = false
	}
	d := time.Duration(ticks) * time.Second / HZ
	t.running = true
	t.wg.Add(1)
	t.timer = time.AfterFunc(d, func() {
		defer t.wg.Done()
		t.mu.Lock()
		cb, arg := t.cb, t.arg
		t.running = false
		t.mu.Unlock()
		if cb != nil {
			cb(arg)
		}
	})
}

// CancelSync disarms the timer and blocks until any in-flight callback
// invocation has returned, so that callers observe "no callback fires after
// this point" deterministically (spec.md §5 cancellation, §8 item 8).
func (t *Timer) CancelSync() {
	t.mu.Lock()
	if t.timer != nil && t.running {
		stopped := t.timer.Stop()
		if stopped {
			t.running = false
			t.mu.Unlock()
			// The AfterFunc goroutine never started; release the matching
			// wg.Add(1) ourselves since its deferred Done will not run.
			t.wg.Done()
			return
		}
	}
	t.mu.Unlock()
	// A callback is either already running or queued to run: wait for it.
	t.wg.Wait()
}

// Armed reports whether a callback is currently pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
