// Package logging wires the process-wide leveled logrus sink used
// throughout this module (spec.md §1.1 AMBIENT STACK), plus the small
// lock-free ring buffer the ISR path logs through instead of calling into
// logrus directly, since a suspendable lock must never be acquired from
// interrupt context (spec.md §7: "Errors in the ISR path never allocate via
// the general allocator and never call into logging with suspendable
// locks").
//
// Grounded on network.go's `[NETWORK][x%x]`-style prefixed logging, here
// expressed as logrus.WithField("component", ...) per-package loggers.
package logging

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Configure sets the process-wide minimum level and a consistent text
// formatter, mirroring the teacher's cmd/canopen startup sequence.
func Configure(level log.Level) {
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// ringSize bounds the lock-free ISR log ring; entries beyond this many
// unflushed records are dropped rather than block.
const ringSize = 256

type ringEntry struct {
	level   log.Level
	message string
}

// ISRRing is a single-producer-single-consumer lock-free ring a controller's
// ISR goroutine can append to without blocking; a background drain goroutine
// flushes entries into logrus at its own pace.
type ISRRing struct {
	buf   [ringSize]atomic.Pointer[ringEntry]
	write atomic.Uint64
	read  atomic.Uint64
}

// NewISRRing allocates an empty ring.
func NewISRRing() *ISRRing {
	return &ISRRing{}
}

// Push appends one entry without blocking, dropping it if the ring is full.
func (r *ISRRing) Push(level log.Level, format string, args ...any) {
	w := r.write.Load()
	if w-r.read.Load() >= ringSize {
		return // ring full: drop rather than block the ISR goroutine
	}
	r.buf[w%ringSize].Store(&ringEntry{level: level, message: fmt.Sprintf(format, args...)})
	r.write.Add(1)
}

// Drain flushes every currently available entry into logger.
func (r *ISRRing) Drain(logger *log.Entry) {
	for {
		rd := r.read.Load()
		if rd >= r.write.Load() {
			return
		}
		e := r.buf[rd%ringSize].Load()
		if e != nil {
			logger.Log(e.level, e.message)
		}
		r.read.Add(1)
	}
}
