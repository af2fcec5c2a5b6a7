// Package irq implements the interrupt attach/dispatch registry of spec.md
// §4.H: handlers register against an IRQ line, the dispatcher masks that
// line, invokes every attached handler in turn, and unmasks once all have
// run. It is grounded on the teacher's bus_manager.go dispatch loop
// (Handle iterating a fixed-size listener array under a mutex, draining
// every subscriber before returning) generalized from CAN-ID subscription
// to IRQ-line attachment.
package irq

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Result is a handler's report, mirroring the HANDLED/NONE/WAKE_THREAD
// trichotomy of spec.md §4.H.
type Result int

const (
	None Result = iota
	Handled
	WakeThread
)

// Handler services one interrupt for one attached controller.
type Handler func() Result

// handlerEntry is one registration; Priv is opaque caller context threaded
// back for logging/diagnostics only.
type handlerEntry struct {
	id      int
	handler Handler
	priv    any
}

// Line is the dispatch registry for a single IRQ/MSI vector, potentially
// shared by several controllers (spec.md §4.F board table's "IRQ sharing").
type Line struct {
	mu       sync.Mutex
	vector   int
	mask     func()
	unmask   func()
	handlers []handlerEntry
	nextID   int
	waitCh   chan struct{}
	wakeFn   func()
	logger   *log.Entry
}

// NewLine creates a dispatch registry for one vector. mask/unmask bracket
// every dispatch call (spec.md §4.H "masks/unmasks around handler
// invocation"); either may be nil if the platform's interrupt controller
// auto-masks on entry (edge-triggered MSI).
func NewLine(vector int, mask, unmask func()) *Line {
	return &Line{
		vector: vector,
		mask:   mask,
		unmask: unmask,
		logger: log.WithField("component", "irq").WithField("vector", vector),
	}
}

// Attach registers h against this line and returns a detach token.
func (l *Line) Attach(h Handler, priv any) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.handlers = append(l.handlers, handlerEntry{id: id, handler: h, priv: priv})
	return id
}

// Detach removes a previously attached handler.
func (l *Line) Detach(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.handlers {
		if e.id == id {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return
		}
	}
}

// OnWakeThread registers the callback fired when any handler returns
// WakeThread, standing in for waking a dedicated interrupt-handling thread
// (spec.md §4.H).
func (l *Line) OnWakeThread(fn func()) {
	l.mu.Lock()
	l.wakeFn = fn
	l.mu.Unlock()
}

// Dispatch masks the line, invokes every attached handler, then unmasks.
// It reports whether any handler claimed the interrupt.
func (l *Line) Dispatch() (claimed bool) {
	if l.mask != nil {
		l.mask()
	}

	l.mu.Lock()
	entries := make([]handlerEntry, len(l.handlers))
	copy(entries, l.handlers)
	l.mu.Unlock()

	wake := false
	for _, e := range entries {
		switch e.handler() {
		case Handled:
			claimed = true
		case WakeThread:
			claimed = true
			wake = true
		case None:
		}
	}

	if l.unmask != nil {
		l.unmask()
	}

	if wake {
		l.mu.Lock()
		fn := l.wakeFn
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	}

	if !claimed {
		l.logger.Debug("spurious interrupt, no handler claimed it")
	}
	return claimed
}

// Registry owns every Line in the driver, keyed by vector number, the
// multi-controller analogue of spec.md §4.H's single-line description.
type Registry struct {
	mu    sync.Mutex
	lines map[int]*Line
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{lines: make(map[int]*Line)}
}

// LineFor returns the Line for vector, creating it with the given
// mask/unmask hooks if this is the first attach on that vector; for an
// existing line the hooks passed here are ignored.
func (r *Registry) LineFor(vector int, mask, unmask func()) *Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lines[vector]; ok {
		return l
	}
	l := NewLine(vector, mask, unmask)
	r.lines[vector] = l
	return l
}

// Dispatch routes a fired vector to its Line, or reports false if nothing
// is attached to it (spurious/foreign interrupt).
func (r *Registry) Dispatch(vector int) bool {
	r.mu.Lock()
	l, ok := r.lines[vector]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return l.Dispatch()
}
