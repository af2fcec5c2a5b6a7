// Package session implements the device/client routing fabric of spec.md
// §4.I: one DeviceSession per controller owns a TX queue and a TX worker
// goroutine; each open client gets a ClientSession with its own RX queue,
// MID filter and latency bound. RX delivery fans a single decoded frame out
// to every matching client; TX dequeues from the device's queue and calls
// down into the sja1000.Controller.
//
// The shape is grounded on the teacher's BusManager (bus_manager.go): a
// listener array consulted under a mutex on every inbound frame, generalized
// from CAN-ID subscription to MID-filter subscription, plus network.go's
// launchNodeProcess pattern for an owned per-session background goroutine.
package session

import (
	"sync"
	"time"

	"github.com/Deniz-Eren/dev-can-linux/frame"
	"github.com/Deniz-Eren/dev-can-linux/internal/dcerr"
	"github.com/Deniz-Eren/dev-can-linux/internal/queue"
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
	log "github.com/sirupsen/logrus"
)

func nowMs() int64 { return time.Now().UnixMilli() }

// Filter is the MID/mask acceptance test of spec.md §4.I:
// (frame.mid & mask) == (target & mask).
type Filter struct {
	MID  uint32
	Mask uint32
}

// Match reports whether fr's wire MID passes this filter.
func (f Filter) Match(mid uint32) bool {
	return (mid & f.Mask) == (f.MID & f.Mask)
}

// DefaultFilter accepts every frame (mask all-zero).
var DefaultFilter = Filter{MID: 0, Mask: 0}

// ClientSession is one open file-descriptor's worth of RX routing state
// (spec.md §4.I): an RX queue, a MID filter, and a latency bound applied at
// dequeue.
type ClientSession struct {
	ID         int
	rx         *queue.Queue
	mu         sync.Mutex
	filter     Filter
	latencyMs  int64
	priority   int
	torndown   bool
}

// NewClientSession allocates a client session with an RX queue of the given
// capacity and the accept-all default filter.
func NewClientSession(id int, rxCapacity int, onDrop queue.DropCallback) *ClientSession {
	return &ClientSession{
		ID:     id,
		rx:     queue.New(rxCapacity, onDrop),
		filter: DefaultFilter,
	}
}

// SetFilter implements devctl SET_MFILTER.
func (c *ClientSession) SetFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// Filter implements devctl GET_MFILTER.
func (c *ClientSession) Filter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// SetLatencyLimitMs implements devctl SET_LATENCY_LIMIT_MS.
func (c *ClientSession) SetLatencyLimitMs(ms int64) {
	c.mu.Lock()
	c.latencyMs = ms
	c.mu.Unlock()
}

// SetPriority implements devctl SET_PRIO.
func (c *ClientSession) SetPriority(p int) {
	c.mu.Lock()
	c.priority = p
	c.mu.Unlock()
}

// Priority implements devctl GET_PRIO.
func (c *ClientSession) Priority() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

// deliver enqueues fr into this client's RX queue if it matches the filter.
func (c *ClientSession) deliver(fr frame.Frame) {
	c.mu.Lock()
	f := c.filter
	c.mu.Unlock()
	if !f.Match(fr.MID()) {
		return
	}
	c.rx.Enqueue(fr)
}

// Read blocks for one frame within the configured latency bound
// (devctl READ_CANMSG_EXT / RX_FRAME_RAW).
func (c *ClientSession) Read() (frame.Frame, error) {
	c.mu.Lock()
	latency := c.latencyMs
	c.mu.Unlock()
	fr, ok := c.rx.Dequeue(latency, nowMs)
	if !ok {
		return frame.Frame{}, dcerr.ErrSessionDown
	}
	return fr, nil
}

// ReadNoBlock is the non-blocking counterpart used by a poll-driven caller.
func (c *ClientSession) ReadNoBlock() (frame.Frame, bool) {
	c.mu.Lock()
	latency := c.latencyMs
	c.mu.Unlock()
	return c.rx.DequeueNoBlock(latency, nowMs)
}

// Close tears down the RX queue, unblocking any pending Read (spec.md §4.I
// teardown / §8 item 9).
func (c *ClientSession) Close() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.torndown = true
	c.mu.Unlock()
	c.rx.Destroy()
}

// DeviceSession owns one controller's TX path: a TX queue shared by every
// writer and a dedicated worker goroutine that drains it into the
// controller (spec.md §4.I).
type DeviceSession struct {
	ID         int
	Controller *sja1000.Controller

	tx *queue.Queue

	mu      sync.Mutex
	clients map[int]*ClientSession
	nextID  int

	loopback bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	logger *log.Entry
}

// NewDeviceSession creates a device session bound to ctrl, with a TX queue
// of the given capacity, and starts its TX worker goroutine.
func NewDeviceSession(id int, ctrl *sja1000.Controller, txCapacity int, onTxDrop queue.DropCallback) *DeviceSession {
	d := &DeviceSession{
		ID:         id,
		Controller: ctrl,
		tx:         queue.New(txCapacity, onTxDrop),
		clients:    make(map[int]*ClientSession),
		stopCh:     make(chan struct{}),
		logger:     log.WithField("component", "session").WithField("device", id),
	}
	ctrl.OnDeliver = d.deliverRx
	d.wg.Add(1)
	go d.txWorker()
	return d
}

// OpenClient creates and registers a new ClientSession against this device.
func (d *DeviceSession) OpenClient(rxCapacity int, onRxDrop queue.DropCallback) *ClientSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	c := NewClientSession(d.nextID, rxCapacity, onRxDrop)
	d.clients[c.ID] = c
	return c
}

// CloseClient tears down and unregisters a ClientSession.
func (d *DeviceSession) CloseClient(id int) {
	d.mu.Lock()
	c, ok := d.clients[id]
	if ok {
		delete(d.clients, id)
	}
	d.mu.Unlock()
	if ok {
		c.Close()
	}
}

// SetLoopback toggles whether inbound-from-controller delivery also occurs
// for frames this session itself transmitted in loopback mode (the
// controller already re-delivers its own echo; this flag additionally
// governs whether the device session fans that echo to every client the way
// a real received frame would, per spec.md §4.E/§4.I's loopback-mode note).
func (d *DeviceSession) SetLoopback(enabled bool) {
	d.mu.Lock()
	d.loopback = enabled
	d.mu.Unlock()
}

// deliverRx fans one frame out to every client whose filter accepts it
// (called back from sja1000.Controller.OnDeliver, i.e. from the ISR
// goroutine — spec.md §4.I "RX routing from ISR delivery").
func (d *DeviceSession) deliverRx(fr frame.Frame) {
	if fr.Echo {
		d.mu.Lock()
		lb := d.loopback
		d.mu.Unlock()
		if !lb {
			return
		}
	}
	d.mu.Lock()
	clients := make([]*ClientSession, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()
	for _, c := range clients {
		c.deliver(fr)
	}
}

// Write enqueues fr for transmission (devctl WRITE_CANMSG_EXT / TX_FRAME_RAW).
func (d *DeviceSession) Write(fr frame.Frame) error {
	if err := fr.Validate(); err != nil {
		return err
	}
	fr.TimestampMs = nowMs()
	d.tx.Enqueue(fr)
	return nil
}

// txWorker drains the TX queue into the controller one frame at a time,
// the goroutine standing in for spec.md §4.I's "TX worker (dequeue_peek /
// queue_stopped condvar / dequeue / StartXmit)" description: since
// sja1000.Controller has only one outstanding echo slot, the worker blocks
// until OnTxComplete releases it before dequeuing the next frame.
func (d *DeviceSession) txWorker() {
	defer d.wg.Done()

	slotFree := make(chan struct{}, 1)
	slotFree <- struct{}{}
	d.Controller.OnTxComplete = func() {
		select {
		case slotFree <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-slotFree:
		case <-d.stopCh:
			return
		}
		fr, ok := d.tx.Dequeue(0, nowMs)
		if !ok {
			return
		}
		if err := d.Controller.StartXmit(fr); err != nil {
			d.logger.WithError(err).Warn("tx dropped")
			select {
			case slotFree <- struct{}{}:
			default:
			}
		}
	}
}

// Close tears down the device session: the TX queue, every client, and the
// TX worker goroutine (spec.md §5 teardown ordering).
func (d *DeviceSession) Close() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.tx.Destroy()

	d.mu.Lock()
	clients := make([]*ClientSession, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = nil
	d.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	d.wg.Wait()
}
