// Package driver implements the board-walk / probe / teardown orchestrator
// of spec.md §4.K: a single owned Driver value replaces the source's
// process-wide device_session_create_mutex / driver_selection_root statics
// (§9's "Global mutable state -> owned root" redesign), walking configured
// boards, resolving each to a family in package boards, probing it, wiring
// the resulting controllers into device sessions and the resmgr namespace,
// and owning teardown order.
//
// Grounded on the teacher's network.go Network: a top-level owned root that
// walks configured nodes and launches their background processing
// (launchNodeProcess), generalized here to walking boards instead of nodes.
package driver

import (
	"fmt"
	"sync"

	"github.com/Deniz-Eren/dev-can-linux/boards"
	"github.com/Deniz-Eren/dev-can-linux/internal/dcerr"
	"github.com/Deniz-Eren/dev-can-linux/internal/irq"
	"github.com/Deniz-Eren/dev-can-linux/resmgr"
	"github.com/Deniz-Eren/dev-can-linux/session"
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
	log "github.com/sirupsen/logrus"
)

// PCIPlatform is the narrow surface this package needs from PCI bus
// enumeration, which spec.md §1/§9 names as an out-of-scope external
// collaborator: given an optional forced vid:did, return the set of
// attached boards worth probing, each already carrying its mapped BARs and
// assigned IRQ vector.
type PCIPlatform interface {
	// Enumerate returns one entry per attached PCI device matching forced,
	// or every attached device if forced is nil.
	Enumerate(forced *boards.PCIID) ([]AttachedDevice, error)
}

// AttachedDevice is one PCI device already attached and BAR-mapped by the
// platform collaborator, ready for a family probe.
type AttachedDevice struct {
	ID        boards.PCIID
	BARs      []boards.BAR
	IRQVector int
}

// Config is the set of run-time options a Driver is constructed with
// (spec.md §6 CLI / §1.1 ambient config).
type Config struct {
	ForcedID     *boards.PCIID
	RxPerDevice  int
	TxPerDevice  int
	RestartMs    uint32
	LogLevel     log.Level
}

// DefaultConfig mirrors the factory defaults a freshly started driver uses
// absent any CLI override.
func DefaultConfig() Config {
	return Config{RxPerDevice: 4, TxPerDevice: 4, RestartMs: 100, LogLevel: log.InfoLevel}
}

// boundDevice is one probed controller plus the fabric built on top of it.
type boundDevice struct {
	id      int
	ctrl    *sja1000.Controller
	sess    *session.DeviceSession
	line    *irq.Line
	family  string
}

// Driver is the single owned root of spec.md §9: it serialises session
// creation/destruction (replacing device_session_create_mutex), holds every
// probed board's controllers, and owns the resmgr Surface they are exposed
// through.
type Driver struct {
	mu       sync.Mutex
	cfg      Config
	platform PCIPlatform
	irqs     *irq.Registry
	Surface  *resmgr.Surface

	devices []*boundDevice
	nextID  int

	logger *log.Entry
}

// New constructs a Driver against platform, ready to Probe.
func New(cfg Config, platform PCIPlatform) *Driver {
	log.SetLevel(cfg.LogLevel)
	return &Driver{
		cfg:      cfg,
		platform: platform,
		irqs:     irq.NewRegistry(),
		Surface:  resmgr.NewSurface(cfg.RxPerDevice, cfg.TxPerDevice),
		logger:   log.WithField("component", "driver"),
	}
}

// Probe walks every PCI device the platform collaborator reports, resolves
// each to a registered family, probes it, and wires up device sessions and
// the resmgr namespace for every resulting controller. Failures that affect
// a single board are logged and skipped (spec.md §7 HardwareAbsent /
// PciAttachFailed policy); Probe itself only fails if the platform
// enumeration call fails outright.
func (d *Driver) Probe() error {
	attached, err := d.platform.Enumerate(d.cfg.ForcedID)
	if err != nil {
		return fmt.Errorf("driver: pci enumeration failed: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, dev := range attached {
		family, ok := boards.Lookup(dev.ID.Vendor, dev.ID.Device)
		if !ok {
			d.logger.Warnf("no family claims vendor=0x%04x device=0x%04x", dev.ID.Vendor, dev.ID.Device)
			continue
		}
		if err := d.probeOne(family, dev); err != nil {
			d.logger.WithError(err).Warnf("skipping board (family=%s)", family.Name)
		}
	}
	return nil
}

// ProbeVirtual attaches the virtual/loopback family directly, bypassing PCI
// enumeration entirely (spec.md §4.F item 4 test hook).
func (d *Driver) ProbeVirtual() error {
	family, ok := boards.ByName("virtual")
	if !ok {
		return dcerr.ErrNotSupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probeOne(family, AttachedDevice{})
}

func (d *Driver) probeOne(family *boards.Family, dev AttachedDevice) error {
	controllers, err := family.Probe(dev.BARs, dev.IRQVector)
	if err != nil {
		return dcerr.NewAttachError(family.Name, fmt.Errorf("%w: %w", dcerr.ErrIoMapFailed, err), dcerr.ReasonNoMemory)
	}

	for _, ctrl := range controllers {
		if err := ctrl.Register(); err != nil {
			d.logger.WithError(err).Warnf("controller absent in family %s", family.Name)
			continue
		}
		ctrl.SetRestartMs(d.cfg.RestartMs)

		d.nextID++
		id := d.nextID

		sess := session.NewDeviceSession(id, ctrl, 64, func(n int) {
			d.logger.Warnf("device %d: tx queue dropped %d frame(s)", id, n)
		})

		line := d.irqs.LineFor(dev.IRQVector, nil, nil)
		line.Attach(func() irq.Result {
			handled, wake := ctrl.Interrupt()
			switch {
			case wake:
				return irq.WakeThread
			case handled:
				return irq.Handled
			default:
				return irq.None
			}
		}, ctrl)

		d.Surface.AddDevice(id, ctrl, sess, sja1000.DefaultBittimingConst)
		d.devices = append(d.devices, &boundDevice{id: id, ctrl: ctrl, sess: sess, line: line, family: family.Name})
		d.logger.Infof("controller %d registered (family=%s)", id, family.Name)
	}
	return nil
}

// DispatchIRQ routes one fired vector into the irq registry, the call a
// platform ISR-wait thread would make on wakeup.
func (d *Driver) DispatchIRQ(vector int) bool {
	return d.irqs.Dispatch(vector)
}

// Devices lists the controller IDs currently bound.
func (d *Driver) Devices() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int, 0, len(d.devices))
	for _, bd := range d.devices {
		ids = append(ids, bd.id)
	}
	return ids
}

// Shutdown tears down every bound device session and its resmgr namespace
// entry, in reverse-probe order.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	devices := d.devices
	d.devices = nil
	d.mu.Unlock()

	for i := len(devices) - 1; i >= 0; i-- {
		d.Surface.RemoveDevice(devices[i].id)
		devices[i].ctrl.Close()
	}
}
