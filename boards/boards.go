// Package boards implements the board-family registry and per-vendor PCI
// probes of spec.md §4.F: given a PCI vendor/device ID match, each family
// decodes its BARs, picks a stride/OCR/CDR/quirk set, and hands back
// sja1000.Controller values wired to the family's MMIO layout.
//
// The plugin-registry shape (RegisterFamily + a lookup keyed by vendor:
// device) is grounded on the teacher's pkg/can/bus.go interface registry
// (can.RegisterInterface/NewBus), generalized from "named transport
// backend" to "named board family".
package boards

import (
	"fmt"
	"sync"

	"github.com/Deniz-Eren/dev-can-linux/internal/mmio"
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
)

// PCIID identifies one supported board by vendor:device, the minimal
// surface this package needs from the out-of-scope PCI enumeration
// collaborator named in spec.md §1/§9 (bus walk and config-space read are
// not this package's concern; BAR decode and reset sequencing are).
type PCIID struct {
	Vendor uint16
	Device uint16
}

// BAR is one base-address region as handed back by the PCI platform
// collaborator: a mapped Window plus its raw base (used to classify
// port-I/O vs memory space, spec.md §4.D).
type BAR struct {
	Base   uint64
	Window mmio.Window
}

// ProbeResult is everything a family probe derives for one physical chip
// found on a board (spec.md §4.F: "stride, OCR/CDR, reset sequence, IRQ
// sharing").
type ProbeResult struct {
	Stride   int
	ClockHz  uint32
	OCR      byte
	CDR      byte
	Quirks   uint32
	IRQVector int
	IRQShared bool
}

// ChipWindow narrows a BAR + stride + channel offset into per-register
// read/write closures a sja1000.Controller can use directly.
func ChipWindow(bar BAR, stride int, channelOffset int) (sja1000.RegReader, sja1000.RegWriter) {
	read := func(reg int) byte {
		return bar.Window.Read8(channelOffset + reg*stride)
	}
	write := func(reg int, v byte) {
		bar.Window.Write8(channelOffset+reg*stride, v)
	}
	return read, write
}

// Family is one supported board family: a table of PCI IDs it claims, and
// a Probe function that turns a matched device's BARs into one or more
// sja1000.Controller values.
type Family struct {
	Name  string
	IDs   []PCIID
	Probe func(bars []BAR, irqVector int) ([]*sja1000.Controller, error)
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Family{}
)

// RegisterFamily adds f to the registry under f.Name, the board-family
// analogue of the teacher's can.RegisterInterface.
func RegisterFamily(f *Family) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[f.Name] = f
}

// Lookup finds the family claiming the given vendor:device pair, if any.
func Lookup(vendor, device uint16) (*Family, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, f := range registry {
		for _, id := range f.IDs {
			if id.Vendor == vendor && id.Device == device {
				return f, true
			}
		}
	}
	return nil, false
}

// ByName returns a registered family by its name, used by the virtual
// family and by tests that bypass PCI ID matching entirely.
func ByName(name string) (*Family, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists every registered family, for -l/list-supported-boards output.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

func init() {
	registerAdvantech()
	registerKvaser()
	registerEMS()
	registerPEAK()
	registerPLX()
	registerFintek()
	registerVirtual()
}

// newChannel builds one controller from a decoded channel window using
// common defaults, shared by every family's Probe implementation.
func newChannel(id int, read sja1000.RegReader, write sja1000.RegWriter, pr ProbeResult) *sja1000.Controller {
	c := sja1000.New(id, read, write)
	c.ClockHz = pr.ClockHz
	c.OCR = pr.OCR
	c.CDR = pr.CDR
	c.Quirks = pr.Quirks
	return c
}

func requireBAR(bars []BAR, idx int) (BAR, error) {
	if idx < 0 || idx >= len(bars) {
		return BAR{}, fmt.Errorf("boards: BAR%d not present (got %d BARs)", idx, len(bars))
	}
	return bars[idx], nil
}
