package boards

import (
	"github.com/Deniz-Eren/dev-can-linux/internal/mmio"
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
	realcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

// VirtualChannelCount is the number of loopback controllers the virtual
// family exposes absent any configuration override.
const VirtualChannelCount = 2

// registerVirtual wires the "virtual CAN" family of spec.md §4.F item 4: an
// empty PCI table, N loopback controllers backed by a RAM register array.
// The session fabric short-circuits TX->RX for these (see session package's
// SetLoopback), so these controllers do not themselves simulate SJA1000
// register timing — only the wire-level frame shape.
//
// The probe itself creates no SocketCAN bridge; a channel can be bridged to
// a real vcanN interface through github.com/brutella/can by passing it to
// NewVCANBridge (SPEC_FULL.md §1.2).
func registerVirtual() {
	RegisterFamily(&Family{
		Name: "virtual",
		IDs:  nil,
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			return probeVirtualChannels(VirtualChannelCount)
		},
	})
}

func probeVirtualChannels(n int) ([]*sja1000.Controller, error) {
	controllers := make([]*sja1000.Controller, 0, n)
	for i := 0; i < n; i++ {
		win := mmio.NewRAMWindow(0x80)
		read := func(reg int) byte { return win.Read8(reg) }
		write := func(reg int, v byte) { win.Write8(reg, v) }
		pr := ProbeResult{Stride: 1, ClockHz: 8000000, OCR: 0x1a, CDR: 0x48}
		controllers = append(controllers, newChannel(i, read, write, pr))
	}
	return controllers, nil
}

// VCANBridge relays frames between one virtual Controller's echo path and a
// real vcanN SocketCAN interface, grounded on socketcan.go's SocketcanBus
// wrapper around *brutella/can.Bus.
type VCANBridge struct {
	controller *sja1000.Controller
	bus        *realcan.Bus
	ifname     string
	logger     *log.Entry
}

// NewVCANBridge opens ifname (e.g. "vcan0") and subscribes the bridge's
// Handle callback, which injects received frames into ctrl via
// Controller.InjectRaw. ctrl's OnDeliver is left untouched; outbound frames
// reach the interface only through explicit Publish calls.
func NewVCANBridge(ifname string, ctrl *sja1000.Controller) (*VCANBridge, error) {
	bus, err := realcan.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, err
	}
	b := &VCANBridge{controller: ctrl, bus: bus, ifname: ifname,
		logger: log.WithField("component", "vcan-bridge").WithField("iface", ifname)}
	bus.Subscribe(b)
	return b, nil
}

// Start connects the bridge's bus loop (mirrors socketcan.go's Connect).
func (b *VCANBridge) Start() {
	go b.bus.ConnectAndPublish()
}

// Handle implements brutella/can's frame-received callback interface,
// injecting the frame into the bridged controller's RX path.
func (b *VCANBridge) Handle(fr realcan.Frame) {
	b.controller.InjectRaw(fr.ID&0x1FFFFFFF, fr.Length, fr.Data, fr.ID&0x80000000 != 0)
}

// Publish relays one frame onto the vcan interface as a standard-format
// frame. Nothing in the controller's echo/transmit path calls it.
func (b *VCANBridge) Publish(id uint32, length uint8, data [8]byte) error {
	return b.bus.Publish(realcan.Frame{ID: id, Length: length, Data: data})
}
