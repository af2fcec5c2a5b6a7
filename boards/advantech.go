package boards

import (
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
)

// registerAdvantech wires the Advantech PCI-1680 family (spec.md §4.F
// table). Every claimed device is probed as two chips on BAR0 at stride 2,
// 0x200 apart; the chip count and stride do not vary by device ID, and the
// port-I/O vs memory-mapped subfamilies are not told apart.
func registerAdvantech() {
	RegisterFamily(&Family{
		Name: "advantech",
		IDs: []PCIID{
			{Vendor: 0x13fe, Device: 0xc002},
			{Vendor: 0x13fe, Device: 0xc302},
			{Vendor: 0x13fe, Device: 0x00c5},
			{Vendor: 0x13fe, Device: 0x00d7},
		},
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			bar0, err := requireBAR(bars, 0)
			if err != nil {
				return nil, err
			}
			numChips := 2
			stride := 2
			pr := ProbeResult{
				Stride: stride, ClockHz: 16000000 / 2, OCR: 0x1a, CDR: 0x48,
				IRQVector: irqVector, IRQShared: true,
			}
			controllers := make([]*sja1000.Controller, 0, numChips)
			for i := 0; i < numChips; i++ {
				read, write := ChipWindow(bar0, stride, i*0x200)
				controllers = append(controllers, newChannel(i, read, write, pr))
			}
			return controllers, nil
		},
	})
}
