package boards

import (
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
)

// registerFintek wires the Fintek F81601 family: 1 or 2 chips by strap,
// stride 0, a fixed 24 MHz clock (internal and external clock sources are
// not distinguished), CAN2_HAS_EN read from a trap register (spec.md §4.F
// table).
func registerFintek() {
	RegisterFamily(&Family{
		Name: "fintek-f81601",
		IDs:  []PCIID{{Vendor: 0x1c29, Device: 0x1104}},
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			bar0, err := requireBAR(bars, 0)
			if err != nil {
				return nil, err
			}
			can2Enabled := bar0.Window.Read8(0xf0)&0x01 != 0
			numChips := 1
			if can2Enabled {
				numChips = 2
			}
			pr := ProbeResult{Stride: 0, ClockHz: 24000000, OCR: 0x1a, CDR: 0xc0,
				IRQVector: irqVector, IRQShared: true}
			controllers := make([]*sja1000.Controller, 0, numChips)
			for i := 0; i < numChips; i++ {
				read, write := ChipWindow(bar0, pr.Stride, i*0x80)
				controllers = append(controllers, newChannel(i, read, write, pr))
			}
			return controllers, nil
		},
	})
}
