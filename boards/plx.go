package boards

import (
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
)

// registerPLX wires the generic PLX-9050/9030-bridged SJA1000 family used by
// Adlink, esd, and IXXAT boards: always 2 chips on BAR1, stride 0 (spec.md
// §4.F table).
func registerPLX() {
	RegisterFamily(&Family{
		Name: "plx-sja1000",
		IDs: []PCIID{
			{Vendor: 0x10b5, Device: 0x9050},
			{Vendor: 0x10b5, Device: 0x9056},
		},
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			bar0, err := requireBAR(bars, 0)
			if err != nil {
				return nil, err
			}
			if len(bars) >= 1 {
				// PLX local configuration BAR carries ICSR; enable the
				// local interrupt line before the chips behind it fire.
				bars[0].Window.Write16(0x4c, 0x0041)
			}
			chip0, err := requireBAR(bars, 1)
			if err != nil {
				return nil, err
			}
			numChips := 2
			pr := ProbeResult{Stride: 0, ClockHz: 16000000 / 2, OCR: 0x1a, CDR: 0x48,
				IRQVector: irqVector, IRQShared: true}
			controllers := make([]*sja1000.Controller, 0, numChips)
			for i := 0; i < numChips; i++ {
				read, write := ChipWindow(chip0, pr.Stride, i*0x100)
				controllers = append(controllers, newChannel(i, read, write, pr))
			}
			return controllers, nil
		},
	})
}
