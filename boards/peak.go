package boards

import (
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
)

// registerPEAK wires the PEAK PCAN PCI family: 4 chips when at least two
// BARs are present, otherwise 2; stride 0 (spec.md §4.F table).
func registerPEAK() {
	RegisterFamily(&Family{
		Name: "peak-pcican",
		IDs: []PCIID{
			{Vendor: 0x001c, Device: 0x0001},
			{Vendor: 0x001c, Device: 0x0004},
		},
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			bar0, err := requireBAR(bars, 0)
			if err != nil {
				return nil, err
			}
			numChips := peakChannelCount(bars)
			pr := ProbeResult{Stride: 0, ClockHz: 16000000 / 2, OCR: 0x1a, CDR: 0x48,
				IRQVector: irqVector, IRQShared: true}
			controllers := make([]*sja1000.Controller, 0, numChips)
			for i := 0; i < numChips; i++ {
				read, write := ChipWindow(bar0, pr.Stride, i*0x400)
				controllers = append(controllers, newChannel(i, read, write, pr))
			}
			return controllers, nil
		},
	})
}

func peakChannelCount(bars []BAR) int {
	if len(bars) >= 2 {
		return 4
	}
	return 2
}
