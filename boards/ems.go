package boards

import (
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
)

// registerEMS wires the EMS CPC-PCI v1/v2/v3 family (spec.md §4.F table):
// v1 has 2 chips behind a PITA-2 bridge mux, v2 has 4 behind a PLX 9030 with
// IRQ-enable setup, v3 has 4 behind an ASIX bridge with a local reset
// sequence. All three use stride 0.
func registerEMS() {
	RegisterFamily(&Family{
		Name: "ems-v1",
		IDs:  []PCIID{{Vendor: 0x110a, Device: 0x2104}},
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			return probeEMS(bars, irqVector, 2, emsPITA2Setup)
		},
	})
	RegisterFamily(&Family{
		Name: "ems-v2",
		IDs:  []PCIID{{Vendor: 0x10b5, Device: 0x9030}},
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			return probeEMS(bars, irqVector, 4, emsPLX9030Setup)
		},
	})
	RegisterFamily(&Family{
		Name: "ems-v3",
		IDs:  []PCIID{{Vendor: 0x1859, Device: 0x7022}},
		Probe: func(bars []BAR, irqVector int) ([]*sja1000.Controller, error) {
			return probeEMS(bars, irqVector, 4, emsASIXReset)
		},
	})
}

func probeEMS(bars []BAR, irqVector, numChips int, bridgeSetup func(bars []BAR)) ([]*sja1000.Controller, error) {
	bar0, err := requireBAR(bars, 0)
	if err != nil {
		return nil, err
	}
	bridgeSetup(bars)
	pr := ProbeResult{Stride: 0, ClockHz: 16000000 / 2, OCR: 0x1a, CDR: 0x48, IRQVector: irqVector, IRQShared: true}
	controllers := make([]*sja1000.Controller, 0, numChips)
	for i := 0; i < numChips; i++ {
		read, write := ChipWindow(bar0, pr.Stride, i*0x200)
		controllers = append(controllers, newChannel(i, read, write, pr))
	}
	return controllers, nil
}

// emsPITA2Setup performs the PITA-2 bridge's one-time ICR/MISC setup
// (spec.md §4.F item 2's bridge-window example).
func emsPITA2Setup(bars []BAR) {
	if len(bars) < 2 {
		return
	}
	bars[1].Window.Write32(0x00, 0x00000041) // ICR: enable local interrupt
}

// emsPLX9030Setup enables the PLX 9030 bridge's local interrupt line via its
// ICSR register.
func emsPLX9030Setup(bars []BAR) {
	if len(bars) < 2 {
		return
	}
	bars[1].Window.Write16(0x4c, 0x0041) // ICSR: local interrupt enable
}

// emsASIXReset issues the ASIX AX99100 bridge's local reset sequence before
// the chips behind it are probed.
func emsASIXReset(bars []BAR) {
	if len(bars) < 2 {
		return
	}
	bars[1].Window.Write8(0x00, 0x01) // local reset strobe
}
