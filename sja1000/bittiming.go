package sja1000

import (
	"fmt"

	"github.com/Deniz-Eren/dev-can-linux/internal/dcerr"
)

// BittimingConst is the per-family hardware constant set used to validate
// and, for the computed path, derive bit-timing register values (spec.md
// §4.E). Values mirror sja1000_bittiming_const in the original source.
type BittimingConst struct {
	Name                        string
	TSeg1Min, TSeg1Max           uint32
	TSeg2Min, TSeg2Max           uint32
	SJWMax                       uint32
	BRPMin, BRPMax, BRPInc       uint32
}

// DefaultBittimingConst is the constant set shared by every SJA1000-based
// family in this repository (original source: sja1000_bittiming_const).
var DefaultBittimingConst = BittimingConst{
	Name:     "sja1000",
	TSeg1Min: 1, TSeg1Max: 16,
	TSeg2Min: 1, TSeg2Max: 8,
	SJWMax:   4,
	BRPMin:   1, BRPMax: 64, BRPInc: 1,
}

// Bittiming is the resolved timing set reported via devctl GET_INFO.
type Bittiming struct {
	BitRate     uint32
	SamplePoint uint32 // tenths of a percent
	TQ          uint32 // nanoseconds
	PropSeg     uint32
	PhaseSeg1   uint32
	PhaseSeg2   uint32
	SJW         uint32
	BRP         uint32
}

// TSeg1 is the devctl_info-reported segment-1 width (prop_seg + phase_seg1).
func (b Bittiming) TSeg1() uint32 { return b.PropSeg + b.PhaseSeg1 }

// TSeg2 is the devctl_info-reported segment-2 width (== phase_seg2).
func (b Bittiming) TSeg2() uint32 { return b.PhaseSeg2 }

// DefaultBittiming is the fixed factory preset every freshly opened
// Controller reports before any SET_TIMING call (spec.md §8 scenario 6).
// Real SJA1000 boards likewise ship with a hardcoded default BTR pair
// rather than a computed one; this mirrors that convention instead of
// deriving the default through ComputeBittiming, which needs a requested
// bitrate that a controller without a SetBittiming call does not have (see
// DESIGN.md).
var DefaultBittiming = Bittiming{
	BitRate:     250000,
	SamplePoint: 800,
	TQ:          400,
	PropSeg:     1,
	PhaseSeg1:   6,
	PhaseSeg2:   2,
	SJW:         1,
	BRP:         2,
}

// recommendedSamplePoint implements the CiA recommendation cited in §4.E:
// 750/800/875 (tenths of a percent) for bitrates >800/>500/<=500 kbps.
func recommendedSamplePoint(bitrate uint32) uint32 {
	switch {
	case bitrate > 800000:
		return 750
	case bitrate > 500000:
		return 800
	default:
		return 875
	}
}

// ComputeBittiming derives prop_seg/phase_seg1/phase_seg2/sjw/brp for the
// requested bitrate against clockHz and bc, the way set_bittiming does when
// the caller only supplies a target bitrate (no explicit tq/segments).
func ComputeBittiming(bitrate, clockHz uint32, bc BittimingConst) (Bittiming, error) {
	if bitrate == 0 {
		return Bittiming{}, fmt.Errorf("%w: zero bitrate", dcerr.ErrBitTimingRange)
	}
	samplePoint := recommendedSamplePoint(bitrate)
	best := Bittiming{}
	bestErr := int64(-1)

	tsegMax := bc.TSeg1Max + bc.TSeg2Max + 1
	tsegMin := bc.TSeg1Min + bc.TSeg2Min + 1

	for brp := bc.BRPMin; brp <= bc.BRPMax; brp += bc.BRPInc {
		// Total quanta per bit for this prescaler at the target bitrate.
		bitrateError := int64(0)
		tqPerBit := clockHz / (brp * bitrate)
		if tqPerBit < tsegMin || tqPerBit > tsegMax {
			continue
		}
		achievedBitrate := clockHz / (brp * tqPerBit)
		if achievedBitrate > bitrate {
			bitrateError = int64(achievedBitrate - bitrate)
		} else {
			bitrateError = int64(bitrate - achievedBitrate)
		}

		// Split tqPerBit-1 quanta (minus sync seg) between seg1/seg2 to hit
		// the recommended sample point: seg1 is the floor of the requested
		// fraction, the remainder goes to seg2.
		total := tqPerBit - 1
		seg1 := (total * samplePoint) / 1000
		if seg1 < 1 {
			seg1 = 1
		}
		if seg1 > bc.TSeg1Max {
			seg1 = bc.TSeg1Max
		}
		seg2 := total - seg1
		if seg2 < bc.TSeg2Min {
			seg2 = bc.TSeg2Min
			seg1 = total - seg2
		}
		if seg2 > bc.TSeg2Max {
			seg2 = bc.TSeg2Max
		}
		if seg1 < bc.TSeg1Min || seg1 > bc.TSeg1Max {
			continue
		}

		sjw := uint32(1)
		if sjw > bc.SJWMax {
			sjw = bc.SJWMax
		}

		if bestErr == -1 || bitrateError < bestErr {
			bestErr = bitrateError
			best = Bittiming{
				BitRate:     achievedBitrate,
				SamplePoint: samplePoint,
				TQ:          uint32(1e9 / float64(clockHz) * float64(brp)),
				PropSeg:     1,
				PhaseSeg1:   seg1 - 1,
				PhaseSeg2:   seg2,
				SJW:         sjw,
				BRP:         brp,
			}
		}
	}
	if bestErr == -1 {
		return Bittiming{}, fmt.Errorf("%w: no brp in [%d,%d] achieves %d bps from %d Hz",
			dcerr.ErrBitTimingRange, bc.BRPMin, bc.BRPMax, bitrate, clockHz)
	}
	return best, nil
}

// ValidateExplicit checks caller-supplied target bitrate and
// prop_seg/phase_seg1/phase_seg2/sjw against bc and derives the brp whose
// achieved bitrate comes closest to targetBitrate, the "accepts
// caller-supplied ... and derives brp" path of §4.E.
func ValidateExplicit(clockHz, targetBitrate uint32, propSeg, phaseSeg1, phaseSeg2, sjw uint32, bc BittimingConst) (Bittiming, error) {
	tseg1 := propSeg + phaseSeg1
	if tseg1 < bc.TSeg1Min || tseg1 > bc.TSeg1Max {
		return Bittiming{}, fmt.Errorf("%w: tseg1 %d out of [%d,%d]", dcerr.ErrBitTimingRange, tseg1, bc.TSeg1Min, bc.TSeg1Max)
	}
	if phaseSeg2 < bc.TSeg2Min || phaseSeg2 > bc.TSeg2Max {
		return Bittiming{}, fmt.Errorf("%w: tseg2 %d out of [%d,%d]", dcerr.ErrBitTimingRange, phaseSeg2, bc.TSeg2Min, bc.TSeg2Max)
	}
	if sjw < 1 || sjw > bc.SJWMax {
		return Bittiming{}, fmt.Errorf("%w: sjw %d out of [1,%d]", dcerr.ErrBitTimingRange, sjw, bc.SJWMax)
	}
	if targetBitrate == 0 {
		return Bittiming{}, fmt.Errorf("%w: zero bitrate", dcerr.ErrBitTimingRange)
	}
	totalTQ := 1 + tseg1 + phaseSeg2
	brp := uint32(0)
	bestErr := int64(-1)
	var bestRate uint32
	for candidate := bc.BRPMin; candidate <= bc.BRPMax; candidate += bc.BRPInc {
		achieved := clockHz / (candidate * totalTQ)
		if achieved == 0 {
			continue
		}
		diff := int64(achieved) - int64(targetBitrate)
		if diff < 0 {
			diff = -diff
		}
		if bestErr == -1 || diff < bestErr {
			bestErr = diff
			brp = candidate
			bestRate = achieved
		}
	}
	if brp == 0 {
		return Bittiming{}, fmt.Errorf("%w: no brp fits requested segments", dcerr.ErrBitTimingRange)
	}
	return Bittiming{
		BitRate:     bestRate,
		SamplePoint: uint32(float64(1+tseg1) / float64(totalTQ) * 1000),
		TQ:          uint32(1e9 / float64(clockHz) * float64(brp)),
		PropSeg:     propSeg,
		PhaseSeg1:   phaseSeg1,
		PhaseSeg2:   phaseSeg2,
		SJW:         sjw,
		BRP:         brp,
	}, nil
}

// EncodeBTR computes BTR0/BTR1 from a resolved Bittiming, exactly the
// register packing of sja1000_set_bittiming in the original source.
func EncodeBTR(bt Bittiming, threeSamples bool) (btr0, btr1 byte) {
	btr0 = byte(((bt.BRP - 1) & 0x3F) | (((bt.SJW - 1) & 0x3) << 6))
	btr1 = byte(((bt.PropSeg + bt.PhaseSeg1 - 1) & 0xF) | (((bt.PhaseSeg2 - 1) & 0x7) << 4))
	if threeSamples {
		btr1 |= 0x80
	}
	return btr0, btr1
}

// DecodeBTR reverse-computes a Bittiming report from raw register values,
// the forced-register path of set_btr (§4.E), so GET_INFO can still report
// sensible figures after Controller.SetBTR has forced raw register values.
func DecodeBTR(btr0, btr1 byte, clockHz uint32) Bittiming {
	brp := uint32(btr0&0x3F) + 1
	sjw := uint32((btr0>>6)&0x3) + 1
	tseg1 := uint32(btr1&0xF) + 1
	tseg2 := uint32((btr1>>4)&0x7) + 1
	totalTQ := 1 + tseg1 + tseg2
	bitrate := uint32(0)
	if brp != 0 && totalTQ != 0 {
		bitrate = clockHz / (brp * totalTQ)
	}
	return Bittiming{
		BitRate:     bitrate,
		SamplePoint: uint32(float64(1+tseg1) / float64(totalTQ) * 1000),
		TQ:          uint32(1e9 / float64(clockHz) * float64(brp)),
		PropSeg:     1,
		PhaseSeg1:   tseg1 - 1,
		PhaseSeg2:   tseg2,
		SJW:         sjw,
		BRP:         brp,
	}
}
