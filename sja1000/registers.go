// Package sja1000 implements the PeliCAN-mode register protocol, bit-timing
// computation, error/bus-off handling and RX/TX ISR dispatch of spec.md
// §4.E — the core of the driver. Register layout and semantics mirror the
// original chip as ported in
// _examples/original_source/src/kernel/drivers/net/can/sja1000/sja1000.{c,h},
// restructured the way the teacher structures a stateful protocol object
// (driver.go's CANModule: owned buffers, explicit Init, a Process/Handle
// pair) instead of C's netdev_ops vtable.
package sja1000

// Register offsets, PeliCAN mode (manual §6.4).
const (
	RegMOD   = 0x00
	RegCMR   = 0x01
	RegSR    = 0x02
	RegIR    = 0x03
	RegIER   = 0x04
	RegALC   = 0x0B
	RegECC   = 0x0C
	RegEWL   = 0x0D
	RegRXERR = 0x0E
	RegTXERR = 0x0F
	RegACCC0 = 0x10
	RegACCC1 = 0x11
	RegACCC2 = 0x12
	RegACCC3 = 0x13
	RegACCM0 = 0x14
	RegACCM1 = 0x15
	RegACCM2 = 0x16
	RegACCM3 = 0x17
	RegRMC   = 0x1D
	RegRBSA  = 0x1E

	// Common registers (manual §6.5).
	RegBTR0 = 0x06
	RegBTR1 = 0x07
	RegOCR  = 0x08
	RegCDR  = 0x1F

	RegFI      = 0x10
	RegSFFBuf  = 0x13
	RegEFFBuf  = 0x15
	RegID1     = 0x11
	RegID2     = 0x12
	RegID3     = 0x13
	RegID4     = 0x14
	RegCANRAM  = 0x20
)

const (
	FIFF = 0x80 // extended frame format flag within FI
	FIRTR = 0x40
)

// Mode register bits.
const (
	ModRM  = 0x01 // reset mode
	ModLOM = 0x02 // listen only mode
	ModSTM = 0x04 // self-test/presume-ack mode
	ModAFM = 0x08
	ModSM  = 0x10
)

// Command register bits.
const (
	CmdSRR = 0x10 // self-reception request (loopback)
	CmdCDO = 0x08 // clear data overrun
	CmdRRB = 0x04 // release receive buffer
	CmdAT  = 0x02 // abort transmission (one-shot)
	CmdTR  = 0x01 // transmission request
)

// Interrupt source bits (IR register).
const (
	IRQBEI = 0x80 // bus error interrupt
	IRQALI = 0x40 // arbitration lost interrupt
	IRQEPI = 0x20 // error passive interrupt
	IRQWUI = 0x10 // wake-up interrupt
	IRQDOI = 0x08 // data overrun interrupt
	IRQEI  = 0x04 // error warning interrupt
	IRQTI  = 0x02 // transmit interrupt
	IRQRI  = 0x01 // receive interrupt
	IRQAll = 0xFF
	IRQOff = 0x00
)

// Status register bits.
const (
	SRBS  = 0x80 // bus status (1 = bus-off)
	SRES  = 0x40 // error status
	SRTS  = 0x20 // transmit status
	SRRS  = 0x10 // receive status
	SRTCS = 0x08 // transmission complete status
	SRTBS = 0x04 // transmit buffer status
	SRDOS = 0x02 // data overrun status
	SRRBS = 0x01 // receive buffer status

	SRCrit = SRBS | SRES
)

// Error code capture register bits.
const (
	ECCSeg   = 0x1F
	ECCDir   = 0x20
	ECCBit   = 0x00
	ECCForm  = 0x40
	ECCStuff = 0x80
	ECCMask  = 0xC0
)

const (
	CDRPelican = 0x80
)

// MaxIRQ bounds the number of interrupt sources drained per ISR invocation
// (spec.md §4.E "loops up to MAX_IRQ times").
const MaxIRQ = 20

// Control-mode bitset (spec.md §3).
const (
	CtrlModeLoopback      uint32 = 0x01
	CtrlModeListenOnly    uint32 = 0x02
	CtrlMode3Samples      uint32 = 0x04
	CtrlModeOneShot       uint32 = 0x08
	CtrlModeBerrReporting uint32 = 0x10
	CtrlModePresumeAck    uint32 = 0x40
)

// Quirk bits, per board family (spec.md §4.F table).
const (
	QuirkNoCDRReg        uint32 = 0x01
	QuirkResetOnOverrun  uint32 = 0x02
	QuirkCustomIRQ       uint32 = 0x04
)
