package sja1000

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Deniz-Eren/dev-can-linux/frame"
	"github.com/Deniz-Eren/dev-can-linux/internal/cantimer"
	"github.com/Deniz-Eren/dev-can-linux/internal/dcerr"
	"github.com/Deniz-Eren/dev-can-linux/internal/logging"
	log "github.com/sirupsen/logrus"
)

// logDrainInterval is how often a controller's background goroutine flushes
// its ISRRing into logrus (spec.md §7: the ISR path never calls into
// logging with a suspendable lock held).
const logDrainInterval = 5 * time.Millisecond

// State is the CAN operational/error state of spec.md §4.E's state machine.
type State int

const (
	StateErrorActive State = iota
	StateErrorWarning
	StateErrorPassive
	StateBusOff
	StateStopped
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateErrorActive:
		return "error-active"
	case StateErrorWarning:
		return "error-warning"
	case StateErrorPassive:
		return "error-passive"
	case StateBusOff:
		return "bus-off"
	case StateStopped:
		return "stopped"
	case StateSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// stateFromErrCount implements the ACTIVE/WARNING/PASSIVE/BUS-OFF threshold
// ladder of spec.md §4.E (err<96/128/256).
func stateFromErrCount(count uint16) State {
	switch {
	case count >= 256:
		return StateBusOff
	case count >= 128:
		return StateErrorPassive
	case count >= 96:
		return StateErrorWarning
	default:
		return StateErrorActive
	}
}

// RegReader/RegWriter are the per-controller read/write function pair,
// already adjusted by the board-family probe's address stride (spec.md §3).
type RegReader func(reg int) byte
type RegWriter func(reg int, val byte)

// Stats are the cumulative counters of spec.md §3, surfaced via devctl
// GET_STATS.
type Stats struct {
	TxPackets      uint64
	RxPackets      uint64
	TxBytes        uint64
	RxBytes        uint64
	BusErrors      uint64
	ErrorWarning   uint64
	ErrorPassive   uint64
	BusOff         uint64
	ArbitrationLost uint64
	Restarts       uint64
	TxDropped      uint64
	RxOverrun      uint64
}

// Controller is one SJA1000 chip (spec.md §3). It owns its MMIO access
// functions, its restart timer, and its command-register spinlock; the TX
// queue and client session list are owned by the session fabric (package
// session), which holds a *Controller by reference.
type Controller struct {
	ID int

	ReadReg  RegReader
	WriteReg RegWriter
	PreIRQ   func()
	PostIRQ  func()

	ClockHz uint32
	OCR     byte
	CDR     byte
	Quirks  uint32

	mu        sync.Mutex
	bittiming Bittiming
	ctrlMode  uint32
	state     State
	txErr     uint16
	rxErr     uint16
	restartMs uint32

	cmdregMu sync.Mutex // serializes CMR writes between TX worker and ISR

	up int32 // atomic: 1 once register() has brought the chip up

	restartTimer *cantimer.Timer

	stats Stats

	// OnDeliver routes a decoded/error frame into the session fabric's RX
	// path (package session sets this at device-session creation time).
	OnDeliver func(frame.Frame)

	// OnTxComplete is invoked from the ISR's TI handling to release the
	// next TX slot (wakes the TX worker's queue_stopped condition).
	OnTxComplete func()

	// echo holds the single outstanding TX frame awaiting completion
	// (SJA1000_ECHO_SKB_MAX == 1, spec.md §3's "single outstanding-TX echo slot").
	echoPending bool
	echoFrame   frame.Frame

	logger *log.Entry

	// isrLog is the lock-free ring the ISR goroutine logs through; a
	// background goroutine drains it into logger so the ISR path itself
	// never acquires logrus's internal lock.
	isrLog    *logging.ISRRing
	drainStop chan struct{}
	drainDone chan struct{}
}

// New allocates a Controller with the given private board-family tail
// already wired through ReadReg/WriteReg (spec.md §4.E alloc/free).
func New(id int, readReg RegReader, writeReg RegWriter) *Controller {
	c := &Controller{
		ID:        id,
		ReadReg:   readReg,
		WriteReg:  writeReg,
		bittiming: DefaultBittiming,
		state:     StateStopped,
		logger:    log.WithField("component", "sja1000").WithField("id", id),
		isrLog:    logging.NewISRRing(),
		drainStop: make(chan struct{}),
		drainDone: make(chan struct{}),
	}
	c.restartTimer = cantimer.Setup(func(any) { c.onRestartFire() }, nil)
	go c.drainLogs()
	return c
}

// drainLogs periodically flushes isrLog into logger from outside any ISR
// goroutine. Stopped by Close.
func (c *Controller) drainLogs() {
	defer close(c.drainDone)
	ticker := time.NewTicker(logDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.isrLog.Drain(c.logger)
		case <-c.drainStop:
			c.isrLog.Drain(c.logger)
			return
		}
	}
}

// Close stops the background log-drain goroutine, flushing any remaining
// entries first. Safe to call once per Controller during teardown.
func (c *Controller) Close() {
	close(c.drainStop)
	<-c.drainDone
}

// isAbsent reads MOD and reports whether it equals 0xFF (chip not present).
func (c *Controller) isAbsent() bool {
	return c.ReadReg(RegMOD) == 0xFF
}

// writeCmdReg serializes CMR writes against the ISR the way
// sja1000_write_cmdreg's cmdreg_lock does (spec.md §5 shared-resource policy).
func (c *Controller) writeCmdReg(val byte) {
	c.cmdregMu.Lock()
	c.WriteReg(RegCMR, val)
	c.ReadReg(RegSR)
	c.cmdregMu.Unlock()
}

// Register verifies chip presence, flips it into PeliCAN mode, clears
// acceptance filters to pass-all, and brings the device up (spec.md §4.E).
func (c *Controller) Register() error {
	if c.isAbsent() {
		return dcerr.ErrHardwareAbsent
	}
	c.Start()
	atomic.StoreInt32(&c.up, 1)
	c.logger.Info("controller registered")
	return nil
}

func (c *Controller) setResetMode() {
	c.WriteReg(RegIER, IRQOff)
	status := c.ReadReg(RegMOD)
	for i := 0; i < 100; i++ {
		if status&ModRM != 0 {
			c.mu.Lock()
			c.state = StateStopped
			c.mu.Unlock()
			return
		}
		c.WriteReg(RegMOD, ModRM)
		time.Sleep(10 * time.Microsecond)
		status = c.ReadReg(RegMOD)
	}
	c.logger.Error("setting SJA1000 into reset mode failed")
}

func (c *Controller) setNormalMode() {
	status := c.ReadReg(RegMOD)
	for i := 0; i < 100; i++ {
		if status&ModRM == 0 {
			c.mu.Lock()
			c.state = StateErrorActive
			ctrlMode := c.ctrlMode
			c.mu.Unlock()
			if ctrlMode&CtrlModeBerrReporting != 0 {
				c.WriteReg(RegIER, IRQAll)
			} else {
				c.WriteReg(RegIER, IRQAll&^IRQBEI)
			}
			return
		}
		var modVal byte
		c.mu.Lock()
		ctrlMode := c.ctrlMode
		c.mu.Unlock()
		if ctrlMode&CtrlModeListenOnly != 0 {
			modVal |= ModLOM
		}
		if ctrlMode&CtrlModePresumeAck != 0 {
			modVal |= ModSTM
		}
		c.WriteReg(RegMOD, modVal)
		time.Sleep(10 * time.Microsecond)
		status = c.ReadReg(RegMOD)
	}
	c.logger.Error("setting SJA1000 into normal mode failed")
}

func (c *Controller) chipsetInit() {
	if c.Quirks&QuirkNoCDRReg == 0 {
		c.WriteReg(RegCDR, c.CDR|CDRPelican)
	}
	c.WriteReg(RegACCC0, 0x00)
	c.WriteReg(RegACCC1, 0x00)
	c.WriteReg(RegACCC2, 0x00)
	c.WriteReg(RegACCC3, 0x00)
	c.WriteReg(RegACCM0, 0xFF)
	c.WriteReg(RegACCM1, 0xFF)
	c.WriteReg(RegACCM2, 0xFF)
	c.WriteReg(RegACCM3, 0xFF)
	c.WriteReg(RegOCR, c.OCR|0x02) // OCR_MODE_NORMAL
}

// Start is the idempotent initialization sequence of spec.md §4.E.
func (c *Controller) Start() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateStopped {
		c.setResetMode()
	}

	if c.Quirks&QuirkNoCDRReg == 0 && c.ReadReg(RegCDR)&CDRPelican == 0 {
		c.chipsetInit()
	} else if c.Quirks&QuirkNoCDRReg != 0 {
		c.chipsetInit()
	}

	c.WriteReg(RegTXERR, 0)
	c.WriteReg(RegRXERR, 0)
	c.ReadReg(RegECC)
	c.ReadReg(RegIR)

	c.setNormalMode()
}

// SetMode implements devctl's mode-change path; only CAN_MODE_START is
// supported (spec.md §4.E).
func (c *Controller) SetMode(start bool) error {
	if !start {
		return dcerr.ErrNotSupported
	}
	c.mu.Lock()
	c.txErr, c.rxErr = 0, 0
	c.mu.Unlock()
	c.Start()
	return nil
}

// SetBittiming computes BTR0/BTR1 from a requested bitrate using bc and
// writes them, refusing the change while the controller is up (spec.md
// §4.E, §7 CommandWhileRunning).
func (c *Controller) SetBittiming(bitrate uint32, bc BittimingConst) error {
	if atomic.LoadInt32(&c.up) == 1 {
		return dcerr.ErrCommandWhileUp
	}
	bt, err := ComputeBittiming(bitrate, c.ClockHz, bc)
	if err != nil {
		return err
	}
	c.applyBittiming(bt)
	return nil
}

// SetExplicitTiming accepts a caller-supplied target bitrate plus explicit
// segments (devctl SET_TIMING), the alternate path of §4.E.
func (c *Controller) SetExplicitTiming(targetBitrate, propSeg, phaseSeg1, phaseSeg2, sjw uint32, bc BittimingConst) error {
	bt, err := ValidateExplicit(c.ClockHz, targetBitrate, propSeg, phaseSeg1, phaseSeg2, sjw, bc)
	if err != nil {
		return err
	}
	c.applyBittiming(bt)
	return nil
}

// SetBTR forces raw register values and reverse-computes timing for
// reporting (spec.md §4.E's set_btr path).
func (c *Controller) SetBTR(btr0, btr1 byte) {
	c.mu.Lock()
	c.bittiming = DecodeBTR(btr0, btr1, c.ClockHz)
	c.mu.Unlock()
	c.WriteReg(RegBTR0, btr0)
	c.WriteReg(RegBTR1, btr1)
}

func (c *Controller) applyBittiming(bt Bittiming) {
	c.mu.Lock()
	c.bittiming = bt
	threeSamples := c.ctrlMode&CtrlMode3Samples != 0
	c.mu.Unlock()
	btr0, btr1 := EncodeBTR(bt, threeSamples)
	c.logger.Infof("setting BTR0=0x%02x BTR1=0x%02x", btr0, btr1)
	c.WriteReg(RegBTR0, btr0)
	c.WriteReg(RegBTR1, btr1)
}

// Bittiming returns the currently reported timing set.
func (c *Controller) Bittiming() Bittiming {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bittiming
}

// SetCtrlMode / CtrlMode access the control-mode bitset.
func (c *Controller) SetCtrlMode(mode uint32) error {
	if atomic.LoadInt32(&c.up) == 1 {
		return dcerr.ErrCommandWhileUp
	}
	c.mu.Lock()
	c.ctrlMode = mode
	c.mu.Unlock()
	return nil
}

func (c *Controller) CtrlMode() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrlMode
}

// State reports the current CAN state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrCounters reports the current tx/rx error counters.
func (c *Controller) ErrCounters() (tx, rx uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txErr, c.rxErr
}

// SetRestartMs configures the bus-off restart delay.
func (c *Controller) SetRestartMs(ms uint32) {
	c.mu.Lock()
	c.restartMs = ms
	c.mu.Unlock()
}

// Stats returns a copy of the cumulative counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// StartXmit submits one frame for transmission (spec.md §4.E start_xmit).
// It is called by the session fabric's TX worker after dequeuing from the
// device's TX queue; the caller is responsible for the queue_stopped flow
// control around it.
func (c *Controller) StartXmit(fr frame.Frame) error {
	c.mu.Lock()
	listenOnly := c.ctrlMode&CtrlModeListenOnly != 0
	oneShot := c.ctrlMode&CtrlModeOneShot != 0
	loopback := c.ctrlMode&CtrlModeLoopback != 0
	c.mu.Unlock()

	if listenOnly {
		return fmt.Errorf("sja1000: drop tx while listen-only")
	}

	var fi byte
	fi = fr.Len & 0x0F
	if err := fr.Validate(); err != nil {
		return err
	}
	if fr.RTR {
		fi |= FIRTR
	}

	var dreg int
	if fr.Format == frame.ExtendedFormat {
		fi |= FIFF
		dreg = RegEFFBuf
		c.WriteReg(RegFI, fi)
		c.WriteReg(RegID1, byte((fr.ID&0x1FE00000)>>21))
		c.WriteReg(RegID2, byte((fr.ID&0x001FE000)>>13))
		c.WriteReg(RegID3, byte((fr.ID&0x00001FE0)>>5))
		c.WriteReg(RegID4, byte((fr.ID&0x0000001F)<<3))
	} else {
		dreg = RegSFFBuf
		c.WriteReg(RegFI, fi)
		c.WriteReg(RegID1, byte((fr.ID&0x000007F8)>>3))
		c.WriteReg(RegID2, byte((fr.ID&0x00000007)<<5))
	}

	for i := 0; i < int(fr.Len); i++ {
		c.WriteReg(dreg, fr.Data[i])
		dreg++
	}

	c.mu.Lock()
	c.echoPending = true
	c.echoFrame = fr
	c.echoFrame.FrameLen = int(fr.Len)
	c.mu.Unlock()

	var cmd byte
	if oneShot {
		cmd |= CmdAT
	}
	if loopback {
		cmd |= CmdSRR
	} else {
		cmd |= CmdTR
	}
	c.writeCmdReg(cmd)

	if loopback && c.OnDeliver != nil {
		echo := fr
		echo.Echo = true
		echo.TimestampMs = nowMs()
		c.OnDeliver(echo)
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Rx decodes one frame from the receive buffer and delivers it via
// OnDeliver, then releases the buffer (spec.md §4.E rx()).
func (c *Controller) rx() {
	fi := c.ReadReg(RegFI)
	var id uint32
	var dreg int
	var format frame.Format

	if fi&FIFF != 0 {
		format = frame.ExtendedFormat
		dreg = RegEFFBuf
		id = uint32(c.ReadReg(RegID1))<<21 |
			uint32(c.ReadReg(RegID2))<<13 |
			uint32(c.ReadReg(RegID3))<<5 |
			uint32(c.ReadReg(RegID4))>>3
	} else {
		format = frame.StandardFormat
		dreg = RegSFFBuf
		id = uint32(c.ReadReg(RegID1))<<3 | uint32(c.ReadReg(RegID2))>>5
	}

	dlc := fi & 0x0F
	if dlc > frame.MaxDLC {
		dlc = frame.MaxDLC
	}
	fr := frame.Frame{ID: id, Format: format, Len: dlc, ControllerID: c.ID, TimestampMs: nowMs()}

	if fi&FIRTR != 0 {
		fr.RTR = true
	} else {
		for i := 0; i < int(dlc); i++ {
			fr.Data[i] = c.ReadReg(dreg)
			dreg++
		}
		c.mu.Lock()
		c.stats.RxBytes += uint64(dlc)
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.stats.RxPackets++
	c.mu.Unlock()

	c.writeCmdReg(CmdRRB)

	if c.OnDeliver != nil {
		c.OnDeliver(fr)
	}
}

// Interrupt is the ISR (spec.md §4.E). It is invoked by the irq package's
// dispatcher from a dedicated goroutine standing in for interrupt context.
func (c *Controller) Interrupt() (handled bool, wakeThread bool) {
	if c.PreIRQ != nil {
		c.PreIRQ()
	}

	ir := c.ReadReg(RegIR)
	if ir == 0 {
		if c.ReadReg(RegSR) == 0xFF && c.isAbsent() {
			return false, false
		}
		return false, false
	}

	n := 0
	for ir != 0 && n < MaxIRQ {
		n++
		sr := c.ReadReg(RegSR)

		if ir&IRQWUI != 0 {
			c.isrLog.Push(log.DebugLevel, "wake-up interrupt")
		}
		if ir&IRQTI != 0 {
			c.handleTI(sr)
		}
		if ir&IRQRI != 0 {
			for {
				sr = c.ReadReg(RegSR)
				if sr&SRRBS == 0 {
					break
				}
				if c.isAbsent() {
					break
				}
				c.rx()
			}
		}
		if ir&(IRQDOI|IRQEI|IRQBEI|IRQEPI|IRQALI) != 0 {
			if c.handleError(ir, sr) {
				wakeThread = true
			}
		}

		ir = c.ReadReg(RegIR)
	}
	if n >= MaxIRQ {
		c.isrLog.Push(log.WarnLevel, "%d messages handled", n)
	}

	if c.PostIRQ != nil {
		c.PostIRQ()
	}
	return true, wakeThread
}

func (c *Controller) handleTI(sr byte) {
	c.mu.Lock()
	oneShot := c.ctrlMode&CtrlModeOneShot != 0
	pending := c.echoPending
	echo := c.echoFrame
	c.echoPending = false
	c.mu.Unlock()

	if oneShot && sr&SRTCS == 0 {
		c.mu.Lock()
		c.stats.TxDropped++
		c.mu.Unlock()
	} else if pending {
		c.mu.Lock()
		c.stats.TxPackets++
		c.stats.TxBytes += uint64(echo.FrameLen)
		c.mu.Unlock()
	}
	if c.OnTxComplete != nil {
		c.OnTxComplete()
	}
}

// handleError composes error frames for overrun/warning/passive/bus-off/
// bus-error/arbitration-lost sources (spec.md §4.E).
func (c *Controller) handleError(isrc, status byte) (wakeThread bool) {
	txerr := c.ReadReg(RegTXERR)
	rxerr := c.ReadReg(RegRXERR)

	ef := frame.Frame{Error: true, Format: frame.StandardFormat, Len: 8, ControllerID: c.ID, TimestampMs: nowMs()}

	if isrc&IRQDOI != 0 {
		c.isrLog.Push(log.DebugLevel, "data overrun interrupt")
		ef.Data[1] = 0x08 // CAN_ERR_CRTL_RX_OVERFLOW
		c.mu.Lock()
		c.stats.RxOverrun++
		c.mu.Unlock()
		c.writeCmdReg(CmdCDO)
		if c.Quirks&QuirkResetOnOverrun != 0 {
			wakeThread = true
		}
	}

	newState := c.State()
	if isrc&IRQEI != 0 {
		c.isrLog.Push(log.DebugLevel, "error warning interrupt")
		if status&SRBS != 0 {
			newState = StateBusOff
		} else {
			newState = worstState(stateFromCounters(uint16(txerr), uint16(rxerr)), StateErrorActive)
			if status&SRES == 0 {
				newState = StateErrorActive
			}
		}
	}

	if newState != StateBusOff {
		ef.Data[6] = txerr
		ef.Data[7] = rxerr
	}

	if isrc&IRQBEI != 0 {
		c.mu.Lock()
		c.stats.BusErrors++
		c.mu.Unlock()
		ecc := c.ReadReg(RegECC)
		switch ecc & ECCMask {
		case ECCBit:
			ef.Data[2] |= 0x01
		case ECCForm:
			ef.Data[2] |= 0x02
		case ECCStuff:
			ef.Data[2] |= 0x04
		}
		ef.Data[3] = ecc & ECCSeg
	}

	if isrc&IRQEPI != 0 {
		c.mu.Lock()
		c.stats.ErrorPassive++
		c.mu.Unlock()
	}

	if isrc&IRQALI != 0 {
		c.mu.Lock()
		c.stats.ArbitrationLost++
		c.mu.Unlock()
		alc := c.ReadReg(RegALC)
		ef.Data[0] = alc & 0x1F
	}

	prevState := c.State()
	c.mu.Lock()
	c.state = newState
	c.mu.Unlock()

	if newState == StateBusOff && prevState != StateBusOff {
		c.mu.Lock()
		c.stats.BusOff++
		c.mu.Unlock()
		c.busOff()
	}

	if c.OnDeliver != nil {
		c.OnDeliver(ef)
	}
	return wakeThread
}

// busOff arms the restart timer if a non-zero restart delay is configured
// (spec.md §4.E bus_off()). No separate carrier flag is kept; the
// StateBusOff set by handleError is the only link-down marker.
func (c *Controller) busOff() {
	c.mu.Lock()
	restartMs := c.restartMs
	c.mu.Unlock()
	if restartMs == 0 {
		c.isrLog.Push(log.WarnLevel, "bus-off, no restart configured")
		return
	}
	ticks := int(restartMs) * cantimer.HZ / 1000
	if ticks < 1 {
		ticks = 1
	}
	c.restartTimer.Schedule(ticks)
}

// onRestartFire implements the recovery fired by the bus-off restart timer:
// flush echo, emit CAN_ERR_RESTARTED, set_mode(START), which moves the
// state back to error-active.
func (c *Controller) onRestartFire() {
	c.mu.Lock()
	c.echoPending = false
	c.stats.Restarts++
	c.mu.Unlock()

	if c.OnDeliver != nil {
		c.OnDeliver(frame.Frame{Error: true, Format: frame.StandardFormat, Len: 8,
			ControllerID: c.ID, TimestampMs: nowMs(), Data: [8]byte{0x40}}) // CAN_ERR_RESTARTED
	}
	_ = c.SetMode(true)
	c.isrLog.Push(log.InfoLevel, "bus-off recovery complete, controller restarted")
}

// RestartNow forces a restart while restart_ms==0 left the link down,
// the "explicit restart_now()" escape hatch of spec.md §4.E.
func (c *Controller) RestartNow() error {
	return c.SetMode(true)
}

// InjectRaw delivers a frame as if it had arrived over the wire, bypassing
// register decode. It exists for the virtual board family (spec.md §4.F
// item 4), where no physical SJA1000 register timing is being simulated,
// and for tests that want to drive RX without writing registers by hand.
func (c *Controller) InjectRaw(id uint32, length uint8, data [8]byte, extended bool) {
	format := frame.StandardFormat
	if extended {
		format = frame.ExtendedFormat
	}
	if length > frame.MaxDLC {
		length = frame.MaxDLC
	}
	fr := frame.Frame{
		ID: id, Format: format, Len: length, Data: data,
		ControllerID: c.ID, TimestampMs: nowMs(),
	}
	c.mu.Lock()
	c.stats.RxPackets++
	c.stats.RxBytes += uint64(length)
	c.mu.Unlock()
	if c.OnDeliver != nil {
		c.OnDeliver(fr)
	}
}
