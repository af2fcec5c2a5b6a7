package sja1000

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Deniz-Eren/dev-can-linux/frame"
	"github.com/Deniz-Eren/dev-can-linux/internal/dcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChip is a minimal in-process register file standing in for real MMIO:
// reading IR drains it (as real hardware does), and a CMR write carrying
// CMD_RRB clears the receive-buffer-status bit, the one piece of register
// interdependency the tests below rely on.
type fakeChip struct {
	mu   sync.Mutex
	regs [0x30]byte
	ir   byte
}

func (f *fakeChip) read(reg int) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reg == RegIR {
		v := f.ir
		f.ir = 0
		return v
	}
	return f.regs[reg]
}

func (f *fakeChip) write(reg int, v byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reg == RegCMR && v&CmdRRB != 0 {
		f.regs[RegSR] &^= SRRBS
	}
	f.regs[reg] = v
}

func newFakeController(t *testing.T) (*Controller, *fakeChip) {
	chip := &fakeChip{}
	c := New(0, chip.read, chip.write)
	c.ClockHz = 8000000
	t.Cleanup(c.Close)
	return c, chip
}

func TestRegisterFailsWhenHardwareAbsent(t *testing.T) {
	c, chip := newFakeController(t)
	chip.regs[RegMOD] = 0xFF
	assert.ErrorIs(t, c.Register(), dcerr.ErrHardwareAbsent)
}

func TestRegisterBringsControllerUp(t *testing.T) {
	c, _ := newFakeController(t)
	require.NoError(t, c.Register())
	assert.Equal(t, StateErrorActive, c.State())
}

func TestStartIsIdempotent(t *testing.T) {
	c, _ := newFakeController(t)
	c.Start()
	assert.Equal(t, StateErrorActive, c.State())
	c.Start()
	assert.Equal(t, StateErrorActive, c.State())
}

func TestSetModeRejectsStop(t *testing.T) {
	c, _ := newFakeController(t)
	assert.ErrorIs(t, c.SetMode(false), dcerr.ErrNotSupported)
}

func TestSetCtrlModeRejectedOnceUp(t *testing.T) {
	c, _ := newFakeController(t)
	require.NoError(t, c.Register())
	assert.ErrorIs(t, c.SetCtrlMode(CtrlModeLoopback), dcerr.ErrCommandWhileUp)
}

func TestInterruptDecodesReceivedStandardFrame(t *testing.T) {
	c, chip := newFakeController(t)

	id := uint32(0x123)
	chip.regs[RegFI] = 2
	chip.regs[RegID1] = byte((id & 0x7F8) >> 3)
	chip.regs[RegID2] = byte((id & 0x7) << 5)
	chip.regs[RegSFFBuf] = 0xAA
	chip.regs[RegSFFBuf+1] = 0xBB
	chip.regs[RegSR] = SRRBS
	chip.ir = IRQRI

	var got frame.Frame
	c.OnDeliver = func(fr frame.Frame) { got = fr }

	handled, _ := c.Interrupt()
	assert.True(t, handled)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, frame.StandardFormat, got.Format)
	assert.Equal(t, uint8(2), got.Len)
	assert.Equal(t, byte(0xAA), got.Data[0])
	assert.Equal(t, byte(0xBB), got.Data[1])
}

func TestInterruptReportsFalseWhenNoSourcePending(t *testing.T) {
	c, _ := newFakeController(t)
	handled, wake := c.Interrupt()
	assert.False(t, handled)
	assert.False(t, wake)
}

func TestInterruptHandlesTxCompletion(t *testing.T) {
	c, chip := newFakeController(t)
	fr := frame.Frame{ID: 0x123, Format: frame.StandardFormat, Len: 2, Data: [8]byte{1, 2}}
	require.NoError(t, c.StartXmit(fr))

	var completed atomic.Bool
	c.OnTxComplete = func() { completed.Store(true) }
	chip.ir = IRQTI

	handled, _ := c.Interrupt()
	assert.True(t, handled)
	assert.True(t, completed.Load())
	assert.Equal(t, uint64(1), c.Stats().TxPackets)
}

// TestLoopbackEchoSynchronous asserts property #5 at the controller level:
// StartXmit in loopback mode calls OnDeliver synchronously with Echo set.
func TestLoopbackEchoSynchronous(t *testing.T) {
	c, _ := newFakeController(t)
	require.NoError(t, c.SetCtrlMode(CtrlModeLoopback))

	var got frame.Frame
	var delivered bool
	c.OnDeliver = func(fr frame.Frame) { got = fr; delivered = true }

	fr := frame.Frame{ID: 0x321, Format: frame.ExtendedFormat, Len: 3, Data: [8]byte{9, 8, 7}}
	require.NoError(t, c.StartXmit(fr))

	require.True(t, delivered)
	assert.True(t, got.Echo)
	assert.Equal(t, fr.ID, got.ID)
	assert.Equal(t, fr.Data, got.Data)
}

func TestStartXmitRejectedInListenOnly(t *testing.T) {
	c, _ := newFakeController(t)
	require.NoError(t, c.SetCtrlMode(CtrlModeListenOnly))
	err := c.StartXmit(frame.Frame{ID: 1, Format: frame.StandardFormat, Len: 0})
	assert.Error(t, err)
}

// TestBusOffSchedulesRestart asserts testable property #7: a bus-off
// transition with a non-zero restart_ms eventually fires CAN_ERR_RESTARTED
// and brings the controller back to error-active.
func TestBusOffSchedulesRestart(t *testing.T) {
	c, _ := newFakeController(t)
	c.SetRestartMs(5)

	restarted := make(chan struct{}, 1)
	c.OnDeliver = func(fr frame.Frame) {
		if fr.Error && fr.Data[0] == 0x40 {
			select {
			case restarted <- struct{}{}:
			default:
			}
		}
	}

	wake := c.handleError(IRQEI, SRBS)
	assert.False(t, wake)
	assert.Equal(t, StateBusOff, c.State())
	assert.Equal(t, uint64(1), c.Stats().BusOff)

	select {
	case <-restarted:
	case <-time.After(time.Second):
		t.Fatal("bus-off restart never fired CAN_ERR_RESTARTED")
	}
	require.Eventually(t, func() bool { return c.State() == StateErrorActive }, time.Second, time.Millisecond)
}

func TestBusOffWithoutRestartStaysDown(t *testing.T) {
	c, _ := newFakeController(t)
	c.handleError(IRQEI, SRBS)
	assert.Equal(t, StateBusOff, c.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateBusOff, c.State())
}

func TestRestartNowForcesRecoveryWithoutTimer(t *testing.T) {
	c, _ := newFakeController(t)
	c.handleError(IRQEI, SRBS)
	require.Equal(t, StateBusOff, c.State())
	require.NoError(t, c.RestartNow())
	assert.Equal(t, StateErrorActive, c.State())
}
