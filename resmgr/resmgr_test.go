package resmgr

import (
	"testing"
	"time"

	"github.com/Deniz-Eren/dev-can-linux/session"
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(id int) *sja1000.Controller {
	regs := make([]byte, 0x30)
	read := func(reg int) byte { return regs[reg] }
	write := func(reg int, v byte) { regs[reg] = v }
	c := sja1000.New(id, read, write)
	c.ClockHz = 8000000
	return c
}

func TestCANMsgEncodeDecodeRoundTrip(t *testing.T) {
	m := CANMsg{MID: 0xABC << 18, Ext: false, RTR: false, DLC: 6, Data: [8]byte{1, 2, 3, 4, 5, 6}}
	buf := EncodeCANMsg(m)
	got := DecodeCANMsg(buf[:])
	assert.Equal(t, m.MID, got.MID)
	assert.Equal(t, m.DLC, got.DLC)
	assert.Equal(t, m.Data[:6], got.Data[:6])
}

func TestCANMsgExtEncodeDecodeRoundTrip(t *testing.T) {
	m := CANMsg{MID: 0x1ABCDE, Ext: true, RTR: true, DLC: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	buf := EncodeCANMsgExt(m)
	got, err := DecodeCANMsgExt(buf[:])
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

// TestLoopbackSingleScenario mirrors spec.md §8 end-to-end scenario 1.
func TestLoopbackSingleScenario(t *testing.T) {
	ctrl := newTestController(0)
	require.NoError(t, ctrl.SetCtrlMode(sja1000.CtrlModeLoopback))
	sess := session.NewDeviceSession(0, ctrl, 8, nil)
	sess.SetLoopback(true)
	defer sess.Close()

	surface := NewSurface(1, 1)
	surface.AddDevice(0, ctrl, sess, sja1000.DefaultBittimingConst)

	tx, err := surface.Open(0, EndpointTX, 0)
	require.NoError(t, err)
	defer tx.Close()

	rx, err := surface.Open(0, EndpointRX, 0)
	require.NoError(t, err)
	defer rx.Close()

	data := [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	msg := CANMsg{MID: 0xABC, Ext: true, DLC: 8, Data: data}
	buf := EncodeCANMsgExt(msg)
	n, err := tx.Write(buf[:])
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	var readBuf [12]byte
	require.Eventually(t, func() bool {
		n, err := rx.Read(readBuf[:])
		return err == nil && n == 12
	}, time.Second, time.Millisecond)

	got := DecodeCANMsg(readBuf[:])
	assert.Equal(t, uint32(0xABC), got.MID)
	assert.Equal(t, data[:6], got.Data[:6])
}

func TestSetMFilterRestrictedToRxEndpoint(t *testing.T) {
	ctrl := newTestController(0)
	sess := session.NewDeviceSession(0, ctrl, 8, nil)
	defer sess.Close()

	surface := NewSurface(1, 1)
	surface.AddDevice(0, ctrl, sess, sja1000.DefaultBittimingConst)

	tx, err := surface.Open(0, EndpointTX, 0)
	require.NoError(t, err)
	defer tx.Close()

	_, err = tx.Devctl(SetMFilter, uint32(0xFFF))
	assert.Error(t, err)
}

func TestWriteDroppedInListenOnlyMode(t *testing.T) {
	ctrl := newTestController(0)
	require.NoError(t, ctrl.SetCtrlMode(sja1000.CtrlModeListenOnly))
	sess := session.NewDeviceSession(0, ctrl, 8, nil)
	defer sess.Close()

	surface := NewSurface(1, 1)
	surface.AddDevice(0, ctrl, sess, sja1000.DefaultBittimingConst)

	tx, err := surface.Open(0, EndpointTX, 0)
	require.NoError(t, err)
	defer tx.Close()

	var buf [14]byte
	n, err := tx.Write(buf[:])
	require.NoError(t, err)
	assert.Equal(t, 14, n)

	// Write silently drops in listen-only mode: no frame reaches the TX queue,
	// so a fresh RX client on a loopback-less device never sees anything.
	rxEp, err := surface.Open(0, EndpointRX, 0)
	require.NoError(t, err)
	defer rxEp.Close()
	time.Sleep(20 * time.Millisecond)
	_, err = rxEp.Devctl(RxFrameRawNoBlock, nil)
	assert.Error(t, err)
}

// TestSetTimingUpdatesInfoOnBothEndpoints mirrors spec.md §8 end-to-end
// scenario 6: GET_INFO reports the factory default on a freshly opened
// controller, SET_TIMING derives a non-default brp for the requested
// bitrate, and GET_INFO reflects the update on both the tx and the rx
// endpoint (the timing is a property of the device, not of one endpoint).
func TestSetTimingUpdatesInfoOnBothEndpoints(t *testing.T) {
	ctrl := newTestController(0)
	sess := session.NewDeviceSession(0, ctrl, 8, nil)
	defer sess.Close()

	surface := NewSurface(1, 1)
	surface.AddDevice(0, ctrl, sess, sja1000.DefaultBittimingConst)

	tx, err := surface.Open(0, EndpointTX, 0)
	require.NoError(t, err)
	defer tx.Close()

	rx, err := surface.Open(0, EndpointRX, 0)
	require.NoError(t, err)
	defer rx.Close()

	for _, ep := range []*Endpoint{tx, rx} {
		got, err := ep.Devctl(GetInfo, nil)
		require.NoError(t, err)
		info := got.(InfoSnapshot)
		assert.EqualValues(t, sja1000.DefaultBittiming.BitRate, info.BitRate)
		assert.EqualValues(t, sja1000.DefaultBittiming.BRP, info.BRP)
	}

	// prop_seg=1, phase_seg1=6, phase_seg2=2 -> total_tq=10; at 8MHz, brp=8
	// lands exactly on 100000 bps, far from bc.BRPMin (1).
	req := sja1000.Bittiming{BitRate: 100000, PropSeg: 1, PhaseSeg1: 6, PhaseSeg2: 2, SJW: 1}
	_, err = tx.Devctl(SetTiming, req)
	require.NoError(t, err)

	for _, ep := range []*Endpoint{tx, rx} {
		got, err := ep.Devctl(GetInfo, nil)
		require.NoError(t, err)
		info := got.(InfoSnapshot)
		assert.EqualValues(t, 100000, info.BitRate)
		assert.EqualValues(t, 8, info.BRP)
	}
}

func TestNoSuchEndpoint(t *testing.T) {
	ctrl := newTestController(0)
	sess := session.NewDeviceSession(0, ctrl, 1, nil)
	defer sess.Close()

	surface := NewSurface(1, 1)
	surface.AddDevice(0, ctrl, sess, sja1000.DefaultBittimingConst)

	_, err := surface.Open(0, EndpointRX, 5)
	assert.Error(t, err)

	_, err = surface.Open(7, EndpointRX, 0)
	assert.Error(t, err)
}
