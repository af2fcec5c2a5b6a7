// Package resmgr implements the resource-manager surface of spec.md §4.J:
// an open/close/read/write/devctl translation layer over the session
// fabric, mapping /dev/can{id}/rx{k} and /dev/can{id}/tx{k} endpoints onto
// DeviceSession/ClientSession operations. Since a Go user-space process has
// no way to register a real kernel character device, this is an in-process
// stand-in for that external collaborator (Endpoint has io.Reader/io.Writer
// style Read and Write methods and an error-less Close), grounded on
// the teacher's only comparable "external request surface" component —
// gateway_http_server.go / gateway_http_handlers.go's "parse a request into
// a command, dispatch, write a response back" shape, generalized from HTTP
// verbs to open/close/read/write/devctl.
package resmgr

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Deniz-Eren/dev-can-linux/frame"
	"github.com/Deniz-Eren/dev-can-linux/internal/dcerr"
	"github.com/Deniz-Eren/dev-can-linux/session"
	"gopkg.in/yaml.v3"
	"github.com/Deniz-Eren/dev-can-linux/sja1000"
)

// EndpointKind distinguishes an rx endpoint (client reads frames) from a tx
// endpoint (client writes frames).
type EndpointKind int

const (
	EndpointRX EndpointKind = iota
	EndpointTX
)

// DevctlCmd enumerates the devctl command table of spec.md §4.J.
type DevctlCmd int

const (
	GetMID DevctlCmd = iota
	SetMID
	GetMFilter
	SetMFilter
	GetPrio
	SetPrio
	GetTimestamp
	SetTimestamp
	ReadCANMsgExt
	WriteCANMsgExt
	RxFrameRawNoBlock
	RxFrameRawBlock
	TxFrameRaw
	GetError
	GetStats
	GetInfo
	SetTiming
	SetLatencyLimitMs
)

// CANMsg is the wire representation of one frame as copied to/from a
// read/write buffer: min(n, 12) bytes, MID already shifted per frame.MID
// (spec.md §4.I).
type CANMsg struct {
	MID  uint32
	Ext  bool
	RTR  bool
	DLC  uint8
	Data [8]byte
}

// EncodeCANMsg packs a CANMsg into its 12-byte plain read/write wire form:
// [0:4]=MID (LE), [4]=flags (bit0 ext, bit1 rtr), [5]=dlc, [6:12]=first 6
// data bytes. Callers needing the full 8 data bytes use the *Ext variant
// via devctl READ_CANMSG_EXT/WRITE_CANMSG_EXT instead of plain read/write.
func EncodeCANMsg(m CANMsg) [12]byte {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], m.MID)
	if m.Ext {
		buf[4] |= 0x01
	}
	if m.RTR {
		buf[4] |= 0x02
	}
	buf[5] = m.DLC
	n := int(m.DLC)
	if n > 6 {
		n = 6
	}
	copy(buf[6:6+n], m.Data[:n])
	return buf
}

// DecodeCANMsg is the inverse of EncodeCANMsg.
func DecodeCANMsg(buf []byte) CANMsg {
	var m CANMsg
	if len(buf) < 6 {
		return m
	}
	m.MID = binary.LittleEndian.Uint32(buf[0:4])
	m.Ext = buf[4]&0x01 != 0
	m.RTR = buf[4]&0x02 != 0
	m.DLC = buf[5]
	if m.DLC > frame.MaxDLC {
		m.DLC = frame.MaxDLC
	}
	n := int(m.DLC)
	if n > 6 {
		n = 6
	}
	if len(buf) >= 6+n {
		copy(m.Data[:n], buf[6:6+n])
	}
	return m
}

// EncodeCANMsgExt carries the full 8 data bytes, used by READ_CANMSG_EXT /
// WRITE_CANMSG_EXT and the RAW variants (14 bytes: 4 mid + 1 flags + 1 dlc + 8 data).
func EncodeCANMsgExt(m CANMsg) [14]byte {
	var buf [14]byte
	binary.LittleEndian.PutUint32(buf[0:4], m.MID)
	if m.Ext {
		buf[4] |= 0x01
	}
	if m.RTR {
		buf[4] |= 0x02
	}
	buf[5] = m.DLC
	copy(buf[6:14], m.Data[:])
	return buf
}

// DecodeCANMsgExt is the inverse of EncodeCANMsgExt.
func DecodeCANMsgExt(buf []byte) (CANMsg, error) {
	var m CANMsg
	if len(buf) < 14 {
		return m, fmt.Errorf("resmgr: can_msg buffer too short: %d < 14", len(buf))
	}
	m.MID = binary.LittleEndian.Uint32(buf[0:4])
	m.Ext = buf[4]&0x01 != 0
	m.RTR = buf[4]&0x02 != 0
	m.DLC = buf[5]
	if m.DLC > frame.MaxDLC {
		m.DLC = frame.MaxDLC
	}
	copy(m.Data[:], buf[6:14])
	return m, nil
}

// ErrorSnapshot is the devctl ERROR response: four kind-of-error counters.
type ErrorSnapshot struct {
	BusErrors       uint64
	ArbitrationLost uint64
	ErrorPassive    uint64
	BusOff          uint64
}

// InfoSnapshot is the devctl GET_INFO response.
type InfoSnapshot struct {
	DriverName string
	BitRate    uint32
	BRP        uint32
	SJW        uint32
	TSeg1      uint32
	TSeg2      uint32
}

// StatsSnapshot is the devctl GET_STATS response (spec.md §3's cumulative
// counters). The TxQueueDropped* fields are not filled in by GET_STATS and
// always read zero.
type StatsSnapshot struct {
	sja1000.Stats
	TxQueueDroppedSingle uint64
	TxQueueDroppedDouble uint64
}

// YAML renders the snapshot the way the -v6 debug dump presents
// devctl GET_STATS/GET_INFO output (spec.md §1.1 AMBIENT STACK test/debug
// tooling note).
func (s StatsSnapshot) YAML() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// YAML renders an InfoSnapshot the same way.
func (i InfoSnapshot) YAML() (string, error) {
	out, err := yaml.Marshal(i)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Endpoint is one open file-descriptor's state: which device it is bound
// to, its kind, and (for rx endpoints) the backing ClientSession.
type Endpoint struct {
	mu sync.Mutex

	Device *Device
	Kind   EndpointKind
	Client *session.ClientSession

	targetMID  uint32
	tsOffsetMs int64
	closed     bool
}

// Device groups a controller, its DeviceSession and the surface-level
// bittiming constant set used to validate devctl SET_TIMING.
type Device struct {
	ID         int
	Controller *sja1000.Controller
	Session    *session.DeviceSession
	BC         sja1000.BittimingConst
}

// Surface is the whole /dev/can{id}/{rx,tx}{k} namespace: open/close create
// and destroy Endpoint values; read/write/devctl operate on them.
type Surface struct {
	mu      sync.Mutex
	devices map[int]*Device

	rxPerDevice int
	txPerDevice int
}

// NewSurface creates an empty namespace; numRx/numTx bound k in
// /dev/can{id}/rx{k} and /dev/can{id}/tx{k} (spec.md §4.J).
func NewSurface(numRx, numTx int) *Surface {
	return &Surface{devices: make(map[int]*Device), rxPerDevice: numRx, txPerDevice: numTx}
}

// AddDevice registers a controller+session pair under id.
func (s *Surface) AddDevice(id int, ctrl *sja1000.Controller, sess *session.DeviceSession, bc sja1000.BittimingConst) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[id] = &Device{ID: id, Controller: ctrl, Session: sess, BC: bc}
}

// RemoveDevice unregisters and tears down controller id's session.
func (s *Surface) RemoveDevice(id int) {
	s.mu.Lock()
	d, ok := s.devices[id]
	if ok {
		delete(s.devices, id)
	}
	s.mu.Unlock()
	if ok {
		d.Session.Close()
	}
}

func (s *Surface) device(id int) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, dcerr.ErrNoSuchController
	}
	return d, nil
}

// Open creates a client session bound to the endpoint kind and controller,
// implementing /dev/can{id}/{rx,tx}{k}'s open() (spec.md §4.J). k is
// validated against the configured per-device endpoint count.
func (s *Surface) Open(deviceID int, kind EndpointKind, k int) (*Endpoint, error) {
	d, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}
	limit := s.txPerDevice
	if kind == EndpointRX {
		limit = s.rxPerDevice
	}
	if k < 0 || k >= limit {
		return nil, dcerr.ErrNoSuchEndpoint
	}

	ep := &Endpoint{Device: d, Kind: kind}
	if kind == EndpointRX {
		ep.Client = d.Session.OpenClient(64, nil)
	}
	return ep, nil
}

// Close destroys the client session, draining its queue and removing
// blocked entries (spec.md §4.J close()).
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	client := e.Client
	e.mu.Unlock()
	if client != nil {
		e.Device.Session.CloseClient(client.ID)
	}
}

// Read dequeues one frame with the client's configured latency bound and
// copies min(len(buf), 12) bytes of the can_msg representation into buf
// (spec.md §4.J read()).
func (e *Endpoint) Read(buf []byte) (int, error) {
	e.mu.Lock()
	if e.Kind != EndpointRX || e.Client == nil {
		e.mu.Unlock()
		return 0, dcerr.ErrIllegalArgument
	}
	client := e.Client
	e.mu.Unlock()

	fr, err := client.Read()
	if err != nil {
		return 0, err
	}
	m := CANMsg{MID: fr.MID(), Ext: fr.Format != 0, RTR: fr.RTR, DLC: fr.Len, Data: fr.Data}
	packed := EncodeCANMsg(m)
	n := len(buf)
	if n > 12 {
		n = 12
	}
	copy(buf[:n], packed[:n])
	return n, nil
}

// Write builds one frame from buf and submits it to the device TX queue, or
// drops it if listen-only is in force (spec.md §4.J write()).
func (e *Endpoint) Write(buf []byte) (int, error) {
	e.mu.Lock()
	if e.Kind != EndpointTX {
		e.mu.Unlock()
		return 0, dcerr.ErrIllegalArgument
	}
	dev := e.Device
	e.mu.Unlock()

	if dev.Controller.CtrlMode()&sja1000.CtrlModeListenOnly != 0 {
		return len(buf), nil // silent-mode drop
	}

	var m CANMsg
	if len(buf) >= 14 {
		var err error
		m, err = DecodeCANMsgExt(buf)
		if err != nil {
			return 0, err
		}
	} else {
		m = DecodeCANMsg(buf)
	}

	format := frame.StandardFormat
	if m.Ext {
		format = frame.ExtendedFormat
	}
	fr := frame.Frame{
		ID:     frame.FromMID(m.MID, m.Ext),
		Format: format,
		Len:    m.DLC,
		Data:   m.Data,
		RTR:    m.RTR,
	}
	if err := dev.Session.Write(fr); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Devctl dispatches one devctl command (spec.md §4.J's table). arg carries
// the command's input value (for SET_* / WRITE_*); the return value carries
// the response (for GET_* / READ_*).
func (e *Endpoint) Devctl(cmd DevctlCmd, arg any) (any, error) {
	switch cmd {
	case GetMID:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.targetMID, nil

	case SetMID:
		v, ok := arg.(uint32)
		if !ok {
			return nil, dcerr.ErrIllegalArgument
		}
		e.mu.Lock()
		e.targetMID = v
		e.mu.Unlock()
		return nil, nil

	case GetMFilter:
		if e.Client == nil {
			return nil, dcerr.ErrIllegalArgument
		}
		f := e.Client.Filter()
		return f.Mask, nil

	case SetMFilter:
		if e.Kind != EndpointRX || e.Client == nil {
			return nil, dcerr.ErrIllegalArgument
		}
		mask, ok := arg.(uint32)
		if !ok {
			return nil, dcerr.ErrIllegalArgument
		}
		f := e.Client.Filter()
		f.Mask = mask
		e.Client.SetFilter(f)
		return nil, nil

	case GetPrio:
		if e.Client == nil {
			return nil, dcerr.ErrIllegalArgument
		}
		return uint32(e.Client.Priority()), nil

	case SetPrio:
		if e.Client == nil {
			return nil, dcerr.ErrIllegalArgument
		}
		v, ok := arg.(uint32)
		if !ok {
			return nil, dcerr.ErrIllegalArgument
		}
		e.Client.SetPriority(int(v))
		return nil, nil

	case GetTimestamp:
		e.mu.Lock()
		defer e.mu.Unlock()
		return uint32(e.tsOffsetMs), nil

	case SetTimestamp:
		v, ok := arg.(uint32)
		if !ok {
			return nil, dcerr.ErrIllegalArgument
		}
		e.mu.Lock()
		e.tsOffsetMs = int64(v)
		e.mu.Unlock()
		return nil, nil

	case ReadCANMsgExt, RxFrameRawBlock:
		if e.Client == nil {
			return nil, dcerr.ErrIllegalArgument
		}
		fr, err := e.Client.Read()
		if err != nil {
			return nil, err
		}
		return CANMsg{MID: fr.MID(), Ext: fr.Format != 0, RTR: fr.RTR, DLC: fr.Len, Data: fr.Data}, nil

	case RxFrameRawNoBlock:
		if e.Client == nil {
			return nil, dcerr.ErrIllegalArgument
		}
		fr, ok := e.Client.ReadNoBlock()
		if !ok {
			return nil, dcerr.ErrTimeout
		}
		return CANMsg{MID: fr.MID(), Ext: fr.Format != 0, RTR: fr.RTR, DLC: fr.Len, Data: fr.Data}, nil

	case WriteCANMsgExt, TxFrameRaw:
		m, ok := arg.(CANMsg)
		if !ok {
			return nil, dcerr.ErrIllegalArgument
		}
		if e.Device.Controller.CtrlMode()&sja1000.CtrlModeListenOnly != 0 {
			return nil, nil
		}
		format := frame.StandardFormat
		if m.Ext {
			format = frame.ExtendedFormat
		}
		fr := frame.Frame{ID: frame.FromMID(m.MID, m.Ext), Format: format, Len: m.DLC, Data: m.Data, RTR: m.RTR}
		return nil, e.Device.Session.Write(fr)

	case GetError:
		st := e.Device.Controller.Stats()
		return ErrorSnapshot{
			BusErrors:       st.BusErrors,
			ArbitrationLost: st.ArbitrationLost,
			ErrorPassive:    st.ErrorPassive,
			BusOff:          st.BusOff,
		}, nil

	case GetStats:
		return StatsSnapshot{Stats: e.Device.Controller.Stats()}, nil

	case GetInfo:
		bt := e.Device.Controller.Bittiming()
		return InfoSnapshot{
			DriverName: "dev-can-linux",
			BitRate:    bt.BitRate,
			BRP:        bt.BRP,
			SJW:        bt.SJW,
			TSeg1:      bt.TSeg1(),
			TSeg2:      bt.TSeg2(),
		}, nil

	case SetTiming:
		v, ok := arg.(sja1000.Bittiming)
		if !ok {
			return nil, dcerr.ErrIllegalArgument
		}
		return nil, e.Device.Controller.SetExplicitTiming(v.BitRate, v.PropSeg, v.PhaseSeg1, v.PhaseSeg2, v.SJW, e.Device.BC)

	case SetLatencyLimitMs:
		if e.Client == nil {
			return nil, dcerr.ErrIllegalArgument
		}
		v, ok := arg.(uint32)
		if !ok {
			return nil, dcerr.ErrIllegalArgument
		}
		e.Client.SetLatencyLimitMs(int64(v))
		return nil, nil
	}
	return nil, fmt.Errorf("resmgr: unknown devctl command %v", cmd)
}
