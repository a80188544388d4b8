package verbs

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

const (
	// InitialPSN is the packet sequence number every queue pair starts with.
	InitialPSN uint32 = 0
	// DefaultQKey is the queue key UD and raw packet queue pairs bind with.
	DefaultQKey uint32 = 0x11111111
	// QPInfoSize is the encoded length of a QPInfo.
	QPInfoSize = 28

	maxAtomicArg    = 8
	rcRdAtomicDepth = 16
	rcMinRNRTimer   = 12
	rcTimeout       = 14
	rcRetryCount    = 7
	rcRNRRetry      = 6
	globalHopLimit  = 0xff
)

// Transport is the queue pair service type.
type Transport uint8

const (
	TransportRC Transport = iota + 1
	TransportUC
	TransportUD
	TransportRawPacket
	TransportXRCSend
	TransportXRCRecv
	TransportDCInitiator
)

func (t Transport) String() string {
	switch t {
	case TransportRC:
		return "rc"
	case TransportUC:
		return "uc"
	case TransportUD:
		return "ud"
	case TransportRawPacket:
		return "raw_packet"
	case TransportXRCSend:
		return "xrc_send"
	case TransportXRCRecv:
		return "xrc_recv"
	case TransportDCInitiator:
		return "dc_initiator"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

func (t Transport) qpType() (provider.QPType, bool) {
	switch t {
	case TransportRC:
		return provider.QPTypeRC, true
	case TransportUC:
		return provider.QPTypeUC, true
	case TransportUD:
		return provider.QPTypeUD, true
	case TransportRawPacket:
		return provider.QPTypeRawPacket, true
	}
	return 0, false
}

// State is the queue pair connection state.
type State = provider.QPState

const (
	StateReset = provider.QPStateReset
	StateInit  = provider.QPStateInit
	StateRTR   = provider.QPStateRTR
	StateRTS   = provider.QPStateRTS
	StateErr   = provider.QPStateErr
)

// Features selects optional queue pair capabilities.
type Features uint8

const (
	// FeatureExtendedAtomics enables 8-byte extended and masked atomics. RC only.
	FeatureExtendedAtomics Features = 1 << iota
	// FeatureErasureCoding requests erasure coding parity offload.
	FeatureErasureCoding
)

// QPInfo is the identity a queue pair advertises during the handshake.
type QPInfo struct {
	GID GID
	LID uint32
	QPN uint32
	PSN uint32
}

// MarshalBinary encodes the GID followed by LID, QPN and PSN in big endian.
func (i QPInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, QPInfoSize)
	copy(buf, i.GID[:])
	binary.BigEndian.PutUint32(buf[16:], i.LID)
	binary.BigEndian.PutUint32(buf[20:], i.QPN)
	binary.BigEndian.PutUint32(buf[24:], i.PSN)
	return buf, nil
}

// UnmarshalBinary decodes a payload produced by MarshalBinary.
func (i *QPInfo) UnmarshalBinary(data []byte) error {
	if len(data) != QPInfoSize {
		return fmt.Errorf("verbs: qp info payload is %d bytes, want %d", len(data), QPInfoSize)
	}
	copy(i.GID[:], data[:16])
	i.LID = binary.BigEndian.Uint32(data[16:])
	i.QPN = binary.BigEndian.Uint32(data[20:])
	i.PSN = binary.BigEndian.Uint32(data[24:])
	return nil
}

// QPOption customises CreateQueuePair.
type QPOption func(*qpConfig)

type qpConfig struct {
	depth    int
	features Features
}

// WithDepth sets the send and receive queue depth.
func WithDepth(n int) QPOption {
	return func(c *qpConfig) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithFeatures enables optional capabilities.
func WithFeatures(f Features) QPOption {
	return func(c *qpConfig) {
		c.features |= f
	}
}

// QueuePair is a connection endpoint bound to a send and a receive completion
// queue. Concurrent posts to one queue pair must be serialised by the caller.
type QueuePair struct {
	dev       *Device
	handle    Handle
	qpn       uint32
	transport Transport
	features  Features
	sendCQ    *CompletionQueue
	recvCQ    *CompletionQueue
	depth     int
	maxSGE    int
	port      uint8
	state     State
	log       *zap.Logger
}

// CreateQueuePair creates a queue pair in the Reset state.
func (d *Device) CreateQueuePair(transport Transport, sendCQ, recvCQ *CompletionQueue, opts ...QPOption) (*QueuePair, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"device"}
	}
	if sendCQ == nil || sendCQ.dev == nil || recvCQ == nil || recvCQ.dev == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	log := d.log.With(zap.Stringer("transport", transport))
	if sendCQ.dev != d || recvCQ.dev != d {
		log.Error("completion queue belongs to another device")
		return nil, &ConfigurationError{Op: "create queue pair", Reason: "completion queue belongs to another device"}
	}
	typ, ok := transport.qpType()
	if !ok {
		log.Error("transport not implemented")
		return nil, &ConfigurationError{Op: "create queue pair", Reason: fmt.Sprintf("transport %s not implemented", transport)}
	}

	cfg := qpConfig{depth: d.cfg.QPDepth}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	attr := provider.QPInitAttr{
		Type:           typ,
		SendCQ:         sendCQ.handle,
		RecvCQ:         recvCQ.handle,
		ResourceDomain: d.rd,
		MaxSendWR:      uint32(cfg.depth),
		MaxRecvWR:      uint32(cfg.depth),
		MaxSendSGE:     uint32(d.cfg.MaxSGE),
		MaxRecvSGE:     uint32(d.cfg.MaxSGE),
		MaxInlineData:  uint32(d.cfg.MaxInlineData),
	}
	if cfg.features&FeatureExtendedAtomics != 0 {
		if transport != TransportRC {
			log.Error("extended atomics requested on non-RC transport")
			return nil, &ConfigurationError{Op: "create queue pair", Reason: "extended atomics require the rc transport"}
		}
		attr.MaxAtomicArg = maxAtomicArg
	}
	if cfg.features&FeatureErasureCoding != 0 {
		attr.CreateFlags |= provider.QPCreateECParity
	}

	handle, qpn, err := d.prov.CreateQP(d.pd, attr)
	if err != nil {
		log.Error("create queue pair failed", zap.Int("depth", cfg.depth), zap.Error(err))
		return nil, &ResourceError{Resource: "queue pair", Err: err}
	}
	d.retain()
	sendCQ.refs.Add(1)
	recvCQ.refs.Add(1)
	qp := &QueuePair{
		dev:       d,
		handle:    handle,
		qpn:       qpn,
		transport: transport,
		features:  cfg.features,
		sendCQ:    sendCQ,
		recvCQ:    recvCQ,
		depth:     cfg.depth,
		maxSGE:    d.cfg.MaxSGE,
		state:     StateReset,
		log:       log.With(zap.Uint32("qpn", qpn)),
	}
	qp.log.Debug("queue pair created", zap.Int("depth", cfg.depth), zap.Uint8("features", uint8(cfg.features)))
	return qp, nil
}

// Close destroys the queue pair and releases its completion queue references.
func (q *QueuePair) Close() error {
	if q == nil || q.dev == nil {
		return nil
	}
	if err := q.dev.prov.DestroyQP(q.handle); err != nil {
		q.log.Error("destroy queue pair failed", zap.Error(err))
		return fmt.Errorf("close queue pair: %w", err)
	}
	q.sendCQ.refs.Add(-1)
	q.recvCQ.refs.Add(-1)
	q.dev.release()
	q.log.Debug("queue pair destroyed")
	q.dev = nil
	q.handle = 0
	q.sendCQ = nil
	q.recvCQ = nil
	q.state = StateReset
	return nil
}

func (q *QueuePair) valid() bool {
	return q != nil && q.dev != nil
}

// QPN returns the queue pair number.
func (q *QueuePair) QPN() uint32 {
	if q == nil {
		return 0
	}
	return q.qpn
}

// Transport returns the service type.
func (q *QueuePair) Transport() Transport {
	if q == nil {
		return 0
	}
	return q.transport
}

// Features returns the capabilities the queue pair was created with.
func (q *QueuePair) Features() Features {
	if q == nil {
		return 0
	}
	return q.features
}

// State returns the last state this queue pair was driven to. QueryState
// reports the provider's view, which may be Err after a failed completion.
func (q *QueuePair) State() State {
	if q == nil {
		return StateReset
	}
	return q.state
}

// Port returns the bound port, zero before Init or BindPort.
func (q *QueuePair) Port() uint8 {
	if q == nil {
		return 0
	}
	return q.port
}

// SendCQ returns the completion queue send completions are reported on.
func (q *QueuePair) SendCQ() *CompletionQueue {
	if q == nil {
		return nil
	}
	return q.sendCQ
}

// RecvCQ returns the completion queue receive completions are reported on.
func (q *QueuePair) RecvCQ() *CompletionQueue {
	if q == nil {
		return nil
	}
	return q.recvCQ
}

// Device returns the owning device.
func (q *QueuePair) Device() *Device {
	if q == nil {
		return nil
	}
	return q.dev
}

// QueryState asks the provider for the current state.
func (q *QueuePair) QueryState() (State, error) {
	if !q.valid() {
		return StateReset, ErrInvalidHandle{"queue pair"}
	}
	state, err := q.dev.prov.QueryQPState(q.handle)
	if err != nil {
		q.log.Error("query queue pair state failed", zap.Error(err))
		return StateReset, fmt.Errorf("query queue pair: %w", err)
	}
	q.state = state
	return state, nil
}

// Info returns the identity advertised to a peer. Before a port is bound the
// configured default port is used.
func (q *QueuePair) Info() (QPInfo, error) {
	if !q.valid() {
		return QPInfo{}, ErrInvalidHandle{"queue pair"}
	}
	port := q.port
	if port == 0 {
		port = q.dev.cfg.Port
	}
	info, err := q.dev.port("qp info", port)
	if err != nil {
		return QPInfo{}, err
	}
	return QPInfo{GID: info.gid, LID: uint32(info.lid), QPN: q.qpn, PSN: InitialPSN}, nil
}

// expect verifies the provider state before a transition.
func (q *QueuePair) expect(op string, want State) error {
	if !q.valid() {
		return ErrInvalidHandle{"queue pair"}
	}
	state, err := q.QueryState()
	if err != nil {
		return err
	}
	if state != want {
		q.log.Error("queue pair transition from wrong state",
			zap.String("op", op), zap.Stringer("want", want), zap.Stringer("state", state))
		return &StateError{QPN: q.qpn, Op: op, Want: []State{want}, Got: state}
	}
	return nil
}

func (q *QueuePair) modify(attr *provider.QPAttr, mask provider.QPAttrMask) error {
	if err := q.dev.prov.ModifyQP(q.handle, attr, mask); err != nil {
		q.log.Error("modify queue pair failed", zap.Stringer("target", attr.State), zap.Uint32("mask", uint32(mask)), zap.Error(err))
		return fmt.Errorf("verbs: qp %#x: modify to %s: %w", q.qpn, attr.State, err)
	}
	q.state = attr.State
	return nil
}

// Init moves the queue pair from Reset to Init on port. qkey is only used by
// the UD transport.
func (q *QueuePair) Init(port uint8, qkey uint32) error {
	if err := q.expect("init", StateReset); err != nil {
		return err
	}
	if _, err := q.dev.port("init", port); err != nil {
		return err
	}
	attr := &provider.QPAttr{State: StateInit, PKeyIndex: 0, PortNum: port}
	mask := provider.QPAttrState | provider.QPAttrPKeyIndex | provider.QPAttrPort
	switch q.transport {
	case TransportRC:
		attr.AccessFlags = AccessRemoteRead | AccessRemoteWrite | AccessRemoteAtomic
		mask |= provider.QPAttrAccessFlags
	case TransportUC:
		attr.AccessFlags = AccessRemoteWrite
		mask |= provider.QPAttrAccessFlags
	case TransportUD:
		attr.QKey = qkey
		mask |= provider.QPAttrQKey
	case TransportRawPacket:
		mask &^= provider.QPAttrPKeyIndex
	}
	if err := q.modify(attr, mask); err != nil {
		return err
	}
	q.port = port
	q.log.Debug("queue pair initialised", zap.Uint8("port", port))
	return nil
}

// ReadyToReceive moves the queue pair from Init to RTR. Connected transports
// address the peer described by remote; UD and raw packet ignore it.
func (q *QueuePair) ReadyToReceive(remote QPInfo) error {
	if err := q.expect("ready to receive", StateInit); err != nil {
		return err
	}
	attr := &provider.QPAttr{State: StateRTR}
	mask := provider.QPAttrState
	if q.transport == TransportRC || q.transport == TransportUC {
		attr.PathMTU = provider.MTU4096
		attr.DestQPN = remote.QPN
		attr.RQPSN = remote.PSN
		attr.AH = provider.AddressHandle{
			DLID:         uint16(remote.LID),
			SL:           0,
			PortNum:      q.port,
			IsGlobal:     true,
			DGID:         remote.GID,
			HopLimit:     globalHopLimit,
			SGIDIndex:    0,
			TrafficClass: 0,
		}
		mask |= provider.QPAttrAV | provider.QPAttrPathMTU | provider.QPAttrDestQPN | provider.QPAttrRQPSN
		if q.transport == TransportRC {
			attr.MaxDestRdAtomic = rcRdAtomicDepth
			attr.MinRNRTimer = rcMinRNRTimer
			mask |= provider.QPAttrMaxDestRdAtomic | provider.QPAttrMinRNRTimer
		}
	}
	if err := q.modify(attr, mask); err != nil {
		return err
	}
	q.log.Debug("queue pair ready to receive", zap.Uint32("remote_qpn", remote.QPN), zap.Stringer("remote_gid", remote.GID))
	return nil
}

// ReadyToSend moves the queue pair from RTR to RTS.
func (q *QueuePair) ReadyToSend() error {
	if err := q.expect("ready to send", StateRTR); err != nil {
		return err
	}
	attr := &provider.QPAttr{State: StateRTS, SQPSN: InitialPSN}
	mask := provider.QPAttrState | provider.QPAttrSQPSN
	switch q.transport {
	case TransportRC:
		attr.Timeout = rcTimeout
		attr.RetryCnt = rcRetryCount
		attr.RNRRetry = rcRNRRetry
		attr.MaxRdAtomic = rcRdAtomicDepth
		mask |= provider.QPAttrTimeout | provider.QPAttrRetryCnt | provider.QPAttrRNRRetry | provider.QPAttrMaxQPRdAtomic
	case TransportRawPacket:
		mask = provider.QPAttrState
	}
	if err := q.modify(attr, mask); err != nil {
		return err
	}
	q.log.Debug("queue pair ready to send")
	return nil
}

// Connect drives an RC queue pair through Init, RTR and RTS against remote.
func (q *QueuePair) Connect(remote QPInfo, port uint8) error {
	if !q.valid() {
		return ErrInvalidHandle{"queue pair"}
	}
	if q.transport != TransportRC {
		q.log.Error("connect requires the rc transport")
		return &ConfigurationError{Op: "connect", Reason: fmt.Sprintf("transport %s is not connection oriented", q.transport)}
	}
	if err := q.Init(port, 0); err != nil {
		return err
	}
	if err := q.ReadyToReceive(remote); err != nil {
		return err
	}
	if err := q.ReadyToSend(); err != nil {
		return err
	}
	q.log.Info("queue pair connected", zap.Uint32("remote_qpn", remote.QPN), zap.Uint32("remote_lid", remote.LID))
	return nil
}

// BindPort records the port. UD and raw packet queue pairs additionally
// advance to RTS with DefaultQKey, needing no peer.
func (q *QueuePair) BindPort(port uint8) error {
	if !q.valid() {
		return ErrInvalidHandle{"queue pair"}
	}
	if _, err := q.dev.port("bind port", port); err != nil {
		return err
	}
	if q.transport != TransportUD && q.transport != TransportRawPacket {
		q.port = port
		return nil
	}
	if err := q.Init(port, DefaultQKey); err != nil {
		return err
	}
	if err := q.ReadyToReceive(QPInfo{}); err != nil {
		return err
	}
	return q.ReadyToSend()
}
