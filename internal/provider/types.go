package provider

import "fmt"

// Handle is an opaque provider resource reference. The zero Handle never
// refers to a live resource.
type Handle uintptr

// GID is a 128-bit global port identifier.
type GID [16]byte

// String formats the GID as eight colon separated 16-bit groups.
func (g GID) String() string {
	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x:%02x%02x:%02x%02x:%02x%02x:%02x%02x:%02x%02x",
		g[0], g[1], g[2], g[3], g[4], g[5], g[6], g[7],
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}

// IsZero reports whether every byte of the GID is zero.
func (g GID) IsZero() bool {
	return g == GID{}
}

// DeviceAttr describes an opened device.
type DeviceAttr struct {
	Name        string
	NodeGUID    uint64
	VendorID    uint32
	PhysPortCnt uint8
	MaxQPWR     int
	MaxCQE      int
	MaxSGE      int
}

// PortState mirrors ibv_port_state.
type PortState uint8

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortDown:
		return "down"
	case PortInit:
		return "init"
	case PortArmed:
		return "armed"
	case PortActive:
		return "active"
	case PortActiveDefer:
		return "active_defer"
	default:
		return "nop"
	}
}

// MTU mirrors ibv_mtu.
type MTU uint8

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU size in bytes.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << m
}

// PortAttr describes a physical port.
type PortAttr struct {
	State     PortState
	LID       uint16
	ActiveMTU MTU
	GIDTblLen int
}

// Access is the set of memory registration permissions.
type Access uint32

const (
	AccessLocalWrite   Access = 1 << 0
	AccessRemoteWrite  Access = 1 << 1
	AccessRemoteRead   Access = 1 << 2
	AccessRemoteAtomic Access = 1 << 3
)

// MR is the result of a memory registration.
type MR struct {
	Handle Handle
	Addr   uint64
	Length uint64
	LKey   uint32
	RKey   uint32
}

// ThreadModel mirrors the resource domain thread model hint.
type ThreadModel uint8

const (
	ThreadNone ThreadModel = iota
	ThreadSafe
	ThreadUnsafe
	ThreadSingle
)

// MessageModel mirrors the resource domain message model hint.
type MessageModel uint8

const (
	MessageNone MessageModel = iota
	MessageDefault
	MessageHighBandwidth
	MessageLowLatency
	MessageForceLowLatency
)

// ResourceDomainAttr carries the hints used to create a resource domain.
type ResourceDomainAttr struct {
	Thread  ThreadModel
	Message MessageModel
}

// QPType mirrors ibv_qp_type.
type QPType uint8

const (
	QPTypeRC QPType = iota + 1
	QPTypeUC
	QPTypeUD
	QPTypeRawPacket
	QPTypeXRCSend
	QPTypeXRCRecv
	QPTypeDCInitiator
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	case QPTypeRawPacket:
		return "RAW_PACKET"
	case QPTypeXRCSend:
		return "XRC_SEND"
	case QPTypeXRCRecv:
		return "XRC_RECV"
	case QPTypeDCInitiator:
		return "DC_INI"
	default:
		return fmt.Sprintf("QPType(%d)", uint8(t))
	}
}

// QPCreateFlags are creation-time feature flags.
type QPCreateFlags uint32

const (
	// QPCreateECParity enables erasure coding parity offload.
	QPCreateECParity QPCreateFlags = 1 << 0
)

// QPInitAttr describes a queue pair to create.
type QPInitAttr struct {
	Type           QPType
	SendCQ         Handle
	RecvCQ         Handle
	ResourceDomain Handle
	MaxSendWR      uint32
	MaxRecvWR      uint32
	MaxSendSGE     uint32
	MaxRecvSGE     uint32
	MaxInlineData  uint32
	// MaxAtomicArg is the extended atomic argument size in bytes; zero keeps
	// the standard 8-byte atomics without the extended capability.
	MaxAtomicArg uint32
	CreateFlags  QPCreateFlags
}

// QPState mirrors ibv_qp_state.
type QPState uint8

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", uint8(s))
	}
}

// QPAttrMask selects which QPAttr fields a modify call applies.
type QPAttrMask uint32

const (
	QPAttrState QPAttrMask = 1 << iota
	QPAttrAccessFlags
	QPAttrPKeyIndex
	QPAttrPort
	QPAttrQKey
	QPAttrAV
	QPAttrPathMTU
	QPAttrTimeout
	QPAttrRetryCnt
	QPAttrRNRRetry
	QPAttrRQPSN
	QPAttrMaxQPRdAtomic
	QPAttrMinRNRTimer
	QPAttrSQPSN
	QPAttrMaxDestRdAtomic
	QPAttrDestQPN
)

// AddressHandle is the address vector used when moving to RTR.
type AddressHandle struct {
	DLID         uint16
	SL           uint8
	SrcPathBits  uint8
	PortNum      uint8
	IsGlobal     bool
	DGID         GID
	HopLimit     uint8
	SGIDIndex    uint8
	TrafficClass uint8
}

// QPAttr is the attribute block passed to ModifyQP.
type QPAttr struct {
	State           QPState
	AccessFlags     Access
	PKeyIndex       uint16
	PortNum         uint8
	QKey            uint32
	AH              AddressHandle
	PathMTU         MTU
	DestQPN         uint32
	RQPSN           uint32
	SQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	Timeout         uint8
	RetryCnt        uint8
	RNRRetry        uint8
	MaxRdAtomic     uint8
}

// SGE is a scatter/gather element.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// Opcode is a send-family work request opcode.
type Opcode uint8

const (
	OpSend Opcode = iota + 1
	OpSendWithImm
	OpRDMAWrite
	OpRDMAWriteWithImm
	OpRDMARead
	OpAtomicCompareSwap
	OpAtomicFetchAdd
	OpMaskedAtomicCompareSwap
	OpMaskedAtomicFetchAdd
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpSendWithImm:
		return "send_with_imm"
	case OpRDMAWrite:
		return "rdma_write"
	case OpRDMAWriteWithImm:
		return "rdma_write_with_imm"
	case OpRDMARead:
		return "rdma_read"
	case OpAtomicCompareSwap:
		return "atomic_cmp_swp"
	case OpAtomicFetchAdd:
		return "atomic_fetch_add"
	case OpMaskedAtomicCompareSwap:
		return "masked_atomic_cmp_swp"
	case OpMaskedAtomicFetchAdd:
		return "masked_atomic_fetch_add"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// IsSend reports whether the opcode is a two-sided send.
func (o Opcode) IsSend() bool {
	return o == OpSend || o == OpSendWithImm
}

// IsAtomic reports whether the opcode is a (masked) atomic.
func (o Opcode) IsAtomic() bool {
	switch o {
	case OpAtomicCompareSwap, OpAtomicFetchAdd, OpMaskedAtomicCompareSwap, OpMaskedAtomicFetchAdd:
		return true
	}
	return false
}

// IsMasked reports whether the opcode is a masked atomic.
func (o Opcode) IsMasked() bool {
	return o == OpMaskedAtomicCompareSwap || o == OpMaskedAtomicFetchAdd
}

// CarriesImm reports whether the opcode transports immediate data.
func (o Opcode) CarriesImm() bool {
	return o == OpSendWithImm || o == OpRDMAWriteWithImm
}

// SendFlags are per work request flags.
type SendFlags uint32

const (
	SendSignaled SendFlags = 1 << iota
	SendFence
	SendSolicited
	SendInline
)

// SendWR is a send-family descriptor. Next chains descriptors for a single
// post call.
type SendWR struct {
	ID     uint64
	Next   *SendWR
	SGL    []SGE
	Opcode Opcode
	Flags  SendFlags
	Imm    uint32

	RemoteAddr uint64
	RKey       uint32

	// Atomic operands. For masked fetch-and-add CompareAddMask holds the
	// field boundary mask.
	CompareAdd     uint64
	Swap           uint64
	CompareAddMask uint64
	SwapMask       uint64
}

// RecvWR is a receive descriptor.
type RecvWR struct {
	ID   uint64
	Next *RecvWR
	SGL  []SGE
}

// WCStatus mirrors ibv_wc_status.
type WCStatus uint8

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusText = map[WCStatus]string{
	WCSuccess:        "success",
	WCLocLenErr:      "local length error",
	WCLocQPOpErr:     "local QP operation error",
	WCLocEECOpErr:    "local EE context operation error",
	WCLocProtErr:     "local protection error",
	WCWRFlushErr:     "work request flushed error",
	WCMWBindErr:      "memory management operation error",
	WCBadRespErr:     "bad response error",
	WCLocAccessErr:   "local access error",
	WCRemInvReqErr:   "remote invalid request error",
	WCRemAccessErr:   "remote access error",
	WCRemOpErr:       "remote operation error",
	WCRetryExcErr:    "transport retry counter exceeded",
	WCRNRRetryExcErr: "RNR retry counter exceeded",
	WCLocRDDViolErr:  "local RDD violation error",
	WCRemInvRDReqErr: "remote invalid RD request",
	WCRemAbortErr:    "aborted error",
	WCInvEECNErr:     "invalid EE context number",
	WCInvEECStateErr: "invalid EE context state",
	WCFatalErr:       "fatal error",
	WCRespTimeoutErr: "response timeout error",
	WCGeneralErr:     "general error",
}

func (s WCStatus) String() string {
	if msg, ok := wcStatusText[s]; ok {
		return msg
	}
	return fmt.Sprintf("WCStatus(%d)", uint8(s))
}

// WCOpcode mirrors ibv_wc_opcode.
type WCOpcode uint8

const (
	WCSend WCOpcode = iota + 1
	WCRDMAWrite
	WCRDMARead
	WCCompareSwap
	WCFetchAdd
	WCMaskedCompareSwap
	WCMaskedFetchAdd
	WCRecv
	WCRecvRDMAWithImm
)

func (o WCOpcode) String() string {
	switch o {
	case WCSend:
		return "send"
	case WCRDMAWrite:
		return "rdma_write"
	case WCRDMARead:
		return "rdma_read"
	case WCCompareSwap:
		return "comp_swap"
	case WCFetchAdd:
		return "fetch_add"
	case WCMaskedCompareSwap:
		return "masked_comp_swap"
	case WCMaskedFetchAdd:
		return "masked_fetch_add"
	case WCRecv:
		return "recv"
	case WCRecvRDMAWithImm:
		return "recv_rdma_with_imm"
	default:
		return fmt.Sprintf("WCOpcode(%d)", uint8(o))
	}
}

// WCFlags mirrors ibv_wc_flags.
type WCFlags uint8

const (
	WCWithImm WCFlags = 1 << iota
	WCGRH
)

// WorkCompletion is one decoded completion queue entry.
type WorkCompletion struct {
	ID        uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	Imm       uint32
	Flags     WCFlags
	QPN       uint32
	SrcQP     uint32
}

// CompletionOpcode maps a send opcode to the completion opcode reported for it.
func CompletionOpcode(op Opcode) WCOpcode {
	switch op {
	case OpSend, OpSendWithImm:
		return WCSend
	case OpRDMAWrite, OpRDMAWriteWithImm:
		return WCRDMAWrite
	case OpRDMARead:
		return WCRDMARead
	case OpAtomicCompareSwap:
		return WCCompareSwap
	case OpAtomicFetchAdd:
		return WCFetchAdd
	case OpMaskedAtomicCompareSwap:
		return WCMaskedCompareSwap
	case OpMaskedAtomicFetchAdd:
		return WCMaskedFetchAdd
	default:
		return 0
	}
}
