package verbs

import "github.com/rocketbitz/verbs-go/internal/provider"

// Opcode is a send-family work request opcode.
type Opcode = provider.Opcode

const (
	OpSend                    = provider.OpSend
	OpSendWithImm             = provider.OpSendWithImm
	OpRDMAWrite               = provider.OpRDMAWrite
	OpRDMAWriteWithImm        = provider.OpRDMAWriteWithImm
	OpRDMARead                = provider.OpRDMARead
	OpAtomicCompareSwap       = provider.OpAtomicCompareSwap
	OpAtomicFetchAdd          = provider.OpAtomicFetchAdd
	OpMaskedAtomicCompareSwap = provider.OpMaskedAtomicCompareSwap
	OpMaskedAtomicFetchAdd    = provider.OpMaskedAtomicFetchAdd
)

var allOpcodes = []Opcode{
	OpSend, OpSendWithImm, OpRDMAWrite, OpRDMAWriteWithImm, OpRDMARead,
	OpAtomicCompareSwap, OpAtomicFetchAdd, OpMaskedAtomicCompareSwap, OpMaskedAtomicFetchAdd,
}

// transportOpcodes is the table of opcodes each transport accepts. Transports
// missing from the table accept nothing.
var transportOpcodes = map[Transport][]Opcode{
	TransportRC:        allOpcodes,
	TransportUC:        {OpSend, OpSendWithImm, OpRDMAWrite, OpRDMAWriteWithImm},
	TransportUD:        {OpSend, OpSendWithImm},
	TransportRawPacket: {OpSend, OpSendWithImm},
}

// Supports reports whether the transport accepts the opcode.
func (t Transport) Supports(op Opcode) bool {
	for _, allowed := range transportOpcodes[t] {
		if allowed == op {
			return true
		}
	}
	return false
}
