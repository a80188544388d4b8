package verbs

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

// SendDescriptor is the provider-ready form of a SendRequest.
type SendDescriptor = provider.SendWR

// RecvDescriptor is the provider-ready form of a RecvRequest.
type RecvDescriptor = provider.RecvWR

// SendRequest builds one send-family operation. Every setter invalidates the
// cached descriptor; Descriptor rebuilds and validates it on demand. A
// SendRequest is not safe for concurrent use.
type SendRequest struct {
	id     uint64
	opcode Opcode
	sgl    []MemorySlice
	length uint64
	maxSGE int
	sgeErr error

	remote    RemoteMemory
	hasRemote bool
	signaled  bool
	imm       uint32
	hasImm    bool

	compareAdd     uint64
	swap           uint64
	compareAddMask uint64
	swapMask       uint64

	log   *zap.Logger
	built bool
	wr    provider.SendWR
}

// NewSendRequest returns a builder over slices using the default SGE limit and
// the global zap logger.
func NewSendRequest(slices ...MemorySlice) *SendRequest {
	r := &SendRequest{maxSGE: DefaultMaxSGE, log: zap.L()}
	return r.SetSGL(slices...)
}

// NewSendRequest returns a builder that inherits the device's SGE limit and logger.
func (d *Device) NewSendRequest(slices ...MemorySlice) *SendRequest {
	r := &SendRequest{maxSGE: d.Config().MaxSGE, log: d.Logger()}
	return r.SetSGL(slices...)
}

// WithLogger replaces the logger used for builder warnings.
func (r *SendRequest) WithLogger(l *zap.Logger) *SendRequest {
	if l != nil {
		r.log = l
	}
	return r
}

func (r *SendRequest) invalidate() { r.built = false }

func (r *SendRequest) warn(msg string, fields ...zap.Field) {
	r.log.Warn(msg, append(fields, zap.Uint64("wr_id", r.id), zap.Stringer("opcode", r.opcode))...)
}

// SetID sets the work request identifier reported in completions.
func (r *SendRequest) SetID(id uint64) *SendRequest {
	r.id = id
	r.invalidate()
	return r
}

// ID returns the work request identifier.
func (r *SendRequest) ID() uint64 { return r.id }

// SetOpcode sets the operation.
func (r *SendRequest) SetOpcode(op Opcode) *SendRequest {
	r.opcode = op
	r.invalidate()
	return r
}

// Opcode returns the operation, zero when unset.
func (r *SendRequest) Opcode() Opcode { return r.opcode }

// SetSGL replaces the scatter/gather list.
func (r *SendRequest) SetSGL(slices ...MemorySlice) *SendRequest {
	r.sgl = append(r.sgl[:0], slices...)
	r.recount()
	return r
}

// AddSGE appends entries to the scatter/gather list.
func (r *SendRequest) AddSGE(slices ...MemorySlice) *SendRequest {
	r.sgl = append(r.sgl, slices...)
	r.recount()
	return r
}

func (r *SendRequest) recount() {
	r.length = 0
	for _, s := range r.sgl {
		r.length += s.Len()
	}
	r.sgeErr = nil
	if len(r.sgl) > r.maxSGE {
		r.sgeErr = fmt.Errorf("%d scatter/gather entries exceed the limit of %d", len(r.sgl), r.maxSGE)
	}
	r.invalidate()
}

// Len returns the total payload length of the scatter/gather list.
func (r *SendRequest) Len() uint64 { return r.length }

// SGL returns the scatter/gather list.
func (r *SendRequest) SGL() []MemorySlice { return r.sgl }

// SetRemote sets the target of a write, read or atomic.
func (r *SendRequest) SetRemote(remote RemoteMemory) *SendRequest {
	if r.opcode.IsSend() {
		r.warn("remote memory specified for a send operation")
	}
	if remote.Size < r.length {
		r.warn("remote memory smaller than the local payload",
			zap.Uint64("remote_size", remote.Size), zap.Uint64("length", r.length))
	}
	r.remote = remote
	r.hasRemote = true
	r.invalidate()
	return r
}

// Remote returns the remote target and whether one is set.
func (r *SendRequest) Remote() (RemoteMemory, bool) { return r.remote, r.hasRemote }

// SetNotify selects whether the request generates a completion on success.
// Failed requests always complete.
func (r *SendRequest) SetNotify(notify bool) *SendRequest {
	r.signaled = notify
	r.invalidate()
	return r
}

// SetSignaled is SetNotify(true).
func (r *SendRequest) SetSignaled() *SendRequest { return r.SetNotify(true) }

// SetUnsignaled is SetNotify(false).
func (r *SendRequest) SetUnsignaled() *SendRequest { return r.SetNotify(false) }

// Signaled reports whether a successful completion will be generated.
func (r *SendRequest) Signaled() bool { return r.signaled }

// SetImm attaches immediate data.
func (r *SendRequest) SetImm(v uint32) *SendRequest {
	if !r.opcode.CarriesImm() {
		r.warn("immediate data set for an opcode that does not carry it")
	}
	r.imm = v
	r.hasImm = true
	r.invalidate()
	return r
}

// ClearImm removes immediate data.
func (r *SendRequest) ClearImm() *SendRequest {
	r.imm = 0
	r.hasImm = false
	r.invalidate()
	return r
}

// Imm returns the immediate data and whether it is set.
func (r *SendRequest) Imm() (uint32, bool) { return r.imm, r.hasImm }

func (r *SendRequest) setAtomic(op Opcode) {
	if r.opcode != 0 && r.opcode != op {
		r.warn("atomic setter overwrites the opcode", zap.Stringer("new_opcode", op))
	}
	r.opcode = op
}

// SetCompareSwap turns the request into a compare-and-swap.
func (r *SendRequest) SetCompareSwap(compare, swap uint64) *SendRequest {
	r.setAtomic(OpAtomicCompareSwap)
	r.compareAdd = compare
	r.swap = swap
	r.invalidate()
	return r
}

// SetFetchAdd turns the request into a fetch-and-add.
func (r *SendRequest) SetFetchAdd(add uint64) *SendRequest {
	r.setAtomic(OpAtomicFetchAdd)
	r.compareAdd = add
	r.invalidate()
	return r
}

// SetMaskedCompareSwap turns the request into a masked compare-and-swap: only
// bits in compareMask are compared and only bits in swapMask are replaced.
func (r *SendRequest) SetMaskedCompareSwap(compare, compareMask, swap, swapMask uint64) *SendRequest {
	r.setAtomic(OpMaskedAtomicCompareSwap)
	r.compareAdd = compare
	r.compareAddMask = compareMask
	r.swap = swap
	r.swapMask = swapMask
	r.invalidate()
	return r
}

// SetMaskedFetchAdd turns the request into a masked fetch-and-add. Each set
// bit in boundary ends a field; carries do not cross it.
func (r *SendRequest) SetMaskedFetchAdd(add, boundary uint64) *SendRequest {
	r.setAtomic(OpMaskedAtomicFetchAdd)
	r.compareAdd = add
	r.compareAddMask = boundary
	r.invalidate()
	return r
}

func (r *SendRequest) operand(name string, ok bool) {
	if !ok {
		r.warn("atomic operand set for a mismatched opcode", zap.String("operand", name))
	}
}

// SetCompare sets the compare operand of a (masked) compare-and-swap.
func (r *SendRequest) SetCompare(v uint64) *SendRequest {
	r.operand("compare", r.opcode == OpAtomicCompareSwap || r.opcode == OpMaskedAtomicCompareSwap)
	r.compareAdd = v
	r.invalidate()
	return r
}

// SetSwap sets the swap operand of a (masked) compare-and-swap.
func (r *SendRequest) SetSwap(v uint64) *SendRequest {
	r.operand("swap", r.opcode == OpAtomicCompareSwap || r.opcode == OpMaskedAtomicCompareSwap)
	r.swap = v
	r.invalidate()
	return r
}

// SetCompareMask sets the compare mask of a masked compare-and-swap.
func (r *SendRequest) SetCompareMask(v uint64) *SendRequest {
	r.operand("compare_mask", r.opcode == OpMaskedAtomicCompareSwap)
	r.compareAddMask = v
	r.invalidate()
	return r
}

// SetSwapMask sets the swap mask of a masked compare-and-swap.
func (r *SendRequest) SetSwapMask(v uint64) *SendRequest {
	r.operand("swap_mask", r.opcode == OpMaskedAtomicCompareSwap)
	r.swapMask = v
	r.invalidate()
	return r
}

// SetAdd sets the addend of a (masked) fetch-and-add.
func (r *SendRequest) SetAdd(v uint64) *SendRequest {
	r.operand("add", r.opcode == OpAtomicFetchAdd || r.opcode == OpMaskedAtomicFetchAdd)
	r.compareAdd = v
	r.invalidate()
	return r
}

// SetAddMask sets the field boundary mask of a masked fetch-and-add.
func (r *SendRequest) SetAddMask(v uint64) *SendRequest {
	r.operand("add_mask", r.opcode == OpMaskedAtomicFetchAdd)
	r.compareAddMask = v
	r.invalidate()
	return r
}

// released reports the first entry whose region was closed after the
// descriptor was cached.
func released(sgl []MemorySlice) (int, error) {
	for i, s := range sgl {
		if !s.Valid() {
			return i, ErrUseAfterFree
		}
	}
	return 0, nil
}

func (r *SendRequest) invalid(reason string, err error) error {
	r.log.Error("work request validation failed",
		zap.Uint64("wr_id", r.id), zap.Stringer("opcode", r.opcode), zap.String("reason", reason), zap.Error(err))
	return &ValidationError{ID: r.id, Opcode: r.opcode, Reason: reason, Err: err}
}

func (r *SendRequest) atomicCapable() bool {
	return len(r.sgl) == 1 && r.length == 8 && r.sgl[0].IsAligned(8)
}

// Descriptor validates the request and returns its provider descriptor. The
// result is cached until the next setter call and its Next link is always nil.
func (r *SendRequest) Descriptor() (*SendDescriptor, error) {
	if r.built {
		if i, err := released(r.sgl); err != nil {
			return nil, r.invalid(fmt.Sprintf("scatter/gather entry %d", i), err)
		}
		r.wr.Next = nil
		return &r.wr, nil
	}
	if r.opcode == 0 {
		return nil, r.invalid("no opcode set", nil)
	}
	if r.sgeErr != nil {
		return nil, r.invalid("scatter/gather list too long", r.sgeErr)
	}
	if !r.opcode.IsSend() && !r.hasRemote {
		return nil, r.invalid("remote target required", nil)
	}
	if r.opcode.IsAtomic() && !r.atomicCapable() {
		return nil, r.invalid("not atomic-capable: needs one 8-byte entry aligned to 8 bytes", nil)
	}
	sges := make([]SGE, 0, len(r.sgl))
	for i, s := range r.sgl {
		sge, err := s.Descriptor()
		if err != nil {
			return nil, r.invalid(fmt.Sprintf("scatter/gather entry %d", i), err)
		}
		sges = append(sges, sge)
	}

	wr := provider.SendWR{ID: r.id, SGL: sges, Opcode: r.opcode}
	if r.signaled {
		wr.Flags |= provider.SendSignaled
	}
	if r.hasImm {
		wr.Imm = r.imm
	}
	if !r.opcode.IsSend() {
		wr.RemoteAddr = r.remote.Addr
		wr.RKey = r.remote.RKey
	}
	switch r.opcode {
	case OpAtomicCompareSwap:
		wr.CompareAdd, wr.Swap = r.compareAdd, r.swap
	case OpAtomicFetchAdd:
		wr.CompareAdd = r.compareAdd
	case OpMaskedAtomicCompareSwap:
		wr.CompareAdd, wr.Swap = r.compareAdd, r.swap
		wr.CompareAddMask, wr.SwapMask = r.compareAddMask, r.swapMask
	case OpMaskedAtomicFetchAdd:
		wr.CompareAdd, wr.CompareAddMask = r.compareAdd, r.compareAddMask
	}
	r.wr = wr
	r.built = true
	return &r.wr, nil
}

// RecvRequest builds a receive descriptor. Receives always complete.
type RecvRequest struct {
	id     uint64
	sgl    []MemorySlice
	length uint64
	maxSGE int
	sgeErr error
	log    *zap.Logger
	built  bool
	wr     provider.RecvWR
}

// NewRecvRequest returns a receive builder over slices.
func NewRecvRequest(slices ...MemorySlice) *RecvRequest {
	r := &RecvRequest{maxSGE: DefaultMaxSGE, log: zap.L()}
	return r.SetSGL(slices...)
}

// NewRecvRequest returns a receive builder that inherits the device's SGE
// limit and logger.
func (d *Device) NewRecvRequest(slices ...MemorySlice) *RecvRequest {
	r := &RecvRequest{maxSGE: d.Config().MaxSGE, log: d.Logger()}
	return r.SetSGL(slices...)
}

// SetID sets the identifier reported in the receive completion.
func (r *RecvRequest) SetID(id uint64) *RecvRequest {
	r.id = id
	r.built = false
	return r
}

// ID returns the identifier.
func (r *RecvRequest) ID() uint64 { return r.id }

// SetSGL replaces the scatter/gather list.
func (r *RecvRequest) SetSGL(slices ...MemorySlice) *RecvRequest {
	r.sgl = append(r.sgl[:0], slices...)
	r.recount()
	return r
}

// AddSGE appends entries to the scatter/gather list.
func (r *RecvRequest) AddSGE(slices ...MemorySlice) *RecvRequest {
	r.sgl = append(r.sgl, slices...)
	r.recount()
	return r
}

func (r *RecvRequest) recount() {
	r.length = 0
	for _, s := range r.sgl {
		r.length += s.Len()
	}
	r.sgeErr = nil
	if len(r.sgl) > r.maxSGE {
		r.sgeErr = fmt.Errorf("%d scatter/gather entries exceed the limit of %d", len(r.sgl), r.maxSGE)
	}
	r.built = false
}

// Len returns the capacity of the scatter/gather list.
func (r *RecvRequest) Len() uint64 { return r.length }

// Descriptor validates the request and returns its provider descriptor.
func (r *RecvRequest) Descriptor() (*RecvDescriptor, error) {
	fail := func(reason string, err error) error {
		r.log.Error("receive request validation failed", zap.Uint64("wr_id", r.id), zap.String("reason", reason), zap.Error(err))
		return &ValidationError{ID: r.id, Reason: reason, Err: err}
	}
	if r.built {
		if i, err := released(r.sgl); err != nil {
			return nil, fail(fmt.Sprintf("scatter/gather entry %d", i), err)
		}
		r.wr.Next = nil
		return &r.wr, nil
	}
	if r.sgeErr != nil {
		return nil, fail("scatter/gather list too long", r.sgeErr)
	}
	sges := make([]SGE, 0, len(r.sgl))
	for i, s := range r.sgl {
		sge, err := s.Descriptor()
		if err != nil {
			return nil, fail(fmt.Sprintf("scatter/gather entry %d", i), err)
		}
		sges = append(sges, sge)
	}
	r.wr = provider.RecvWR{ID: r.id, SGL: sges}
	r.built = true
	return &r.wr, nil
}
