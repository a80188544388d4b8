package verbs

import (
	"fmt"
	"math"
	"unsafe"

	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

// DefaultAlignment is the alignment IsAligned checks when given n <= 0.
const DefaultAlignment = 8

// SGE is a scatter/gather element handed to the provider.
type SGE = provider.SGE

// MemorySlice is a bounded, non-owning view into a MemoryRegion.
type MemorySlice struct {
	region *MemoryRegion
	offset uint64
	length uint64
}

// Region returns the region the slice was derived from.
func (s MemorySlice) Region() *MemoryRegion { return s.region }

// Offset returns the slice offset within its region.
func (s MemorySlice) Offset() uint64 { return s.offset }

// Len returns the slice length in bytes.
func (s MemorySlice) Len() uint64 { return s.length }

// Valid reports whether the backing region is still registered.
func (s MemorySlice) Valid() bool {
	return s.region != nil && !s.region.Closed()
}

// Addr returns the hardware address of the first byte.
func (s MemorySlice) Addr() uint64 {
	if s.region == nil {
		return 0
	}
	return s.region.Addr() + s.offset
}

// LKey returns the local key of the backing region.
func (s MemorySlice) LKey() uint32 { return s.region.LKey() }

// RKey returns the remote key of the backing region.
func (s MemorySlice) RKey() uint32 { return s.region.RKey() }

// Bytes returns the host bytes covered by the slice, or nil for device memory
// and closed regions.
func (s MemorySlice) Bytes() []byte {
	buf := s.region.Bytes()
	if buf == nil {
		return nil
	}
	return buf[s.offset : s.offset+s.length : s.offset+s.length]
}

// IsAligned reports whether Addr is a multiple of n. Non-positive n checks
// DefaultAlignment.
func (s MemorySlice) IsAligned(n int) bool {
	if n <= 0 {
		n = DefaultAlignment
	}
	return s.Addr()%uint64(n) == 0
}

// Remote describes the slice for a peer.
func (s MemorySlice) Remote() RemoteMemory {
	return RemoteMemory{Addr: s.Addr(), Size: s.length, RKey: s.RKey()}
}

// Slice returns a sub-view relative to this slice, bounded by its length.
func (s MemorySlice) Slice(offset, length uint64) (MemorySlice, error) {
	if s.region == nil {
		return MemorySlice{}, ErrInvalidHandle{"memory slice"}
	}
	if s.region.Closed() {
		return MemorySlice{}, ErrUseAfterFree
	}
	if outOfRange(offset, length, s.length) {
		s.region.log.Error("slice out of range",
			zap.Uint64("offset", offset), zap.Uint64("length", length), zap.Uint64("size", s.length))
		return MemorySlice{}, &BoundaryError{Offset: offset, Length: length, Size: s.length}
	}
	return MemorySlice{region: s.region, offset: s.offset + offset, length: length}, nil
}

// SliceFrom returns the sub-view from offset to the end of this slice.
func (s MemorySlice) SliceFrom(offset uint64) (MemorySlice, error) {
	if offset > s.length {
		return s.Slice(offset, 0)
	}
	return s.Slice(offset, s.length-offset)
}

// Descriptor returns the scatter/gather element for the slice.
func (s MemorySlice) Descriptor() (SGE, error) {
	if s.region == nil {
		return SGE{}, ErrInvalidHandle{"memory slice"}
	}
	if s.region.Closed() {
		return SGE{}, ErrUseAfterFree
	}
	if s.length > math.MaxUint32 {
		s.region.log.Error("slice too large for a scatter/gather element", zap.Uint64("length", s.length))
		return SGE{}, &BoundaryError{Offset: s.offset, Length: s.length, Size: math.MaxUint32}
	}
	return SGE{Addr: s.Addr(), Length: uint32(s.length), LKey: s.region.LKey()}, nil
}

// SliceAs reinterprets a host slice as a *T. A slice longer than T is
// accepted with a warning; a shorter one is rejected.
func SliceAs[T any](s MemorySlice) (*T, error) {
	if s.region == nil {
		return nil, ErrInvalidHandle{"memory slice"}
	}
	if s.region.Closed() {
		return nil, ErrUseAfterFree
	}
	if s.region.Kind() != HostMemory {
		return nil, &ConfigurationError{Op: "slice as", Reason: "device memory is not host addressable"}
	}
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	if s.length < size {
		return nil, &BoundaryError{Offset: s.offset, Length: size, Size: s.length}
	}
	if s.length != size {
		s.region.log.Warn("slice size differs from target type",
			zap.String("type", fmt.Sprintf("%T", zero)), zap.Uint64("slice", s.length), zap.Uint64("type_size", size))
	}
	b := s.Bytes()
	if align := uintptr(unsafe.Alignof(zero)); uintptr(unsafe.Pointer(unsafe.SliceData(b)))%align != 0 {
		return nil, fmt.Errorf("verbs: slice at %#x is not aligned for %T: %w", s.Addr(), zero, ErrBoundary)
	}
	if size == 0 {
		return &zero, nil
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b))), nil
}
