package verbs

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

// Access is the set of permissions a region is registered with.
type Access = provider.Access

const (
	// AccessLocalWrite allows the adapter to write into the region on behalf of local operations.
	AccessLocalWrite = provider.AccessLocalWrite
	// AccessRemoteRead allows peers to RDMA read the region.
	AccessRemoteRead = provider.AccessRemoteRead
	// AccessRemoteWrite allows peers to RDMA write the region.
	AccessRemoteWrite = provider.AccessRemoteWrite
	// AccessRemoteAtomic allows peers to target the region with atomics.
	AccessRemoteAtomic = provider.AccessRemoteAtomic

	AccessReadOnly  Access = 0
	AccessReadWrite        = AccessLocalWrite
	// AccessRemoteReadWrite grants every remote permission. Providers refuse
	// remote write or atomic access without local write, so registrations
	// usually combine it with AccessReadWrite.
	AccessRemoteReadWrite = AccessRemoteRead | AccessRemoteWrite | AccessRemoteAtomic
	AccessFull            = AccessLocalWrite | AccessRemoteReadWrite
)

// MemoryKind identifies where a region's storage lives.
type MemoryKind uint8

const (
	// HostMemory is a caller-owned Go buffer.
	HostMemory MemoryKind = iota
	// DeviceMemory is allocated on the adapter and is not host addressable.
	DeviceMemory
)

func (k MemoryKind) String() string {
	if k == DeviceMemory {
		return "device"
	}
	return "host"
}

// MemoryRegion is a registered buffer. Slices derived from it become invalid
// once it is closed.
type MemoryRegion struct {
	dev    *Device
	mr     provider.MR
	dm     Handle
	buf    []byte
	kind   MemoryKind
	access Access
	log    *zap.Logger
	closed atomic.Bool
}

// RegisterHost registers a caller-owned buffer. The caller keeps ownership of
// buf and must keep it alive until the region is closed.
func (d *Device) RegisterHost(buf []byte, access Access) (*MemoryRegion, error) {
	return d.Register(HostMemory, access, buf, len(buf))
}

// RegisterDevice allocates length bytes of adapter memory, registers them and
// zero fills the allocation.
func (d *Device) RegisterDevice(length int, access Access) (*MemoryRegion, error) {
	return d.Register(DeviceMemory, access, nil, length)
}

// Register is the generic registration entry point. For HostMemory the first
// length bytes of buf are registered; for DeviceMemory buf is ignored.
func (d *Device) Register(kind MemoryKind, access Access, buf []byte, length int) (*MemoryRegion, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"device"}
	}
	log := d.log.With(zap.Stringer("kind", kind), zap.Uint32("access", uint32(access)))
	if length <= 0 {
		log.Error("register memory with empty range", zap.Int("length", length))
		return nil, &ConfigurationError{Op: "register memory", Reason: "length must be positive"}
	}

	switch kind {
	case HostMemory:
		if length > len(buf) {
			log.Error("register memory beyond buffer", zap.Int("length", length), zap.Int("buffer", len(buf)))
			return nil, &BoundaryError{Length: uint64(length), Size: uint64(len(buf))}
		}
		mr, err := d.prov.RegisterMemory(d.pd, buf[:length], access)
		if err != nil {
			log.Error("register host memory failed", zap.Int("length", length), zap.Error(err))
			return nil, &ResourceError{Resource: "host memory region", Err: err}
		}
		d.retain()
		log.Debug("registered host memory",
			zap.String("addr", fmt.Sprintf("%#x", mr.Addr)), zap.Uint64("length", mr.Length),
			zap.Uint32("lkey", mr.LKey), zap.Uint32("rkey", mr.RKey))
		return &MemoryRegion{dev: d, mr: mr, buf: buf[:length:length], kind: kind, access: access, log: log}, nil

	case DeviceMemory:
		size := uint64(length)
		dm, err := d.prov.AllocDeviceMemory(d.handle, size)
		if err != nil {
			log.Error("alloc device memory failed", zap.Uint64("length", size), zap.Error(err))
			return nil, &ResourceError{Resource: "device memory", Err: err}
		}
		mr, err := d.prov.RegisterDeviceMemory(d.pd, dm, size, access)
		if err != nil {
			log.Error("register device memory failed", zap.Uint64("length", size), zap.Error(err))
			_ = d.prov.FreeDeviceMemory(dm)
			return nil, &ResourceError{Resource: "device memory region", Err: err}
		}
		if err := d.prov.CopyToDeviceMemory(dm, 0, make([]byte, size)); err != nil {
			log.Error("zero device memory failed", zap.Uint64("length", size), zap.Error(err))
			_ = d.prov.DeregisterMemory(mr.Handle)
			_ = d.prov.FreeDeviceMemory(dm)
			return nil, &ResourceError{Resource: "device memory region", Err: err}
		}
		d.retain()
		log.Debug("registered device memory",
			zap.Uint64("length", mr.Length), zap.Uint32("lkey", mr.LKey), zap.Uint32("rkey", mr.RKey))
		return &MemoryRegion{dev: d, mr: mr, dm: dm, kind: kind, access: access, log: log}, nil

	default:
		return nil, &ConfigurationError{Op: "register memory", Reason: fmt.Sprintf("unknown memory kind %d", kind)}
	}
}

// Close deregisters the region and frees device memory it allocated.
func (m *MemoryRegion) Close() error {
	if m == nil || m.dev == nil || m.closed.Load() {
		return nil
	}
	if err := m.dev.prov.DeregisterMemory(m.mr.Handle); err != nil {
		m.log.Error("deregister memory failed", zap.Uint32("lkey", m.mr.LKey), zap.Error(err))
		return fmt.Errorf("deregister memory: %w", err)
	}
	if m.dm != 0 {
		if err := m.dev.prov.FreeDeviceMemory(m.dm); err != nil {
			m.log.Error("free device memory failed", zap.Error(err))
			return fmt.Errorf("free device memory: %w", err)
		}
	}
	m.closed.Store(true)
	m.dev.release()
	m.mr = provider.MR{}
	m.dm = 0
	m.buf = nil
	return nil
}

// Closed reports whether the region has been deregistered.
func (m *MemoryRegion) Closed() bool {
	return m == nil || m.closed.Load()
}

// Addr returns the registered base address.
func (m *MemoryRegion) Addr() uint64 {
	if m == nil {
		return 0
	}
	return m.mr.Addr
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() uint64 {
	if m == nil {
		return 0
	}
	return m.mr.Length
}

// LKey returns the local key.
func (m *MemoryRegion) LKey() uint32 {
	if m == nil {
		return 0
	}
	return m.mr.LKey
}

// RKey returns the remote key.
func (m *MemoryRegion) RKey() uint32 {
	if m == nil {
		return 0
	}
	return m.mr.RKey
}

// Access reports the permissions the region was registered with.
func (m *MemoryRegion) Access() Access {
	if m == nil {
		return 0
	}
	return m.access
}

// Kind reports where the region's storage lives.
func (m *MemoryRegion) Kind() MemoryKind {
	if m == nil {
		return HostMemory
	}
	return m.kind
}

// Bytes returns the registered host buffer, or nil for device memory.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil || m.kind != HostMemory {
		return nil
	}
	return m.buf
}

// Remote describes the whole region for a peer.
func (m *MemoryRegion) Remote() RemoteMemory {
	if m == nil {
		return RemoteMemory{}
	}
	return RemoteMemory{Addr: m.mr.Addr, Size: m.mr.Length, RKey: m.mr.RKey}
}

func (m *MemoryRegion) deviceRange(op string, off uint64, n int) error {
	if m == nil || m.dev == nil || m.closed.Load() {
		return ErrUseAfterFree
	}
	if m.kind != DeviceMemory {
		return &ConfigurationError{Op: op, Reason: "region is host memory"}
	}
	if off > m.mr.Length || uint64(n) > m.mr.Length-off {
		m.log.Error("device memory access out of range", zap.String("op", op), zap.Uint64("offset", off), zap.Int("length", n))
		return &BoundaryError{Offset: off, Length: uint64(n), Size: m.mr.Length}
	}
	return nil
}

// ReadDevice copies device memory starting at off into dst.
func (m *MemoryRegion) ReadDevice(off uint64, dst []byte) error {
	if err := m.deviceRange("read device memory", off, len(dst)); err != nil {
		return err
	}
	if err := m.dev.prov.CopyFromDeviceMemory(m.dm, off, dst); err != nil {
		m.log.Error("copy from device memory failed", zap.Error(err))
		return fmt.Errorf("read device memory: %w", err)
	}
	return nil
}

// WriteDevice copies src into device memory starting at off.
func (m *MemoryRegion) WriteDevice(off uint64, src []byte) error {
	if err := m.deviceRange("write device memory", off, len(src)); err != nil {
		return err
	}
	if err := m.dev.prov.CopyToDeviceMemory(m.dm, off, src); err != nil {
		m.log.Error("copy to device memory failed", zap.Error(err))
		return fmt.Errorf("write device memory: %w", err)
	}
	return nil
}

// Slice returns a view of length bytes starting at offset.
func (m *MemoryRegion) Slice(offset, length uint64) (MemorySlice, error) {
	if m == nil || m.dev == nil {
		return MemorySlice{}, ErrInvalidHandle{"memory region"}
	}
	if m.closed.Load() {
		return MemorySlice{}, ErrUseAfterFree
	}
	if outOfRange(offset, length, m.mr.Length) {
		m.log.Error("slice out of range", zap.Uint64("offset", offset), zap.Uint64("length", length), zap.Uint64("size", m.mr.Length))
		return MemorySlice{}, &BoundaryError{Offset: offset, Length: length, Size: m.mr.Length}
	}
	return MemorySlice{region: m, offset: offset, length: length}, nil
}

// SliceFrom returns the view from offset to the end of the region.
func (m *MemoryRegion) SliceFrom(offset uint64) (MemorySlice, error) {
	if m == nil {
		return MemorySlice{}, ErrInvalidHandle{"memory region"}
	}
	if offset > m.mr.Length {
		return m.Slice(offset, 0)
	}
	return m.Slice(offset, m.mr.Length-offset)
}

// Whole returns a view of the entire region.
func (m *MemoryRegion) Whole() (MemorySlice, error) {
	return m.SliceFrom(0)
}

func outOfRange(offset, length, size uint64) bool {
	return offset > size || length > size-offset
}
