//go:build linux && cgo && ibverbs

package ibverbs

/*
#include "shim.h"
*/
import "C"

import (
	"runtime"
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

type memoryRegion struct {
	ptr    *C.struct_ibv_mr
	pd     *protectionDomain
	dm     *deviceMemory
	pinner runtime.Pinner
}

type deviceMemory struct {
	ptr    *C.struct_ibv_dm
	dev    *device
	length uint64
	refs   int
}

// RegisterMemory implements provider.Provider. buf stays pinned until the
// region is deregistered.
func (p *Provider) RegisterMemory(pdh provider.Handle, buf []byte, access provider.Access) (provider.MR, error) {
	pd, err := lookup[*protectionDomain](p, pdh, "register memory")
	if err != nil {
		return provider.MR{}, err
	}
	if len(buf) == 0 {
		return provider.MR{}, opErr(provider.ErrInvalid, "register memory")
	}

	mr := &memoryRegion{pd: pd}
	base := unsafe.Pointer(unsafe.SliceData(buf))
	mr.pinner.Pin(base)
	ptr, cerr := C.shim_reg_mr(pd.ptr, base, C.size_t(len(buf)), C.int(access))
	if ptr == nil {
		mr.pinner.Unpin()
		return provider.MR{}, errnoErr(cerr, "register memory")
	}
	mr.ptr = ptr
	return p.addRegion(mr), nil
}

// AllocDeviceMemory implements provider.Provider.
func (p *Provider) AllocDeviceMemory(h provider.Handle, length uint64) (provider.Handle, error) {
	d, err := lookup[*device](p, h, "alloc device memory")
	if err != nil {
		return 0, err
	}
	dm, cerr := C.shim_alloc_dm(d.ctx, C.uint64_t(length))
	if dm == nil {
		return 0, errnoErr(cerr, "alloc device memory")
	}
	p.mu.Lock()
	d.refs++
	p.mu.Unlock()
	return p.add(&deviceMemory{ptr: dm, dev: d, length: length}), nil
}

// RegisterDeviceMemory implements provider.Provider. Device memory is
// zero-based, so the returned address is the offset zero of the allocation.
func (p *Provider) RegisterDeviceMemory(pdh provider.Handle, dmh provider.Handle, length uint64, access provider.Access) (provider.MR, error) {
	pd, err := lookup[*protectionDomain](p, pdh, "register device memory")
	if err != nil {
		return provider.MR{}, err
	}
	dm, err := lookup[*deviceMemory](p, dmh, "register device memory")
	if err != nil {
		return provider.MR{}, err
	}
	if length > dm.length {
		return provider.MR{}, opErr(provider.ErrRange, "register device memory")
	}
	ptr, cerr := C.ibv_reg_dm_mr(pd.ptr, dm.ptr, 0, C.size_t(length),
		C.uint(access)|C.IBV_ACCESS_ZERO_BASED)
	if ptr == nil {
		return provider.MR{}, errnoErr(cerr, "register device memory")
	}
	p.mu.Lock()
	dm.refs++
	p.mu.Unlock()
	return p.addRegion(&memoryRegion{ptr: ptr, pd: pd, dm: dm}), nil
}

func (p *Provider) addRegion(mr *memoryRegion) provider.MR {
	p.mu.Lock()
	mr.pd.refs++
	p.mu.Unlock()
	h := p.add(mr)
	return provider.MR{
		Handle: h,
		Addr:   uint64(uintptr(mr.ptr.addr)),
		Length: uint64(mr.ptr.length),
		LKey:   uint32(mr.ptr.lkey),
		RKey:   uint32(mr.ptr.rkey),
	}
}

// CopyToDeviceMemory implements provider.Provider.
func (p *Provider) CopyToDeviceMemory(dmh provider.Handle, offset uint64, src []byte) error {
	dm, err := lookup[*deviceMemory](p, dmh, "copy to device memory")
	if err != nil {
		return err
	}
	if offset+uint64(len(src)) > dm.length {
		return opErr(provider.ErrRange, "copy to device memory")
	}
	if len(src) == 0 {
		return nil
	}
	status := C.shim_memcpy_to_dm(dm.ptr, C.uint64_t(offset), unsafe.Pointer(unsafe.SliceData(src)), C.size_t(len(src)))
	return statusErr(status, "copy to device memory")
}

// CopyFromDeviceMemory implements provider.Provider.
func (p *Provider) CopyFromDeviceMemory(dmh provider.Handle, offset uint64, dst []byte) error {
	dm, err := lookup[*deviceMemory](p, dmh, "copy from device memory")
	if err != nil {
		return err
	}
	if offset+uint64(len(dst)) > dm.length {
		return opErr(provider.ErrRange, "copy from device memory")
	}
	if len(dst) == 0 {
		return nil
	}
	status := C.shim_memcpy_from_dm(unsafe.Pointer(unsafe.SliceData(dst)), dm.ptr, C.uint64_t(offset), C.size_t(len(dst)))
	return statusErr(status, "copy from device memory")
}

// FreeDeviceMemory implements provider.Provider.
func (p *Provider) FreeDeviceMemory(dmh provider.Handle) error {
	dm, err := lookup[*deviceMemory](p, dmh, "free device memory")
	if err != nil {
		return err
	}
	p.mu.RLock()
	busy := dm.refs > 0
	p.mu.RUnlock()
	if busy {
		return opErr(provider.ErrBusy, "free device memory")
	}
	if status := C.ibv_free_dm(dm.ptr); status != 0 {
		return statusErr(status, "free device memory")
	}
	p.mu.Lock()
	dm.dev.refs--
	p.mu.Unlock()
	p.remove(dmh)
	return nil
}

// DeregisterMemory implements provider.Provider.
func (p *Provider) DeregisterMemory(h provider.Handle) error {
	mr, err := lookup[*memoryRegion](p, h, "deregister memory")
	if err != nil {
		return err
	}
	if status := C.ibv_dereg_mr(mr.ptr); status != 0 {
		return statusErr(status, "deregister memory")
	}
	mr.pinner.Unpin()
	p.mu.Lock()
	mr.pd.refs--
	if mr.dm != nil {
		mr.dm.refs--
	}
	p.mu.Unlock()
	p.remove(h)
	return nil
}
