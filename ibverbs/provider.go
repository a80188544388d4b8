//go:build linux && cgo && ibverbs

package ibverbs

/*
#cgo pkg-config: libibverbs
#include "shim.h"
*/
import "C"

import (
	"errors"
	"sync"
	"syscall"
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

const providerName = "ibverbs"

// Provider drives RDMA adapters through libibverbs. It is safe for concurrent
// use; the data path takes a read lock only.
type Provider struct {
	mu      sync.RWMutex
	next    provider.Handle
	objects map[provider.Handle]any
}

var _ provider.Provider = (*Provider)(nil)

type device struct {
	ctx  *C.struct_ibv_context
	name string
	refs int
}

type protectionDomain struct {
	ptr  *C.struct_ibv_pd
	dev  *device
	refs int
}

// resourceDomain wraps a thread domain. Queue pairs created against it go
// through a parent domain built once per protection domain.
type resourceDomain struct {
	dev     *device
	attr    provider.ResourceDomainAttr
	td      *C.struct_ibv_td
	parents map[*protectionDomain]*C.struct_ibv_pd
}

// New returns a provider. Devices are opened lazily, so New never touches the
// hardware.
func New() *Provider {
	return &Provider{objects: make(map[provider.Handle]any)}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return providerName }

func opErr(code provider.Errno, op string) error {
	return code.WithOp(providerName + " " + op)
}

// errnoErr converts the errno cgo reports for a failed call.
func errnoErr(err error, op string) error {
	var en syscall.Errno
	if errors.As(err, &en) && en != 0 {
		return opErr(provider.Errno(en), op)
	}
	return opErr(provider.ErrIO, op)
}

func statusErr(status C.int, op string) error {
	return provider.ErrorFromStatus(int(status), providerName+" "+op)
}

func (p *Provider) add(obj any) provider.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.objects[p.next] = obj
	return p.next
}

func (p *Provider) remove(h provider.Handle) {
	p.mu.Lock()
	delete(p.objects, h)
	p.mu.Unlock()
}

func lookup[T any](p *Provider, h provider.Handle, op string) (T, error) {
	p.mu.RLock()
	obj, ok := p.objects[h].(T)
	p.mu.RUnlock()
	if !ok {
		var zero T
		return zero, opErr(provider.ErrInvalid, op)
	}
	return obj, nil
}

// Devices implements provider.Provider.
func (p *Provider) Devices() ([]string, error) {
	var n C.int
	list, err := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, errnoErr(err, "get device list")
	}
	defer C.ibv_free_device_list(list)

	devs := unsafe.Slice(list, int(n))
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, C.GoString(C.ibv_get_device_name(d)))
	}
	return names, nil
}

// OpenDevice implements provider.Provider.
func (p *Provider) OpenDevice(name string) (provider.Handle, provider.DeviceAttr, error) {
	var n C.int
	list, err := C.ibv_get_device_list(&n)
	if list == nil {
		return 0, provider.DeviceAttr{}, errnoErr(err, "get device list")
	}
	defer C.ibv_free_device_list(list)

	var ctx *C.struct_ibv_context
	for _, d := range unsafe.Slice(list, int(n)) {
		if C.GoString(C.ibv_get_device_name(d)) != name {
			continue
		}
		ctx, err = C.ibv_open_device(d)
		if ctx == nil {
			return 0, provider.DeviceAttr{}, errnoErr(err, "open device "+name)
		}
		break
	}
	if ctx == nil {
		return 0, provider.DeviceAttr{}, opErr(provider.ErrNoDevice, "open device "+name)
	}

	var attr C.struct_ibv_device_attr
	if status := C.ibv_query_device(ctx, &attr); status != 0 {
		C.ibv_close_device(ctx)
		return 0, provider.DeviceAttr{}, statusErr(status, "query device "+name)
	}
	h := p.add(&device{ctx: ctx, name: name})
	return h, provider.DeviceAttr{
		Name:        name,
		NodeGUID:    uint64(attr.node_guid),
		VendorID:    uint32(attr.vendor_id),
		PhysPortCnt: uint8(attr.phys_port_cnt),
		MaxQPWR:     int(attr.max_qp_wr),
		MaxCQE:      int(attr.max_cqe),
		MaxSGE:      int(attr.max_sge),
	}, nil
}

// CloseDevice implements provider.Provider.
func (p *Provider) CloseDevice(h provider.Handle) error {
	d, err := lookup[*device](p, h, "close device")
	if err != nil {
		return err
	}
	p.mu.RLock()
	busy := d.refs > 0
	p.mu.RUnlock()
	if busy {
		return opErr(provider.ErrBusy, "close device")
	}
	if status := C.ibv_close_device(d.ctx); status != 0 {
		return statusErr(status, "close device")
	}
	p.remove(h)
	return nil
}

// QueryPort implements provider.Provider.
func (p *Provider) QueryPort(h provider.Handle, port uint8) (provider.PortAttr, error) {
	d, err := lookup[*device](p, h, "query port")
	if err != nil {
		return provider.PortAttr{}, err
	}
	var attr C.struct_ibv_port_attr
	if status := C.shim_query_port(d.ctx, C.uint8_t(port), &attr); status != 0 {
		return provider.PortAttr{}, statusErr(status, "query port")
	}
	return provider.PortAttr{
		State:     provider.PortState(attr.state),
		LID:       uint16(attr.lid),
		ActiveMTU: provider.MTU(attr.active_mtu),
		GIDTblLen: int(attr.gid_tbl_len),
	}, nil
}

// QueryGID implements provider.Provider.
func (p *Provider) QueryGID(h provider.Handle, port uint8, index int) (provider.GID, error) {
	d, err := lookup[*device](p, h, "query gid")
	if err != nil {
		return provider.GID{}, err
	}
	var gid C.union_ibv_gid
	if status := C.ibv_query_gid(d.ctx, C.uint8_t(port), C.int(index), &gid); status != 0 {
		return provider.GID{}, statusErr(status, "query gid")
	}
	var out provider.GID
	copy(out[:], C.GoBytes(unsafe.Pointer(&gid), C.int(len(out))))
	return out, nil
}

// AllocPD implements provider.Provider.
func (p *Provider) AllocPD(h provider.Handle) (provider.Handle, error) {
	d, err := lookup[*device](p, h, "alloc pd")
	if err != nil {
		return 0, err
	}
	ptr, cerr := C.ibv_alloc_pd(d.ctx)
	if ptr == nil {
		return 0, errnoErr(cerr, "alloc pd")
	}
	p.mu.Lock()
	d.refs++
	p.mu.Unlock()
	return p.add(&protectionDomain{ptr: ptr, dev: d}), nil
}

// DeallocPD implements provider.Provider.
func (p *Provider) DeallocPD(h provider.Handle) error {
	pd, err := lookup[*protectionDomain](p, h, "dealloc pd")
	if err != nil {
		return err
	}
	p.mu.RLock()
	busy := pd.refs > 0
	p.mu.RUnlock()
	if busy {
		return opErr(provider.ErrBusy, "dealloc pd")
	}
	if status := C.ibv_dealloc_pd(pd.ptr); status != 0 {
		return statusErr(status, "dealloc pd")
	}
	p.mu.Lock()
	pd.dev.refs--
	p.mu.Unlock()
	p.remove(h)
	return nil
}

// CreateResourceDomain implements provider.Provider. Single-threaded hints
// allocate a thread domain; thread-safe hints keep the default locking and
// only record the attributes.
func (p *Provider) CreateResourceDomain(h provider.Handle, attr provider.ResourceDomainAttr) (provider.Handle, error) {
	d, err := lookup[*device](p, h, "create resource domain")
	if err != nil {
		return 0, err
	}
	rd := &resourceDomain{dev: d, attr: attr, parents: make(map[*protectionDomain]*C.struct_ibv_pd)}
	if attr.Thread == provider.ThreadSingle || attr.Thread == provider.ThreadUnsafe {
		td, cerr := C.shim_alloc_td(d.ctx)
		if td == nil {
			return 0, errnoErr(cerr, "alloc thread domain")
		}
		rd.td = td
	}
	p.mu.Lock()
	d.refs++
	p.mu.Unlock()
	return p.add(rd), nil
}

// DestroyResourceDomain implements provider.Provider.
func (p *Provider) DestroyResourceDomain(h provider.Handle, rdh provider.Handle) error {
	rd, err := lookup[*resourceDomain](p, rdh, "destroy resource domain")
	if err != nil {
		return err
	}
	if d, _ := lookup[*device](p, h, "destroy resource domain"); d != rd.dev {
		return opErr(provider.ErrInvalid, "destroy resource domain")
	}
	for pd, parent := range rd.parents {
		if status := C.ibv_dealloc_pd(parent); status != 0 {
			return statusErr(status, "dealloc parent domain")
		}
		delete(rd.parents, pd)
		p.mu.Lock()
		pd.refs--
		p.mu.Unlock()
	}
	if rd.td != nil {
		if status := C.ibv_dealloc_td(rd.td); status != 0 {
			return statusErr(status, "dealloc thread domain")
		}
		rd.td = nil
	}
	p.mu.Lock()
	rd.dev.refs--
	p.mu.Unlock()
	p.remove(rdh)
	return nil
}

// domainFor returns the protection domain a queue pair is created in: pd
// itself, or a parent domain binding pd to the thread domain of rdh.
func (p *Provider) domainFor(pd *protectionDomain, rdh provider.Handle) (*C.struct_ibv_pd, error) {
	if rdh == 0 {
		return pd.ptr, nil
	}
	rd, err := lookup[*resourceDomain](p, rdh, "create qp")
	if err != nil {
		return nil, err
	}
	if rd.td == nil {
		return pd.ptr, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if parent, ok := rd.parents[pd]; ok {
		return parent, nil
	}
	parent, cerr := C.shim_alloc_parent_domain(pd.dev.ctx, pd.ptr, rd.td)
	if parent == nil {
		return nil, errnoErr(cerr, "alloc parent domain")
	}
	rd.parents[pd] = parent
	pd.refs++
	return parent, nil
}
