package loopback

import (
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

type deviceMemory struct {
	handle provider.Handle
	dev    *device
	buf    []byte
	refs   int
}

type region struct {
	handle provider.Handle
	pd     *protectionDomain
	dm     *deviceMemory
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access provider.Access
}

// span returns the bytes covered by [addr, addr+length) when they lie inside
// the region.
func (r *region) span(addr uint64, length uint64) ([]byte, bool) {
	if addr < r.addr {
		return nil, false
	}
	off := addr - r.addr
	if off > uint64(len(r.buf)) || length > uint64(len(r.buf))-off {
		return nil, false
	}
	return r.buf[off : off+length], true
}

func addressOf(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// RegisterMemory implements provider.Provider. The region keeps a reference to
// buf until it is deregistered.
func (p *Provider) RegisterMemory(pdh provider.Handle, buf []byte, access provider.Access) (provider.MR, error) {
	if len(buf) == 0 {
		return provider.MR{}, opErr(provider.ErrInvalid, "reg_mr")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, ok := p.pds[pdh]
	if !ok {
		return provider.MR{}, opErr(provider.ErrInvalid, "reg_mr")
	}
	if err := checkAccess(access); err != nil {
		return provider.MR{}, opErr(provider.ErrInvalid, "reg_mr")
	}
	return p.addRegion(pd, nil, buf, access), nil
}

// AllocDeviceMemory implements provider.Provider. The simulated adapter memory
// is not zeroed, mirroring hardware.
func (p *Provider) AllocDeviceMemory(devh provider.Handle, length uint64) (provider.Handle, error) {
	if length == 0 {
		return 0, opErr(provider.ErrInvalid, "alloc_dm")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[devh]
	if !ok {
		return 0, opErr(provider.ErrInvalid, "alloc_dm")
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = 0xa5
	}
	dm := &deviceMemory{handle: p.handle(), dev: dev, buf: buf}
	p.dms[dm.handle] = dm
	dev.refs++
	return dm.handle, nil
}

// RegisterDeviceMemory implements provider.Provider.
func (p *Provider) RegisterDeviceMemory(pdh provider.Handle, dmh provider.Handle, length uint64, access provider.Access) (provider.MR, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, ok := p.pds[pdh]
	if !ok {
		return provider.MR{}, opErr(provider.ErrInvalid, "reg_dm_mr")
	}
	dm, ok := p.dms[dmh]
	if !ok || dm.dev != pd.dev {
		return provider.MR{}, opErr(provider.ErrInvalid, "reg_dm_mr")
	}
	if length == 0 || length > uint64(len(dm.buf)) {
		return provider.MR{}, opErr(provider.ErrInvalid, "reg_dm_mr")
	}
	if err := checkAccess(access); err != nil {
		return provider.MR{}, opErr(provider.ErrInvalid, "reg_dm_mr")
	}
	dm.refs++
	return p.addRegion(pd, dm, dm.buf[:length], access), nil
}

func (p *Provider) addRegion(pd *protectionDomain, dm *deviceMemory, buf []byte, access provider.Access) provider.MR {
	key := p.nextKey
	p.nextKey++
	r := &region{
		handle: p.handle(),
		pd:     pd,
		dm:     dm,
		buf:    buf,
		addr:   addressOf(buf),
		lkey:   key,
		rkey:   key<<8 | 0x5a,
		access: access,
	}
	p.mrs[r.handle] = r
	p.lkeys[r.lkey] = r
	p.rkeys[r.rkey] = r
	pd.refs++
	return provider.MR{Handle: r.handle, Addr: r.addr, Length: uint64(len(buf)), LKey: r.lkey, RKey: r.rkey}
}

// checkAccess enforces the verbs rule that remote write and remote atomic
// access require local write.
func checkAccess(access provider.Access) error {
	if access&(provider.AccessRemoteWrite|provider.AccessRemoteAtomic) != 0 && access&provider.AccessLocalWrite == 0 {
		return provider.ErrInvalid
	}
	return nil
}

// CopyToDeviceMemory implements provider.Provider.
func (p *Provider) CopyToDeviceMemory(dmh provider.Handle, offset uint64, src []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dm, ok := p.dms[dmh]
	if !ok {
		return opErr(provider.ErrInvalid, "memcpy_to_dm")
	}
	if offset > uint64(len(dm.buf)) || uint64(len(src)) > uint64(len(dm.buf))-offset {
		return opErr(provider.ErrInvalid, "memcpy_to_dm")
	}
	copy(dm.buf[offset:], src)
	return nil
}

// CopyFromDeviceMemory implements provider.Provider.
func (p *Provider) CopyFromDeviceMemory(dmh provider.Handle, offset uint64, dst []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dm, ok := p.dms[dmh]
	if !ok {
		return opErr(provider.ErrInvalid, "memcpy_from_dm")
	}
	if offset > uint64(len(dm.buf)) || uint64(len(dst)) > uint64(len(dm.buf))-offset {
		return opErr(provider.ErrInvalid, "memcpy_from_dm")
	}
	copy(dst, dm.buf[offset:])
	return nil
}

// FreeDeviceMemory implements provider.Provider.
func (p *Provider) FreeDeviceMemory(dmh provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dm, ok := p.dms[dmh]
	if !ok {
		return opErr(provider.ErrInvalid, "free_dm")
	}
	if dm.refs > 0 {
		return opErr(provider.ErrBusy, "free_dm")
	}
	dm.dev.refs--
	delete(p.dms, dmh)
	return nil
}

// DeregisterMemory implements provider.Provider.
func (p *Provider) DeregisterMemory(h provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.mrs[h]
	if !ok {
		return opErr(provider.ErrInvalid, "dereg_mr")
	}
	delete(p.mrs, h)
	delete(p.lkeys, r.lkey)
	delete(p.rkeys, r.rkey)
	r.pd.refs--
	if r.dm != nil {
		r.dm.refs--
	}
	r.buf = nil
	return nil
}

// localSpan resolves a local SGE against the queue pair's protection domain.
func (p *Provider) localSpan(pd *protectionDomain, sge provider.SGE, write bool) ([]byte, provider.WCStatus) {
	r, ok := p.lkeys[sge.LKey]
	if !ok || r.pd != pd {
		return nil, provider.WCLocProtErr
	}
	if write && r.access&provider.AccessLocalWrite == 0 {
		return nil, provider.WCLocProtErr
	}
	b, ok := r.span(sge.Addr, uint64(sge.Length))
	if !ok {
		return nil, provider.WCLocProtErr
	}
	return b, provider.WCSuccess
}

// remoteSpan resolves an rkey-addressed target on the responder.
func (p *Provider) remoteSpan(pd *protectionDomain, addr uint64, rkey uint32, length uint64, need provider.Access) ([]byte, bool) {
	r, ok := p.rkeys[rkey]
	if !ok || r.pd != pd || r.access&need != need {
		return nil, false
	}
	return r.span(addr, length)
}

// gather copies the bytes referenced by sgl into a fresh buffer.
func (p *Provider) gather(pd *protectionDomain, sgl []provider.SGE) ([]byte, provider.WCStatus) {
	total := 0
	for _, sge := range sgl {
		total += int(sge.Length)
	}
	out := make([]byte, 0, total)
	for _, sge := range sgl {
		b, status := p.localSpan(pd, sge, false)
		if status != provider.WCSuccess {
			return nil, status
		}
		out = append(out, b...)
	}
	return out, provider.WCSuccess
}

// scatter writes data across sgl, which must be large enough to hold it.
func (p *Provider) scatter(pd *protectionDomain, sgl []provider.SGE, data []byte) provider.WCStatus {
	capacity := 0
	for _, sge := range sgl {
		capacity += int(sge.Length)
	}
	if capacity < len(data) {
		return provider.WCLocLenErr
	}
	spans := make([][]byte, 0, len(sgl))
	for _, sge := range sgl {
		b, status := p.localSpan(pd, sge, true)
		if status != provider.WCSuccess {
			return status
		}
		spans = append(spans, b)
	}
	for _, b := range spans {
		if len(data) == 0 {
			break
		}
		n := copy(b, data)
		data = data[n:]
	}
	return provider.WCSuccess
}
