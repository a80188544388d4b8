package verbs

import (
	"errors"
	"sync/atomic"
)

// ErrPoolClosed is returned by Acquire after the pool is closed.
var ErrPoolClosed = errors.New("verbs: region pool closed")

// RegionPool manages reusable host memory regions of a fixed size.
type RegionPool struct {
	dev    *Device
	size   int
	access Access
	pool   chan *MemoryRegion
	closed atomic.Bool
}

// NewRegionPool constructs a pool that dispenses regions registered with dev.
// Regions are provisioned lazily; up to capacity idle regions are retained.
func NewRegionPool(dev *Device, size int, access Access, capacity int) (*RegionPool, error) {
	if !dev.valid() {
		return nil, ErrInvalidHandle{"device"}
	}
	if size <= 0 {
		return nil, errors.New("verbs: RegionPool requires positive region size")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &RegionPool{
		dev:    dev,
		size:   size,
		access: access,
		pool:   make(chan *MemoryRegion, capacity),
	}, nil
}

// Acquire returns a pooled region or registers a new one. Callers must
// Release it when finished.
func (p *RegionPool) Acquire() (*MemoryRegion, error) {
	if p == nil {
		return nil, errors.New("verbs: nil RegionPool")
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case mr := <-p.pool:
		return mr, nil
	default:
		return p.dev.RegisterHost(make([]byte, p.size), p.access)
	}
}

// Release returns the region to the pool. Regions of the wrong size, regions
// released after Close and regions that do not fit are closed instead.
func (p *RegionPool) Release(mr *MemoryRegion) {
	if p == nil || mr == nil || mr.Closed() {
		return
	}
	if p.closed.Load() || mr.Size() != uint64(p.size) || mr.Kind() != HostMemory {
		_ = mr.Close()
		return
	}
	select {
	case p.pool <- mr:
	default:
		_ = mr.Close()
	}
}

// Idle reports how many regions are waiting in the pool.
func (p *RegionPool) Idle() int {
	if p == nil {
		return 0
	}
	return len(p.pool)
}

// Close releases all pooled regions and prevents further acquisitions.
func (p *RegionPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case mr := <-p.pool:
			_ = mr.Close()
		default:
			return
		}
	}
}
