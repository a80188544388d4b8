// Package loopback implements an in-process verbs provider. Every device opened
// through one Provider is attached to the same simulated fabric, so queue pairs
// created on those devices can be connected and move data without RDMA
// hardware. Memory operations act on the registered Go buffers directly.
package loopback

import (
	"encoding/binary"
	"sync"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

const (
	// DefaultDeviceName is the device exposed when no names are configured.
	DefaultDeviceName = "lb0"

	providerName = "loopback"
	maxQPWR      = 16384
	maxCQE       = 65536
	maxSGE       = 32
	maxInline    = 256
	gidTableLen  = 1
	baseGUID     = 0x0002c90300a10000
)

// Option customises a loopback Provider.
type Option func(*config)

type config struct {
	devices []string
	ports   uint8
}

// WithDevices sets the device names reported by Devices, in enumeration order.
func WithDevices(names ...string) Option {
	return func(c *config) {
		c.devices = append([]string(nil), names...)
	}
}

// WithPorts sets the number of physical ports per device.
func WithPorts(n uint8) Option {
	return func(c *config) {
		if n > 0 {
			c.ports = n
		}
	}
}

// Provider is a loopback verbs provider. It is safe for concurrent use.
type Provider struct {
	mu  sync.Mutex
	cfg config

	nextHandle provider.Handle
	nextQPN    uint32
	nextKey    uint32

	devices map[provider.Handle]*device
	pds     map[provider.Handle]*protectionDomain
	rds     map[provider.Handle]*resourceDomain
	dms     map[provider.Handle]*deviceMemory
	mrs     map[provider.Handle]*region
	cqs     map[provider.Handle]*completionQueue
	qps     map[provider.Handle]*queuePair

	lkeys map[uint32]*region
	rkeys map[uint32]*region
	qpns  map[uint32]*queuePair
}

var _ provider.Provider = (*Provider)(nil)

type device struct {
	handle provider.Handle
	index  int
	name   string
	ports  uint8
	refs   int
}

type protectionDomain struct {
	handle provider.Handle
	dev    *device
	refs   int
}

type resourceDomain struct {
	handle provider.Handle
	dev    *device
	attr   provider.ResourceDomainAttr
	refs   int
}

// New constructs a loopback provider.
func New(opts ...Option) *Provider {
	cfg := config{ports: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if len(cfg.devices) == 0 {
		cfg.devices = []string{DefaultDeviceName}
	}
	return &Provider{
		cfg:     cfg,
		nextQPN: 0x100,
		nextKey: 0x10,
		devices: make(map[provider.Handle]*device),
		pds:     make(map[provider.Handle]*protectionDomain),
		rds:     make(map[provider.Handle]*resourceDomain),
		dms:     make(map[provider.Handle]*deviceMemory),
		mrs:     make(map[provider.Handle]*region),
		cqs:     make(map[provider.Handle]*completionQueue),
		qps:     make(map[provider.Handle]*queuePair),
		lkeys:   make(map[uint32]*region),
		rkeys:   make(map[uint32]*region),
		qpns:    make(map[uint32]*queuePair),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return providerName }

// Devices implements provider.Provider.
func (p *Provider) Devices() ([]string, error) {
	return append([]string(nil), p.cfg.devices...), nil
}

func (p *Provider) handle() provider.Handle {
	p.nextHandle++
	return p.nextHandle
}

func opErr(code provider.Errno, op string) error {
	return code.WithOp(providerName + " " + op)
}

// OpenDevice implements provider.Provider. Opening the same name twice yields
// two contexts on the same simulated adapter.
func (p *Provider) OpenDevice(name string) (provider.Handle, provider.DeviceAttr, error) {
	index := -1
	for i, n := range p.cfg.devices {
		if n == name {
			index = i
			break
		}
	}
	if index < 0 {
		return 0, provider.DeviceAttr{}, opErr(provider.ErrNoDevice, "open_device")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	dev := &device{handle: p.handle(), index: index, name: name, ports: p.cfg.ports}
	p.devices[dev.handle] = dev
	return dev.handle, provider.DeviceAttr{
		Name:        name,
		NodeGUID:    guidFor(index),
		PhysPortCnt: dev.ports,
		MaxQPWR:     maxQPWR,
		MaxCQE:      maxCQE,
		MaxSGE:      maxSGE,
	}, nil
}

// CloseDevice implements provider.Provider.
func (p *Provider) CloseDevice(h provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[h]
	if !ok {
		return opErr(provider.ErrInvalid, "close_device")
	}
	if dev.refs > 0 {
		return opErr(provider.ErrBusy, "close_device")
	}
	delete(p.devices, h)
	return nil
}

// QueryPort implements provider.Provider.
func (p *Provider) QueryPort(h provider.Handle, port uint8) (provider.PortAttr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[h]
	if !ok {
		return provider.PortAttr{}, opErr(provider.ErrInvalid, "query_port")
	}
	if port == 0 || port > dev.ports {
		return provider.PortAttr{}, opErr(provider.ErrInvalid, "query_port")
	}
	return provider.PortAttr{
		State:     provider.PortActive,
		LID:       lidFor(dev.index, port),
		ActiveMTU: provider.MTU4096,
		GIDTblLen: gidTableLen,
	}, nil
}

// QueryGID implements provider.Provider.
func (p *Provider) QueryGID(h provider.Handle, port uint8, index int) (provider.GID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[h]
	if !ok {
		return provider.GID{}, opErr(provider.ErrInvalid, "query_gid")
	}
	if port == 0 || port > dev.ports || index < 0 || index >= gidTableLen {
		return provider.GID{}, opErr(provider.ErrInvalid, "query_gid")
	}
	return gidFor(dev.index, port), nil
}

// AllocPD implements provider.Provider.
func (p *Provider) AllocPD(h provider.Handle) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[h]
	if !ok {
		return 0, opErr(provider.ErrInvalid, "alloc_pd")
	}
	pd := &protectionDomain{handle: p.handle(), dev: dev}
	p.pds[pd.handle] = pd
	dev.refs++
	return pd.handle, nil
}

// DeallocPD implements provider.Provider.
func (p *Provider) DeallocPD(h provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, ok := p.pds[h]
	if !ok {
		return opErr(provider.ErrInvalid, "dealloc_pd")
	}
	if pd.refs > 0 {
		return opErr(provider.ErrBusy, "dealloc_pd")
	}
	pd.dev.refs--
	delete(p.pds, h)
	return nil
}

// CreateResourceDomain implements provider.Provider.
func (p *Provider) CreateResourceDomain(h provider.Handle, attr provider.ResourceDomainAttr) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[h]
	if !ok {
		return 0, opErr(provider.ErrInvalid, "create_res_domain")
	}
	if attr.Thread > provider.ThreadSingle || attr.Message > provider.MessageForceLowLatency {
		return 0, opErr(provider.ErrInvalid, "create_res_domain")
	}
	rd := &resourceDomain{handle: p.handle(), dev: dev, attr: attr}
	p.rds[rd.handle] = rd
	dev.refs++
	return rd.handle, nil
}

// DestroyResourceDomain implements provider.Provider.
func (p *Provider) DestroyResourceDomain(h provider.Handle, rdh provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rd, ok := p.rds[rdh]
	if !ok || rd.dev.handle != h {
		return opErr(provider.ErrInvalid, "destroy_res_domain")
	}
	if rd.refs > 0 {
		return opErr(provider.ErrBusy, "destroy_res_domain")
	}
	rd.dev.refs--
	delete(p.rds, rdh)
	return nil
}

func (p *Provider) lookupRD(dev *device, h provider.Handle) (*resourceDomain, bool) {
	if h == 0 {
		return nil, true
	}
	rd, ok := p.rds[h]
	if !ok || rd.dev != dev {
		return nil, false
	}
	return rd, true
}

func guidFor(index int) uint64 {
	return baseGUID + uint64(index)<<8
}

func gidFor(index int, port uint8) provider.GID {
	var gid provider.GID
	gid[0], gid[1] = 0xfe, 0x80
	binary.BigEndian.PutUint64(gid[8:], guidFor(index)+uint64(port))
	return gid
}

func lidFor(index int, port uint8) uint16 {
	return uint16(index*16) + uint16(port)
}
