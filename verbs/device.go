package verbs

import (
	"fmt"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

// Provider is the driver boundary a Device is opened against.
type Provider = provider.Provider

// Handle is an opaque provider resource reference.
type Handle = provider.Handle

// GID is a 128-bit global port identifier.
type GID = provider.GID

// ThreadModel selects the thread-safety hint passed to resource domain creation.
type ThreadModel = provider.ThreadModel

// MessageModel selects the message-rate hint passed to resource domain creation.
type MessageModel = provider.MessageModel

const (
	ThreadSafe   = provider.ThreadSafe
	ThreadUnsafe = provider.ThreadUnsafe
	ThreadSingle = provider.ThreadSingle

	MessageDefault         = provider.MessageDefault
	MessageHighBandwidth   = provider.MessageHighBandwidth
	MessageLowLatency      = provider.MessageLowLatency
	MessageForceLowLatency = provider.MessageForceLowLatency
)

// ResourceHints requests a resource domain tuned for the given thread and
// message models. The zero value skips resource domain creation.
type ResourceHints struct {
	Thread  ThreadModel
	Message MessageModel
}

// IsZero reports whether no hint is set.
func (h ResourceHints) IsZero() bool {
	return h.Thread == provider.ThreadNone && h.Message == provider.MessageNone
}

// Option customises Open.
type Option func(*openConfig)

type openConfig struct {
	name   string
	hints  ResourceHints
	logger *zap.Logger
	cfg    Config
}

// WithDeviceName opens the named device instead of the first enumerable one.
func WithDeviceName(name string) Option {
	return func(c *openConfig) {
		c.name = name
	}
}

// WithResourceHints requests a resource domain for the device.
func WithResourceHints(h ResourceHints) Option {
	return func(c *openConfig) {
		c.hints = h
	}
}

// WithLogger sets the logger used by the device and everything created from it.
func WithLogger(l *zap.Logger) Option {
	return func(c *openConfig) {
		c.logger = l
	}
}

// WithConfig replaces the device tunables. Zero fields take their defaults.
func WithConfig(cfg Config) Option {
	return func(c *openConfig) {
		c.cfg = cfg
	}
}

type portInfo struct {
	gid GID
	lid uint16
}

// Device is an open adapter with its protection domain and optional resource
// domain. Regions, completion queues and queue pairs created from it must be
// closed before the device.
type Device struct {
	prov     Provider
	handle   Handle
	pd       Handle
	rd       Handle
	name     string
	ports    []portInfo
	cfg      Config
	log      *zap.Logger
	children atomic.Int64
}

// Open opens a device through the provider, allocates its protection domain
// and caches the identity of every physical port.
func Open(p Provider, opts ...Option) (*Device, error) {
	oc := openConfig{cfg: DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&oc)
		}
	}
	cfg := oc.cfg.withDefaults()
	log := oc.logger
	if log == nil {
		log = zap.L()
	}
	if p == nil {
		return nil, &ConfigurationError{Op: "open device", Reason: "nil provider"}
	}

	name := oc.name
	if name == "" {
		name = cfg.DeviceName
	}
	names, err := p.Devices()
	if err != nil {
		log.Error("device enumeration failed", zap.String("provider", p.Name()), zap.Error(err))
		return nil, &ResourceError{Resource: "device list", Err: err}
	}
	if len(names) == 0 {
		log.Error("no rdma devices found", zap.String("provider", p.Name()))
		return nil, &ConfigurationError{Op: "open device", Reason: "no devices found"}
	}
	if name == "" {
		name = names[0]
	} else if !slices.Contains(names, name) {
		log.Error("rdma device not found", zap.String("device", name), zap.Strings("available", names))
		return nil, &ConfigurationError{Op: "open device", Reason: fmt.Sprintf("device %q not found", name)}
	}
	cfg.DeviceName = name
	log = log.With(zap.String("device", name))

	handle, attr, err := p.OpenDevice(name)
	if err != nil {
		log.Error("open device failed", zap.Error(err))
		return nil, &ResourceError{Resource: "device", Err: err}
	}

	ports := make([]portInfo, 0, attr.PhysPortCnt)
	for port := uint8(1); port <= attr.PhysPortCnt; port++ {
		pattr, err := p.QueryPort(handle, port)
		if err != nil {
			log.Error("query port failed", zap.Uint8("port", port), zap.Error(err))
			_ = p.CloseDevice(handle)
			return nil, &ResourceError{Resource: "port attributes", Err: err}
		}
		gid, err := p.QueryGID(handle, port, 0)
		if err != nil {
			log.Error("query gid failed", zap.Uint8("port", port), zap.Error(err))
			_ = p.CloseDevice(handle)
			return nil, &ResourceError{Resource: "port gid", Err: err}
		}
		ports = append(ports, portInfo{gid: gid, lid: pattr.LID})
	}

	pd, err := p.AllocPD(handle)
	if err != nil {
		log.Error("alloc protection domain failed", zap.Error(err))
		_ = p.CloseDevice(handle)
		return nil, &ResourceError{Resource: "protection domain", Err: err}
	}

	var rd Handle
	if oc.hints.IsZero() {
		log.Debug("no resource domain hints; skipping resource domain")
	} else {
		hints := oc.hints
		if hints.Thread == provider.ThreadNone {
			hints.Thread = ThreadSafe
		}
		if hints.Message == provider.MessageNone {
			hints.Message = MessageDefault
		}
		rd, err = p.CreateResourceDomain(handle, provider.ResourceDomainAttr{Thread: hints.Thread, Message: hints.Message})
		if err != nil {
			log.Error("create resource domain failed", zap.Error(err))
			_ = p.DeallocPD(pd)
			_ = p.CloseDevice(handle)
			return nil, &ResourceError{Resource: "resource domain", Err: err}
		}
	}

	log.Debug("device opened", zap.Uint8("ports", attr.PhysPortCnt), zap.Bool("resource_domain", rd != 0))
	return &Device{
		prov:   p,
		handle: handle,
		pd:     pd,
		rd:     rd,
		name:   name,
		ports:  ports,
		cfg:    cfg,
		log:    log,
	}, nil
}

// Close releases the resource domain, the protection domain and the device,
// in that order. It fails with ErrBusy while dependents remain open.
func (d *Device) Close() error {
	if d == nil || d.prov == nil {
		return nil
	}
	if n := d.children.Load(); n > 0 {
		d.log.Error("device close with open dependents", zap.Int64("dependents", n))
		return fmt.Errorf("close device %s: %d dependents open: %w", d.name, n, ErrBusy)
	}
	if d.rd != 0 {
		if err := d.prov.DestroyResourceDomain(d.handle, d.rd); err != nil {
			d.log.Error("destroy resource domain failed", zap.Error(err))
			return fmt.Errorf("close device %s: %w", d.name, err)
		}
		d.rd = 0
	}
	if d.pd != 0 {
		if err := d.prov.DeallocPD(d.pd); err != nil {
			d.log.Error("dealloc protection domain failed", zap.Error(err))
			return fmt.Errorf("close device %s: %w", d.name, err)
		}
		d.pd = 0
	}
	if err := d.prov.CloseDevice(d.handle); err != nil {
		d.log.Error("close device failed", zap.Error(err))
		return fmt.Errorf("close device %s: %w", d.name, err)
	}
	d.log.Debug("device closed")
	d.prov = nil
	d.handle = 0
	d.ports = nil
	return nil
}

func (d *Device) valid() bool {
	return d != nil && d.prov != nil
}

// Name returns the opened device name.
func (d *Device) Name() string {
	if d == nil {
		return ""
	}
	return d.name
}

// Config returns the tunables in effect for the device.
func (d *Device) Config() Config {
	if d == nil {
		return DefaultConfig()
	}
	return d.cfg
}

// Logger returns the device logger.
func (d *Device) Logger() *zap.Logger {
	if d == nil || d.log == nil {
		return zap.L()
	}
	return d.log
}

// Handle exposes the provider device handle.
func (d *Device) Handle() Handle {
	if d == nil {
		return 0
	}
	return d.handle
}

// ProtectionDomain exposes the provider protection domain handle.
func (d *Device) ProtectionDomain() Handle {
	if d == nil {
		return 0
	}
	return d.pd
}

// ResourceDomain exposes the resource domain handle, zero when none was created.
func (d *Device) ResourceDomain() Handle {
	if d == nil {
		return 0
	}
	return d.rd
}

// Ports returns the number of physical ports.
func (d *Device) Ports() int {
	if d == nil {
		return 0
	}
	return len(d.ports)
}

func (d *Device) port(op string, port uint8) (portInfo, error) {
	if !d.valid() {
		return portInfo{}, ErrInvalidHandle{"device"}
	}
	if port == 0 || int(port) > len(d.ports) {
		d.log.Error("port out of range", zap.String("op", op), zap.Uint8("port", port), zap.Int("ports", len(d.ports)))
		return portInfo{}, &ConfigurationError{Op: op, Reason: fmt.Sprintf("port %d out of range [1, %d]", port, len(d.ports))}
	}
	return d.ports[port-1], nil
}

// GID returns the cached GID (index 0) of the port.
func (d *Device) GID(port uint8) (GID, error) {
	info, err := d.port("gid", port)
	return info.gid, err
}

// PortLID returns the cached LID of the port.
func (d *Device) PortLID(port uint8) (uint16, error) {
	info, err := d.port("port lid", port)
	return info.lid, err
}

func (d *Device) retain()  { d.children.Add(1) }
func (d *Device) release() { d.children.Add(-1) }
