// Package cm establishes RC queue pairs between two hosts. Both sides exchange
// their verbs.QPInfo over a request/response Handshake Transport and drive
// their queue pair to RTS against the identity they received.
package cm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rocketbitz/verbs-go/verbs"
)

// Procedure identifies a handshake transport procedure.
type Procedure uint32

// ProcEstablish exchanges queue pair identities.
const ProcEstablish Procedure = 1

func (p Procedure) String() string {
	if p == ProcEstablish {
		return "establish"
	}
	return "procedure(" + strconv.FormatUint(uint64(p), 10) + ")"
}

// Handler serves one procedure call on the acceptor side.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Caller is the initiator side of a Handshake Transport.
type Caller interface {
	Call(ctx context.Context, proc Procedure, payload []byte) ([]byte, error)
	Close() error
}

// Server is the acceptor side of a Handshake Transport. Run blocks until Stop
// is called and returns nil in that case. Stop may precede Run.
type Server interface {
	Bind(proc Procedure, h Handler)
	Run() error
	Stop() error
	Addr() string
}

// Dialer connects a Caller to addr ("host:port").
type Dialer func(ctx context.Context, addr string) (Caller, error)

// ListenFunc binds a Server to addr ("host:port").
type ListenFunc func(addr string) (Server, error)

// Config controls a Manager.
type Config struct {
	Device *verbs.Device
	Dial   Dialer
	Listen ListenFunc

	// Host is the acceptor listen host; empty listens on all interfaces.
	Host string
	// Port is the handshake port; zero uses the device's HandshakePort.
	Port int
	// IBPort is the physical port queue pairs are bound to; zero uses the device's Port.
	IBPort  uint8
	QPDepth int
	CQDepth int

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Manager runs establish handshakes for one device.
type Manager struct {
	cfg Config
	dev *verbs.Device

	// serialises acceptor handshakes
	mu sync.Mutex
}

// New validates cfg and fills its defaults from the device configuration.
func New(cfg Config) (*Manager, error) {
	if cfg.Device == nil {
		return nil, errors.New("verbs cm: device required")
	}
	if cfg.Dial == nil && cfg.Listen == nil {
		return nil, errors.New("verbs cm: dialer or listener required")
	}
	devCfg := cfg.Device.Config()
	if cfg.Port <= 0 {
		cfg.Port = devCfg.HandshakePort
	}
	if cfg.IBPort == 0 {
		cfg.IBPort = devCfg.Port
	}
	if cfg.QPDepth <= 0 {
		cfg.QPDepth = devCfg.QPDepth
	}
	if cfg.CQDepth <= 0 {
		cfg.CQDepth = devCfg.CQDepth
	}
	return &Manager{cfg: cfg, dev: cfg.Device}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Conn is a connected queue pair and the completion queues it reports to.
// The receiver owns it and must Close it.
type Conn struct {
	QP     *verbs.QueuePair
	SendCQ *verbs.CompletionQueue
	RecvCQ *verbs.CompletionQueue
	Peer   verbs.QPInfo
}

// Close destroys the queue pair, then its completion queues.
func (c Conn) Close() error {
	var errs []error
	if err := c.QP.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.SendCQ != nil {
		if err := c.SendCQ.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RecvCQ != nil && c.RecvCQ != c.SendCQ {
		if err := c.RecvCQ.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newConn creates a fresh completion queue pair and an RC queue pair with
// extended atomics. Resources are released on failure.
func (m *Manager) newConn() (Conn, error) {
	sendCQ, err := m.dev.CreateCompletionQueue(verbs.WithCQDepth(m.cfg.CQDepth))
	if err != nil {
		return Conn{}, fmt.Errorf("create send completion queue: %w", err)
	}
	recvCQ, err := m.dev.CreateCompletionQueue(verbs.WithCQDepth(m.cfg.CQDepth))
	if err != nil {
		_ = sendCQ.Close()
		return Conn{}, fmt.Errorf("create recv completion queue: %w", err)
	}
	qp, err := m.dev.CreateQueuePair(verbs.TransportRC, sendCQ, recvCQ,
		verbs.WithDepth(m.cfg.QPDepth), verbs.WithFeatures(verbs.FeatureExtendedAtomics))
	if err != nil {
		_ = recvCQ.Close()
		_ = sendCQ.Close()
		return Conn{}, fmt.Errorf("create queue pair: %w", err)
	}
	return Conn{QP: qp, SendCQ: sendCQ, RecvCQ: recvCQ}, nil
}

// address appends the handshake port to host unless it already carries one.
func address(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
