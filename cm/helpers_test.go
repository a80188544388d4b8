package cm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/verbs-go/loopback"
	"github.com/rocketbitz/verbs-go/verbs"
)

const testHost = "127.0.0.1"

// memNetwork is an in-process Handshake Transport keyed by listen address.
type memNetwork struct {
	mu      sync.Mutex
	servers map[string]*memServer
}

func newMemNetwork() *memNetwork {
	return &memNetwork{servers: make(map[string]*memServer)}
}

func (n *memNetwork) listen(addr string) (Server, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.servers[addr]; ok {
		return nil, fmt.Errorf("address %s in use", addr)
	}
	srv := &memServer{
		network:  n,
		addr:     addr,
		handlers: make(map[Procedure]Handler),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
	n.servers[addr] = srv
	return srv, nil
}

func (n *memNetwork) dial(_ context.Context, addr string) (Caller, error) {
	n.mu.Lock()
	srv, ok := n.servers[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	return &memCaller{srv: srv}, nil
}

type memServer struct {
	network *memNetwork
	addr    string

	mu       sync.Mutex
	handlers map[Procedure]Handler
	ready    chan struct{}
	bound    sync.Once

	stop     chan struct{}
	stopOnce sync.Once
}

func (s *memServer) Bind(proc Procedure, h Handler) {
	s.mu.Lock()
	s.handlers[proc] = h
	s.mu.Unlock()
	s.bound.Do(func() { close(s.ready) })
}

func (s *memServer) Run() error {
	<-s.stop
	s.network.mu.Lock()
	delete(s.network.servers, s.addr)
	s.network.mu.Unlock()
	return nil
}

func (s *memServer) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *memServer) Addr() string { return s.addr }

type memCaller struct {
	srv *memServer
}

func (c *memCaller) Call(ctx context.Context, proc Procedure, payload []byte) ([]byte, error) {
	select {
	case <-c.srv.ready:
	case <-c.srv.stop:
		return nil, errors.New("server stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.srv.mu.Lock()
	h, ok := c.srv.handlers[proc]
	c.srv.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("procedure %s not bound", proc)
	}
	return h(ctx, append([]byte(nil), payload...))
}

func (c *memCaller) Close() error { return nil }

func openDevice(t *testing.T, opts ...loopback.Option) *verbs.Device {
	t.Helper()
	dev, err := verbs.Open(loopback.New(opts...), verbs.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("verbs.Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Errorf("device Close failed: %v", err)
		}
	})
	return dev
}

func mustInfo(t *testing.T, qp *verbs.QueuePair) verbs.QPInfo {
	t.Helper()
	info, err := qp.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	return info
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func closeConn(t *testing.T, c Conn) {
	t.Helper()
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("conn Close failed: %v", err)
		}
	})
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if hasLogEvent(logs, event) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func logValue(logs *observer.ObservedLogs, event, key string) (any, bool) {
	for _, entry := range logs.All() {
		ctx := entry.ContextMap()
		if ctx["event"] != event {
			continue
		}
		v, ok := ctx[key]
		return v, ok
	}
	return nil, false
}

type metricRecorder struct {
	mu                 sync.Mutex
	serverStarted      int
	serverStopped      int
	handshakeCompleted map[string]int
	handshakeFailed    []string
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{handshakeCompleted: make(map[string]int)}
}

func (m *metricRecorder) ServerStarted(_ map[string]string) {
	m.mu.Lock()
	m.serverStarted++
	m.mu.Unlock()
}

func (m *metricRecorder) ServerStopped(_ map[string]string) {
	m.mu.Lock()
	m.serverStopped++
	m.mu.Unlock()
}

func (m *metricRecorder) HandshakeCompleted(attrs map[string]string) {
	m.mu.Lock()
	m.handshakeCompleted[attrs[labelRole]]++
	m.mu.Unlock()
}

func (m *metricRecorder) HandshakeFailed(_ error, attrs map[string]string) {
	m.mu.Lock()
	m.handshakeFailed = append(m.handshakeFailed, attrs[labelRole]+"/"+attrs[labelStage])
	m.mu.Unlock()
}

type metricSnapshot struct {
	ServerStarted      int
	ServerStopped      int
	HandshakeCompleted map[string]int
	HandshakeFailed    []string
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	completed := make(map[string]int, len(m.handshakeCompleted))
	for k, v := range m.handshakeCompleted {
		completed[k] = v
	}
	return metricSnapshot{
		ServerStarted:      m.serverStarted,
		ServerStopped:      m.serverStopped,
		HandshakeCompleted: completed,
		HandshakeFailed:    append([]string(nil), m.handshakeFailed...),
	}
}
