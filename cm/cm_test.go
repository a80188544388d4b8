package cm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/verbs-go/loopback"
	"github.com/rocketbitz/verbs-go/verbs"
)

func TestNewValidation(t *testing.T) {
	dev := openDevice(t)
	network := newMemNetwork()

	if _, err := New(Config{Dial: network.dial}); err == nil {
		t.Fatal("expected error without device")
	}
	if _, err := New(Config{Device: dev}); err == nil {
		t.Fatal("expected error without dialer or listener")
	}

	m := newManager(t, Config{Device: dev, Dial: network.dial})
	cfg := m.Config()
	if cfg.Port != verbs.DefaultHandshakePort {
		t.Fatalf("unexpected handshake port %d", cfg.Port)
	}
	if cfg.IBPort != verbs.DefaultPort {
		t.Fatalf("unexpected ib port %d", cfg.IBPort)
	}
	if cfg.QPDepth != verbs.DefaultQPDepth || cfg.CQDepth != verbs.DefaultCQDepth {
		t.Fatalf("unexpected depths qp=%d cq=%d", cfg.QPDepth, cfg.CQDepth)
	}
}

func TestAddress(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{host: "10.0.0.1", want: "10.0.0.1:9000"},
		{host: "10.0.0.1:7000", want: "10.0.0.1:7000"},
		{host: "", want: ":9000"},
		{host: "fe80::1", want: "[fe80::1]:9000"},
	}
	for _, tc := range cases {
		if got := address(tc.host, 9000); got != tc.want {
			t.Fatalf("address(%q) = %q want %q", tc.host, got, tc.want)
		}
	}
}

func TestProcedureString(t *testing.T) {
	if ProcEstablish.String() != "establish" {
		t.Fatalf("unexpected name %q", ProcEstablish.String())
	}
	if got := Procedure(7).String(); got != "procedure(7)" {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestEstablishAndTransfer(t *testing.T) {
	dev := openDevice(t)
	network := newMemNetwork()
	metrics := newMetricRecorder()

	acceptor := newManager(t, Config{Device: dev, Listen: network.listen, Host: testHost, Metrics: metrics})
	initiator := newManager(t, Config{Device: dev, Dial: network.dial, Metrics: metrics})

	payload := []byte("establish over loopback")
	recvMR, err := dev.RegisterHost(make([]byte, 64), verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	t.Cleanup(func() { _ = recvMR.Close() })
	sendMR, err := dev.RegisterHost(append([]byte(nil), payload...), verbs.AccessReadOnly)
	if err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	t.Cleanup(func() { _ = sendMR.Close() })

	srv, err := network.listen(address(testHost, acceptor.Config().Port))
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	accepted := make(chan Conn, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptor.Serve(gctx, srv, func(c Conn) bool {
			whole, err := recvMR.Whole()
			if err != nil {
				t.Errorf("Whole failed: %v", err)
				return true
			}
			if err := c.QP.PostRecv(dev.NewRecvRequest(whole).SetID(1)); err != nil {
				t.Errorf("PostRecv failed: %v", err)
			}
			accepted <- c
			return true
		})
	})

	var client Conn
	g.Go(func() error {
		var err error
		client, err = initiator.Dial(gctx, testHost)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	server := <-accepted
	closeConn(t, client)
	closeConn(t, server)

	if want := mustInfo(t, server.QP); client.Peer != want {
		t.Fatalf("initiator peer %+v want %+v", client.Peer, want)
	}
	if want := mustInfo(t, client.QP); server.Peer != want {
		t.Fatalf("acceptor peer %+v want %+v", server.Peer, want)
	}
	if client.QP.State() != verbs.StateRTS || server.QP.State() != verbs.StateRTS {
		t.Fatalf("expected both queue pairs in RTS, got %s and %s", client.QP.State(), server.QP.State())
	}

	whole, err := sendMR.Whole()
	if err != nil {
		t.Fatalf("Whole failed: %v", err)
	}
	req := dev.NewSendRequest(whole).SetOpcode(verbs.OpSend).SetID(2)
	if err := client.QP.Post(req); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	wcs, err := server.RecvCQ.PollContext(ctx, 1)
	if err != nil {
		t.Fatalf("PollContext failed: %v", err)
	}
	if wcs[0].Status != verbs.StatusSuccess || wcs[0].ID != 1 || int(wcs[0].ByteLen) != len(payload) {
		t.Fatalf("unexpected completion %+v", wcs[0])
	}
	if got := string(recvMR.Bytes()[:len(payload)]); got != string(payload) {
		t.Fatalf("unexpected payload %q", got)
	}

	snap := metrics.Snapshot()
	if snap.ServerStarted != 1 || snap.ServerStopped != 1 {
		t.Fatalf("unexpected server metrics %+v", snap)
	}
	if snap.HandshakeCompleted[roleInitiator] != 1 || snap.HandshakeCompleted[roleAcceptor] != 1 {
		t.Fatalf("unexpected handshake metrics %+v", snap.HandshakeCompleted)
	}
	if len(snap.HandshakeFailed) != 0 {
		t.Fatalf("unexpected failures %v", snap.HandshakeFailed)
	}
}

func TestConnectKeepsBoundPort(t *testing.T) {
	dev := openDevice(t, loopback.WithPorts(2))
	network := newMemNetwork()
	acceptor := newManager(t, Config{Device: dev, Listen: network.listen, Host: testHost})
	initiator := newManager(t, Config{Device: dev, Dial: network.dial})

	cq, err := dev.CreateCompletionQueue()
	if err != nil {
		t.Fatalf("CreateCompletionQueue failed: %v", err)
	}
	qp, err := dev.CreateQueuePair(verbs.TransportRC, cq, cq)
	if err != nil {
		t.Fatalf("CreateQueuePair failed: %v", err)
	}
	t.Cleanup(func() {
		_ = qp.Close()
		_ = cq.Close()
	})
	if err := qp.BindPort(2); err != nil {
		t.Fatalf("BindPort failed: %v", err)
	}
	advertised := mustInfo(t, qp)

	srv, err := network.listen(address(testHost, acceptor.Config().Port))
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	accepted := make(chan Conn, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptor.Serve(gctx, srv, func(c Conn) bool {
			accepted <- c
			return true
		})
	})
	var peer verbs.QPInfo
	g.Go(func() error {
		var err error
		peer, err = initiator.Connect(gctx, qp, testHost)
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	server := <-accepted
	closeConn(t, server)

	if qp.Port() != 2 {
		t.Fatalf("queue pair moved to port %d", qp.Port())
	}
	if server.Peer != advertised || mustInfo(t, qp) != advertised {
		t.Fatalf("acceptor peer %+v want %+v", server.Peer, advertised)
	}
	if want := mustInfo(t, server.QP); peer != want {
		t.Fatalf("initiator peer %+v want %+v", peer, want)
	}
	if qp.State() != verbs.StateRTS {
		t.Fatalf("expected RTS, got %s", qp.State())
	}
}

func TestRunServerStopsOnContextCancel(t *testing.T) {
	dev := openDevice(t)
	network := newMemNetwork()
	metrics := newMetricRecorder()
	logger, logs := newObservedLogger()
	m := newManager(t, Config{
		Device:           dev,
		Listen:           network.listen,
		Host:             testHost,
		Port:             9100,
		StructuredLogger: logger,
		Metrics:          metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.RunServer(ctx, func(Conn) {})
	}()
	if !waitForLogEvent(logs, "listen", time.Second) {
		t.Fatal("server never logged listen")
	}
	if addr, _ := logValue(logs, "listen", "addr"); addr != "127.0.0.1:9100" {
		t.Fatalf("unexpected listen addr %v", addr)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunServer returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunServer did not stop after cancel")
	}
	if !hasLogEvent(logs, "stopped") {
		t.Fatal("expected stopped log event")
	}
	snap := metrics.Snapshot()
	if snap.ServerStarted != 1 || snap.ServerStopped != 1 {
		t.Fatalf("unexpected server metrics %+v", snap)
	}
}

func TestRunServerKeepsAccepting(t *testing.T) {
	dev := openDevice(t)
	network := newMemNetwork()
	logger, logs := newObservedLogger()
	acceptor := newManager(t, Config{Device: dev, Listen: network.listen, Host: testHost, StructuredLogger: logger})
	initiator := newManager(t, Config{Device: dev, Dial: network.dial})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conns := make(chan Conn, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- acceptor.RunServer(ctx, func(c Conn) { conns <- c })
	}()
	if !waitForLogEvent(logs, "listen", time.Second) {
		t.Fatal("server never logged listen")
	}

	for i := 0; i < 3; i++ {
		c, err := initiator.Dial(ctx, testHost)
		if err != nil {
			t.Fatalf("Dial %d failed: %v", i, err)
		}
		closeConn(t, c)
		closeConn(t, <-conns)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("RunServer returned %v", err)
	}
}

func TestConnectRequiresRC(t *testing.T) {
	dev := openDevice(t)
	m := newManager(t, Config{Device: dev, Dial: newMemNetwork().dial})

	cq, err := dev.CreateCompletionQueue()
	if err != nil {
		t.Fatalf("CreateCompletionQueue failed: %v", err)
	}
	defer cq.Close()
	qp, err := dev.CreateQueuePair(verbs.TransportUD, cq, cq)
	if err != nil {
		t.Fatalf("CreateQueuePair failed: %v", err)
	}
	defer qp.Close()

	_, err = m.Connect(context.Background(), qp, testHost)
	var cfgErr *verbs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if _, err := m.Connect(context.Background(), nil, testHost); !errors.As(err, new(verbs.ErrInvalidHandle)) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestConnectDialFailure(t *testing.T) {
	dev := openDevice(t)
	metrics := newMetricRecorder()
	logger, logs := newObservedLogger()
	m := newManager(t, Config{Device: dev, Dial: newMemNetwork().dial, StructuredLogger: logger, Metrics: metrics})

	if _, err := m.Dial(context.Background(), testHost); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected dial error, got %v", err)
	}
	if stage, _ := logValue(logs, "handshake_error", labelStage); stage != "dial" {
		t.Fatalf("unexpected failure stage %v", stage)
	}
	snap := metrics.Snapshot()
	if len(snap.HandshakeFailed) != 1 || snap.HandshakeFailed[0] != "initiator/dial" {
		t.Fatalf("unexpected failure metrics %v", snap.HandshakeFailed)
	}
}

type fixedCaller struct {
	resp []byte
	err  error
}

func (f fixedCaller) Call(context.Context, Procedure, []byte) ([]byte, error) { return f.resp, f.err }
func (f fixedCaller) Close() error                                          { return nil }

func TestConnectRejectsMalformedResponse(t *testing.T) {
	dev := openDevice(t)
	metrics := newMetricRecorder()
	dial := func(context.Context, string) (Caller, error) {
		return fixedCaller{resp: []byte{0x01, 0x02}}, nil
	}
	m := newManager(t, Config{Device: dev, Dial: dial, Metrics: metrics})

	if _, err := m.Dial(context.Background(), testHost); err == nil {
		t.Fatal("expected decode failure")
	}
	snap := metrics.Snapshot()
	if len(snap.HandshakeFailed) != 1 || snap.HandshakeFailed[0] != "initiator/decode" {
		t.Fatalf("unexpected failure metrics %v", snap.HandshakeFailed)
	}
}

func TestAcceptorRejectsMalformedRequest(t *testing.T) {
	dev := openDevice(t)
	network := newMemNetwork()
	metrics := newMetricRecorder()
	m := newManager(t, Config{Device: dev, Listen: network.listen, Host: testHost, Metrics: metrics})

	srv, err := network.listen(address(testHost, m.Config().Port))
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Serve(ctx, srv, func(Conn) bool {
			t.Error("callback must not run for a failed handshake")
			return true
		})
	}()

	caller, err := network.dial(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := caller.Call(ctx, ProcEstablish, []byte("short")); err == nil {
		t.Fatal("expected acceptor to reject a truncated identity")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	snap := metrics.Snapshot()
	if len(snap.HandshakeFailed) != 1 || snap.HandshakeFailed[0] != "acceptor/decode" {
		t.Fatalf("unexpected failure metrics %v", snap.HandshakeFailed)
	}
}

func TestConnClose(t *testing.T) {
	dev := openDevice(t)
	m := newManager(t, Config{Device: dev, Dial: newMemNetwork().dial})
	c, err := m.newConn()
	if err != nil {
		t.Fatalf("newConn failed: %v", err)
	}
	if c.QP.Transport() != verbs.TransportRC {
		t.Fatalf("unexpected transport %s", c.QP.Transport())
	}
	if c.QP.Features()&verbs.FeatureExtendedAtomics == 0 {
		t.Fatal("expected extended atomics")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.QP.Close(); err != nil {
		t.Fatalf("second QP Close should be a no-op, got %v", err)
	}
}
