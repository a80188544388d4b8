package cm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestHandshakeStructuredLoggingAndTracing(t *testing.T) {
	dev := openDevice(t)
	network := newMemNetwork()
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := NewOTelTracer(tp.Tracer("verbs-cm-test"))

	acceptorLog, acceptorLogs := newObservedLogger()
	initiatorLog, initiatorLogs := newObservedLogger()
	acceptor := newManager(t, Config{Device: dev, Listen: network.listen, Host: testHost, StructuredLogger: acceptorLog, Tracer: tracer})
	initiator := newManager(t, Config{Device: dev, Dial: network.dial, StructuredLogger: initiatorLog, Tracer: tracer})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conns := make(chan Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- acceptor.RunServerUntil(ctx, func(c Conn) bool {
			conns <- c
			return true
		})
	}()
	if !waitForLogEvent(acceptorLogs, "listen", time.Second) {
		t.Fatal("acceptor never logged listen")
	}

	client, err := initiator.Dial(ctx, testHost)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	closeConn(t, client)
	closeConn(t, <-conns)
	if err := <-errCh; err != nil {
		t.Fatalf("RunServerUntil returned %v", err)
	}

	for _, event := range []string{"establish", "connected"} {
		if !hasLogEvent(initiatorLogs, event) {
			t.Fatalf("initiator missing %q log event", event)
		}
		if !hasLogEvent(acceptorLogs, event) {
			t.Fatalf("acceptor missing %q log event", event)
		}
	}
	if reason, _ := logValue(acceptorLogs, "stop", "reason"); reason != "callback" {
		t.Fatalf("unexpected stop reason %v", reason)
	}

	spans := handshakeSpans(recorder)
	if len(spans) != 2 {
		t.Fatalf("expected 2 handshake spans, got %d", len(spans))
	}
	roles := map[string]bool{}
	for _, span := range spans {
		var role string
		for _, kv := range span.Attributes() {
			if kv.Key == attribute.Key(labelRole) {
				role = kv.Value.AsString()
			}
		}
		roles[role] = true
		if !spanHasEvent(span, "connected") {
			t.Fatalf("%s span missing connected event", role)
		}
	}
	if !roles[roleInitiator] || !roles[roleAcceptor] {
		t.Fatalf("unexpected span roles %v", roles)
	}
}

func TestHandshakeFailureIsTraced(t *testing.T) {
	dev := openDevice(t)
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	boom := errors.New("peer reset")
	dial := func(context.Context, string) (Caller, error) {
		return fixedCaller{err: boom}, nil
	}
	m := newManager(t, Config{Device: dev, Dial: dial, Tracer: NewOTelTracer(tp.Tracer("verbs-cm-test"))})

	if _, err := m.Dial(context.Background(), testHost); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped call error, got %v", err)
	}
	spans := handshakeSpans(recorder)
	if len(spans) != 1 {
		t.Fatalf("expected 1 handshake span, got %d", len(spans))
	}
	if !spanHasEvent(spans[0], "handshake_error") {
		t.Fatal("span missing handshake_error event")
	}
	if !spanHasEvent(spans[0], "exception") {
		t.Fatal("span missing recorded error")
	}
}

func TestNewOTelTracerNil(t *testing.T) {
	if NewOTelTracer(nil) != nil {
		t.Fatal("expected nil tracer")
	}
}

func TestToAttribute(t *testing.T) {
	cases := []struct {
		in   TraceAttribute
		want attribute.KeyValue
	}{
		{TraceAttribute{Key: "s", Value: "x"}, attribute.String("s", "x")},
		{TraceAttribute{Key: "b", Value: true}, attribute.Bool("b", true)},
		{TraceAttribute{Key: "port", Value: uint8(1)}, attribute.Int("port", 1)},
		{TraceAttribute{Key: "qpn", Value: uint32(0x11)}, attribute.Int64("qpn", 0x11)},
		{TraceAttribute{Key: "proc", Value: ProcEstablish}, attribute.String("proc", "establish")},
		{TraceAttribute{Key: "err", Value: errors.New("bad")}, attribute.String("err", "bad")},
		{TraceAttribute{Value: 3}, attribute.String("undefined", "3")},
	}
	for _, tc := range cases {
		if got := toAttribute(tc.in); got != tc.want {
			t.Fatalf("toAttribute(%+v) = %v want %v", tc.in, got, tc.want)
		}
	}
}

func handshakeSpans(recorder *tracetest.SpanRecorder) []tracesdk.ReadOnlySpan {
	var out []tracesdk.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == spanHandshake {
			out = append(out, span)
		}
	}
	return out
}

func spanHasEvent(span tracesdk.ReadOnlySpan, event string) bool {
	for _, evt := range span.Events() {
		if evt.Name == event {
			return true
		}
	}
	return false
}
