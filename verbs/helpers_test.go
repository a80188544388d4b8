package verbs

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/verbs-go/loopback"
)

func openDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	return openDeviceOn(t, loopback.New(), opts...)
}

func openDeviceOn(t *testing.T, p Provider, opts ...Option) *Device {
	t.Helper()
	dev, err := Open(p, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Errorf("device Close failed: %v", err)
		}
	})
	return dev
}

func observedDevice(t *testing.T) (*Device, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	dev := openDevice(t, WithLogger(zap.New(core)))
	return dev, logs
}

func registerHost(t *testing.T, dev *Device, size int, access Access) *MemoryRegion {
	t.Helper()
	mr, err := dev.RegisterHost(make([]byte, size), access)
	if err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	t.Cleanup(func() {
		if err := mr.Close(); err != nil {
			t.Errorf("region Close failed: %v", err)
		}
	})
	return mr
}

func slice(t *testing.T, mr *MemoryRegion, offset, length uint64) MemorySlice {
	t.Helper()
	s, err := mr.Slice(offset, length)
	if err != nil {
		t.Fatalf("Slice(%d, %d) failed: %v", offset, length, err)
	}
	return s
}

type endpoint struct {
	qp     *QueuePair
	sendCQ *CompletionQueue
	recvCQ *CompletionQueue
}

func newEndpoint(t *testing.T, dev *Device, transport Transport, opts ...QPOption) *endpoint {
	t.Helper()
	sendCQ, err := dev.CreateCompletionQueue()
	if err != nil {
		t.Fatalf("CreateCompletionQueue failed: %v", err)
	}
	recvCQ, err := dev.CreateCompletionQueue()
	if err != nil {
		t.Fatalf("CreateCompletionQueue failed: %v", err)
	}
	qp, err := dev.CreateQueuePair(transport, sendCQ, recvCQ, opts...)
	if err != nil {
		t.Fatalf("CreateQueuePair(%s) failed: %v", transport, err)
	}
	t.Cleanup(func() {
		if err := qp.Close(); err != nil {
			t.Errorf("queue pair Close failed: %v", err)
		}
		if err := sendCQ.Close(); err != nil {
			t.Errorf("send CQ Close failed: %v", err)
		}
		if err := recvCQ.Close(); err != nil {
			t.Errorf("recv CQ Close failed: %v", err)
		}
	})
	return &endpoint{qp: qp, sendCQ: sendCQ, recvCQ: recvCQ}
}

func info(t *testing.T, qp *QueuePair) QPInfo {
	t.Helper()
	i, err := qp.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	return i
}

// connectedPair returns two RC endpoints with extended atomics connected to
// each other.
func connectedPair(t *testing.T, dev *Device) (*endpoint, *endpoint) {
	t.Helper()
	a := newEndpoint(t, dev, TransportRC, WithFeatures(FeatureExtendedAtomics))
	b := newEndpoint(t, dev, TransportRC, WithFeatures(FeatureExtendedAtomics))
	ai, bi := info(t, a.qp), info(t, b.qp)
	if err := a.qp.Connect(bi, DefaultPort); err != nil {
		t.Fatalf("Connect a failed: %v", err)
	}
	if err := b.qp.Connect(ai, DefaultPort); err != nil {
		t.Fatalf("Connect b failed: %v", err)
	}
	return a, b
}
