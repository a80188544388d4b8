package cm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rocketbitz/verbs-go/verbs"
)

// Connect runs the initiator side of the establish handshake. qp must be an
// RC queue pair in Reset; host is "ip" or "ip:port". On success qp is in RTS
// and connected to the acceptor's queue pair, whose identity is returned.
func (m *Manager) Connect(ctx context.Context, qp *verbs.QueuePair, host string) (verbs.QPInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.cfg.Dial == nil {
		return verbs.QPInfo{}, errors.New("verbs cm: no dialer configured")
	}
	if qp == nil || qp.Device() == nil {
		return verbs.QPInfo{}, verbs.ErrInvalidHandle{Resource: "queue pair"}
	}
	if qp.Transport() != verbs.TransportRC {
		return verbs.QPInfo{}, &verbs.ConfigurationError{Op: "cm connect", Reason: "establish requires an rc queue pair"}
	}

	addr := address(host, m.cfg.Port)
	id := uuid.NewString()
	span := m.startHandshakeSpan(roleInitiator, id, addr)
	fields := []logField{logKV("handshake_id", id), logKV("peer", addr), logKV("qpn", qp.QPN())}
	m.logEvent("establish", fields...)

	peer, err := m.initiate(ctx, span, qp, addr, fields)
	if err != nil {
		finishSpan(span, err)
		return verbs.QPInfo{}, err
	}
	fields = append(fields, logKV("remote_qpn", peer.QPN))
	m.logEvent("connected", fields...)
	spanAddEvent(span, "connected", fields...)
	finishSpan(span, nil)
	m.metricHandshakeCompleted(logKV(labelRole, roleInitiator))
	return peer, nil
}

func (m *Manager) initiate(ctx context.Context, span Span, qp *verbs.QueuePair, addr string, fields []logField) (verbs.QPInfo, error) {
	// A queue pair bound beforehand keeps its port; Info advertises that
	// port's GID and LID, so Connect must use it too.
	port := qp.Port()
	if port == 0 {
		port = m.cfg.IBPort
		if err := qp.BindPort(port); err != nil {
			return verbs.QPInfo{}, m.handshakeFailed(span, roleInitiator, "bind", err, fields...)
		}
	}
	local, err := qp.Info()
	if err != nil {
		return verbs.QPInfo{}, m.handshakeFailed(span, roleInitiator, "info", err, fields...)
	}
	payload, err := local.MarshalBinary()
	if err != nil {
		return verbs.QPInfo{}, m.handshakeFailed(span, roleInitiator, "encode", err, fields...)
	}

	caller, err := m.cfg.Dial(ctx, addr)
	if err != nil {
		err = fmt.Errorf("verbs cm: dial %s: %w", addr, err)
		return verbs.QPInfo{}, m.handshakeFailed(span, roleInitiator, "dial", err, fields...)
	}
	defer caller.Close()

	resp, err := caller.Call(ctx, ProcEstablish, payload)
	if err != nil {
		err = fmt.Errorf("verbs cm: %s call to %s: %w", ProcEstablish, addr, err)
		return verbs.QPInfo{}, m.handshakeFailed(span, roleInitiator, "call", err, fields...)
	}
	var peer verbs.QPInfo
	if err := peer.UnmarshalBinary(resp); err != nil {
		return verbs.QPInfo{}, m.handshakeFailed(span, roleInitiator, "decode", err, fields...)
	}
	if err := qp.Connect(peer, port); err != nil {
		return verbs.QPInfo{}, m.handshakeFailed(span, roleInitiator, "connect", err, fields...)
	}
	return peer, nil
}

// Dial creates a fresh RC connection with its own completion queues and
// connects it to host.
func (m *Manager) Dial(ctx context.Context, host string) (Conn, error) {
	conn, err := m.newConn()
	if err != nil {
		return Conn{}, err
	}
	peer, err := m.Connect(ctx, conn.QP, host)
	if err != nil {
		_ = conn.Close()
		return Conn{}, err
	}
	conn.Peer = peer
	return conn, nil
}
