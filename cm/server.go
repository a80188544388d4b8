package cm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rocketbitz/verbs-go/verbs"
)

// RunServer listens on the configured host and port and accepts connections
// until ctx is cancelled. fn receives every connected queue pair before the
// peer gets its response, so it may post receives but must not wait for
// traffic from that peer.
func (m *Manager) RunServer(ctx context.Context, fn func(Conn)) error {
	if fn == nil {
		return errors.New("verbs cm: nil connection callback")
	}
	return m.RunServerUntil(ctx, func(c Conn) bool {
		fn(c)
		return false
	})
}

// RunServerUntil is RunServer with a callback that may stop the server by
// returning true. The handshake response is still delivered to the peer.
func (m *Manager) RunServerUntil(ctx context.Context, fn func(Conn) bool) error {
	if m.cfg.Listen == nil {
		return errors.New("verbs cm: no listener configured")
	}
	addr := address(m.cfg.Host, m.cfg.Port)
	srv, err := m.cfg.Listen(addr)
	if err != nil {
		return fmt.Errorf("verbs cm: listen %s: %w", addr, err)
	}
	return m.Serve(ctx, srv, fn)
}

// Serve binds the establish procedure to srv and runs it until ctx is done,
// fn asks to stop, or srv fails. Handshakes are processed one at a time.
func (m *Manager) Serve(ctx context.Context, srv Server, fn func(Conn) bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if srv == nil {
		return errors.New("verbs cm: nil server")
	}
	if fn == nil {
		return errors.New("verbs cm: nil connection callback")
	}

	var stopping atomic.Bool
	stop := func() {
		if stopping.CompareAndSwap(false, true) {
			go func() {
				if err := srv.Stop(); err != nil {
					m.logEvent("stop_error", logKV("error", err))
				}
			}()
		}
	}

	srv.Bind(ProcEstablish, func(hctx context.Context, payload []byte) ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		resp, done, err := m.accept(hctx, payload, fn)
		if done {
			stop()
		}
		return resp, err
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.logEvent("stop", logKV("reason", ctx.Err()))
			stop()
		case <-done:
		}
	}()

	fields := []logField{logKV("addr", srv.Addr()), logKV("ib_port", m.cfg.IBPort)}
	m.logEvent("listen", fields...)
	m.metricServerStarted()
	err := srv.Run()
	m.metricServerStopped()
	if err != nil {
		m.logEvent("server_error", logKV("error", err))
		return fmt.Errorf("verbs cm: serve: %w", err)
	}
	m.logEvent("stopped", fields...)
	return nil
}

// accept handles one establish request. The returned bool reports whether
// the callback asked the server to stop.
func (m *Manager) accept(ctx context.Context, payload []byte, fn func(Conn) bool) ([]byte, bool, error) {
	id := uuid.NewString()
	span := m.startHandshakeSpan(roleAcceptor, id, "")
	fields := []logField{logKV("handshake_id", id)}

	var peer verbs.QPInfo
	if err := peer.UnmarshalBinary(payload); err != nil {
		err = m.handshakeFailed(span, roleAcceptor, "decode", err, fields...)
		finishSpan(span, err)
		return nil, false, err
	}
	fields = append(fields, logKV("remote_qpn", peer.QPN), logKV("remote_lid", peer.LID))
	m.logEvent("establish", fields...)

	if err := ctx.Err(); err != nil {
		err = m.handshakeFailed(span, roleAcceptor, "context", err, fields...)
		finishSpan(span, err)
		return nil, false, err
	}

	conn, err := m.newConn()
	if err != nil {
		err = m.handshakeFailed(span, roleAcceptor, "create", err, fields...)
		finishSpan(span, err)
		return nil, false, err
	}
	conn.Peer = peer
	fields = append(fields, logKV("qpn", conn.QP.QPN()))

	if err := conn.QP.Connect(peer, m.cfg.IBPort); err != nil {
		_ = conn.Close()
		err = m.handshakeFailed(span, roleAcceptor, "connect", err, fields...)
		finishSpan(span, err)
		return nil, false, err
	}
	local, err := conn.QP.Info()
	if err == nil {
		payload, err = local.MarshalBinary()
	}
	if err != nil {
		_ = conn.Close()
		err = m.handshakeFailed(span, roleAcceptor, "encode", err, fields...)
		finishSpan(span, err)
		return nil, false, err
	}

	m.logEvent("connected", fields...)
	spanAddEvent(span, "connected", fields...)
	finishSpan(span, nil)
	m.metricHandshakeCompleted(logKV(labelRole, roleAcceptor))

	stop := fn(conn)
	if stop {
		m.logEvent("stop", append(fields, logKV("reason", "callback"))...)
	}
	return payload, stop, nil
}
