package cm

import (
	"fmt"
	"strings"
)

// Logger provides debug logging hooks for the connection manager.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies both Logger and StructuredLogger.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to handshake spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap handshakes.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records handshake lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures connection manager telemetry events.
type MetricHook interface {
	ServerStarted(attrs map[string]string)
	ServerStopped(attrs map[string]string)
	HandshakeCompleted(attrs map[string]string)
	HandshakeFailed(err error, attrs map[string]string)
}

const (
	labelDevice = "device"
	labelRole   = "role"
	labelStage  = "stage"

	roleInitiator = "initiator"
	roleAcceptor  = "acceptor"

	spanHandshake = "verbs-cm-handshake"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (m *Manager) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	attrs[labelDevice] = m.dev.Name()
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (m *Manager) logEvent(event string, fields ...logField) {
	if m.cfg.StructuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		m.cfg.StructuredLogger.Debugw("verbs connection manager", kv...)
		return
	}
	if m.cfg.Logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	m.cfg.Logger.Debugf("cm %s", b.String())
}

func (m *Manager) metricServerStarted(fields ...logField) {
	if m.cfg.Metrics == nil {
		return
	}
	m.cfg.Metrics.ServerStarted(m.metricAttrs(fields...))
}

func (m *Manager) metricServerStopped(fields ...logField) {
	if m.cfg.Metrics == nil {
		return
	}
	m.cfg.Metrics.ServerStopped(m.metricAttrs(fields...))
}

func (m *Manager) metricHandshakeCompleted(fields ...logField) {
	if m.cfg.Metrics == nil {
		return
	}
	m.cfg.Metrics.HandshakeCompleted(m.metricAttrs(fields...))
}

func (m *Manager) metricHandshakeFailed(err error, fields ...logField) {
	if m.cfg.Metrics == nil {
		return
	}
	m.cfg.Metrics.HandshakeFailed(err, m.metricAttrs(fields...))
}

func (m *Manager) startHandshakeSpan(role, id, peer string) Span {
	if m.cfg.Tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "verbs-cm"},
		{Key: labelRole, Value: role},
		{Key: labelDevice, Value: m.dev.Name()},
		{Key: "handshake_id", Value: id},
	}
	if peer != "" {
		attrs = append(attrs, TraceAttribute{Key: "peer", Value: peer})
	}
	return m.cfg.Tracer.StartSpan(spanHandshake, attrs...)
}

// handshakeFailed logs, traces and counts a failed handshake and returns err.
func (m *Manager) handshakeFailed(span Span, role, stage string, err error, fields ...logField) error {
	fields = append(fields, logKV(labelRole, role), logKV(labelStage, stage), logKV("error", err))
	m.logEvent("handshake_error", fields...)
	spanAddEvent(span, "handshake_error", fields...)
	spanRecordError(span, err)
	m.metricHandshakeFailed(err, logKV(labelRole, role), logKV(labelStage, stage))
	return err
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
