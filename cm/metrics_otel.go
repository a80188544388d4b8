package cm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter              metric.Meter
	serverStarted      metric.Int64Counter
	serverStopped      metric.Int64Counter
	handshakeCompleted metric.Int64Counter
	handshakeFailed    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/verbs-go/cm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	serverStarted, err := meter.Int64Counter("verbs.cm.server.started")
	if err != nil {
		return nil, err
	}
	serverStopped, err := meter.Int64Counter("verbs.cm.server.stopped")
	if err != nil {
		return nil, err
	}
	handshakeCompleted, err := meter.Int64Counter("verbs.cm.handshake.completed")
	if err != nil {
		return nil, err
	}
	handshakeFailed, err := meter.Int64Counter("verbs.cm.handshake.failed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:              meter,
		serverStarted:      serverStarted,
		serverStopped:      serverStopped,
		handshakeCompleted: handshakeCompleted,
		handshakeFailed:    handshakeFailed,
	}, nil
}

// ServerStarted records that the handshake server started accepting.
func (o *OTelMetrics) ServerStarted(attrs map[string]string) {
	o.serverStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ServerStopped records that the handshake server exited.
func (o *OTelMetrics) ServerStopped(attrs map[string]string) {
	o.serverStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// HandshakeCompleted records a connected queue pair.
func (o *OTelMetrics) HandshakeCompleted(attrs map[string]string) {
	o.handshakeCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRole(attrs)...))
}

// HandshakeFailed records a failed handshake and the stage it failed in.
func (o *OTelMetrics) HandshakeFailed(_ error, attrs map[string]string) {
	kvs := otelAttrsWithRole(attrs)
	if v := attrs[labelStage]; v != "" {
		kvs = append(kvs, attribute.String(labelStage, v))
	}
	o.handshakeFailed.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(labelDevice, attrs[labelDevice])}
}

func otelAttrsWithRole(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelRole]; v != "" {
		kvs = append(kvs, attribute.String(labelRole, v))
	}
	return kvs
}
