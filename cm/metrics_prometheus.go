package cm

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	serverStarted      *prometheus.CounterVec
	serverStopped      *prometheus.CounterVec
	handshakeCompleted *prometheus.CounterVec
	handshakeFailed    *prometheus.CounterVec
}

var (
	serverLabelKeys    = []string{labelDevice}
	handshakeLabelKeys = []string{labelDevice, labelRole}
	failureLabelKeys   = []string{labelDevice, labelRole, labelStage}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Registering twice against the same registerer reuses the existing vectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		serverStarted:      counter("verbs_cm_server_started_total", "Number of times the handshake server started", serverLabelKeys),
		serverStopped:      counter("verbs_cm_server_stopped_total", "Number of times the handshake server stopped", serverLabelKeys),
		handshakeCompleted: counter("verbs_cm_handshake_completed_total", "Number of queue pairs connected through the establish handshake", handshakeLabelKeys),
		handshakeFailed:    counter("verbs_cm_handshake_failed_total", "Number of establish handshakes that failed", failureLabelKeys),
	}

	var err error
	if p.serverStarted, err = registerCounterVec(reg, p.serverStarted); err != nil {
		return nil, err
	}
	if p.serverStopped, err = registerCounterVec(reg, p.serverStopped); err != nil {
		return nil, err
	}
	if p.handshakeCompleted, err = registerCounterVec(reg, p.handshakeCompleted); err != nil {
		return nil, err
	}
	if p.handshakeFailed, err = registerCounterVec(reg, p.handshakeFailed); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) ServerStarted(attrs map[string]string) {
	p.serverStarted.With(labels(attrs, serverLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ServerStopped(attrs map[string]string) {
	p.serverStopped.With(labels(attrs, serverLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeCompleted(attrs map[string]string) {
	p.handshakeCompleted.With(labels(attrs, handshakeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) HandshakeFailed(_ error, attrs map[string]string) {
	p.handshakeFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
