package client

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
	sessionStarted  *prometheus.CounterVec
	sessionStopped  *prometheus.CounterVec
	transferAborted *prometheus.CounterVec
	writeCompleted  *prometheus.CounterVec
	writeFailed     *prometheus.CounterVec
	readCompleted   *prometheus.CounterVec
	readFailed      *prometheus.CounterVec
}

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
		sessionStarted:  counter("xfer_client_session_started_total", "Number of client sessions opened", sessionLabelKeys),
		sessionStopped:  counter("xfer_client_session_stopped_total", "Number of client sessions closed", sessionLabelKeys),
		transferAborted: counter("xfer_client_transfer_aborted_total", "Number of transfers ended by the engine through a timeout or pipe abort", abortLabelKeys),
		writeCompleted:  counter("xfer_client_write_completed_total", "Number of successful write completions", completionLabelKeys),
		writeFailed:     counter("xfer_client_write_failed_total", "Number of failed write completions", completionLabelKeys),
		readCompleted:   counter("xfer_client_read_completed_total", "Number of successful read completions", completionLabelKeys),
		readFailed:      counter("xfer_client_read_failed_total", "Number of failed read completions", completionLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.sessionStarted,
		&p.sessionStopped,
		&p.transferAborted,
		&p.writeCompleted,
		&p.writeFailed,
		&p.readCompleted,
		&p.readFailed,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

var (
	sessionLabelKeys    = []string{labelBus, labelDevice, labelEndpoint}
	abortLabelKeys      = []string{labelBus, labelDevice, labelEndpoint, labelKind}
	completionLabelKeys = []string{labelBus, labelDevice, labelEndpoint, labelOperation, labelStatus}
)

func (p *PrometheusMetrics) SessionStarted(attrs map[string]string) {
	p.sessionStarted.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SessionStopped(attrs map[string]string) {
	p.sessionStopped.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferAborted(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, abortLabelKeys...)
	labs[labelKind] = kind
	p.transferAborted.With(labs).Inc()
}

func (p *PrometheusMetrics) WriteCompleted(attrs map[string]string) {
	p.writeCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WriteFailed(_ error, attrs map[string]string) {
	p.writeFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReadCompleted(attrs map[string]string) {
	p.readCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReadFailed(_ error, attrs map[string]string) {
	p.readFailed.With(labels(attrs, completionLabelKeys...)).Inc()
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
