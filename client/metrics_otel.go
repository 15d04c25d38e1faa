package client

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
	meter           metric.Meter
	sessionStarted  metric.Int64Counter
	sessionStopped  metric.Int64Counter
	transferAborted metric.Int64Counter
	writeCompleted  metric.Int64Counter
	writeFailed     metric.Int64Counter
	readCompleted   metric.Int64Counter
	readFailed      metric.Int64Counter
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
			name = "github.com/rocketbitz/xfer-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	for _, inst := range []struct {
		counter *metric.Int64Counter
		name    string
		desc    string
	}{
		{&o.sessionStarted, "xfer.client.session.started", "Client sessions opened"},
		{&o.sessionStopped, "xfer.client.session.stopped", "Client sessions closed"},
		{&o.transferAborted, "xfer.client.transfer.aborted", "Transfers ended by a timeout or pipe abort"},
		{&o.writeCompleted, "xfer.client.write.completed", "Successful write completions"},
		{&o.writeFailed, "xfer.client.write.failed", "Failed write completions"},
		{&o.readCompleted, "xfer.client.read.completed", "Successful read completions"},
		{&o.readFailed, "xfer.client.read.failed", "Failed read completions"},
	} {
		counter, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, err
		}
		*inst.counter = counter
	}
	return o, nil
}

// SessionStarted records that a client opened its pipes.
func (o *OTelMetrics) SessionStarted(attrs map[string]string) {
	o.sessionStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SessionStopped records that a client was closed.
func (o *OTelMetrics) SessionStopped(attrs map[string]string) {
	o.sessionStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// TransferAborted counts transfers the engine ended on its own.
func (o *OTelMetrics) TransferAborted(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.transferAborted.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// WriteCompleted records a successful write.
func (o *OTelMetrics) WriteCompleted(attrs map[string]string) {
	o.writeCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// WriteFailed records a failed write.
func (o *OTelMetrics) WriteFailed(_ error, attrs map[string]string) {
	o.writeFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// ReadCompleted records a successful read.
func (o *OTelMetrics) ReadCompleted(attrs map[string]string) {
	o.readCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// ReadFailed records a failed read.
func (o *OTelMetrics) ReadFailed(_ error, attrs map[string]string) {
	o.readFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelBus, attrs[labelBus])}
	if v := attrs[labelDevice]; v != "" {
		kvs = append(kvs, attribute.String(labelDevice, v))
	}
	if v := attrs[labelEndpoint]; v != "" {
		kvs = append(kvs, attribute.String(labelEndpoint, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
