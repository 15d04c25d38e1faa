package client

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/xfer-go/xfer"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelBus] = c.cfg.Name
	attrs[labelDevice] = fmt.Sprint(c.cfg.Channel.Device)
	attrs[labelEndpoint] = fmt.Sprint(c.cfg.Channel.Endpoint & 0x0f)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("xfer client", kv...)
		return
	}
	if c.logger == nil {
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
	c.logger.Debugf("xfer client %s", b.String())
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}

func (c *Client) metricSessionStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SessionStarted(c.metricAttrs(fields...))
}

func (c *Client) metricSessionStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SessionStopped(c.metricAttrs(fields...))
}

func (c *Client) metricTransferAborted(kind string, err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.TransferAborted(kind, err, c.metricAttrs(fields...))
}

func (c *Client) startSessionSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "xfer-client"},
		{Key: labelBus, Value: c.cfg.Name},
		{Key: labelDevice, Value: int(c.cfg.Channel.Device)},
		{Key: labelEndpoint, Value: int(c.cfg.Channel.Endpoint & 0x0f)},
	}
	return c.tracer.StartSpan("xfer-client-session", attrs...)
}

func statusLabel(st xfer.Status) string {
	if st == xfer.StatusSuccess {
		return "ok"
	}
	return st.String()
}

func (c *Client) logOperationCompletion(op *operation, res operationResult) {
	if c == nil || op == nil {
		return
	}
	eventName := "completion"
	if res.err != nil {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV(labelStatus, statusLabel(res.status)),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if op.transfer != nil {
		fields = append(fields, logKV("transfer", op.transfer.ID()))
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	c.logEvent(eventName, fields...)
	spanAddEvent(c.span, eventName, fields...)
	if res.err != nil {
		spanRecordError(c.span, res.err)
	}
	if c.metrics == nil {
		return
	}
	attrs := c.metricAttrs(fields...)
	switch op.kind {
	case OperationWrite:
		if res.err != nil {
			c.metrics.WriteFailed(res.err, attrs)
		} else {
			c.metrics.WriteCompleted(attrs)
		}
	case OperationRead:
		if res.err != nil {
			c.metrics.ReadFailed(res.err, attrs)
		} else {
			c.metrics.ReadCompleted(attrs)
		}
	}
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
