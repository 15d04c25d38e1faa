package client

import (
	"time"

	"github.com/rocketbitz/xfer-go/xfer"
)

// LogObserver writes engine state transitions to a structured logger at
// debug level. Install it through xfer.BusConfig.Observer when building a
// bus by hand; clients that own their bus install one automatically.
type LogObserver struct {
	Logger StructuredLogger
}

var _ xfer.Observer = LogObserver{}

func (o LogObserver) log(event string, kv ...any) {
	if o.Logger == nil {
		return
	}
	o.Logger.Debugw("xfer engine", append([]any{"event", event}, kv...)...)
}

func pipeKV(p *xfer.Pipe) []any {
	return []any{"bus", p.Bus().Name(), "pipe", p.ID().String(), "channel", p.Channel().String()}
}

func transferKV(x *xfer.Transfer) []any {
	return append(pipeKV(x.Pipe()), "transfer", x.ID())
}

func (o LogObserver) PipeOpened(p *xfer.Pipe) { o.log("pipe_opened", pipeKV(p)...) }
func (o LogObserver) PipeClosed(p *xfer.Pipe) { o.log("pipe_closed", pipeKV(p)...) }

func (o LogObserver) PipeAborted(p *xfer.Pipe, cancelled int) {
	o.log("pipe_aborted", append(pipeKV(p), "cancelled", cancelled)...)
}

func (o LogObserver) TransferSubmitted(x *xfer.Transfer) {
	o.log("submitted", append(transferKV(x), "length", x.Length(), "timeout", x.Timeout())...)
}

func (o LogObserver) TransferStarted(x *xfer.Transfer, st xfer.Status) {
	o.log("started", append(transferKV(x), "status", st.String())...)
}

func (o LogObserver) TransferCompleted(x *xfer.Transfer, st xfer.Status, actual int) {
	o.log("completed", append(transferKV(x), "status", st.String(), "actual", actual)...)
}

func (o LogObserver) TimeoutArmed(x *xfer.Transfer, d time.Duration) {
	o.log("timeout_armed", append(transferKV(x), "timeout", d)...)
}

func (o LogObserver) TimeoutRescheduled(x *xfer.Transfer) {
	o.log("timeout_rescheduled", transferKV(x)...)
}

func (o LogObserver) TimeoutFired(x *xfer.Transfer, valid bool) {
	o.log("timeout_fired", append(transferKV(x), "valid", valid)...)
}

func (o LogObserver) TimeoutExpired(x *xfer.Transfer) {
	o.log("timeout_expired", transferKV(x)...)
}

// sessionObserver feeds engine aborts and timeouts into the client's span
// and metrics. It runs under the bus lock.
type sessionObserver struct {
	xfer.NopObserver
	c *Client
}

func (o sessionObserver) PipeAborted(p *xfer.Pipe, cancelled int) {
	if cancelled == 0 {
		return
	}
	fields := []logField{logKV("pipe", p.ID().String()), logKV("cancelled", cancelled)}
	spanAddEvent(o.c.span, "pipe_aborted", fields...)
	o.c.metricTransferAborted("pipe_abort", xfer.ErrCancelled, fields...)
}

func (o sessionObserver) TimeoutExpired(x *xfer.Transfer) {
	fields := []logField{logKV("transfer", x.ID()), logKV("timeout", x.Timeout().String())}
	spanAddEvent(o.c.span, "timeout", fields...)
	o.c.metricTransferAborted("timeout", xfer.ErrTimedOut, fields...)
}

func (c *Client) engineObserver() xfer.Observer {
	obs := xfer.MultiObserver{sessionObserver{c: c}}
	if c.structuredLogger != nil {
		obs = append(obs, LogObserver{Logger: c.structuredLogger})
	}
	if c.cfg.Observer != nil {
		obs = append(obs, c.cfg.Observer)
	}
	return obs
}
