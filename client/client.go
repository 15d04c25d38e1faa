package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/xfer-go/xfer"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("xfer client: closed")

// Config controls Open behaviour for the high-level Client.
type Config struct {
	// Backend drives a bus created for this client. Ignored when Bus is set.
	Backend xfer.Backend
	// Bus shares an existing bus. The client then neither installs its
	// engine observer nor closes the bus.
	Bus  *xfer.Bus
	Name string
	// Channel selects the device and endpoint number. The direction bit is
	// ignored: the client opens one OUT and one IN pipe on the endpoint.
	Channel xfer.Channel
	// Unserialized lets the backend hold several transfers per pipe at once.
	Unserialized       bool
	Timeout            time.Duration
	BufferSize         int
	BufferPoolCapacity int
	BufferLimit        int
	Observer           xfer.Observer
	Logger             Logger
	StructuredLogger   StructuredLogger
	Tracer             Tracer
	Metrics            MetricHook
}

// Client performs reads and writes on one device endpoint.
type Client struct {
	cfg    Config
	bus    *xfer.Bus
	ownBus bool
	out    *xfer.Pipe
	in     *xfer.Pipe
	closed atomic.Bool
	span   Span

	handlersMu sync.RWMutex
	handlers   map[uint64]Handler
	handlerSeq atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// OperationKind identifies the direction of a transfer tracked by a future.
type OperationKind int

const (
	OperationWrite OperationKind = iota
	OperationRead
)

func (k OperationKind) String() string {
	switch k {
	case OperationWrite:
		return "write"
	case OperationRead:
		return "read"
	default:
		return "operation"
	}
}

// TransferError describes a transfer that did not complete successfully.
type TransferError struct {
	Kind      OperationKind
	Status    xfer.Status
	Requested int
	Actual    int
	// Cause is set when the transfer was cancelled because of its context.
	Cause error
}

func (e TransferError) Error() string {
	msg := fmt.Sprintf("xfer %s failed: %s (requested=%d actual=%d)", e.Kind, e.Status, e.Requested, e.Actual)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap allows errors.Is to match the status sentinel and the cause.
func (e TransferError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if err := e.Status.Err(); err != nil {
		errs = append(errs, err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Completion describes a finished transfer delivered through a handler.
type Completion struct {
	Kind   OperationKind
	Size   int
	Status xfer.Status
	// Payload holds a copy of the data for successful reads.
	Payload []byte
	Err     error
}

// Handler is invoked for every completed transfer.
type Handler func(Completion)

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to session spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap a client session.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records session lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	WritePosted    uint64
	WriteCompleted uint64
	WriteErrored   uint64
	ReadPosted     uint64
	ReadCompleted  uint64
	ReadErrored    uint64
	TimedOut       uint64
	Cancelled      uint64
}

type clientStats struct {
	writePosted    atomic.Uint64
	writeCompleted atomic.Uint64
	writeErrored   atomic.Uint64
	readPosted     atomic.Uint64
	readCompleted  atomic.Uint64
	readErrored    atomic.Uint64
	timedOut       atomic.Uint64
	cancelled      atomic.Uint64
}

// MetricHook captures client telemetry events.
type MetricHook interface {
	SessionStarted(attrs map[string]string)
	SessionStopped(attrs map[string]string)
	TransferAborted(kind string, err error, attrs map[string]string)
	WriteCompleted(attrs map[string]string)
	WriteFailed(err error, attrs map[string]string)
	ReadCompleted(attrs map[string]string)
	ReadFailed(err error, attrs map[string]string)
}

// Open creates the bus (unless one is shared through cfg.Bus) and opens the
// OUT and IN pipes for cfg.Channel.
func Open(cfg Config) (*Client, error) {
	if cfg.Bus == nil && cfg.Backend == nil {
		return nil, fmt.Errorf("xfer client: backend required: %w", xfer.ErrNotConfigured)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Channel.Endpoint&0x0f == 0 {
		cfg.Channel.Endpoint |= 1
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	c := &Client{
		cfg:              cfg,
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	if cfg.Bus != nil {
		c.bus = cfg.Bus
	} else {
		bus, err := xfer.NewBus(xfer.BusConfig{
			Name:               cfg.Name,
			Backend:            cfg.Backend,
			Observer:           c.engineObserver(),
			BufferSize:         cfg.BufferSize,
			BufferPoolCapacity: cfg.BufferPoolCapacity,
			BufferLimit:        cfg.BufferLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("create bus: %w", err)
		}
		c.bus = bus
		c.ownBus = true
	}
	c.cfg.Name = c.bus.Name()

	flags := xfer.PipeSerialize
	if cfg.Unserialized {
		flags = 0
	}
	outCh := cfg.Channel
	outCh.Endpoint &^= 0x80
	inCh := cfg.Channel
	inCh.Endpoint |= 0x80

	out, err := c.bus.OpenPipe(outCh, flags)
	if err != nil {
		_ = c.closeBus()
		return nil, fmt.Errorf("open out pipe: %w", err)
	}
	in, err := c.bus.OpenPipe(inCh, flags)
	if err != nil {
		_ = out.Close()
		_ = c.closeBus()
		return nil, fmt.Errorf("open in pipe: %w", err)
	}
	c.out, c.in = out, in

	c.span = c.startSessionSpan()
	startFields := []logField{
		logKV("bus", c.cfg.Name),
		logKV("channel", cfg.Channel.String()),
		logKV("serialized", !cfg.Unserialized),
	}
	c.logEvent("start", startFields...)
	spanAddEvent(c.span, "start", startFields...)
	c.metricSessionStarted(startFields...)
	return c, nil
}

// Close aborts outstanding transfers, waits for their completions and
// releases the pipes. A bus created by Open is closed as well.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, p := range []*xfer.Pipe{c.out, c.in} {
		if err := p.Close(); err != nil && !errors.Is(err, xfer.ErrPipeClosed) {
			errs = append(errs, err)
		}
	}
	if err := c.closeBus(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)

	c.handlersMu.Lock()
	c.handlers = nil
	c.handlersMu.Unlock()

	status := "ok"
	fields := []logField{logKV("status", status)}
	if err != nil {
		fields[0] = logKV("status", "error")
		fields = append(fields, logKV("error", err))
		spanRecordError(c.span, err)
	}
	c.logEvent("stop", fields...)
	spanAddEvent(c.span, "stop", fields...)
	c.metricSessionStopped(fields...)
	if c.span != nil {
		c.span.End(err)
	}
	return err
}

func (c *Client) closeBus() error {
	if !c.ownBus {
		return nil
	}
	return c.bus.Close()
}

// Bus returns the engine the client submits to.
func (c *Client) Bus() *xfer.Bus {
	if c == nil {
		return nil
	}
	return c.bus
}

// Write performs a blocking write. The transfer times out after the
// configured timeout, or earlier if ctx carries a closer deadline, and is
// aborted if ctx is cancelled first.
func (c *Client) Write(ctx context.Context, payload []byte) error {
	ctx = ensureContext(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	op, err := c.post(ctx, OperationWrite, payload, true)
	if err != nil {
		return err
	}
	return op.resultSnapshot().err
}

// WriteAsync posts a write and returns a future that resolves when the
// backend reports completion.
func (c *Client) WriteAsync(payload []byte) (*Future, error) {
	op, err := c.post(context.Background(), OperationWrite, payload, false)
	if err != nil {
		return nil, err
	}
	return &Future{op: op}, nil
}

// Read performs a blocking read into buf and returns the number of bytes
// received. Short reads are not an error.
func (c *Client) Read(ctx context.Context, buf []byte) (int, error) {
	ctx = ensureContext(ctx)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	op, err := c.post(ctx, OperationRead, buf, true)
	if err != nil {
		return 0, err
	}
	res := op.resultSnapshot()
	return res.length, res.err
}

// ReadAsync posts a read and returns a future that resolves when data arrives.
func (c *Client) ReadAsync(buf []byte) (*Future, error) {
	op, err := c.post(context.Background(), OperationRead, buf, false)
	if err != nil {
		return nil, err
	}
	return &Future{op: op}, nil
}

func (c *Client) post(ctx context.Context, kind OperationKind, buf []byte, wait bool) (*operation, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("xfer client: %s buffer must be non-empty: %w", kind, xfer.ErrInvalidArgument)
	}

	pipe, flags := c.out, xfer.Flag(0)
	if kind == OperationRead {
		pipe, flags = c.in, xfer.FlagIn|xfer.FlagShortOK
	}
	x, err := pipe.NewTransfer(len(buf), flags)
	if err != nil {
		return nil, fmt.Errorf("allocate %s transfer: %w", kind, err)
	}
	op := newOperation(c, kind, len(buf), buf)
	op.transfer = x
	op.release = func() { _ = x.Destroy() }

	if wait {
		flags |= xfer.FlagSynchronous | xfer.FlagInterruptible
	}
	if err := x.Setup(buf, len(buf), flags, c.transferTimeout(ctx), c.onComplete, op); err != nil {
		_ = x.Destroy()
		return nil, fmt.Errorf("setup %s transfer: %w", kind, err)
	}

	switch kind {
	case OperationWrite:
		c.stats.writePosted.Add(1)
	case OperationRead:
		c.stats.readPosted.Add(1)
	}
	c.logf("client: %s posted size=%d", kind, len(buf))

	_, err = pipe.Submit(ctx, x)
	select {
	case <-op.done:
		// Completed, or refused by the backend; the result carries the outcome.
	default:
		if err != nil {
			_ = x.Destroy()
			return nil, fmt.Errorf("submit %s: %w", kind, err)
		}
		if !wait {
			return op, nil
		}
		<-op.done
	}
	if wait && ctx.Err() != nil {
		op.setCause(ctx.Err())
	}
	return op, nil
}

// onComplete is the engine callback for every client transfer.
func (c *Client) onComplete(x *xfer.Transfer, priv any, st xfer.Status) {
	op, ok := priv.(*operation)
	if !ok || op == nil {
		return
	}
	actual, _ := x.Status()
	res := operationResult{length: actual, status: st}
	if st != xfer.StatusSuccess {
		res.err = TransferError{Kind: op.kind, Status: st, Requested: op.size, Actual: actual}
	}
	c.logOperationCompletion(op, res)
	op.complete(res)
}

// Abort cancels every outstanding transfer of the client and waits for
// their completions.
func (c *Client) Abort() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return errors.Join(c.out.Abort(), c.in.Abort())
}

// ClearStall resets both endpoints after a stall. Both pipes must be idle.
func (c *Client) ClearStall() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := c.out.ClearStall(); err != nil {
		return fmt.Errorf("clear out stall: %w", err)
	}
	if err := c.in.ClearStall(); err != nil {
		return fmt.Errorf("clear in stall: %w", err)
	}
	return nil
}

// RegisterHandler installs a callback invoked for every completed transfer.
// The returned function unregisters the handler when invoked. Passing a nil
// handler is a no-op.
func (c *Client) RegisterHandler(handler Handler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.handlers == nil {
		c.handlers = make(map[uint64]Handler)
	}
	c.handlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		WritePosted:    c.stats.writePosted.Load(),
		WriteCompleted: c.stats.writeCompleted.Load(),
		WriteErrored:   c.stats.writeErrored.Load(),
		ReadPosted:     c.stats.readPosted.Load(),
		ReadCompleted:  c.stats.readCompleted.Load(),
		ReadErrored:    c.stats.readErrored.Load(),
		TimedOut:       c.stats.timedOut.Load(),
		Cancelled:      c.stats.cancelled.Load(),
	}
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// transferTimeout is the configured timeout, shortened to the context
// deadline when that comes first.
func (c *Client) transferTimeout(ctx context.Context) time.Duration {
	timeout := c.cfg.Timeout
	if timeout < 0 {
		timeout = 0
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Nanosecond
		}
		if timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	switch res.status {
	case xfer.StatusTimedOut:
		c.stats.timedOut.Add(1)
	case xfer.StatusCancelled:
		c.stats.cancelled.Add(1)
	}
	switch op.kind {
	case OperationWrite:
		if res.err != nil {
			c.stats.writeErrored.Add(1)
			c.logf("client: write errored: %v", res.err)
		} else {
			c.stats.writeCompleted.Add(1)
			c.logf("client: write completed size=%d", res.length)
		}
	case OperationRead:
		if res.err != nil {
			c.stats.readErrored.Add(1)
			c.logf("client: read errored: %v", res.err)
		} else {
			c.stats.readCompleted.Add(1)
			c.logf("client: read completed size=%d", res.length)
		}
	}

	c.handlersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	var basePayload []byte
	if op.kind == OperationRead && res.err == nil && res.length > 0 {
		basePayload = make([]byte, res.length)
		copy(basePayload, op.buf[:res.length])
	}
	for _, handler := range handlers {
		h := handler
		var payloadCopy []byte
		if basePayload != nil {
			payloadCopy = append([]byte(nil), basePayload...)
		}
		go h(Completion{Kind: op.kind, Size: res.length, Status: res.status, Payload: payloadCopy, Err: res.err})
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
