// Package simhc is an in-memory host controller for the xfer engine. OUT
// transfers append to a per-endpoint FIFO and IN transfers on the matching
// endpoint number consume from it, so a device looks like a loopback.
package simhc

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rocketbitz/xfer-go/xfer"
)

// MaxEndpoints is the number of data endpoints per device (1-15).
const MaxEndpoints = 15

// Option configures a Controller.
type Option func(*Controller)

// WithLatency delays every completion by d.
func WithLatency(d time.Duration) Option {
	return func(c *Controller) { c.latency = d }
}

// WithBlackhole makes the endpoint accept transfers and never answer.
func WithBlackhole(ch xfer.Channel) Option {
	return func(c *Controller) { c.blackholes[keyOf(ch)] = true }
}

// WithFault makes Start on the endpoint fail immediately with st.
func WithFault(ch xfer.Channel, st xfer.Status) Option {
	return func(c *Controller) { c.faults[keyOf(ch)] = st }
}

// WithHideWriteTimeout reports timed out OUT transfers as successful, like
// controllers that cannot tell a lost handshake from a delivered packet.
func WithHideWriteTimeout() Option {
	return func(c *Controller) { c.hideWriteTimeout = true }
}

// WithLogger sets the debug logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// Counters reports how often the engine called into the controller.
type Counters struct {
	Starts  int64
	Aborts  int64
	Done    int64
	Toggles int64
}

type epKey struct {
	device uint8
	number uint8
}

func keyOf(ch xfer.Channel) epKey {
	return epKey{device: ch.Device, number: ch.Endpoint & 0x0f}
}

func (k epKey) String() string {
	return fmt.Sprintf("%d:%d", k.device, k.number)
}

type endpoint struct {
	key     epKey
	queue   [][]byte
	readers []*op
	pipes   int
	toggle  uint8
}

// op is one submission the controller owns. cancelled is written by Abort
// and read by completions, both under the bus lock.
type op struct {
	x         *xfer.Transfer
	ep        *endpoint
	cancelled bool
}

// Controller implements xfer.Backend and its optional extensions.
type Controller struct {
	latency          time.Duration
	hideWriteTimeout bool
	log              *zap.Logger

	mu         sync.Mutex
	endpoints  map[epKey]*endpoint
	ops        map[*xfer.Transfer]*op
	faults     map[epKey]xfer.Status
	blackholes map[epKey]bool

	starts  atomic.Int64
	aborts  atomic.Int64
	done    atomic.Int64
	toggles atomic.Int64
	timers  sync.WaitGroup
}

var (
	_ xfer.Backend       = (*Controller)(nil)
	_ xfer.ToggleClearer = (*Controller)(nil)
	_ xfer.TimeoutPolicy = (*Controller)(nil)
	_ xfer.PipeOpener    = (*Controller)(nil)
	_ xfer.PipeCloser    = (*Controller)(nil)
)

// New creates a controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		log:        zap.NewNop(),
		endpoints:  make(map[epKey]*endpoint),
		ops:        make(map[*xfer.Transfer]*op),
		faults:     make(map[epKey]xfer.Status),
		blackholes: make(map[epKey]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenPipe validates the endpoint and binds the pipe to it.
func (c *Controller) OpenPipe(p *xfer.Pipe) error {
	ch := p.Channel()
	if n := ch.Endpoint & 0x0f; n == 0 || n > MaxEndpoints {
		return fmt.Errorf("simhc: endpoint %s: %w", ch, xfer.ErrInvalidArgument)
	}
	c.mu.Lock()
	ep := c.endpointLocked(keyOf(ch))
	ep.pipes++
	c.mu.Unlock()
	p.SetPrivate(ep)
	c.log.Debug("pipe opened", zap.Stringer("channel", ch), zap.Stringer("pipe", p.ID()))
	return nil
}

// ClosePipe releases the endpoint once no pipe uses it and it holds no data.
func (c *Controller) ClosePipe(p *xfer.Pipe) {
	c.mu.Lock()
	if ep := c.pipeEndpointLocked(p); ep != nil {
		ep.pipes--
		if ep.pipes <= 0 && len(ep.queue) == 0 {
			delete(c.endpoints, ep.key)
		}
	}
	c.mu.Unlock()
	c.log.Debug("pipe closed", zap.Stringer("channel", p.Channel()), zap.Stringer("pipe", p.ID()))
}

// Start accepts a transfer. Completions are always delivered from another
// goroutine.
func (c *Controller) Start(x *xfer.Transfer) xfer.Status {
	c.starts.Add(1)
	ch := x.Pipe().Channel()
	key := keyOf(ch)

	c.mu.Lock()
	if st, ok := c.faults[key]; ok {
		c.mu.Unlock()
		c.log.Debug("start refused", zap.Stringer("channel", ch), zap.Uint64("transfer", x.ID()), zap.Stringer("status", st))
		return st
	}
	ep := c.pipeEndpointLocked(x.Pipe())
	if ep == nil {
		ep = c.endpointLocked(key)
	}
	o := &op{x: x, ep: ep}
	c.ops[x] = o
	blackhole := c.blackholes[key]
	if ch.In() && !blackhole {
		ep.readers = append(ep.readers, o)
	}
	c.mu.Unlock()

	c.log.Debug("start",
		zap.Stringer("channel", ch),
		zap.Uint64("transfer", x.ID()),
		zap.Int("length", x.Length()),
		zap.Bool("blackhole", blackhole),
	)
	switch {
	case blackhole:
	case ch.In():
		c.after(func() { c.serve(ep) })
	default:
		data := bytes.Clone(x.Buffer())
		c.after(func() {
			x.Pipe().Bus().CompleteWith(x, func() (xfer.Status, int, bool) {
				c.mu.Lock()
				defer c.mu.Unlock()
				if o.cancelled {
					return 0, 0, false
				}
				ep.queue = append(ep.queue, data)
				ep.toggle ^= 1
				return xfer.StatusSuccess, len(data), true
			})
			c.serve(ep)
		})
	}
	return xfer.StatusInProgress
}

// Abort revokes the submission. It runs under the bus lock, which is also
// held while a completion checks o.cancelled.
func (c *Controller) Abort(x *xfer.Transfer) {
	c.aborts.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.ops[x]
	if !ok {
		return
	}
	o.cancelled = true
	o.ep.readers = slices.DeleteFunc(o.ep.readers, func(r *op) bool { return r == o })
	delete(c.ops, x)
	c.log.Debug("abort", zap.Uint64("transfer", x.ID()))
}

// Done forgets the submission.
func (c *Controller) Done(x *xfer.Transfer) {
	c.done.Add(1)
	c.mu.Lock()
	delete(c.ops, x)
	c.mu.Unlock()
}

// ClearToggle resets the data toggle of the pipe's endpoint.
func (c *Controller) ClearToggle(p *xfer.Pipe) {
	c.toggles.Add(1)
	c.mu.Lock()
	if ep := c.pipeEndpointLocked(p); ep != nil {
		ep.toggle = 0
	}
	c.mu.Unlock()
	c.log.Debug("clear toggle", zap.Stringer("channel", p.Channel()))
}

// HideTimeout reports whether a timed out OUT transfer counts as delivered.
func (c *Controller) HideTimeout(*xfer.Transfer) bool {
	return c.hideWriteTimeout
}

// Inject queues data on the endpoint as if the device had produced it.
func (c *Controller) Inject(ch xfer.Channel, data []byte) {
	c.mu.Lock()
	ep := c.endpointLocked(keyOf(ch))
	ep.queue = append(ep.queue, bytes.Clone(data))
	c.mu.Unlock()
	c.after(func() { c.serve(ep) })
}

// Queued returns the number of messages waiting on the endpoint.
func (c *Controller) Queued(ch xfer.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.endpoints[keyOf(ch)]; ok {
		return len(ep.queue)
	}
	return 0
}

// Outstanding returns the number of submissions the controller owns.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Counters returns a snapshot of the call counters.
func (c *Controller) Counters() Counters {
	return Counters{
		Starts:  c.starts.Load(),
		Aborts:  c.aborts.Load(),
		Done:    c.done.Load(),
		Toggles: c.toggles.Load(),
	}
}

// Wait blocks until every scheduled completion has been delivered.
func (c *Controller) Wait() {
	c.timers.Wait()
}

func (c *Controller) endpointLocked(key epKey) *endpoint {
	ep, ok := c.endpoints[key]
	if !ok {
		ep = &endpoint{key: key}
		c.endpoints[key] = ep
	}
	return ep
}

// pipeEndpointLocked returns the endpoint OpenPipe bound to p, falling back
// to a lookup by channel for pipes opened elsewhere.
func (c *Controller) pipeEndpointLocked(p *xfer.Pipe) *endpoint {
	if ep, ok := p.Private().(*endpoint); ok {
		return ep
	}
	return c.endpoints[keyOf(p.Channel())]
}

func (c *Controller) after(fn func()) {
	c.timers.Add(1)
	run := func() {
		defer c.timers.Done()
		fn()
	}
	if c.latency <= 0 {
		go run()
		return
	}
	time.AfterFunc(c.latency, run)
}

// serve hands queued data to parked readers in order.
func (c *Controller) serve(ep *endpoint) {
	for {
		c.mu.Lock()
		if len(ep.readers) == 0 || len(ep.queue) == 0 {
			c.mu.Unlock()
			return
		}
		o := ep.readers[0]
		c.mu.Unlock()

		ran := false
		o.x.Pipe().Bus().CompleteWith(o.x, func() (xfer.Status, int, bool) {
			ran = true
			c.mu.Lock()
			defer c.mu.Unlock()
			if o.cancelled || len(ep.queue) == 0 || len(ep.readers) == 0 || ep.readers[0] != o {
				return 0, 0, false
			}
			ep.readers = ep.readers[1:]
			msg := ep.queue[0]
			n := copy(o.x.Buffer(), msg)
			if n < len(msg) {
				ep.queue[0] = msg[n:]
			} else {
				ep.queue = ep.queue[1:]
			}
			ep.toggle ^= 1
			return xfer.StatusSuccess, n, true
		})
		if !ran {
			// The engine already finished this submission without us.
			c.mu.Lock()
			if len(ep.readers) > 0 && ep.readers[0] == o {
				ep.readers = ep.readers[1:]
			}
			c.mu.Unlock()
		}
	}
}
