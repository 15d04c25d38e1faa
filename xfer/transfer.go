package xfer

import (
	"fmt"
	"time"
)

// Callback is invoked once per submission, without the bus lock held, after
// the transfer has left the engine. It may resubmit the transfer or submit
// others on any pipe, but must not wait synchronously on the same pipe. A
// callback may block without delaying timeouts on other transfers; it must
// not close the Bus.
type Callback func(x *Transfer, priv any, st Status)

// Transfer is a single I/O request on a Pipe. It can be set up and submitted
// repeatedly; each submission completes exactly once.
type Transfer struct {
	bus     *Bus
	pipe    *Pipe
	id      uint64
	bounce  []byte
	private any
	task    *task

	// Configuration, written by Setup and read-only while in progress.
	buf      []byte
	length   int
	flags    Flag
	timeout  time.Duration
	callback Callback
	priv     any

	// Run state, guarded by bus.mu.
	status       Status
	actual       int
	gen          uint64
	completedGen uint64
	startGen     uint64
	lastStartGen uint64
	lastStart    Status
	setups       uint64
	queued       bool
	dispatched   bool
	destroyed    bool
	waiter       *waiter

	// Timeout bookkeeping, guarded by bus.mu.
	tstate     timeoutState
	timer      *time.Timer
	timerAcked bool
}

type waiter struct {
	ch     chan struct{}
	status Status
	actual int
}

// NewTransfer allocates a transfer for the pipe with an internal buffer of
// bufferLen bytes. The flags become the defaults until the first Setup.
func (p *Pipe) NewTransfer(bufferLen int, flags Flag) (*Transfer, error) {
	if p == nil || bufferLen < 0 {
		return nil, ErrInvalidArgument
	}
	b := p.bus
	b.mu.Lock()
	closed := p.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrPipeClosed
	}
	x := &Transfer{
		bus:    b,
		pipe:   p,
		id:     b.nextID.Add(1),
		flags:  flags,
		length: bufferLen,
	}
	x.task = &task{fn: func() { b.timeoutTask(x) }}
	if bufferLen > 0 {
		buf, err := b.buffers.Acquire(bufferLen)
		if err != nil {
			return nil, fmt.Errorf("allocate %d byte transfer buffer: %w", bufferLen, err)
		}
		x.bounce = buf
	}
	if alloc, ok := b.backend.(PrivateAllocator); ok {
		priv, err := alloc.NewPrivate(x)
		if err != nil {
			b.buffers.Release(x.bounce)
			return nil, fmt.Errorf("allocate backend transfer state: %w", err)
		}
		x.private = priv
	}
	return x, nil
}

// Setup configures the next submission. A nil buf makes the backend use the
// transfer's internal buffer directly; length must fit whichever buffer is
// used.
func (x *Transfer) Setup(buf []byte, length int, flags Flag, timeout time.Duration, cb Callback, priv any) error {
	if x == nil || length < 0 || timeout < 0 {
		return ErrInvalidArgument
	}
	b := x.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if x.destroyed {
		return ErrInvalidArgument
	}
	if x.status == StatusInProgress {
		return ErrInProgress
	}
	switch {
	case buf != nil && length > len(buf):
		return fmt.Errorf("%w: length %d exceeds caller buffer of %d", ErrInvalidArgument, length, len(buf))
	case buf == nil && length > len(x.bounce):
		return fmt.Errorf("%w: length %d exceeds internal buffer of %d", ErrInvalidArgument, length, len(x.bounce))
	case buf != nil && !flags.has(FlagNoCopy) && length > len(x.bounce):
		return fmt.Errorf("%w: length %d exceeds internal buffer of %d; use FlagNoCopy", ErrInvalidArgument, length, len(x.bounce))
	}
	x.buf = buf
	x.length = length
	x.flags = flags
	x.timeout = timeout
	x.callback = cb
	x.priv = priv
	x.setups++
	return nil
}

// Destroy releases the transfer. It waits out any timeout timer or deferred
// timeout task still referring to it.
func (x *Transfer) Destroy() error {
	if x == nil {
		return nil
	}
	b := x.bus
	b.mu.Lock()
	if x.destroyed {
		b.mu.Unlock()
		return nil
	}
	if x.status == StatusInProgress {
		b.mu.Unlock()
		return ErrInProgress
	}
	x.destroyed = true
	for x.tstate != timeoutIdle {
		b.cancelTimeoutAsync(x)
		if x.tstate == timeoutIdle {
			break
		}
		b.cv.Wait()
	}
	bounce := x.bounce
	x.bounce = nil
	b.mu.Unlock()
	b.buffers.Release(bounce)
	return nil
}

// Abort cancels the transfer if it is still in progress. It returns once the
// completion path for the transfer has run.
func (x *Transfer) Abort() {
	b := x.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortWith(x, x.gen, StatusCancelled)
}

// Status returns the bytes moved and the status of the latest submission.
func (x *Transfer) Status() (actual int, st Status) {
	b := x.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	return x.actual, x.status
}

// ID returns the bus-unique transfer number.
func (x *Transfer) ID() uint64 { return x.id }

// Pipe returns the owning pipe.
func (x *Transfer) Pipe() *Pipe { return x.pipe }

// Length returns the requested length of the current submission.
func (x *Transfer) Length() int { return x.length }

// Flags returns the flags of the current submission.
func (x *Transfer) Flags() Flag { return x.flags }

// Timeout returns the timeout of the current submission.
func (x *Transfer) Timeout() time.Duration { return x.timeout }

// UserContext returns the opaque value passed to Setup.
func (x *Transfer) UserContext() any { return x.priv }

// Private returns the backend data created by PrivateAllocator.
func (x *Transfer) Private() any { return x.private }

// Buffer returns the bytes the backend must read from or fill. It is the
// caller buffer for FlagNoCopy, the internal buffer otherwise.
func (x *Transfer) Buffer() []byte {
	if x.useCallerBuffer() {
		return x.buf[:x.length]
	}
	return x.bounce[:x.length]
}

func (x *Transfer) useCallerBuffer() bool {
	return x.buf != nil && (x.flags.has(FlagNoCopy) || x.bounce == nil)
}

// copyBack reports whether inbound data must be copied from the internal
// buffer into the caller buffer on completion.
func (x *Transfer) copyBack() bool {
	return x.flags.has(FlagIn) && x.buf != nil && !x.useCallerBuffer()
}
