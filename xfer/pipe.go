package xfer

import (
	"fmt"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// Pipe is an ordered queue of transfers bound to one device channel.
type Pipe struct {
	bus     *Bus
	id      uuid.UUID
	channel Channel
	flags   PipeFlag
	private any

	// Guarded by bus.mu.
	queue       *queue.Queue // of *Transfer, FIFO
	running     bool
	aborting    bool
	dispatching bool
	closed      bool
	completing  int
}

// OpenPipe opens a pipe on the given channel.
func (b *Bus) OpenPipe(ch Channel, flags PipeFlag) (*Pipe, error) {
	if b == nil {
		return nil, ErrInvalidArgument
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	p := &Pipe{
		bus:     b,
		id:      uuid.New(),
		channel: ch,
		flags:   flags,
		queue:   queue.New(),
	}
	if opener, ok := b.backend.(PipeOpener); ok {
		if err := opener.OpenPipe(p); err != nil {
			return nil, fmt.Errorf("open pipe %s: %w", ch, err)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dying {
		if closer, ok := b.backend.(PipeCloser); ok {
			b.unlocked(func() { closer.ClosePipe(p) })
		}
		return nil, ErrBusClosed
	}
	b.pipes[p] = struct{}{}
	b.obs.PipeOpened(p)
	return p, nil
}

// ID returns the unique identifier of the pipe.
func (p *Pipe) ID() uuid.UUID { return p.id }

// Bus returns the bus the pipe belongs to.
func (p *Pipe) Bus() *Bus { return p.bus }

// Channel returns the device channel the pipe was opened on.
func (p *Pipe) Channel() Channel { return p.channel }

// Flags returns the pipe flags.
func (p *Pipe) Flags() PipeFlag { return p.flags }

// Private returns backend-owned per-pipe data.
func (p *Pipe) Private() any { return p.private }

// SetPrivate attaches backend-owned per-pipe data. Backends call it from
// PipeOpener.OpenPipe.
func (p *Pipe) SetPrivate(v any) { p.private = v }

func (p *Pipe) serialize() bool { return p.flags&PipeSerialize != 0 }

func (p *Pipe) repeat() bool { return p.flags&PipeRepeat != 0 }

// Pending returns the number of queued transfers, including the ones the
// backend currently owns.
func (p *Pipe) Pending() int {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return p.queue.Length()
}

// Running reports whether a dispatch is in flight on the pipe.
func (p *Pipe) Running() bool {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return p.running
}

// Abort cancels every queued and in-flight transfer on the pipe and returns
// once all of their completion callbacks have run. It must not be called
// from a completion callback of the same pipe.
func (p *Pipe) Abort() error {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed {
		return ErrPipeClosed
	}
	p.abortLocked()
	return nil
}

// Close aborts all outstanding work and releases backend resources. No
// callback for a transfer of this pipe runs after Close returns.
func (p *Pipe) Close() error {
	b := p.bus
	b.mu.Lock()
	if p.closed {
		b.mu.Unlock()
		return ErrPipeClosed
	}
	p.abortLocked()
	p.closed = true
	delete(b.pipes, p)
	b.obs.PipeClosed(p)
	b.mu.Unlock()

	if closer, ok := b.backend.(PipeCloser); ok {
		closer.ClosePipe(p)
	}
	return nil
}

// ClearStall asks the backend to reset the endpoint after a stall. The pipe
// must be idle.
func (p *Pipe) ClearStall() error {
	b := p.bus
	b.mu.Lock()
	if p.closed {
		b.mu.Unlock()
		return ErrPipeClosed
	}
	if p.queue.Length() > 0 {
		b.mu.Unlock()
		return ErrInProgress
	}
	b.mu.Unlock()
	if tc, ok := b.backend.(ToggleClearer); ok {
		tc.ClearToggle(p)
	}
	return nil
}

func (p *Pipe) abortLocked() {
	b := p.bus
	p.aborting = true
	cancelled := 0
	for p.queue.Length() > 0 {
		x := p.queue.Peek().(*Transfer)
		if x.status != StatusInProgress {
			// A repeat transfer sitting in its callback phase.
			p.removeLocked(x)
			continue
		}
		if b.abortWith(x, x.gen, StatusCancelled) {
			cancelled++
		}
	}
	for p.completing > 0 {
		b.cv.Wait()
	}
	p.aborting = false
	p.running = false
	b.obs.PipeAborted(p, cancelled)
}

func (p *Pipe) head() *Transfer {
	if p.queue.Length() == 0 {
		return nil
	}
	return p.queue.Peek().(*Transfer)
}

func (p *Pipe) enqueueLocked(x *Transfer) {
	p.queue.Add(x)
	x.queued = true
}

// removeLocked takes x off the queue. Only a transfer that never reached the
// backend may leave a serialized pipe from anywhere but the head.
func (p *Pipe) removeLocked(x *Transfer) {
	if !x.queued {
		return
	}
	x.queued = false
	if p.head() == x {
		p.queue.Remove()
		return
	}
	if p.serialize() && x.dispatched {
		panic(fmt.Sprintf("xfer: transfer %d completed out of order on serialized pipe %s", x.id, p.id))
	}
	rest := queue.New()
	for p.queue.Length() > 0 {
		if y := p.queue.Remove().(*Transfer); y != x {
			rest.Add(y)
		}
	}
	p.queue = rest
}

// runQueueLocked dispatches queued transfers of a serialized pipe until one
// is left outstanding with the backend. Only one goroutine drives a pipe at a
// time; re-entrant calls, such as from a completion reported inside Start,
// return immediately and leave the work to the active driver.
func (p *Pipe) runQueueLocked() {
	if p.dispatching {
		return
	}
	p.dispatching = true
	for !p.aborting {
		x := p.head()
		if x == nil {
			p.running = false
			break
		}
		if x.dispatched || x.status != StatusInProgress {
			break
		}
		p.startLocked(x)
	}
	p.dispatching = false
}

// startLocked hands x to the backend. The bus lock is released around the
// Start call.
func (p *Pipe) startLocked(x *Transfer) Status {
	b := p.bus
	gen := x.gen
	x.dispatched = true
	x.startGen = gen
	b.scheduleTimeout(x)

	var st Status
	b.unlocked(func() { st = b.backend.Start(x) })

	if x.startGen == gen {
		x.startGen = 0
	}
	x.lastStartGen, x.lastStart = gen, st
	b.obs.TransferStarted(x, st)
	if st != StatusInProgress && x.gen == gen && x.status == StatusInProgress {
		if !st.Terminal() {
			st = StatusIOError
		}
		x.status = st
		b.complete(x)
	}
	b.cv.Broadcast()
	return st
}
