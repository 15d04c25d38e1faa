package xfer

import "context"

// Submit queues x on the pipe and starts it if the pipe is idle.
//
// Without FlagSynchronous it returns StatusInProgress once the transfer is
// accepted; the outcome arrives through the callback. A transfer the backend
// refuses outright is completed with the refusal status, which is also
// returned together with its error.
//
// With FlagSynchronous it blocks until the completion path has run and
// returns the final status. FlagInterruptible lets ctx end the wait: the
// transfer is aborted and Submit still waits for its completion so that x
// can be reused safely.
func (p *Pipe) Submit(ctx context.Context, x *Transfer) (Status, error) {
	if p == nil || x == nil || x.pipe != p {
		return StatusInvalid, ErrInvalidArgument
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b := p.bus
	b.mu.Lock()
	switch {
	case p.closed:
		b.mu.Unlock()
		return StatusInvalid, ErrPipeClosed
	case x.destroyed:
		b.mu.Unlock()
		return StatusInvalid, ErrInvalidArgument
	case x.status == StatusInProgress || x.queued:
		b.mu.Unlock()
		return StatusInProgress, ErrInProgress
	case p.aborting:
		b.mu.Unlock()
		return StatusCancelled, ErrCancelled
	}
	sync := x.flags.has(FlagSynchronous)
	if sync && p.repeat() {
		b.mu.Unlock()
		return StatusInvalid, ErrInvalidArgument
	}

	x.gen++
	gen := x.gen
	x.status = StatusInProgress
	x.actual = 0
	x.dispatched = false
	var w *waiter
	if sync {
		w = &waiter{ch: make(chan struct{})}
		x.waiter = w
	}
	if !x.flags.has(FlagIn) && x.buf != nil && !x.useCallerBuffer() {
		copy(x.bounce[:x.length], x.buf[:x.length])
	}
	p.enqueueLocked(x)
	b.obs.TransferSubmitted(x)

	switch {
	case !p.serialize():
		p.running = true
		p.startLocked(x)
	case !p.running:
		p.running = true
		p.runQueueLocked()
	}

	if !sync {
		st := StatusInProgress
		if x.lastStartGen == gen && x.lastStart != StatusInProgress {
			st = x.lastStart
		}
		b.mu.Unlock()
		return st, st.Err()
	}
	b.mu.Unlock()

	if x.flags.has(FlagInterruptible) {
		select {
		case <-w.ch:
		case <-ctx.Done():
			b.mu.Lock()
			b.abortWith(x, gen, StatusCancelled)
			b.mu.Unlock()
			<-w.ch
		}
	} else {
		<-w.ch
	}
	return w.status, w.status.Err()
}
