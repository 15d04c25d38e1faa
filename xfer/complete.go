package xfer

import "fmt"

// complete is the completion path. The caller holds the bus lock and has
// already moved x to a terminal status.
//
// Locked phase: dequeue, short-transfer check, backend Done, copy-back.
// Unlocked phase: the callback. Locked phase: wake waiters, re-arm repeat
// transfers and dispatch the next queued transfer.
func (b *Bus) complete(x *Transfer) {
	p := x.pipe
	if !x.status.Terminal() {
		panic(fmt.Sprintf("xfer: completing transfer %d with status %s", x.id, x.status))
	}
	if x.completedGen == x.gen {
		panic(fmt.Sprintf("xfer: transfer %d completed twice", x.id))
	}
	x.completedGen = x.gen
	b.cancelTimeoutAsync(x)

	if x.status == StatusTimedOut && !x.flags.has(FlagIn) {
		if policy, ok := b.backend.(TimeoutPolicy); ok && policy.HideTimeout(x) {
			x.status = StatusSuccess
		}
	} else if x.status == StatusSuccess && x.actual < x.length && !x.flags.has(FlagShortOK) {
		x.status = StatusShortTransfer
	}

	repeat := p.repeat() && x.status == StatusSuccess
	if !repeat {
		p.removeLocked(x)
	}

	b.backend.Done(x)

	if x.copyBack() && x.actual > 0 {
		copy(x.buf, x.bounce[:x.actual])
	}

	st, actual := x.status, x.actual
	cb, priv := x.callback, x.priv
	setups := x.setups
	w := x.waiter
	x.waiter = nil
	x.dispatched = false
	b.obs.TransferCompleted(x, st, actual)

	p.completing++
	if cb != nil {
		b.unlocked(func() { cb(x, priv, st) })
	}
	p.completing--

	if w != nil {
		w.status, w.actual = st, actual
		close(w.ch)
	}

	if repeat && x.queued && x.status == st && x.completedGen == x.gen {
		// Destroying or reconfiguring the transfer from its callback ends
		// the repetition.
		if p.aborting || p.closed || x.destroyed || x.setups != setups {
			p.removeLocked(x)
		} else {
			x.gen++
			x.status = StatusInProgress
			x.actual = 0
			if !p.serialize() {
				p.startLocked(x)
			}
		}
	}

	if p.serialize() && p.running {
		p.runQueueLocked()
	} else if !p.serialize() && p.queue.Length() == 0 {
		p.running = false
	}
	b.cv.Broadcast()
}

// abortWith ends an in-progress submission of x with st, which is
// StatusCancelled for aborts and StatusTimedOut for timeouts. It reports
// whether this call performed the transition. The caller holds the bus lock.
func (b *Bus) abortWith(x *Transfer, gen uint64, st Status) bool {
	for x.gen == gen && x.status == StatusInProgress && x.startGen == gen {
		b.cv.Wait()
	}
	if x.gen != gen || x.status != StatusInProgress {
		return false
	}
	b.cancelTimeoutAsync(x)
	x.status = st
	if x.dispatched {
		b.backend.Abort(x)
	}
	b.complete(x)
	return true
}
