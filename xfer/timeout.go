package xfer

import "time"

// timeoutState tracks the timer and deferred task of one transfer. While
// armed, exactly one of them is pending or running: the timer until it
// fires, then the task it hands off to.
type timeoutState uint8

const (
	timeoutIdle timeoutState = iota
	timeoutArmed
	// timeoutReschedule means the transfer was resubmitted while the previous
	// timer or task was still in flight; that firing re-arms for the new
	// submission instead of timing it out.
	timeoutReschedule
)

func (s timeoutState) String() string {
	switch s {
	case timeoutIdle:
		return "idle"
	case timeoutArmed:
		return "armed"
	case timeoutReschedule:
		return "reschedule"
	default:
		return "unknown"
	}
}

// scheduleTimeout arms the timeout for a transfer that is starting. The
// caller holds the bus lock.
func (b *Bus) scheduleTimeout(x *Transfer) {
	if x.timeout <= 0 || b.polling {
		return
	}
	switch x.tstate {
	case timeoutIdle:
		b.armTimer(x)
	case timeoutArmed:
		x.tstate = timeoutReschedule
		b.obs.TimeoutRescheduled(x)
	}
}

func (b *Bus) armTimer(x *Transfer) {
	x.tstate = timeoutArmed
	x.timerAcked = false
	if x.timer == nil {
		x.timer = time.AfterFunc(x.timeout, func() { b.timerFired(x) })
	} else {
		x.timer.Reset(x.timeout)
	}
	b.obs.TimeoutArmed(x, x.timeout)
}

// timerFired runs in the timer goroutine. It never talks to the backend;
// a real timeout is handed to the task worker.
func (b *Bus) timerFired(x *Transfer) {
	b.callHook(hookTimerFire, x)
	b.mu.Lock()
	defer b.mu.Unlock()
	x.timerAcked = true
	valid := b.probeTimeout(x)
	if valid && !b.tasks.add(x.task) {
		x.tstate = timeoutIdle
		valid = false
	}
	b.obs.TimeoutFired(x, valid)
	b.cv.Broadcast()
}

// timeoutTask runs on the task worker after a valid timer firing. A real
// timeout detaches from the worker before aborting, so the callback runs on
// this goroutine while later timeouts are served by a new worker.
func (b *Bus) timeoutTask(x *Transfer) {
	b.callHook(hookTaskRun, x)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probeTimeout(x) {
		b.tasks.detach()
		x.tstate = timeoutIdle
		b.obs.TimeoutExpired(x)
		b.abortWith(x, x.gen, StatusTimedOut)
	}
	b.cv.Broadcast()
}

// probeTimeout decides whether a timer firing or task run still refers to a
// live timeout. The caller holds the bus lock.
func (b *Bus) probeTimeout(x *Transfer) bool {
	switch {
	case b.dying:
		x.tstate = timeoutIdle
		return false
	case x.tstate == timeoutIdle:
		return false
	case x.tstate == timeoutReschedule:
		if x.timeout > 0 && x.status == StatusInProgress && !b.polling {
			b.armTimer(x)
		} else {
			x.tstate = timeoutIdle
		}
		return false
	case x.status != StatusInProgress:
		x.tstate = timeoutIdle
		return false
	default:
		return true
	}
}

// cancelTimeoutAsync stops the timeout of x without waiting. A timer or task
// that is already running is left alone; it will find x no longer in
// progress and stand down. The caller holds the bus lock.
func (b *Bus) cancelTimeoutAsync(x *Transfer) {
	if x.tstate == timeoutIdle {
		return
	}
	x.tstate = timeoutArmed
	switch {
	case x.timer.Stop():
		x.tstate = timeoutIdle
	case !x.timerAcked:
		// Fired but still waiting for the lock.
	case b.tasks.remove(x.task):
		x.tstate = timeoutIdle
	}
}
