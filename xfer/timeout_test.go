package xfer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	x     *Transfer
	valid bool
}

// timeoutObserver records timeout transitions. Methods run under the bus
// lock, so channels are buffered generously.
type timeoutObserver struct {
	NopObserver
	fired       chan firing
	rescheduled atomic.Int32
	armed       atomic.Int32
	expired     atomic.Int32
}

func newTimeoutObserver() *timeoutObserver {
	return &timeoutObserver{fired: make(chan firing, 64)}
}

func (o *timeoutObserver) TimeoutArmed(*Transfer, time.Duration) { o.armed.Add(1) }
func (o *timeoutObserver) TimeoutRescheduled(*Transfer)          { o.rescheduled.Add(1) }
func (o *timeoutObserver) TimeoutExpired(*Transfer)              { o.expired.Add(1) }
func (o *timeoutObserver) TimeoutFired(x *Transfer, valid bool) {
	o.fired <- firing{x: x, valid: valid}
}

func (o *timeoutObserver) waitFired(t *testing.T) firing {
	t.Helper()
	select {
	case f := <-o.fired:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
		return firing{}
	}
}

// gate blocks the first hook call at one point until released.
type gate struct {
	point   hookPoint
	match   func(*Transfer) bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGate(pt hookPoint, match func(*Transfer) bool) *gate {
	return &gate{point: pt, match: match, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hook(pt hookPoint, x *Transfer) {
	if pt != g.point || (g.match != nil && !g.match(x)) {
		return
	}
	blocked := false
	g.once.Do(func() { blocked = true })
	if !blocked {
		return
	}
	close(g.entered)
	<-g.release
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("hook point never reached")
	}
}

func newTimeoutBus(t *testing.T, be Backend, obs Observer) *Bus {
	t.Helper()
	bus, err := NewBus(BusConfig{Name: t.Name(), Backend: be, Observer: obs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func submitWithTimeout(t *testing.T, pipe *Pipe, rec *recorder, d time.Duration) *Transfer {
	t.Helper()
	x, err := pipe.NewTransfer(8, FlagIn)
	require.NoError(t, err)
	require.NoError(t, x.Setup(nil, 8, FlagIn, d, rec.callback, nil))
	_, err = pipe.Submit(context.Background(), x)
	require.NoError(t, err)
	return x
}

func timeoutStateOf(x *Transfer) timeoutState {
	x.bus.mu.Lock()
	defer x.bus.mu.Unlock()
	return x.tstate
}

func TestCompletionCancelsTimer(t *testing.T) {
	be := newFakeBackend()
	obs := newTimeoutObserver()
	bus := newTimeoutBus(t, be, obs)
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 50*time.Millisecond)
	assert.Equal(t, timeoutArmed, timeoutStateOf(x))
	require.True(t, bus.Complete(x, StatusSuccess, 8))

	assert.Equal(t, StatusSuccess, rec.wait(t, time.Second).status)
	assert.Equal(t, timeoutIdle, timeoutStateOf(x))
	rec.expectNone(t, 100*time.Millisecond)
	assert.Empty(t, obs.fired)
	assert.Equal(t, int64(0), be.abortCalls.Load())
}

func TestTimeoutBeatsLateBackendCompletion(t *testing.T) {
	be := newFakeBackend()
	bus := newTimeoutBus(t, be, nil)
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 10*time.Millisecond)
	assert.Equal(t, StatusTimedOut, rec.wait(t, time.Second).status)
	assert.False(t, bus.Complete(x, StatusSuccess, 8), "completion after timeout must be ignored")
	assert.Equal(t, int64(1), be.abortCalls.Load())
	rec.expectNone(t, 20*time.Millisecond)
}

func TestTimeoutWinsOverCompletionInFlight(t *testing.T) {
	be := newFakeBackend()
	bus := newTimeoutBus(t, be, nil)
	g := newGate(hookComplete, nil)
	bus.hook = g.hook
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 10*time.Millisecond)
	done := make(chan bool, 1)
	go func() { done <- bus.Complete(x, StatusSuccess, 8) }()
	g.waitEntered(t)

	assert.Equal(t, StatusTimedOut, rec.wait(t, time.Second).status)
	close(g.release)
	select {
	case ok := <-done:
		assert.False(t, ok, "completion that lost to the timeout must be dropped")
	case <-time.After(2 * time.Second):
		t.Fatal("Complete did not return")
	}
	_, st := x.Status()
	assert.Equal(t, StatusTimedOut, st)
	assert.Equal(t, int64(1), be.abortCalls.Load())
	rec.expectNone(t, 20*time.Millisecond)
}

func TestTimeoutCallbackSubmitsSynchronously(t *testing.T) {
	be := newFakeBackend()
	bus := newTimeoutBus(t, be, nil)
	first := openTestPipe(t, bus, PipeSerialize)
	second := openTestPipe(t, bus, PipeSerialize)

	y, err := second.NewTransfer(8, FlagIn)
	require.NoError(t, err)
	require.NoError(t, y.Setup(nil, 8, FlagIn|FlagSynchronous, 20*time.Millisecond, nil, nil))

	inner := make(chan Status, 1)
	x, err := first.NewTransfer(8, FlagIn)
	require.NoError(t, err)
	require.NoError(t, x.Setup(nil, 8, FlagIn, 10*time.Millisecond, func(_ *Transfer, _ any, st Status) {
		if st != StatusTimedOut {
			return
		}
		got, _ := second.Submit(context.Background(), y)
		inner <- got
	}, nil))
	_, err = first.Submit(context.Background(), x)
	require.NoError(t, err)

	select {
	case st := <-inner:
		assert.Equal(t, StatusTimedOut, st)
	case <-time.After(2 * time.Second):
		t.Fatal("synchronous submit from a timeout callback never returned")
	}
}

func TestBlockedTimeoutCallbackDoesNotDelayOthers(t *testing.T) {
	be := newFakeBackend()
	bus := newTimeoutBus(t, be, nil)
	first := openTestPipe(t, bus, PipeSerialize)
	second := openTestPipe(t, bus, PipeSerialize)

	entered := make(chan struct{})
	release := make(chan struct{})
	x, err := first.NewTransfer(8, FlagIn)
	require.NoError(t, err)
	require.NoError(t, x.Setup(nil, 8, FlagIn, 10*time.Millisecond, func(*Transfer, any, Status) {
		close(entered)
		<-release
	}, nil))
	_, err = first.Submit(context.Background(), x)
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first transfer never timed out")
	}
	defer close(release)

	rec := newRecorder()
	start := time.Now()
	submitWithTimeout(t, second, rec, 20*time.Millisecond)
	c := rec.wait(t, 2*time.Second)
	assert.Equal(t, StatusTimedOut, c.status)
	assert.Less(t, time.Since(start), time.Second, "timeout was held up by a blocked callback")
}

func TestCompletionWhileTimerWaitsForLock(t *testing.T) {
	be := newFakeBackend()
	obs := newTimeoutObserver()
	bus := newTimeoutBus(t, be, obs)
	g := newGate(hookTimerFire, nil)
	bus.hook = g.hook
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 5*time.Millisecond)
	g.waitEntered(t)

	require.True(t, bus.Complete(x, StatusSuccess, 8))
	assert.Equal(t, StatusSuccess, rec.wait(t, time.Second).status)
	assert.Equal(t, timeoutArmed, timeoutStateOf(x), "a fired timer still owns the timeout")

	close(g.release)
	f := obs.waitFired(t)
	assert.Same(t, x, f.x)
	assert.False(t, f.valid)
	assert.Equal(t, timeoutIdle, timeoutStateOf(x))
	assert.Equal(t, int64(0), be.abortCalls.Load())
	assert.Equal(t, int32(0), obs.expired.Load())
	rec.expectNone(t, 20*time.Millisecond)
}

func TestCompletionWhileTaskRuns(t *testing.T) {
	be := newFakeBackend()
	obs := newTimeoutObserver()
	bus := newTimeoutBus(t, be, obs)
	g := newGate(hookTaskRun, nil)
	bus.hook = g.hook
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 5*time.Millisecond)
	assert.True(t, obs.waitFired(t).valid)
	g.waitEntered(t)

	require.True(t, bus.Complete(x, StatusSuccess, 8))
	assert.Equal(t, StatusSuccess, rec.wait(t, time.Second).status)

	close(g.release)
	require.Eventually(t, func() bool { return timeoutStateOf(x) == timeoutIdle }, time.Second, time.Millisecond)
	assert.Equal(t, int64(0), be.abortCalls.Load())
	assert.Equal(t, int32(0), obs.expired.Load())
	rec.expectNone(t, 20*time.Millisecond)
}

func TestCompletionWithdrawsQueuedTask(t *testing.T) {
	be := newFakeBackend()
	obs := newTimeoutObserver()
	bus := newTimeoutBus(t, be, obs)
	var first *Transfer
	var ran sync.Map
	g := newGate(hookTaskRun, func(x *Transfer) bool { return x == first })
	bus.hook = func(pt hookPoint, x *Transfer) {
		if pt == hookTaskRun {
			ran.Store(x, true)
		}
		g.hook(pt, x)
	}
	rec := newRecorder()

	// The first timeout parks the task worker, so the second one's task
	// stays queued.
	p1 := openTestPipe(t, bus, PipeSerialize)
	p2 := openTestPipe(t, bus, PipeSerialize)
	first, err := p1.NewTransfer(8, FlagIn)
	require.NoError(t, err)
	require.NoError(t, first.Setup(nil, 8, FlagIn, 5*time.Millisecond, rec.callback, nil))
	_, err = p1.Submit(context.Background(), first)
	require.NoError(t, err)
	g.waitEntered(t)

	second := submitWithTimeout(t, p2, rec, 5*time.Millisecond)
	for {
		f := obs.waitFired(t)
		if f.x == second {
			require.True(t, f.valid)
			break
		}
	}
	require.True(t, bus.Complete(second, StatusSuccess, 8))
	assert.Equal(t, timeoutIdle, timeoutStateOf(second), "queued task must be withdrawn synchronously")
	c := rec.wait(t, time.Second)
	assert.Same(t, second, c.x)
	assert.Equal(t, StatusSuccess, c.status)

	close(g.release)
	c = rec.wait(t, time.Second)
	assert.Same(t, first, c.x)
	assert.Equal(t, StatusTimedOut, c.status)
	require.NoError(t, bus.Close())
	_, ranSecond := ran.Load(second)
	assert.False(t, ranSecond, "withdrawn task must never run")
	assert.Equal(t, int64(1), be.abortCalls.Load())
}

func TestResubmitWhileTimerInFlightReschedules(t *testing.T) {
	be := newFakeBackend()
	obs := newTimeoutObserver()
	bus := newTimeoutBus(t, be, obs)
	g := newGate(hookTimerFire, nil)
	bus.hook = g.hook
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	const timeout = 20 * time.Millisecond
	x := submitWithTimeout(t, pipe, rec, timeout)
	g.waitEntered(t)
	require.True(t, bus.Complete(x, StatusSuccess, 8))
	assert.Equal(t, StatusSuccess, rec.wait(t, time.Second).status)

	_, err := pipe.Submit(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, timeoutReschedule, timeoutStateOf(x))
	assert.Equal(t, int32(1), obs.rescheduled.Load())

	resumed := time.Now()
	close(g.release)
	assert.False(t, obs.waitFired(t).valid, "stale firing re-arms instead of expiring")

	c := rec.wait(t, time.Second)
	assert.Equal(t, StatusTimedOut, c.status)
	assert.GreaterOrEqual(t, c.at.Sub(resumed), timeout, "the new submission gets a full timeout")
	assert.Equal(t, int32(2), obs.armed.Load())
	assert.Equal(t, int32(1), obs.expired.Load())
	assert.Equal(t, int64(1), be.abortCalls.Load())
}

func TestPollingDisablesTimeouts(t *testing.T) {
	be := newFakeBackend()
	obs := newTimeoutObserver()
	bus := newTimeoutBus(t, be, obs)
	bus.SetPolling(true)
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 5*time.Millisecond)
	rec.expectNone(t, 50*time.Millisecond)
	assert.Equal(t, timeoutIdle, timeoutStateOf(x))
	assert.Equal(t, int32(0), obs.armed.Load())

	x.Abort()
	assert.Equal(t, StatusCancelled, rec.wait(t, time.Second).status)
}

func TestDestroyWaitsForFiringTimer(t *testing.T) {
	be := newFakeBackend()
	bus := newTimeoutBus(t, be, nil)
	g := newGate(hookTimerFire, nil)
	bus.hook = g.hook
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 5*time.Millisecond)
	g.waitEntered(t)
	require.True(t, bus.Complete(x, StatusSuccess, 8))
	rec.wait(t, time.Second)

	destroyed := make(chan error, 1)
	go func() { destroyed <- x.Destroy() }()
	select {
	case <-destroyed:
		t.Fatal("Destroy returned while the timer callback was pending")
	case <-time.After(20 * time.Millisecond):
	}
	close(g.release)
	select {
	case err := <-destroyed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Destroy did not return after the timer stood down")
	}
	assert.Equal(t, timeoutIdle, timeoutStateOf(x))
}

func TestAbortCancelsTimeoutOnce(t *testing.T) {
	be := newFakeBackend()
	obs := newTimeoutObserver()
	bus := newTimeoutBus(t, be, obs)
	pipe := openTestPipe(t, bus, PipeSerialize)
	rec := newRecorder()

	x := submitWithTimeout(t, pipe, rec, 30*time.Millisecond)
	x.Abort()
	x.Abort()
	assert.Equal(t, StatusCancelled, rec.wait(t, time.Second).status)
	rec.expectNone(t, 60*time.Millisecond)
	assert.Equal(t, int64(1), be.abortCalls.Load())
	assert.Equal(t, timeoutIdle, timeoutStateOf(x))
}
