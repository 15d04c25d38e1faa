package xfer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend records every call and lets tests script Start. Unless onStart
// is set, Start accepts the transfer and leaves it outstanding.
type fakeBackend struct {
	onStart func(x *Transfer) Status

	mu          sync.Mutex
	starts      []*Transfer
	outstanding map[*Transfer]*Pipe
	violations  []string
	aborted     []*Transfer

	startCalls atomic.Int64
	abortCalls atomic.Int64
	doneCalls  atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{outstanding: make(map[*Transfer]*Pipe)}
}

func (f *fakeBackend) Start(x *Transfer) Status {
	f.startCalls.Add(1)
	f.mu.Lock()
	p := x.Pipe()
	if p.serialize() {
		for other, op := range f.outstanding {
			if op == p && other != x {
				f.violations = append(f.violations, fmt.Sprintf("start of %d while %d outstanding", x.ID(), other.ID()))
			}
		}
	}
	f.starts = append(f.starts, x)
	f.outstanding[x] = p
	f.mu.Unlock()
	if f.onStart != nil {
		return f.onStart(x)
	}
	return StatusInProgress
}

func (f *fakeBackend) Abort(x *Transfer) {
	f.abortCalls.Add(1)
	f.mu.Lock()
	delete(f.outstanding, x)
	f.aborted = append(f.aborted, x)
	f.mu.Unlock()
}

func (f *fakeBackend) Done(x *Transfer) {
	f.doneCalls.Add(1)
	f.mu.Lock()
	delete(f.outstanding, x)
	f.mu.Unlock()
}

func (f *fakeBackend) startOrder() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint64, 0, len(f.starts))
	for _, x := range f.starts {
		ids = append(ids, x.ID())
	}
	return ids
}

func (f *fakeBackend) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeBackend) lastStarted() *Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.starts) == 0 {
		return nil
	}
	return f.starts[len(f.starts)-1]
}

func (f *fakeBackend) checkViolations(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.violations {
		t.Errorf("serialization violated: %s", v)
	}
}

func newTestBus(t *testing.T, backend Backend) *Bus {
	t.Helper()
	bus, err := NewBus(BusConfig{Name: t.Name(), Backend: backend})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func openTestPipe(t *testing.T, bus *Bus, flags PipeFlag) *Pipe {
	t.Helper()
	pipe, err := bus.OpenPipe(Channel{Device: 1, Endpoint: 0x81, MaxPacketSize: 64}, flags)
	if err != nil {
		t.Fatalf("OpenPipe: %v", err)
	}
	return pipe
}

// completion collects callback invocations.
type completion struct {
	x      *Transfer
	status Status
	actual int
	at     time.Time
}

type recorder struct {
	mu    sync.Mutex
	calls []completion
	ch    chan completion
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan completion, 128)}
}

func (r *recorder) callback(x *Transfer, _ any, st Status) {
	actual, _ := x.Status()
	c := completion{x: x, status: st, actual: actual, at: time.Now()}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	r.ch <- c
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) completion {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(timeout):
		t.Fatalf("callback not invoked within %v", timeout)
		return completion{}
	}
}

func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-r.ch:
		t.Fatalf("unexpected callback for transfer %d status %s", c.x.ID(), c.status)
	case <-time.After(d):
	}
}
