package xfer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// BusConfig controls NewBus.
type BusConfig struct {
	Name     string
	Backend  Backend
	Observer Observer
	// BufferSize is the pooled internal buffer size. Defaults to 4096.
	BufferSize int
	// BufferPoolCapacity bounds the idle pooled buffers. Defaults to 32.
	BufferPoolCapacity int
	// BufferLimit caps the internal buffer bytes held by live transfers.
	// Zero means unlimited.
	BufferLimit int
}

// Bus is one controller instance. A single lock per Bus protects every pipe
// queue, transfer status and timeout bookkeeping on it.
type Bus struct {
	name    string
	backend Backend
	obs     Observer
	buffers *BufferPool
	tasks   *taskQueue
	nextID  atomic.Uint64
	closed  atomic.Bool

	mu      sync.Mutex
	cv      *sync.Cond
	dying   bool
	polling bool
	pipes   map[*Pipe]struct{}

	// hook, when set, is called without the lock at lock boundaries so tests
	// can force interleavings.
	hook func(hookPoint, *Transfer)
}

type hookPoint int

const (
	hookTimerFire hookPoint = iota
	hookTaskRun
	hookComplete
)

// NewBus creates a Bus driving the configured backend.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Backend == nil {
		return nil, errors.New("xfer: bus requires a backend")
	}
	if cfg.Name == "" {
		cfg.Name = "bus0"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BufferPoolCapacity <= 0 {
		cfg.BufferPoolCapacity = 32
	}
	pool, err := NewBufferPool(cfg.BufferSize, cfg.BufferPoolCapacity, cfg.BufferLimit)
	if err != nil {
		return nil, fmt.Errorf("create buffer pool: %w", err)
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	b := &Bus{
		name:    cfg.Name,
		backend: cfg.Backend,
		obs:     obs,
		buffers: pool,
		tasks:   newTaskQueue(),
		pipes:   make(map[*Pipe]struct{}),
	}
	b.cv = sync.NewCond(&b.mu)
	return b, nil
}

// Name returns the configured bus name.
func (b *Bus) Name() string {
	return b.name
}

// Buffers exposes the internal buffer pool.
func (b *Bus) Buffers() *BufferPool {
	return b.buffers
}

// SetPolling switches the bus in or out of polling mode. While polling, no
// timeout timers are armed or re-armed.
func (b *Bus) SetPolling(on bool) {
	b.mu.Lock()
	b.polling = on
	b.mu.Unlock()
}

// Close marks the bus as dying, closes every open pipe and stops the task
// worker. Pending timeouts are discarded.
func (b *Bus) Close() error {
	if b == nil || !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.dying = true
	pipes := make([]*Pipe, 0, len(b.pipes))
	for p := range b.pipes {
		pipes = append(pipes, p)
	}
	b.mu.Unlock()

	var errs []error
	for _, p := range pipes {
		if err := p.Close(); err != nil && !errors.Is(err, ErrPipeClosed) {
			errs = append(errs, err)
		}
	}
	b.tasks.close()
	b.buffers.Close()
	return errors.Join(errs...)
}

// Complete is how a backend reports the outcome of a transfer it started.
// It claims the transfer for completion and runs the completion path; it
// returns false, doing nothing, when the transfer was already completed,
// aborted or timed out.
func (b *Bus) Complete(x *Transfer, st Status, actual int) bool {
	if !st.Terminal() {
		panic(fmt.Sprintf("xfer: backend completed transfer %d with non-terminal status %s", x.id, st))
	}
	return b.CompleteWith(x, func() (Status, int, bool) { return st, actual, true })
}

// CompleteWith is Complete with the outcome decided by fn under the bus
// lock, after the transfer is known to be in progress. Backend Abort also
// runs under that lock, so fn can check per-submission state the backend
// revokes there and return false to drop a completion that lost the race.
// fn may fill x.Buffer() but must not call back into the Bus.
func (b *Bus) CompleteWith(x *Transfer, fn func() (Status, int, bool)) bool {
	b.callHook(hookComplete, x)
	b.mu.Lock()
	defer b.mu.Unlock()
	if x.status != StatusInProgress || !x.dispatched {
		return false
	}
	st, actual, ok := fn()
	if !ok {
		return false
	}
	if !st.Terminal() {
		panic(fmt.Sprintf("xfer: backend completed transfer %d with non-terminal status %s", x.id, st))
	}
	if actual < 0 {
		actual = 0
	}
	if actual > x.length {
		actual = x.length
	}
	x.actual = actual
	x.status = st
	b.complete(x)
	return true
}

// unlocked runs fn with the bus lock released and reacquires it afterwards,
// even if fn panics.
func (b *Bus) unlocked(fn func()) {
	b.mu.Unlock()
	defer b.mu.Lock()
	fn()
}

func (b *Bus) callHook(pt hookPoint, x *Transfer) {
	if b.hook != nil {
		b.hook(pt, x)
	}
}
