package xfer

import (
	"sync"

	"github.com/eapache/queue"
)

// task is deferred work run by the bus task worker in full goroutine context.
type task struct {
	fn     func()
	queued bool // guarded by taskQueue.mu
}

// taskQueue runs tasks one at a time in FIFO order. A task can be withdrawn
// until the worker picks it up; withdrawn entries stay in the ring and are
// skipped when they reach the front.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
	active *worker
	wg     sync.WaitGroup
}

type worker struct {
	detached bool // guarded by taskQueue.mu
}

func newTaskQueue() *taskQueue {
	tq := &taskQueue{q: queue.New()}
	tq.cond = sync.NewCond(&tq.mu)
	tq.wg.Add(1)
	go tq.run()
	return tq
}

// add queues t unless it is already queued or the queue is closed.
func (tq *taskQueue) add(t *task) bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if tq.closed || t.queued {
		return false
	}
	t.queued = true
	tq.q.Add(t)
	tq.cond.Signal()
	return true
}

// remove withdraws t and reports whether it was still waiting to run.
func (tq *taskQueue) remove(t *task) bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if !t.queued {
		return false
	}
	t.queued = false
	return true
}

// detach hands the rest of the queue to a fresh worker so that the task
// currently running may block without holding up the tasks behind it. It
// must be called from inside a task; the calling goroutine exits once the
// task returns.
func (tq *taskQueue) detach() {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	w := tq.active
	if w == nil || w.detached {
		return
	}
	w.detached = true
	tq.active = nil
	tq.wg.Add(1)
	go tq.run()
}

func (tq *taskQueue) pending(t *task) bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return t.queued
}

// close stops accepting tasks, runs whatever is still queued and waits for
// every worker, detached ones included, to exit.
func (tq *taskQueue) close() {
	tq.mu.Lock()
	if tq.closed {
		tq.mu.Unlock()
		return
	}
	tq.closed = true
	tq.cond.Broadcast()
	tq.mu.Unlock()
	tq.wg.Wait()
}

func (tq *taskQueue) run() {
	defer tq.wg.Done()
	w := &worker{}
	for {
		tq.mu.Lock()
		for tq.q.Length() == 0 && !tq.closed {
			tq.cond.Wait()
		}
		if tq.q.Length() == 0 {
			tq.mu.Unlock()
			return
		}
		t := tq.q.Remove().(*task)
		if !t.queued {
			tq.mu.Unlock()
			continue
		}
		t.queued = false
		tq.active = w
		tq.mu.Unlock()
		t.fn()
		tq.mu.Lock()
		if w.detached {
			tq.mu.Unlock()
			return
		}
		tq.active = nil
		tq.mu.Unlock()
	}
}
