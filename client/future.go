package client

import (
	"context"
	"errors"
	"sync"

	"github.com/rocketbitz/xfer-go/xfer"
)

type operationResult struct {
	length int
	status xfer.Status
	err    error
}

type operation struct {
	client   *Client
	kind     OperationKind
	size     int
	buf      []byte
	transfer *xfer.Transfer
	done     chan struct{}
	release  func()

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(client *Client, kind OperationKind, size int, buf []byte) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   size,
		buf:    buf,
		done:   make(chan struct{}),
		result: operationResult{status: xfer.StatusInProgress},
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emit(op, res)
		}

		if op.release != nil {
			op.release()
		}

		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

// setCause records why a cancelled transfer was cancelled.
func (op *operation) setCause(cause error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	var te TransferError
	if errors.As(op.result.err, &te) && te.Cause == nil {
		te.Cause = cause
		op.result.err = te
	}
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// Future tracks the completion of a posted read or write.
type Future struct {
	op *operation
}

// Await blocks until the transfer completes or the context is cancelled.
// Cancelling ctx does not cancel the transfer; use Cancel for that.
func (f *Future) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("xfer client: nil future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			res := f.op.resultSnapshot()
			return res.length, res.err
		default:
		}
		return 0, ctx.Err()
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.length, res.err
	}
}

// Done exposes a channel that closes when the transfer resolves.
func (f *Future) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the transfer resolves.
func (f *Future) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// Status returns the engine status of the transfer, StatusInProgress until
// it resolves.
func (f *Future) Status() xfer.Status {
	if f == nil || f.op == nil {
		return xfer.StatusInvalid
	}
	return f.op.resultSnapshot().status
}

// Kind reports whether the future tracks a read or a write.
func (f *Future) Kind() OperationKind {
	if f == nil || f.op == nil {
		return OperationKind(-1)
	}
	return f.op.kind
}

// Buffer returns the caller buffer passed to ReadAsync or WriteAsync.
func (f *Future) Buffer() []byte {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.buf
}

// Cancel aborts the transfer if it is still outstanding and returns once
// the future has resolved.
func (f *Future) Cancel() {
	if f == nil || f.op == nil {
		return
	}
	select {
	case <-f.op.done:
		return
	default:
	}
	f.op.transfer.Abort()
	<-f.op.done
}
