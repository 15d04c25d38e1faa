package xfer

import "errors"

var (
	// ErrCancelled indicates the transfer was aborted by a driver or a pipe close.
	ErrCancelled = errors.New("xfer: transfer cancelled")
	// ErrTimedOut indicates the transfer did not complete within its timeout.
	ErrTimedOut = errors.New("xfer: transfer timed out")
	// ErrShortTransfer indicates fewer bytes than requested were moved and the
	// transfer did not permit it.
	ErrShortTransfer = errors.New("xfer: short transfer")
	// ErrStalled indicates the backend reported an endpoint stall.
	ErrStalled = errors.New("xfer: endpoint stalled")
	// ErrIOError indicates a backend-reported hardware fault.
	ErrIOError = errors.New("xfer: I/O error")
	// ErrNoMemory indicates a buffer or transfer allocation failure.
	ErrNoMemory = errors.New("xfer: insufficient memory")
	// ErrInvalidArgument indicates a broken caller contract.
	ErrInvalidArgument = errors.New("xfer: invalid argument")
	// ErrNotConfigured indicates the transfer or pipe has not been set up.
	ErrNotConfigured = errors.New("xfer: not configured")
	// ErrInProgress indicates the transfer is still owned by the engine.
	ErrInProgress = errors.New("xfer: transfer in progress")
	// ErrPipeClosed indicates the pipe has already been closed.
	ErrPipeClosed = errors.New("xfer: pipe closed")
	// ErrBusClosed indicates the bus has already been closed.
	ErrBusClosed = errors.New("xfer: bus closed")
)
