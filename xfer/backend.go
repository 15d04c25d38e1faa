package xfer

// Backend moves bytes for the transfers of a Bus. Implementations own the
// physical bus; the engine only sequences calls into them.
//
// Start is called without the bus lock held. It returns StatusInProgress once
// the transfer has been handed to the hardware, or a terminal status when the
// transfer was refused; refused transfers go through the completion path with
// that status. Start may report the outcome synchronously through
// Bus.Complete before returning StatusInProgress.
//
// Abort and Done are called with the bus lock held and must not call back
// into the Bus. After Abort returns the backend must not report a completion
// for that submission.
type Backend interface {
	Start(x *Transfer) Status
	Abort(x *Transfer)
	Done(x *Transfer)
}

// ToggleClearer is implemented by backends that need housekeeping after an
// endpoint stall, such as resetting the data toggle.
type ToggleClearer interface {
	ClearToggle(p *Pipe)
}

// TimeoutPolicy lets a backend report a timed-out transfer as successful.
// It is consulted from the completion path with the bus lock held, only for
// outbound transfers.
type TimeoutPolicy interface {
	HideTimeout(x *Transfer) bool
}

// PipeOpener is implemented by backends that allocate per-pipe state.
type PipeOpener interface {
	OpenPipe(p *Pipe) error
}

// PipeCloser is implemented by backends that release per-pipe state.
type PipeCloser interface {
	ClosePipe(p *Pipe)
}

// PrivateAllocator is implemented by backends that keep per-transfer data,
// retrievable through Transfer.Private.
type PrivateAllocator interface {
	NewPrivate(x *Transfer) (any, error)
}
