package xfer

import "fmt"

// Status is the outcome of a transfer submission.
type Status int

// Transfer status values. Every value from StatusSuccess onwards is terminal.
const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusSuccess
	StatusShortTransfer
	StatusTimedOut
	StatusCancelled
	StatusStalled
	StatusIOError
	StatusNoMemory
	StatusInvalid
)

// Terminal reports whether the status ends a submission.
func (s Status) Terminal() bool {
	return s >= StatusSuccess
}

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not-started"
	case StatusInProgress:
		return "in-progress"
	case StatusSuccess:
		return "success"
	case StatusShortTransfer:
		return "short-transfer"
	case StatusTimedOut:
		return "timed-out"
	case StatusCancelled:
		return "cancelled"
	case StatusStalled:
		return "stalled"
	case StatusIOError:
		return "io-error"
	case StatusNoMemory:
		return "no-memory"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Err returns the sentinel error for the status, or nil for success and
// non-terminal values.
func (s Status) Err() error {
	switch s {
	case StatusShortTransfer:
		return ErrShortTransfer
	case StatusTimedOut:
		return ErrTimedOut
	case StatusCancelled:
		return ErrCancelled
	case StatusStalled:
		return ErrStalled
	case StatusIOError:
		return ErrIOError
	case StatusNoMemory:
		return ErrNoMemory
	case StatusInvalid:
		return ErrInvalidArgument
	default:
		return nil
	}
}

// Flag controls how a transfer is executed.
type Flag uint32

const (
	// FlagSynchronous makes Submit block until the completion path finishes.
	FlagSynchronous Flag = 1 << iota
	// FlagInterruptible lets a synchronous wait end early when its context is
	// cancelled. The transfer is aborted and Submit still waits for it.
	FlagInterruptible
	// FlagShortOK accepts fewer bytes than requested as success.
	FlagShortOK
	// FlagIn marks an inbound (device to host) transfer.
	FlagIn
	// FlagNoCopy hands the caller buffer to the backend instead of the
	// transfer's internal buffer.
	FlagNoCopy
)

func (f Flag) has(o Flag) bool { return f&o != 0 }

// PipeFlag controls pipe dispatch behaviour.
type PipeFlag uint32

const (
	// PipeSerialize allows at most one transfer in flight to the backend.
	PipeSerialize PipeFlag = 1 << iota
	// PipeRepeat re-arms the head transfer after each successful completion
	// instead of retiring it, the way interrupt endpoints are polled.
	PipeRepeat
)

// Channel identifies the device endpoint a pipe talks to.
type Channel struct {
	Device        uint8
	Endpoint      uint8
	MaxPacketSize int
}

// In reports whether the endpoint address has the IN direction bit set.
func (c Channel) In() bool {
	return c.Endpoint&0x80 != 0
}

func (c Channel) String() string {
	return fmt.Sprintf("%d:0x%02x", c.Device, c.Endpoint)
}
