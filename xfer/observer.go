package xfer

import "time"

// Observer receives engine state transitions. Methods are called with the
// bus lock held and must return promptly without calling back into the Bus.
type Observer interface {
	PipeOpened(p *Pipe)
	PipeClosed(p *Pipe)
	PipeAborted(p *Pipe, cancelled int)
	TransferSubmitted(x *Transfer)
	TransferStarted(x *Transfer, st Status)
	TransferCompleted(x *Transfer, st Status, actual int)
	TimeoutArmed(x *Transfer, d time.Duration)
	TimeoutRescheduled(x *Transfer)
	TimeoutFired(x *Transfer, valid bool)
	TimeoutExpired(x *Transfer)
}

// NopObserver ignores every event. Embed it to implement a subset of Observer.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) PipeOpened(*Pipe)                         {}
func (NopObserver) PipeClosed(*Pipe)                         {}
func (NopObserver) PipeAborted(*Pipe, int)                   {}
func (NopObserver) TransferSubmitted(*Transfer)              {}
func (NopObserver) TransferStarted(*Transfer, Status)        {}
func (NopObserver) TransferCompleted(*Transfer, Status, int) {}
func (NopObserver) TimeoutArmed(*Transfer, time.Duration)    {}
func (NopObserver) TimeoutRescheduled(*Transfer)             {}
func (NopObserver) TimeoutFired(*Transfer, bool)             {}
func (NopObserver) TimeoutExpired(*Transfer)                 {}

// MultiObserver fans events out to several observers in order.
type MultiObserver []Observer

var _ Observer = MultiObserver(nil)

func (m MultiObserver) PipeOpened(p *Pipe) {
	for _, o := range m {
		o.PipeOpened(p)
	}
}

func (m MultiObserver) PipeClosed(p *Pipe) {
	for _, o := range m {
		o.PipeClosed(p)
	}
}

func (m MultiObserver) PipeAborted(p *Pipe, cancelled int) {
	for _, o := range m {
		o.PipeAborted(p, cancelled)
	}
}

func (m MultiObserver) TransferSubmitted(x *Transfer) {
	for _, o := range m {
		o.TransferSubmitted(x)
	}
}

func (m MultiObserver) TransferStarted(x *Transfer, st Status) {
	for _, o := range m {
		o.TransferStarted(x, st)
	}
}

func (m MultiObserver) TransferCompleted(x *Transfer, st Status, actual int) {
	for _, o := range m {
		o.TransferCompleted(x, st, actual)
	}
}

func (m MultiObserver) TimeoutArmed(x *Transfer, d time.Duration) {
	for _, o := range m {
		o.TimeoutArmed(x, d)
	}
}

func (m MultiObserver) TimeoutRescheduled(x *Transfer) {
	for _, o := range m {
		o.TimeoutRescheduled(x)
	}
}

func (m MultiObserver) TimeoutFired(x *Transfer, valid bool) {
	for _, o := range m {
		o.TimeoutFired(x, valid)
	}
}

func (m MultiObserver) TimeoutExpired(x *Transfer) {
	for _, o := range m {
		o.TimeoutExpired(x)
	}
}
