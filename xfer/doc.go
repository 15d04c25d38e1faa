// Package xfer is a bus-agnostic I/O transfer engine. It sits between device
// drivers and a host-controller Backend: drivers queue Transfers on Pipes,
// the engine serializes and dispatches them to the backend, and every
// submission ends in exactly one pass through the completion path, whether
// the backend finished it, a driver aborted it, or its timeout expired.
//
// # Locking
//
// Each Bus has one lock protecting all of its pipe queues, transfer status
// fields and timeout bookkeeping. Backend Start calls and completion
// callbacks run without it; Backend Abort and Done run with it held.
//
// # Timeouts
//
// A transfer with a timeout arms a timer when it starts. The timer runs in
// its own goroutine and only decides whether the timeout is still live; the
// abort itself is deferred to the bus task worker. Completion, abort and
// resubmission may race with either stage:
//
//	idle --schedule--> armed --resubmit while in flight--> reschedule
//	armed --fire, still in progress--> task --> timed out
//	armed --complete/abort--> idle (timer stopped or task withdrawn)
//
// # Usage
//
//	bus, _ := xfer.NewBus(xfer.BusConfig{Backend: hc})
//	pipe, _ := bus.OpenPipe(xfer.Channel{Device: 1, Endpoint: 0x81}, xfer.PipeSerialize)
//	x, _ := pipe.NewTransfer(64, xfer.FlagIn)
//	_ = x.Setup(buf, 64, xfer.FlagIn|xfer.FlagSynchronous, time.Second, nil, nil)
//	st, err := pipe.Submit(ctx, x)
package xfer
