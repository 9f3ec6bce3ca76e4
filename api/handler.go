// File: api/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api defines the contracts shared by the connector, its workers and
// the connection handlers they schedule.
package api

// Disposition tells the owning worker what to do with a handler after a turn.
type Disposition int

const (
	// Continue keeps the handler registered with the current worker.
	Continue Disposition = iota
	// Yield detaches the handler and returns it to the work queue so that any
	// worker may adopt it for its next turn.
	Yield
	// Done detaches and destroys the handler.
	Done
)

func (d Disposition) String() string {
	switch d {
	case Continue:
		return "continue"
	case Yield:
		return "yield"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Result is the outcome of one handler turn.
type Result struct {
	Next    Disposition
	Spawned []Handler // new handlers to hand to the work queue
}

// Handler is one schedulable unit of I/O work: an accept listener or a relay.
//
// A handler is owned by exactly one worker or by the work queue at any time,
// so its methods are never called concurrently.
type Handler interface {
	// Register arms the handler's descriptors on the worker's poller.
	Register(p Poller) error

	// Turn runs one unit of work for the descriptors reported ready.
	Turn(events []Event) (Result, error)

	// Destroy releases every resource held by the handler. It must be safe to
	// call more than once and must not panic.
	Destroy()
}
