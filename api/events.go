// File: api/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// EventType is a readiness bitmask.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventError // error or hang-up reported by the poller; never requested
)

// Has reports whether every bit of o is set in t.
func (t EventType) Has(o EventType) bool { return t&o == o }

// Event reports readiness of one descriptor.
type Event struct {
	Fd    int
	Ready EventType
}

// Ready pairs a ready descriptor with the handler that registered it.
type Ready struct {
	Owner Handler
	Event Event
}
