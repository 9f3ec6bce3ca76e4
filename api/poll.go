// Package api
// Author: momentics
//
// Poll-mode multiplexing context owned by a single worker.

package api

import "time"

// Poller is a worker-local readiness multiplexer (epoll on Linux).
// It is not safe for concurrent use; only the owning worker touches it.
type Poller interface {
	// Add starts watching fd for the given events on behalf of owner.
	Add(fd int, events EventType, owner Handler) error

	// Modify replaces the watched events of a registered fd.
	Modify(fd int, events EventType) error

	// Remove stops watching a single fd.
	Remove(fd int) error

	// Detach stops watching every fd registered by owner.
	Detach(owner Handler) error

	// Wait blocks up to timeout and fills out with ready descriptors.
	Wait(out []Ready, timeoutMs int) (int, error)

	// Close releases the multiplexing context.
	Close() error
}

// TimeoutMillis converts d for Wait, rounding sub-millisecond waits up.
// Negative durations block indefinitely.
func TimeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	case d < time.Millisecond:
		return 1
	default:
		return int(d / time.Millisecond)
	}
}
