// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for one connector. All methods are safe on a nil receiver
// so components may run without metrics.

package control

import (
	"sync/atomic"
	"time"
)

// Metrics holds lock-free proxy counters.
type Metrics struct {
	accepted     atomic.Int64
	relaysActive atomic.Int64
	relaysClosed atomic.Int64
	turnFailures atomic.Int64
	bytesUp      atomic.Int64
	bytesDown    atomic.Int64
	workers      atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Accepted     int64
	RelaysActive int64
	RelaysClosed int64
	TurnFailures int64
	BytesUp      int64 // client to remote
	BytesDown    int64 // remote to client
	Workers      int64
	TakenAt      time.Time
}

// NewMetrics creates zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Accepted() {
	if m != nil {
		m.accepted.Add(1)
	}
}

func (m *Metrics) RelayOpened() {
	if m != nil {
		m.relaysActive.Add(1)
	}
}

func (m *Metrics) RelayClosed() {
	if m != nil {
		m.relaysActive.Add(-1)
		m.relaysClosed.Add(1)
	}
}

func (m *Metrics) TurnFailed() {
	if m != nil {
		m.turnFailures.Add(1)
	}
}

func (m *Metrics) AddBytesUp(n int) {
	if m != nil && n > 0 {
		m.bytesUp.Add(int64(n))
	}
}

func (m *Metrics) AddBytesDown(n int) {
	if m != nil && n > 0 {
		m.bytesDown.Add(int64(n))
	}
}

// SetWorkers records the size of the running worker pool.
func (m *Metrics) SetWorkers(n int) {
	if m != nil {
		m.workers.Store(int64(n))
	}
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{TakenAt: time.Now()}
	}
	return Snapshot{
		Accepted:     m.accepted.Load(),
		RelaysActive: m.relaysActive.Load(),
		RelaysClosed: m.relaysClosed.Load(),
		TurnFailures: m.turnFailures.Load(),
		BytesUp:      m.bytesUp.Load(),
		BytesDown:    m.bytesDown.Load(),
		Workers:      m.workers.Load(),
		TakenAt:      time.Now(),
	}
}
