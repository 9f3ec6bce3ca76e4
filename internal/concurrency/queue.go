// File: internal/concurrency/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unbounded multi-producer/multi-consumer FIFO of handlers in transit.

package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-proxy/api"
)

// WorkQueue hands handler ownership between goroutines. A handler is present
// at most once at a time.
type WorkQueue struct {
	mu      sync.Mutex
	items   *queue.Queue
	members map[api.Handler]struct{}
	signal  chan struct{} // one pending wake-up for blocked takers
}

// NewWorkQueue creates an empty queue.
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		items:   queue.New(),
		members: make(map[api.Handler]struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// Put appends h. It fails with api.ErrAlreadyQueued if h is already present.
func (q *WorkQueue) Put(h api.Handler) error {
	q.mu.Lock()
	if _, ok := q.members[h]; ok {
		q.mu.Unlock()
		return api.ErrAlreadyQueued
	}
	q.members[h] = struct{}{}
	q.items.Add(h)
	q.mu.Unlock()
	q.wake()
	return nil
}

// TryTake removes the oldest handler without blocking.
func (q *WorkQueue) TryTake() (api.Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Take removes the oldest handler, waiting up to wait for one to arrive.
// It returns false on timeout or when ctx is done.
func (q *WorkQueue) Take(ctx context.Context, wait time.Duration) (api.Handler, bool) {
	if h, ok := q.TryTake(); ok {
		return h, true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return q.TryTake()
		case <-q.signal:
			q.mu.Lock()
			h, ok := q.popLocked()
			more := q.items.Length() > 0
			q.mu.Unlock()
			if more {
				// pass the wake-up on so a second taker is not left waiting
				q.wake()
			}
			if ok {
				return h, true
			}
		}
	}
}

// Drain removes every queued handler and calls fn on each, in FIFO order.
// fn runs without the queue lock held.
func (q *WorkQueue) Drain(fn func(api.Handler)) int {
	q.mu.Lock()
	drained := make([]api.Handler, 0, q.items.Length())
	for {
		h, ok := q.popLocked()
		if !ok {
			break
		}
		drained = append(drained, h)
	}
	q.mu.Unlock()
	for _, h := range drained {
		fn(h)
	}
	return len(drained)
}

// Len returns the number of queued handlers.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Contains reports whether h is queued.
func (q *WorkQueue) Contains(h api.Handler) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[h]
	return ok
}

func (q *WorkQueue) popLocked() (api.Handler, bool) {
	if q.items.Length() == 0 {
		return nil, false
	}
	h := q.items.Remove().(api.Handler)
	delete(q.members, h)
	return h, true
}

func (q *WorkQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
