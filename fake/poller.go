// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fake provides in-memory stand-ins for pollers and handlers so the
// connector and its workers can be tested without sockets.
package fake

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-proxy/api"
)

// ErrClosed is returned by a closed Poller.
var ErrClosed = errors.New("fake poller closed")

// Poller implements api.Poller. Every registered handler is reported ready on
// every Wait, after a short sleep that stands in for the kernel wait.
type Poller struct {
	mu     sync.Mutex
	fds    map[int]api.Handler
	order  []api.Handler
	closed bool

	// Tick bounds each Wait; defaults to 200µs.
	Tick time.Duration
	// AddErr, when set, is returned by Add.
	AddErr error

	adds   atomic.Int64
	closes atomic.Int64
}

// NewPoller creates an empty fake poller.
func NewPoller() *Poller {
	return &Poller{fds: make(map[int]api.Handler)}
}

func (p *Poller) Add(fd int, events api.EventType, owner api.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.AddErr != nil {
		return p.AddErr
	}
	if _, dup := p.fds[fd]; dup {
		return errors.New("fake poller: fd already registered")
	}
	p.fds[fd] = owner
	if !p.ownsLocked(owner) {
		p.order = append(p.order, owner)
		if h, ok := owner.(*Handler); ok {
			h.attach(p)
		}
	}
	p.adds.Add(1)
	return nil
}

func (p *Poller) Modify(fd int, events api.EventType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fds[fd]; !ok {
		return errors.New("fake poller: unknown fd")
	}
	return nil
}

func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.fds[fd]
	if !ok {
		return nil
	}
	delete(p.fds, fd)
	if !p.hasFdLocked(owner) {
		p.dropLocked(owner)
	}
	return nil
}

func (p *Poller) Detach(owner api.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, o := range p.fds {
		if o == owner {
			delete(p.fds, fd)
		}
	}
	p.dropLocked(owner)
	return nil
}

func (p *Poller) Wait(out []api.Ready, timeoutMs int) (int, error) {
	tick := p.Tick
	if tick <= 0 {
		tick = 200 * time.Microsecond
	}
	if limit := time.Duration(timeoutMs) * time.Millisecond; timeoutMs >= 0 && limit < tick {
		tick = limit
	}
	time.Sleep(tick)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	n := 0
	for fd, owner := range p.fds {
		if n == len(out) {
			break
		}
		out[n] = api.Ready{Owner: owner, Event: api.Event{Fd: fd, Ready: api.EventRead}}
		n++
	}
	return n, nil
}

func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closes.Add(1)
	}
	return nil
}

// Registered returns the number of handlers with at least one fd registered.
func (p *Poller) Registered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Closed reports whether Close has been called.
func (p *Poller) Closed() bool {
	return p.closes.Load() > 0
}

// Adds returns the number of successful Add calls.
func (p *Poller) Adds() int64 { return p.adds.Load() }

func (p *Poller) ownsLocked(owner api.Handler) bool {
	for _, o := range p.order {
		if o == owner {
			return true
		}
	}
	return false
}

func (p *Poller) hasFdLocked(owner api.Handler) bool {
	for _, o := range p.fds {
		if o == owner {
			return true
		}
	}
	return false
}

func (p *Poller) dropLocked(owner api.Handler) {
	for i, o := range p.order {
		if o == owner {
			p.order = append(p.order[:i], p.order[i+1:]...)
			if h, ok := owner.(*Handler); ok {
				h.detach(p)
			}
			return
		}
	}
}
