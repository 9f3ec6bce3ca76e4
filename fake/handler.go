// Package fake provides mock implementations for testing hioload-proxy components.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-proxy/api"
)

// Handler implements api.Handler and checks the ownership rules it is
// subjected to: it must never be registered with two pollers, never run two
// turns at once and never run a turn after being destroyed.
type Handler struct {
	ID int

	// TurnFunc decides the outcome of the n-th turn (1-based). Nil continues.
	TurnFunc func(n int) (api.Result, error)
	// RegisterErr, when set, is returned by Register.
	RegisterErr error

	turns      atomic.Int64
	destroys   atomic.Int64
	violations atomic.Int64
	inTurn     atomic.Bool
	owner      atomic.Pointer[Poller]
	gen        atomic.Int64
}

// NewHandler creates a handler; id doubles as its descriptor number.
func NewHandler(id int) *Handler {
	return &Handler{ID: id}
}

func (h *Handler) Register(p api.Poller) error {
	if h.RegisterErr != nil {
		return h.RegisterErr
	}
	return p.Add(h.ID, api.EventRead, h)
}

func (h *Handler) Turn(events []api.Event) (api.Result, error) {
	if !h.inTurn.CompareAndSwap(false, true) {
		h.violations.Add(1)
	}
	defer h.inTurn.Store(false)
	if h.destroys.Load() > 0 {
		h.violations.Add(1)
	}
	n := h.turns.Add(1)
	if h.TurnFunc != nil {
		return h.TurnFunc(int(n))
	}
	return api.Result{}, nil
}

func (h *Handler) Destroy() {
	h.destroys.Add(1)
}

func (h *Handler) String() string { return fmt.Sprintf("fake-%d", h.ID) }

// Turns returns the number of turns run so far.
func (h *Handler) Turns() int64 { return h.turns.Load() }

// Destroys returns how many times Destroy was called.
func (h *Handler) Destroys() int64 { return h.destroys.Load() }

// Violations counts broken ownership rules.
func (h *Handler) Violations() int64 { return h.violations.Load() }

// Owner returns the fake poller the handler is registered with, if any.
func (h *Handler) Owner() *Poller { return h.owner.Load() }

// Generation counts registrations. It is bumped before the owner is set, so a
// reader that sees the same generation before and after an unchanged owner
// knows the registration was continuous.
func (h *Handler) Generation() int64 { return h.gen.Load() }

func (h *Handler) attach(p *Poller) {
	h.gen.Add(1)
	if !h.owner.CompareAndSwap(nil, p) {
		h.violations.Add(1)
	}
}

func (h *Handler) detach(p *Poller) {
	if !h.owner.CompareAndSwap(p, nil) {
		h.violations.Add(1)
	}
}
