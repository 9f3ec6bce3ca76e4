// File: internal/concurrency/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker is one reactor: it adopts handlers from the WorkQueue, registers them
// with its own poller and runs their turns until the stop context is done.

package concurrency

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/rs/zerolog"
)

// WorkerState is the lifecycle position of a Worker. It only moves forward.
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	PollTimeout time.Duration // bound of one poller wait
	IdleWait    time.Duration // bound of the queue wait when the worker owns nothing
	MaxEvents   int
	Logger      zerolog.Logger
	Metrics     *control.Metrics
}

// Worker owns one poller and every handler registered with it.
type Worker struct {
	id      int
	queue   *WorkQueue
	poller  api.Poller
	cfg     WorkerConfig
	log     zerolog.Logger
	metrics *control.Metrics

	owned map[api.Handler]struct{}
	ready []api.Ready
	order []api.Handler
	batch map[api.Handler][]api.Event

	state atomic.Int32
	done  chan struct{}
}

// NewWorker creates a worker over q. The worker takes ownership of p and
// closes it when Run returns.
func NewWorker(id int, q *WorkQueue, p api.Poller, cfg WorkerConfig) *Worker {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = control.DefaultMaxEvents
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = control.DefaultPollTimeout
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = control.DefaultIdleWait
	}
	return &Worker{
		id:      id,
		queue:   q,
		poller:  p,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "worker").Int("worker", id).Logger(),
		metrics: cfg.Metrics,
		owned:   make(map[api.Handler]struct{}),
		ready:   make([]api.Ready, cfg.MaxEvents),
		batch:   make(map[api.Handler][]api.Event),
		done:    make(chan struct{}),
	}
}

// ID returns the worker index within its connector.
func (w *Worker) ID() int { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Done is closed once Run has returned and the poller is closed.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run executes the reactor loop on the calling goroutine, locked to its OS
// thread, until ctx is done. A worker runs at most once.
func (w *Worker) Run(ctx context.Context) {
	if !w.state.CompareAndSwap(int32(WorkerCreated), int32(WorkerRunning)) {
		return
	}
	defer close(w.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.terminate()

	w.log.Debug().Msg("worker started")
	timeout := api.TimeoutMillis(w.cfg.PollTimeout)
	for ctx.Err() == nil {
		w.adopt(ctx)
		if ctx.Err() != nil || len(w.owned) == 0 {
			continue
		}
		n, err := w.poller.Wait(w.ready, timeout)
		if err != nil {
			w.log.Error().Err(err).Msg("poller wait failed")
			w.pause(ctx)
			continue
		}
		w.dispatch(w.ready[:n])
	}
}

// adopt registers every handler currently queued. A worker that owns nothing
// blocks for at most IdleWait waiting for the first one.
func (w *Worker) adopt(ctx context.Context) {
	if len(w.owned) == 0 {
		h, ok := w.queue.Take(ctx, w.cfg.IdleWait)
		if !ok {
			return
		}
		w.register(h)
	}
	for ctx.Err() == nil {
		h, ok := w.queue.TryTake()
		if !ok {
			return
		}
		w.register(h)
	}
}

func (w *Worker) register(h api.Handler) {
	// owned from the moment it leaves the queue, so the exit sweep covers it
	w.owned[h] = struct{}{}
	if err := guard(func() error { return h.Register(w.poller) }); err != nil {
		w.log.Warn().Err(err).Str("handler", handlerName(h)).Msg("handler registration failed")
		w.release(h)
	}
}

func (w *Worker) dispatch(ready []api.Ready) {
	for _, r := range ready {
		if _, ok := w.owned[r.Owner]; !ok {
			continue
		}
		if _, seen := w.batch[r.Owner]; !seen {
			w.order = append(w.order, r.Owner)
		}
		w.batch[r.Owner] = append(w.batch[r.Owner], r.Event)
	}
	for _, h := range w.order {
		w.runTurn(h, w.batch[h])
	}
	clear(w.batch)
	clear(w.order)
	w.order = w.order[:0]
}

func (w *Worker) runTurn(h api.Handler, events []api.Event) {
	res, err := turn(h, events)
	for _, s := range res.Spawned {
		w.handOff(s)
	}
	if err != nil {
		w.metrics.TurnFailed()
		w.log.Warn().Err(err).Str("handler", handlerName(h)).Msg("handler turn failed")
		w.release(h)
		return
	}
	switch res.Next {
	case api.Done:
		w.release(h)
	case api.Yield:
		w.detach(h)
		w.handOff(h)
	}
}

// handOff moves h to the queue; a handler the queue refuses is destroyed.
func (w *Worker) handOff(h api.Handler) {
	if err := w.queue.Put(h); err != nil {
		w.log.Error().Err(err).Str("handler", handlerName(h)).Msg("work queue refused handler")
		destroy(h)
	}
}

func (w *Worker) detach(h api.Handler) {
	delete(w.owned, h)
	if err := w.poller.Detach(h); err != nil {
		w.log.Debug().Err(err).Str("handler", handlerName(h)).Msg("poller detach")
	}
}

func (w *Worker) release(h api.Handler) {
	w.detach(h)
	destroy(h)
}

// pause backs off after a poller failure without ignoring the stop signal.
func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) terminate() {
	w.state.Store(int32(WorkerStopping))
	released := len(w.owned)
	for h := range w.owned {
		w.release(h)
	}
	if err := w.poller.Close(); err != nil {
		w.log.Warn().Err(err).Msg("poller close failed")
	}
	w.state.Store(int32(WorkerTerminated))
	w.log.Debug().Int("released", released).Msg("worker terminated")
}

func turn(h api.Handler, events []api.Event) (res api.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Turn(events)
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}

func destroy(h api.Handler) {
	defer func() { _ = recover() }()
	h.Destroy()
}

func handlerName(h api.Handler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}
