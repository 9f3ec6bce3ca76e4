// File: connector/connector.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connector

import (
	"context"
	"net"
	"sync"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/momentics/hioload-proxy/internal/concurrency"
	"github.com/momentics/hioload-proxy/internal/transport"
	"github.com/momentics/hioload-proxy/reactor"
	"github.com/rs/zerolog"
)

type listenFunc func(control.ProxyConfig, zerolog.Logger, *control.Metrics) (api.Handler, net.Addr, error)

// Connector runs one route. It is idle after New and after Shutdown, and
// running between a successful Start and the next Shutdown.
type Connector struct {
	cfg     control.ProxyConfig
	name    string
	base    zerolog.Logger
	log     zerolog.Logger
	metrics *control.Metrics

	listen    listenFunc
	newPoller func(maxEvents int) (api.Poller, error)

	mu      sync.Mutex
	queue   *concurrency.WorkQueue
	workers []*concurrency.Worker
	cancel  context.CancelFunc
	addr    net.Addr
}

// New creates an idle connector for cfg.
func New(cfg control.ProxyConfig, opts ...Option) *Connector {
	c := &Connector{
		cfg:       cfg,
		name:      cfg.Name(),
		base:      zerolog.Nop(),
		metrics:   control.NewMetrics(),
		listen:    listenTCP,
		newPoller: reactor.NewPoller,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.base.With().Str("component", "connector").Str("connector", c.name).Logger()
	return c
}

func listenTCP(cfg control.ProxyConfig, log zerolog.Logger, m *control.Metrics) (api.Handler, net.Addr, error) {
	a, err := transport.Listen(cfg, log, m)
	if err != nil {
		return nil, nil, err
	}
	return a, a.Addr(), nil
}

// Name identifies the route in diagnostics.
func (c *Connector) Name() string { return c.name }

// Running reports whether Start succeeded and Shutdown has not yet run.
func (c *Connector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers != nil
}

// Addr is the bound listening address while running, nil otherwise.
func (c *Connector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Stats returns a snapshot of the connector's counters.
func (c *Connector) Stats() control.Snapshot {
	return c.metrics.Snapshot()
}

// Start binds the listener and launches workerCount workers. It returns once
// the workers are launched, without waiting for connections. Resolving the
// remote and binding are all-or-nothing: on any error the connector stays idle
// with nothing left open.
func (c *Connector) Start(workerCount int) error {
	if workerCount < 1 {
		return api.NewError(api.ErrCodeInvalidArgument, "worker count must be at least 1").
			WithContext("workers", workerCount)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers != nil {
		c.log.Error().Int("workers", len(c.workers)).Msg("start refused: already running")
		return api.NewError(api.ErrCodeAlreadyStarted, "connector already running").
			WithContext("connector", c.name)
	}

	c.log.Info().Int("workers", workerCount).Str("local", c.cfg.LocalAddr()).
		Str("remote", c.cfg.RemoteAddr()).Msg("starting")

	listener, addr, err := c.listen(c.cfg, c.base, c.metrics)
	if err != nil {
		c.log.Error().Err(err).Msg("start failed")
		return err
	}

	pollers := make([]api.Poller, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		p, err := c.newPoller(c.cfg.MaxEvents())
		if err != nil {
			for _, p := range pollers {
				_ = p.Close()
			}
			listener.Destroy()
			c.log.Error().Err(err).Int("worker", i).Msg("start failed: poller")
			return err
		}
		pollers = append(pollers, p)
	}

	q := concurrency.NewWorkQueue()
	if err := q.Put(listener); err != nil {
		for _, p := range pollers {
			_ = p.Close()
		}
		listener.Destroy()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	wcfg := concurrency.WorkerConfig{
		PollTimeout: c.cfg.PollTimeout(),
		IdleWait:    c.cfg.IdleWait(),
		MaxEvents:   c.cfg.MaxEvents(),
		Logger:      c.base.With().Str("connector", c.name).Logger(),
		Metrics:     c.metrics,
	}
	workers := make([]*concurrency.Worker, workerCount)
	for i, p := range pollers {
		workers[i] = concurrency.NewWorker(i, q, p, wcfg)
	}
	for _, w := range workers {
		go w.Run(ctx)
	}

	c.queue, c.workers, c.cancel, c.addr = q, workers, cancel, addr
	c.metrics.SetWorkers(workerCount)
	c.log.Info().Stringer("addr", addr).Msg("started")
	return nil
}

// Shutdown stops the connector and waits for it to become idle.
func (c *Connector) Shutdown() {
	_ = c.ShutdownContext(context.Background())
}

// ShutdownContext stops every worker, waits for all of them to terminate and
// destroys whatever is still queued. The wait is never cut short: if ctx ends
// first, the shutdown still completes and ctx.Err() is returned afterwards.
// Calling it on an idle connector does nothing.
func (c *Connector) ShutdownContext(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers == nil {
		c.log.Info().Msg("already shut down")
		return nil
	}

	c.log.Info().Int("workers", len(c.workers)).Msg("shutting down")
	c.cancel()

	interrupted := false
	for _, w := range c.workers {
		select {
		case <-w.Done():
			continue
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				c.log.Warn().Err(ctx.Err()).Msg("shutdown interrupted, still waiting for workers")
			}
		}
		<-w.Done()
	}

	drained := c.queue.Drain(func(h api.Handler) { h.Destroy() })

	c.queue, c.workers, c.cancel, c.addr = nil, nil, nil, nil
	c.metrics.SetWorkers(0)
	c.log.Info().Int("drained", drained).Msg("shut down")
	if interrupted {
		return ctx.Err()
	}
	return nil
}
