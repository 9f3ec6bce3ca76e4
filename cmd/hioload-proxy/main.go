// File: cmd/hioload-proxy/main.go
// Package main
// TCP proxy host: runs one connector per configured route until SIGINT/SIGTERM.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/momentics/hioload-proxy/connector"
	"github.com/momentics/hioload-proxy/control"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long a signal-triggered shutdown may take before it
// is reported as interrupted. Shutdown still runs to completion.
const shutdownGrace = 10 * time.Second

type options struct {
	config        string
	local         string
	remote        string
	workers       int
	logLevel      string
	statsInterval time.Duration
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("hioload-proxy", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&o.config, "config", "", "TOML configuration file with [[route]] entries")
	fs.StringVar(&o.local, "local", "", "local port to listen on (0 picks a free port)")
	fs.StringVar(&o.remote, "remote", "", "remote endpoint as host:port")
	fs.IntVar(&o.workers, "workers", 0, "reactor workers per route (default from config or 4)")
	fs.StringVar(&o.logLevel, "log-level", "", "trace, debug, info, warn or error")
	fs.DurationVar(&o.statsInterval, "stats-interval", 0, "log route statistics at this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.config == "" && (o.local == "" || o.remote == "") {
		return o, errors.New("either -config or both -local and -remote are required")
	}
	return o, nil
}

// load merges the configuration file with command-line overrides.
func load(o options) (*control.File, error) {
	f := &control.File{Workers: control.DefaultWorkers, LogLevel: "info"}
	if o.config != "" {
		var err error
		if f, err = control.LoadFile(o.config); err != nil {
			return nil, err
		}
	}
	if o.local != "" || o.remote != "" {
		r, err := control.ParseRoute(o.local, o.remote)
		if err != nil {
			return nil, err
		}
		f.Routes = append(f.Routes, r)
	}
	if o.workers != 0 {
		f.Workers = o.workers
	}
	if o.logLevel != "" {
		f.LogLevel = o.logLevel
	}
	if o.statsInterval != 0 {
		f.StatsInterval = o.statsInterval.String()
	}
	return f, nil
}

func newLogger(level string, w *os.File) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// startRoutes starts one connector per route. Stats probes are keyed by the
// bound address, which stays unique when several routes use port 0.
func startRoutes(f *control.File, log zerolog.Logger) ([]*connector.Connector, *control.Probes, error) {
	var started []*connector.Connector
	probes := control.NewProbes()
	for _, r := range f.Routes {
		cfg, err := r.ProxyConfig()
		if err != nil {
			_ = shutdownAll(started)
			return nil, nil, err
		}
		c := connector.New(cfg, connector.WithLogger(log))
		if err := c.Start(f.Workers); err != nil {
			_ = shutdownAll(started)
			return nil, nil, fmt.Errorf("route %s: %w", c.Name(), err)
		}
		started = append(started, c)
		addr := c.Addr().String()
		probes.Register(addr, c.Stats)
		log.Info().Str("route", c.Name()).Str("addr", addr).Msg("route up")
	}
	return started, probes, nil
}

func shutdownAll(cs []*connector.Connector) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	var g errgroup.Group
	for _, c := range cs {
		g.Go(func() error { return c.ShutdownContext(ctx) })
	}
	return g.Wait()
}

func run(ctx context.Context, f *control.File, log zerolog.Logger) error {
	interval, err := f.Interval()
	if err != nil {
		return err
	}

	started, probes, err := startRoutes(f, log)
	if err != nil {
		return err
	}

	var ticks <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		ticks = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("signal received, shutting down")
			return shutdownAll(started)
		case <-ticks:
			stats := probes.Collect()
			for _, addr := range probes.Names() {
				s := stats[addr]
				log.Info().Str("addr", addr).
					Int64("accepted", s.Accepted).
					Int64("active", s.RelaysActive).
					Int64("closed", s.RelaysClosed).
					Int64("turn_failures", s.TurnFailures).
					Int64("bytes_up", s.BytesUp).
					Int64("bytes_down", s.BytesDown).
					Msg("stats")
			}
		}
	}
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	f, err := load(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := newLogger(f.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, f, log); err != nil {
		log.Error().Err(err).Msg("proxy stopped with error")
		stop()
		os.Exit(1)
	}
}
