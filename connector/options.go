// File: connector/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connector

import (
	"github.com/momentics/hioload-proxy/control"
	"github.com/rs/zerolog"
)

// Option customizes a Connector at construction.
type Option func(*Connector)

// WithLogger sets the logger used by the connector, its workers and handlers.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connector) {
		c.base = l
	}
}

// WithMetrics shares a counter set, e.g. between routes of one process.
func WithMetrics(m *control.Metrics) Option {
	return func(c *Connector) {
		if m != nil {
			c.metrics = m
		}
	}
}
