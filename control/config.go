// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Immutable per-route proxy configuration with validation and defaults.

package control

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/momentics/hioload-proxy/api"
)

// Defaults applied to zero-valued Settings fields.
const (
	DefaultBufferSize  = 16 * 1024
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultIdleWait    = 100 * time.Millisecond
	DefaultMaxEvents   = 128
)

// Settings is the mutable input to NewProxyConfig.
type Settings struct {
	LocalPort  uint16 // 0 picks an ephemeral port
	RemoteHost string
	RemotePort uint16

	BindHost    string        // empty binds every IPv4 interface
	BufferSize  int           // bytes buffered per relay direction
	PollTimeout time.Duration // upper bound of one poller wait
	IdleWait    time.Duration // upper bound of an idle worker's queue wait
	MaxEvents   int           // readiness events collected per poller wait
}

// ProxyConfig describes one local listener relayed to one remote endpoint.
// The zero value is not valid; build it with NewProxyConfig.
type ProxyConfig struct {
	localPort   uint16
	remoteHost  string
	remotePort  uint16
	bindHost    string
	bufferSize  int
	pollTimeout time.Duration
	idleWait    time.Duration
	maxEvents   int
}

// NewProxyConfig validates s and fills in defaults.
func NewProxyConfig(s Settings) (ProxyConfig, error) {
	host := strings.TrimSpace(s.RemoteHost)
	switch {
	case host == "":
		return ProxyConfig{}, invalid("remote host must not be empty", "remote_host", s.RemoteHost)
	case s.RemotePort == 0:
		return ProxyConfig{}, invalid("remote port must be in 1..65535", "remote_port", s.RemotePort)
	case s.BufferSize < 0:
		return ProxyConfig{}, invalid("buffer size must not be negative", "buffer_size", s.BufferSize)
	case s.PollTimeout < 0:
		return ProxyConfig{}, invalid("poll timeout must not be negative", "poll_timeout", s.PollTimeout)
	case s.IdleWait < 0:
		return ProxyConfig{}, invalid("idle wait must not be negative", "idle_wait", s.IdleWait)
	case s.MaxEvents < 0:
		return ProxyConfig{}, invalid("max events must not be negative", "max_events", s.MaxEvents)
	}

	cfg := ProxyConfig{
		localPort:   s.LocalPort,
		remoteHost:  host,
		remotePort:  s.RemotePort,
		bindHost:    strings.TrimSpace(s.BindHost),
		bufferSize:  s.BufferSize,
		pollTimeout: s.PollTimeout,
		idleWait:    s.IdleWait,
		maxEvents:   s.MaxEvents,
	}
	if cfg.bufferSize == 0 {
		cfg.bufferSize = DefaultBufferSize
	}
	if cfg.pollTimeout == 0 {
		cfg.pollTimeout = DefaultPollTimeout
	}
	if cfg.idleWait == 0 {
		cfg.idleWait = DefaultIdleWait
	}
	if cfg.maxEvents == 0 {
		cfg.maxEvents = DefaultMaxEvents
	}
	return cfg, nil
}

func invalid(msg, key string, value any) error {
	return api.NewError(api.ErrCodeInvalidArgument, msg).WithContext(key, value)
}

func (c ProxyConfig) LocalPort() uint16          { return c.localPort }
func (c ProxyConfig) RemoteHost() string         { return c.remoteHost }
func (c ProxyConfig) RemotePort() uint16         { return c.remotePort }
func (c ProxyConfig) BindHost() string           { return c.bindHost }
func (c ProxyConfig) BufferSize() int            { return c.bufferSize }
func (c ProxyConfig) PollTimeout() time.Duration { return c.pollTimeout }
func (c ProxyConfig) IdleWait() time.Duration    { return c.idleWait }
func (c ProxyConfig) MaxEvents() int             { return c.maxEvents }

// LocalAddr is the host:port the listener binds.
func (c ProxyConfig) LocalAddr() string {
	host := c.bindHost
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(c.localPort)))
}

// RemoteAddr is the host:port every accepted connection is relayed to.
func (c ProxyConfig) RemoteAddr() string {
	return net.JoinHostPort(c.remoteHost, strconv.Itoa(int(c.remotePort)))
}

// Name identifies the route in diagnostics.
func (c ProxyConfig) Name() string {
	return fmt.Sprintf("%s from %d", c.RemoteAddr(), c.localPort)
}
