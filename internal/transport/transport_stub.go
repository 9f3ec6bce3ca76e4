//go:build !linux

// internal/transport/transport_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/rs/zerolog"
)

// Acceptor is unavailable on this platform.
type Acceptor struct{}

// Listen always fails outside Linux.
func Listen(cfg control.ProxyConfig, _ zerolog.Logger, _ *control.Metrics) (*Acceptor, error) {
	return nil, &api.BindError{
		Addr: cfg.LocalAddr(),
		Err:  fmt.Errorf("raw socket listener: %w", api.ErrNotSupported),
	}
}

func (a *Acceptor) Addr() net.Addr                       { return nil }
func (a *Acceptor) Register(api.Poller) error            { return api.ErrNotSupported }
func (a *Acceptor) Turn([]api.Event) (api.Result, error) { return api.Result{Next: api.Done}, nil }
func (a *Acceptor) Destroy()                             {}
func (a *Acceptor) Remote() *net.TCPAddr                 { return nil }
