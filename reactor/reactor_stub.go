//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-proxy/api"
)

// NewPoller returns an error for unsupported platforms.
func NewPoller(int) (api.Poller, error) {
	return nil, fmt.Errorf("reactor: epoll poller: %w", api.ErrNotSupported)
}
