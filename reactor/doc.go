// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the worker-local readiness poller behind api.Poller:
// a level-triggered epoll implementation on Linux and a stub elsewhere.
package reactor
