// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration and runtime metrics layer of hioload-proxy.
//
// Provides:
//   - ProxyConfig, the immutable validated description of one proxy route
//   - TOML configuration files listing routes for the command-line host
//   - Metrics, lock-free counters exported as point-in-time snapshots
//   - Probes, a registry collecting snapshots across routes
package control
