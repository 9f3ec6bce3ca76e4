// File: internal/transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package transport implements the two connection handlers scheduled by the
// connector's workers, both on raw non-blocking sockets:
//
//   - Acceptor owns the listening socket and turns each accepted client into
//     a Relay connected to the route's remote endpoint.
//   - Relay copies bytes in both directions between a client and its upstream
//     connection, propagating half-closes.
//
// Linux only; other platforms report api.ErrNotSupported from Listen.
package transport
