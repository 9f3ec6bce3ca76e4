// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Work distribution for hioload-proxy: the shared WorkQueue through which
// handler ownership moves, and the reactor Worker that adopts handlers from
// it and runs their turns on a poller of its own.
//
// A handler is owned by exactly one Worker or sits in exactly one WorkQueue;
// the queue is the only structure touched by more than one goroutine.
package concurrency
