//go:build linux

// internal/transport/relay_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bidirectional byte relay between one accepted client and the remote endpoint.
// All I/O is non-blocking and driven by the owning worker's poller.

package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// pipe moves bytes from src to dst through a fixed buffer. A pipe reads only
// when its buffer is empty, so a slow receiver stalls its sender.
type pipe struct {
	src, dst   int
	buf        []byte
	start, end int
	eof        bool // src reported end of stream
	shut       bool // dst write side closed after eof was drained
}

func (p *pipe) pending() bool { return p.start < p.end }

func (p *pipe) fill() error {
	if p.eof || p.pending() {
		return nil
	}
	for {
		n, err := unix.Read(p.src, p.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err != nil:
			return err
		case n == 0:
			p.eof = true
		default:
			p.start, p.end = 0, n
		}
		return nil
	}
}

// flush writes what it can and returns the number of bytes sent.
func (p *pipe) flush() (int, error) {
	sent := 0
	for p.pending() {
		n, err := unix.Write(p.dst, p.buf[p.start:p.end])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		p.start += n
		sent += n
	}
	p.start, p.end = 0, 0
	if p.eof && !p.shut {
		if err := unix.Shutdown(p.dst, unix.SHUT_WR); err != nil && err != unix.ENOTCONN {
			return sent, err
		}
		p.shut = true
	}
	return sent, nil
}

// Relay is the per-connection handler. Turns are serialized by the owning
// worker, so the state below has no locking.
type Relay struct {
	client, upstream int
	clientAddr       *net.TCPAddr
	remote           *net.TCPAddr
	up, down         pipe
	connecting       bool

	poller        api.Poller
	clientEv      api.EventType
	upstreamEv    api.EventType
	clientArmed   bool
	upstreamArmed bool

	log     zerolog.Logger
	metrics *control.Metrics
	once    sync.Once
}

// dialRelay starts a non-blocking connect to remote for the accepted client fd.
// The relay takes ownership of client only on success.
func dialRelay(client int, clientAddr, remote *net.TCPAddr, bufSize int, log zerolog.Logger, m *control.Metrics) (*Relay, error) {
	family, sa, err := sockaddr(remote.IP, remote.Port)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(client, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	connecting := false
	switch err := unix.Connect(fd, sa); err {
	case nil:
	case unix.EINPROGRESS, unix.EINTR:
		connecting = true
	default:
		closeFd(fd)
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}

	r := &Relay{
		client:     client,
		upstream:   fd,
		clientAddr: clientAddr,
		remote:     remote,
		up:         pipe{src: client, dst: fd, buf: make([]byte, bufSize)},
		down:       pipe{src: fd, dst: client, buf: make([]byte, bufSize)},
		connecting: connecting,
		metrics:    m,
	}
	r.log = log.With().Str("component", "relay").
		Stringer("client", clientAddr).Stringer("remote", remote).Logger()
	m.RelayOpened()
	r.log.Debug().Bool("connecting", connecting).Msg("relay opened")
	return r, nil
}

func (r *Relay) String() string {
	return fmt.Sprintf("relay %s->%s", r.clientAddr, r.remote)
}

// Register arms both sockets on p. Interest is recomputed from scratch since
// a relay may arrive from another poller.
func (r *Relay) Register(p api.Poller) error {
	r.poller = p
	r.clientEv, r.upstreamEv = 0, 0
	r.clientArmed, r.upstreamArmed = false, false
	return r.rearm()
}

func (r *Relay) Turn(events []api.Event) (api.Result, error) {
	done := api.Result{Next: api.Done}
	if r.connecting {
		if err := r.finishConnect(); err != nil {
			return done, err
		}
	}
	if !r.connecting {
		if err := r.up.fill(); err != nil {
			return done, fmt.Errorf("read client: %w", err)
		}
		if err := r.down.fill(); err != nil {
			return done, fmt.Errorf("read remote: %w", err)
		}
		n, err := r.up.flush()
		r.metrics.AddBytesUp(n)
		if err != nil {
			return done, fmt.Errorf("write remote: %w", err)
		}
		n, err = r.down.flush()
		r.metrics.AddBytesDown(n)
		if err != nil {
			return done, fmt.Errorf("write client: %w", err)
		}
		if r.up.shut && r.down.shut {
			r.log.Debug().Msg("both directions closed")
			return done, nil
		}
	}
	if err := r.rearm(); err != nil {
		return done, err
	}
	return api.Result{Next: api.Continue}, nil
}

// finishConnect runs on the first upstream readiness. Only the upstream fd is
// armed while connecting, so any event means the connect has resolved.
func (r *Relay) finishConnect() error {
	soErr, err := unix.GetsockoptInt(r.upstream, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("connect %s: %w", r.remote, err)
	}
	switch errno := unix.Errno(soErr); errno {
	case 0:
		r.connecting = false
		r.log.Debug().Msg("upstream connected")
		return nil
	case unix.EINPROGRESS, unix.EALREADY:
		return nil
	default:
		return fmt.Errorf("connect %s: %w", r.remote, errno)
	}
}

func (r *Relay) rearm() error {
	var c, u api.EventType
	if !r.connecting {
		if !r.up.eof && !r.up.pending() {
			c |= api.EventRead
		}
		if !r.down.eof && !r.down.pending() {
			u |= api.EventRead
		}
	}
	if r.down.pending() {
		c |= api.EventWrite
	}
	if r.connecting || r.up.pending() {
		u |= api.EventWrite
	}
	if err := r.arm(r.client, c, &r.clientEv, &r.clientArmed); err != nil {
		return err
	}
	return r.arm(r.upstream, u, &r.upstreamEv, &r.upstreamArmed)
}

func (r *Relay) arm(fd int, want api.EventType, cur *api.EventType, armed *bool) error {
	switch {
	case want == 0 && *armed:
		*armed, *cur = false, 0
		return r.poller.Remove(fd)
	case want == 0:
		return nil
	case !*armed:
		if err := r.poller.Add(fd, want, r); err != nil {
			return err
		}
		*armed = true
	case want != *cur:
		if err := r.poller.Modify(fd, want); err != nil {
			return err
		}
	}
	*cur = want
	return nil
}

// Destroy closes both sockets. Safe to call more than once.
func (r *Relay) Destroy() {
	r.once.Do(func() {
		closeFd(r.client)
		closeFd(r.upstream)
		r.metrics.RelayClosed()
		r.log.Debug().Msg("relay closed")
	})
}
