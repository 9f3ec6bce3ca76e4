//go:build linux

// internal/transport/acceptor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Accept listener scheduled as an ordinary handler: every turn accepts the
// pending clients, spawns a Relay for each and yields itself back to the queue.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// maxAcceptsPerTurn bounds one turn so relays on the same worker keep moving
// during an accept storm; the listener stays readable and is served again.
const maxAcceptsPerTurn = 64

// Accepting is paused for a growing interval while the process is out of
// descriptors or socket memory.
const (
	acceptBackoffMin = 10 * time.Millisecond
	acceptBackoffMax = time.Second
)

// ResolveTimeout bounds the remote host lookup done by Listen.
const ResolveTimeout = 5 * time.Second

// Acceptor owns the route's listening socket.
type Acceptor struct {
	fd      int
	timer   int // timerfd armed while accepting is paused
	addr    *net.TCPAddr
	remote  *net.TCPAddr
	cfg     control.ProxyConfig
	log     zerolog.Logger
	metrics *control.Metrics
	once    sync.Once

	paused  bool
	backoff time.Duration
}

// Listen resolves the remote endpoint, then binds and listens on the route's
// local address. A remote that does not resolve is an invalid-argument error;
// socket failures are reported as *api.BindError.
func Listen(cfg control.ProxyConfig, log zerolog.Logger, m *control.Metrics) (*Acceptor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ResolveTimeout)
	defer cancel()

	rip, err := resolveIP(ctx, cfg.RemoteHost())
	if err != nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "remote host does not resolve").
			WithContext("remote", cfg.RemoteAddr()).
			WithContext("cause", err.Error())
	}
	remote := &net.TCPAddr{IP: rip, Port: int(cfg.RemotePort())}

	local := cfg.LocalAddr()
	ip, err := resolveIP(ctx, cfg.BindHost())
	if err != nil {
		return nil, &api.BindError{Addr: local, Err: err}
	}
	family, sa, err := sockaddr(ip, int(cfg.LocalPort()))
	if err != nil {
		return nil, &api.BindError{Addr: local, Err: err}
	}
	timer, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, &api.BindError{Addr: local, Err: fmt.Errorf("timerfd: %w", err)}
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		closeFd(timer)
		return nil, &api.BindError{Addr: local, Err: fmt.Errorf("socket: %w", err)}
	}
	fail := func(err error) (*Acceptor, error) {
		closeFd(fd)
		closeFd(timer)
		return nil, &api.BindError{Addr: local, Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail(fmt.Errorf("setsockopt SO_REUSEADDR: %w", err))
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail(err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail(fmt.Errorf("listen: %w", err))
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail(fmt.Errorf("getsockname: %w", err))
	}

	a := &Acceptor{
		fd:      fd,
		timer:   timer,
		addr:    tcpAddr(bound),
		remote:  remote,
		cfg:     cfg,
		metrics: m,
	}
	a.log = log.With().Str("component", "acceptor").Stringer("addr", a.addr).Logger()
	a.log.Debug().Int("fd", fd).Stringer("remote", remote).Msg("listening")
	return a, nil
}

// Addr is the bound address; the port is the real one when 0 was requested.
func (a *Acceptor) Addr() net.Addr { return a.addr }

// Remote is the resolved endpoint every client is relayed to.
func (a *Acceptor) Remote() *net.TCPAddr { return a.remote }

func (a *Acceptor) String() string { return "acceptor " + a.addr.String() }

// Register watches the listening socket, or only the backoff timer while
// accepting is paused.
func (a *Acceptor) Register(p api.Poller) error {
	if a.paused {
		return p.Add(a.timer, api.EventRead, a)
	}
	return p.Add(a.fd, api.EventRead, a)
}

func (a *Acceptor) Turn(events []api.Event) (api.Result, error) {
	res := api.Result{Next: api.Yield}
	if a.paused {
		a.resume()
	}
	for i := 0; i < maxAcceptsPerTurn; i++ {
		nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return res, nil
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
				return res, a.pause(err)
			default:
				return res, fmt.Errorf("accept on %s: %w", a.addr, err)
			}
		}
		a.backoff = 0
		a.metrics.Accepted()
		client := tcpAddr(sa)

		r, err := dialRelay(nfd, client, a.remote, a.cfg.BufferSize(), a.log, a.metrics)
		if err != nil {
			a.log.Warn().Err(err).Stringer("client", client).Msg("upstream connect failed, dropping client")
			closeFd(nfd)
			continue
		}
		res.Spawned = append(res.Spawned, r)
	}
	return res, nil
}

// pause arms the backoff timer. The listener is re-registered on the timer
// only, so a backlog that cannot be accepted does not keep it ready.
func (a *Acceptor) pause(cause error) error {
	switch {
	case a.backoff == 0:
		a.backoff = acceptBackoffMin
	case a.backoff < acceptBackoffMax:
		a.backoff = min(2*a.backoff, acceptBackoffMax)
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(a.backoff.Nanoseconds())}
	if err := unix.TimerfdSettime(a.timer, 0, &spec, nil); err != nil {
		return fmt.Errorf("arm accept backoff: %w", err)
	}
	a.paused = true
	a.log.Warn().Err(cause).Dur("backoff", a.backoff).Msg("accept paused")
	return nil
}

func (a *Acceptor) resume() {
	var buf [8]byte
	_, _ = unix.Read(a.timer, buf[:])
	a.paused = false
}

// Destroy closes the listening socket. Closing also drops it from any epoll set.
func (a *Acceptor) Destroy() {
	a.once.Do(func() {
		closeFd(a.fd)
		closeFd(a.timer)
		a.log.Debug().Msg("listener closed")
	})
}
