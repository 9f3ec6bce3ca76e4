//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller and factory.

package reactor

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll instance owned by one worker.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
	owners map[int]api.Handler
	fds    map[api.Handler][]int
}

// NewPoller constructs a new epoll poller collecting up to maxEvents per Wait.
func NewPoller(maxEvents int) (api.Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEventsOrDefault(maxEvents)),
		owners: make(map[int]api.Handler),
		fds:    make(map[api.Handler][]int),
	}, nil
}

func maxEventsOrDefault(n int) int {
	if n <= 0 {
		return control.DefaultMaxEvents
	}
	return n
}

func toEpoll(events api.EventType) uint32 {
	var ev uint32
	if events&api.EventRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&api.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) api.EventType {
	var t api.EventType
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		t |= api.EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		t |= api.EventWrite
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		t |= api.EventError
	}
	return t
}

// Add registers fd with epoll on behalf of owner.
func (p *epollPoller) Add(fd int, events api.EventType, owner api.Handler) error {
	if p.epfd < 0 {
		return unix.EBADF
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
	}
	p.owners[fd] = owner
	p.fds[owner] = append(p.fds[owner], fd)
	return nil
}

// Modify replaces the interest set of a registered fd.
func (p *epollPoller) Modify(fd int, events api.EventType) error {
	if _, ok := p.owners[fd]; !ok {
		return fmt.Errorf("epoll ctl mod fd %d: %w", fd, unix.ENOENT)
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove stops watching a single fd.
func (p *epollPoller) Remove(fd int) error {
	owner, ok := p.owners[fd]
	if !ok {
		return nil
	}
	delete(p.owners, fd)
	fds := p.fds[owner]
	for i, f := range fds {
		if f == fd {
			fds = append(fds[:i], fds[i+1:]...)
			break
		}
	}
	if len(fds) == 0 {
		delete(p.fds, owner)
	} else {
		p.fds[owner] = fds
	}
	return p.del(fd)
}

// Detach removes every fd registered by owner.
func (p *epollPoller) Detach(owner api.Handler) error {
	var errs []error
	for _, fd := range p.fds[owner] {
		delete(p.owners, fd)
		if err := p.del(fd); err != nil {
			errs = append(errs, err)
		}
	}
	delete(p.fds, owner)
	return errors.Join(errs...)
}

func (p *epollPoller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	// The fd may already be closed (EBADF) or gone from the set (ENOENT).
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for at most timeoutMs and reports ready descriptors of known owners.
func (p *epollPoller) Wait(out []api.Ready, timeoutMs int) (int, error) {
	limit := len(p.events)
	if len(out) < limit {
		limit = len(out)
	}
	if limit == 0 {
		return 0, nil
	}
	n, err := unix.EpollWait(p.epfd, p.events[:limit], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	k := 0
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		owner, ok := p.owners[fd]
		if !ok {
			continue
		}
		out[k] = api.Ready{Owner: owner, Event: api.Event{Fd: fd, Ready: fromEpoll(p.events[i].Events)}}
		k++
	}
	return k, nil
}

// Close releases the epoll descriptor. Registered fds are not closed.
func (p *epollPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	clear(p.owners)
	clear(p.fds)
	return err
}
