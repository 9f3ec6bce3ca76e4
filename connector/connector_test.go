// File: connector/connector_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connector

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/momentics/hioload-proxy/fake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = time.Millisecond
)

// fixture replaces the socket listener and the epoll pollers with fakes.
type fixture struct {
	mu          sync.Mutex
	listens     int
	listeners   []*fake.Handler
	pollers     []*fake.Poller
	listenErr   error
	pollerErrAt int // 1-based poller creation that fails; 0 never fails
	onListener  func(*fake.Handler)
}

func (f *fixture) listen(control.ProxyConfig, zerolog.Logger, *control.Metrics) (api.Handler, net.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	if f.listenErr != nil {
		return nil, nil, f.listenErr
	}
	h := fake.NewHandler(1)
	h.TurnFunc = func(int) (api.Result, error) { return api.Result{Next: api.Yield}, nil }
	if f.onListener != nil {
		f.onListener(h)
	}
	f.listeners = append(f.listeners, h)
	return h, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}, nil
}

func (f *fixture) poller(int) (api.Poller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollerErrAt > 0 && len(f.pollers)+1 == f.pollerErrAt {
		return nil, errors.New("epoll_create1: too many open files")
	}
	p := fake.NewPoller()
	f.pollers = append(f.pollers, p)
	return p, nil
}

func (f *fixture) lastListener() *fake.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[len(f.listeners)-1]
}

func testProxyConfig(t *testing.T) control.ProxyConfig {
	t.Helper()
	cfg, err := control.NewProxyConfig(control.Settings{
		LocalPort:   8080,
		RemoteHost:  "backend.internal",
		RemotePort:  80,
		PollTimeout: 5 * time.Millisecond,
		IdleWait:    5 * time.Millisecond,
		MaxEvents:   32,
	})
	require.NoError(t, err)
	return cfg
}

func newTestConnector(t *testing.T) (*Connector, *fixture) {
	t.Helper()
	f := &fixture{}
	c := New(testProxyConfig(t))
	c.listen = f.listen
	c.newPoller = f.poller
	t.Cleanup(c.Shutdown)
	return c, f
}

func TestNewConnectorName(t *testing.T) {
	c := New(testProxyConfig(t))
	assert.Equal(t, "backend.internal:80 from 8080", c.Name())
	assert.False(t, c.Running())
	assert.Nil(t, c.Addr())
}

func TestStartRejectsInvalidWorkerCount(t *testing.T) {
	c, f := newTestConnector(t)
	for _, n := range []int{0, -1, -100} {
		err := c.Start(n)
		require.Error(t, err)
		assert.ErrorIs(t, err, api.ErrInvalidArgument)
	}
	assert.False(t, c.Running())
	assert.Zero(t, f.listens, "nothing is bound for an invalid count")
	assert.Empty(t, f.pollers)
}

func TestStartWhileRunning(t *testing.T) {
	c, f := newTestConnector(t)
	require.NoError(t, c.Start(2))

	err := c.Start(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrAlreadyStarted)
	assert.Equal(t, 1, f.listens)
	assert.Len(t, f.pollers, 2)
	assert.EqualValues(t, 2, c.Stats().Workers)
	assert.True(t, c.Running())

	c.Shutdown()
	assert.False(t, c.Running())
}

func TestShutdownWhenIdle(t *testing.T) {
	c, _ := newTestConnector(t)
	c.Shutdown()
	c.Shutdown()
	assert.NoError(t, c.ShutdownContext(context.Background()))

	require.NoError(t, c.Start(1))
	c.Shutdown()
	c.Shutdown()
	assert.False(t, c.Running())
}

func TestStartShutdownWorkerCounts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 8} {
		c, f := newTestConnector(t)
		require.NoError(t, c.Start(n))
		assert.NotNil(t, c.Addr())

		l := f.lastListener()
		require.Eventually(t, func() bool { return l.Turns() > 5 }, waitFor, tick,
			"listener keeps cycling through the queue with %d workers", n)
		assert.EqualValues(t, n, c.Stats().Workers)

		c.Shutdown()
		assert.False(t, c.Running())
		assert.Nil(t, c.Addr())
		assert.EqualValues(t, 1, l.Destroys(), "listener destroyed exactly once with %d workers", n)
		assert.Zero(t, l.Violations())
		assert.EqualValues(t, 0, c.Stats().Workers)
		for i, p := range f.pollers {
			assert.True(t, p.Closed(), "poller %d closed", i)
			assert.Zero(t, p.Registered(), "poller %d empty", i)
		}
	}
}

func TestRestartAfterShutdown(t *testing.T) {
	c, f := newTestConnector(t)
	for round := 0; round < 3; round++ {
		require.NoError(t, c.Start(2))
		l := f.lastListener()
		require.Eventually(t, func() bool { return l.Turns() > 0 }, waitFor, tick)
		c.Shutdown()
		assert.EqualValues(t, 1, l.Destroys())
	}
	assert.Equal(t, 3, f.listens)
	assert.Len(t, f.pollers, 6)
}

func TestEveryHandlerDestroyedExactlyOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		all    []*fake.Handler
		nextID atomic.Int64
	)
	nextID.Store(1000)
	spawn := func() api.Handler {
		id := int(nextID.Add(1))
		h := fake.NewHandler(id)
		life := 1 + id%7
		h.TurnFunc = func(n int) (api.Result, error) {
			switch {
			case id%4 == 0:
				return api.Result{}, nil // lives until shutdown
			case n >= life:
				return api.Result{Next: api.Done}, nil
			case n%3 == 0:
				return api.Result{Next: api.Yield}, nil
			default:
				return api.Result{}, nil
			}
		}
		mu.Lock()
		all = append(all, h)
		mu.Unlock()
		return h
	}

	c, f := newTestConnector(t)
	f.onListener = func(l *fake.Handler) {
		l.TurnFunc = func(n int) (api.Result, error) {
			res := api.Result{Next: api.Yield}
			if n <= 200 {
				res.Spawned = []api.Handler{spawn(), spawn()}
			}
			return res, nil
		}
	}
	require.NoError(t, c.Start(4))
	l := f.lastListener()
	require.Eventually(t, func() bool { return l.Turns() >= 100 }, waitFor, tick)
	c.Shutdown()

	assert.EqualValues(t, 1, l.Destroys())
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, all)
	for _, h := range all {
		assert.EqualValues(t, 1, h.Destroys(), "%v destroyed once", h)
		assert.Zero(t, h.Violations(), "%v turned concurrently or after destroy", h)
	}
}

func TestFaultyHandlersAreContained(t *testing.T) {
	failing := fake.NewHandler(100)
	failing.TurnFunc = func(int) (api.Result, error) { return api.Result{}, errors.New("connection reset by peer") }
	panicking := fake.NewHandler(101)
	panicking.TurnFunc = func(int) (api.Result, error) { panic("relay state corrupted") }
	healthy := fake.NewHandler(102)

	c, f := newTestConnector(t)
	f.onListener = func(l *fake.Handler) {
		l.TurnFunc = func(n int) (api.Result, error) {
			res := api.Result{Next: api.Yield}
			if n == 1 {
				res.Spawned = []api.Handler{failing, panicking, healthy}
			}
			return res, nil
		}
	}
	require.NoError(t, c.Start(2))
	l := f.lastListener()

	require.Eventually(t, func() bool {
		return failing.Destroys() == 1 && panicking.Destroys() == 1
	}, waitFor, tick)
	before, listenerBefore := healthy.Turns(), l.Turns()
	require.Eventually(t, func() bool {
		return healthy.Turns() > before+5 && l.Turns() > listenerBefore+5
	}, waitFor, tick, "workers keep serving after handler faults")
	assert.EqualValues(t, 2, c.Stats().TurnFailures)
	assert.True(t, c.Running())

	c.Shutdown()
	for _, h := range []*fake.Handler{failing, panicking, healthy, l} {
		assert.EqualValues(t, 1, h.Destroys(), "%v", h)
	}
}

func TestStartBindFailureLeavesConnectorIdle(t *testing.T) {
	c, f := newTestConnector(t)
	f.listenErr = &api.BindError{Addr: "0.0.0.0:8080", Err: errors.New("address already in use")}

	err := c.Start(4)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrBindFailure)
	var be *api.BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "0.0.0.0:8080", be.Addr)

	assert.False(t, c.Running())
	assert.Empty(t, f.pollers, "no worker resources before a successful bind")
	c.Shutdown()

	f.listenErr = nil
	require.NoError(t, c.Start(1))
	assert.True(t, c.Running())
}

func TestStartPollerFailureReleasesEverything(t *testing.T) {
	c, f := newTestConnector(t)
	f.pollerErrAt = 3

	err := c.Start(4)
	require.Error(t, err)
	assert.False(t, c.Running())

	l := f.lastListener()
	assert.EqualValues(t, 1, l.Destroys(), "listener released")
	require.Len(t, f.pollers, 2)
	for _, p := range f.pollers {
		assert.True(t, p.Closed())
	}
}

func TestShutdownContextInterrupted(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocker := fake.NewHandler(200)
	blocker.TurnFunc = func(n int) (api.Result, error) {
		if n == 1 {
			close(entered)
			<-release
		}
		return api.Result{}, nil
	}

	c, f := newTestConnector(t)
	f.onListener = func(l *fake.Handler) {
		l.TurnFunc = func(n int) (api.Result, error) {
			res := api.Result{Next: api.Yield}
			if n == 1 {
				res.Spawned = []api.Handler{blocker}
			}
			return res, nil
		}
	}
	require.NoError(t, c.Start(2))
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("blocking handler never ran")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := make(chan error, 1)
	go func() { result <- c.ShutdownContext(ctx) }()

	select {
	case err := <-result:
		t.Fatalf("shutdown returned before workers joined: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not complete")
	}
	assert.False(t, c.Running())
	assert.EqualValues(t, 1, blocker.Destroys())
	assert.EqualValues(t, 1, f.lastListener().Destroys())
}
