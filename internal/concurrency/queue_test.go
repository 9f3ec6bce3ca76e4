// File: internal/concurrency/queue_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestWorkQueueFIFO(t *testing.T) {
	q := NewWorkQueue()
	hs := []*fake.Handler{fake.NewHandler(1), fake.NewHandler(2), fake.NewHandler(3)}
	for _, h := range hs {
		require.NoError(t, q.Put(h))
	}
	assert.Equal(t, 3, q.Len())
	assert.True(t, q.Contains(hs[1]))

	for _, want := range hs {
		got, ok := q.TryTake()
		require.True(t, ok)
		assert.Same(t, want, got)
		assert.False(t, q.Contains(want))
	}
	_, ok := q.TryTake()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

func TestWorkQueueRejectsDuplicates(t *testing.T) {
	q := NewWorkQueue()
	h := fake.NewHandler(1)
	require.NoError(t, q.Put(h))
	assert.ErrorIs(t, q.Put(h), api.ErrAlreadyQueued)
	assert.Equal(t, 1, q.Len())

	_, ok := q.TryTake()
	require.True(t, ok)
	assert.NoError(t, q.Put(h), "handler may be queued again once taken")
}

func TestWorkQueueTakeTimesOut(t *testing.T) {
	q := NewWorkQueue()
	start := time.Now()
	h, ok := q.Take(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, h)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWorkQueueTakeHonoursContext(t *testing.T) {
	q := NewWorkQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_, ok := q.Take(ctx, time.Minute)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWorkQueueTakeWakesOnPut(t *testing.T) {
	q := NewWorkQueue()
	h := fake.NewHandler(7)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Put(h)
	}()
	got, ok := q.Take(context.Background(), 5*time.Second)
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestWorkQueueWakesEveryBlockedTaker(t *testing.T) {
	q := NewWorkQueue()
	var got atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Take(context.Background(), 5*time.Second); ok {
				got.Add(1)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Put(fake.NewHandler(1)))
	require.NoError(t, q.Put(fake.NewHandler(2)))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a blocked taker missed its wake-up")
	}
	assert.Equal(t, int32(2), got.Load())
}

func TestWorkQueueConcurrentNoLossNoDuplication(t *testing.T) {
	const producers, perProducer, consumers = 4, 250, 4
	total := producers * perProducer

	q := NewWorkQueue()
	handlers := make([]*fake.Handler, total)
	for i := range handlers {
		handlers[i] = fake.NewHandler(i)
	}

	var seen sync.Map
	var taken atomic.Int64
	var g errgroup.Group
	for p := 0; p < producers; p++ {
		batch := handlers[p*perProducer : (p+1)*perProducer]
		g.Go(func() error {
			for _, h := range batch {
				if err := q.Put(h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for c := 0; c < consumers; c++ {
		g.Go(func() error {
			for taken.Load() < int64(total) {
				h, ok := q.Take(context.Background(), 5*time.Millisecond)
				if !ok {
					continue
				}
				if _, dup := seen.LoadOrStore(h, struct{}{}); dup {
					t.Errorf("handler %v taken twice", h)
				}
				taken.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(total), taken.Load())
	assert.Zero(t, q.Len())
}

func TestWorkQueueDrain(t *testing.T) {
	q := NewWorkQueue()
	hs := []*fake.Handler{fake.NewHandler(1), fake.NewHandler(2)}
	for _, h := range hs {
		require.NoError(t, q.Put(h))
	}
	var order []api.Handler
	n := q.Drain(func(h api.Handler) {
		order = append(order, h)
		h.Destroy()
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []api.Handler{hs[0], hs[1]}, order)
	for _, h := range hs {
		assert.Equal(t, int64(1), h.Destroys())
	}
	assert.Zero(t, q.Drain(func(api.Handler) { t.Fatal("queue should be empty") }))
}
