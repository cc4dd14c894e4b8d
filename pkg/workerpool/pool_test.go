package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, nil)
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestSameKeyRunsInOrder(t *testing.T) {
	p := testPool(t, Config{Lanes: 4, QueueSize: 100})
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var running int32
	var dones []<-chan error
	for i := 0; i < 50; i++ {
		i := i
		done, err := p.Submit(ctx, "bill-1", func(context.Context) error {
			assert.Equal(t, int32(1), atomic.AddInt32(&running, 1), "same key ran concurrently")
			defer atomic.AddInt32(&running, -1)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, d := range dones {
		require.NoError(t, <-d)
	}
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	p := testPool(t, Config{Lanes: 8, QueueSize: 10})
	ctx := context.Background()

	// find two keys on different lanes
	a, b := "bill-a", "bill-b"
	for i := 0; p.Lane(a) == p.Lane(b); i++ {
		b = "bill-b" + string(rune('0'+i%10)) + string(rune('a'+i/10))
	}

	release := make(chan struct{})
	started := make(chan struct{})
	doneA, err := p.Submit(ctx, a, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	// b completes while a is still blocked
	require.NoError(t, p.SubmitWait(ctx, b, func(context.Context) error { return nil }))
	close(release)
	require.NoError(t, <-doneA)
}

func TestRetries(t *testing.T) {
	p := testPool(t, Config{Lanes: 1, QueueSize: 10, MaxRetries: 2, RetryDelay: time.Millisecond})
	var calls int32
	err := p.SubmitWait(context.Background(), "k", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	p := testPool(t, Config{Lanes: 1, QueueSize: 10, MaxRetries: 5, RetryDelay: time.Millisecond})
	boom := errors.New("bad payload")
	var calls int32
	err := p.SubmitWait(context.Background(), "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestRetriesExhausted(t *testing.T) {
	p := testPool(t, Config{Lanes: 1, QueueSize: 10, MaxRetries: 1, RetryDelay: time.Millisecond})
	boom := errors.New("down")
	err := p.SubmitWait(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Lanes: 1, QueueSize: 1}, nil)
	p.Start()
	require.NoError(t, p.Stop())

	_, err := p.Submit(context.Background(), "k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestQueueFull(t *testing.T) {
	p := testPool(t, Config{Lanes: 1, QueueSize: 1})
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})

	_, err := p.Submit(ctx, "k", func(context.Context) error { close(started); <-release; return nil })
	require.NoError(t, err)
	<-started
	_, err = p.Submit(ctx, "k", func(context.Context) error { return nil })
	require.NoError(t, err)

	_, err = p.Submit(ctx, "k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
	close(release)
}
