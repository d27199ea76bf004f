package asyncdata

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

func testLayer(overrides ...func(*Config)) *Layer {
	cfg := Config{
		StaleTime:      100 * time.Millisecond,
		CacheTime:      time.Second,
		RetryCount:     3,
		RetryDelay:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
		SweepInterval:  20 * time.Millisecond,
	}
	for _, o := range overrides {
		o(&cfg)
	}
	return New(cfg)
}

func TestLayer_FetchCachesWithinStaleTime(t *testing.T) {
	l := testLayer()
	ctx := context.Background()

	calls := atomic.Int32{}
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		return "v1", nil
	}

	v, err := l.Fetch(ctx, "news-list", fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = l.Fetch(ctx, "news-list", fn)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int32(1), calls.Load(), "fresh entry must be served without invoking fn")

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestLayer_FetchDeduplicatesConcurrent(t *testing.T) {
	l := testLayer()

	calls := atomic.Int32{}
	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return map[string]int{"id": 1}, nil
	}

	const waiters = 10
	results := make([]any, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v, err := l.Fetch(context.Background(), "news-1", fn)
			require.NoError(t, err)
			results[n] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let all waiters join the flight
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent identical requests must share one call")
	for _, v := range results {
		assert.Equal(t, map[string]int{"id": 1}, v)
	}
}

func TestLayer_RetryBound(t *testing.T) {
	l := testLayer()

	calls := atomic.Int32{}
	boom := errors.New("backend down")
	fn := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}

	started := time.Now()
	_, err := l.Fetch(context.Background(), "news-list", fn, WithRetryCount(2), WithRetryDelay(10*time.Millisecond))
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load(), "retryCount=2 means 3 attempts total")
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "10ms + 20ms backoff is a hard floor between attempts")
}

func TestLayer_FallbackOnExhaustion(t *testing.T) {
	l := testLayer()

	var reported error
	fn := func(context.Context) (any, error) { return nil, errors.New("offline") }

	v, err := l.Fetch(context.Background(), "news-list", fn,
		WithRetryCount(1), WithFallback([]string{"cached edition"}), WithOnError(func(e error) { reported = e }))

	require.NoError(t, err, "configured fallback resolves instead of rejecting")
	assert.Equal(t, []string{"cached edition"}, v)
	require.Error(t, reported)

	_, ok := l.Peek("news-list")
	assert.False(t, ok, "fallback value is never cached")
}

func TestLayer_CancellationSkipsRetry(t *testing.T) {
	l := testLayer()

	calls := atomic.Int32{}
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, context.Canceled
	}

	_, err := l.Fetch(context.Background(), "news-list", fn, WithRetryCount(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load(), "cancellation must propagate without retry")
}

func TestLayer_CallerDetachKeepsFlightAlive(t *testing.T) {
	l := testLayer()

	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		<-release
		return "late", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Fetch(ctx, "slow", fn)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled, "detached caller gets its own ctx error")

	// a second caller still receives the shared result
	done := make(chan any, 1)
	go func() {
		v, err := l.Fetch(context.Background(), "slow", fn)
		require.NoError(t, err)
		done <- v
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	assert.Equal(t, "late", <-done)
}

func TestLayer_InvalidateForcesRefetch(t *testing.T) {
	l := testLayer()
	ctx := context.Background()

	calls := atomic.Int32{}
	fn := func(context.Context) (any, error) {
		return int(calls.Add(1)), nil
	}

	v, err := l.Fetch(ctx, "news-list", fn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	l.Invalidate("news-list")

	v, err = l.Fetch(ctx, "news-list", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "invalidate must bypass the stale check")
}

func TestLayer_SupersededResultDiscarded(t *testing.T) {
	l := testLayer()

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	slow := func(ctx context.Context) (any, error) {
		close(firstStarted)
		select {
		case <-releaseFirst:
			return "stale-loser", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Fetch(context.Background(), "news-1", slow)
		errCh <- err
	}()
	<-firstStarted

	fresh := func(context.Context) (any, error) { return "winner", nil }
	v, err := l.Refresh(context.Background(), "news-1", fresh)
	require.NoError(t, err)
	assert.Equal(t, "winner", v)

	close(releaseFirst)
	require.Error(t, <-errCh, "superseded flight must not resolve successfully")

	got, ok := l.Peek("news-1")
	require.True(t, ok)
	assert.Equal(t, "winner", got, "late loser must not overwrite the cache")
}

func TestLayer_StalenessSweep(t *testing.T) {
	l := testLayer(func(c *Config) {
		c.StaleTime = 30 * time.Millisecond
		c.CacheTime = 10 * time.Second
		c.SweepInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	_, err := l.Fetch(ctx, "news-list", func(context.Context) (any, error) { return "v", nil })
	require.NoError(t, err)
	assert.False(t, l.IsStale("news-list"))

	assert.Eventually(t, func() bool { return l.IsStale("news-list") },
		time.Second, 10*time.Millisecond, "sweep must flag entries past staleTime")

	// flagged, not evicted: the value is still there (pull, not push, refresh)
	v, ok := l.Peek("news-list")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestLayer_HardExpiryEvicts(t *testing.T) {
	l := testLayer(func(c *Config) {
		c.StaleTime = 10 * time.Millisecond
		c.CacheTime = 30 * time.Millisecond
		c.SweepInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	_, err := l.Fetch(ctx, "news-list", func(context.Context) (any, error) { return "v", nil })
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := l.Peek("news-list")
		return !ok
	}, time.Second, 10*time.Millisecond, "entries past cacheTime must be evicted")
}

func TestNew_ClampsStaleTime(t *testing.T) {
	l := New(Config{StaleTime: time.Hour, CacheTime: time.Minute})
	assert.Equal(t, time.Minute, l.cfg.StaleTime, "staleTime above cacheTime is clamped")
}
