// Package asyncdata wraps arbitrary fetch functions with a cache keyed by
// logical key: stale/fresh windowing, deduplication of concurrent identical
// requests, exponential backoff retry and optimistic mutation. It is the
// layer UI code talks to for all remote reads.
package asyncdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
	"golang.org/x/sync/singleflight"
)

// Fetcher produces a value for a cache key. It must return an error on
// failure (never encode failure in the value) and honor ctx cancellation for
// abort semantics to work.
type Fetcher func(ctx context.Context) (any, error)

// Config holds layer-wide defaults, overridable per call with options
type Config struct {
	StaleTime      time.Duration // soft freshness window
	CacheTime      time.Duration // hard expiry window
	RetryCount     int           // retries after the first attempt
	RetryDelay     time.Duration // initial backoff delay, doubles per attempt
	AttemptTimeout time.Duration // per-attempt deadline so a hung request can't hold the dedup slot
	SweepInterval  time.Duration // background staleness check period
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
	Stale   int   `json:"stale"`
}

type entry struct {
	data      any
	timestamp time.Time
	stale     bool
	gen       uint64
}

// flight tracks one in-flight call; gen ties it to the generation it was
// started under so a superseded flight can't unregister its successor
type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Layer owns the in-memory cache and the per-key in-flight bookkeeping.
// At most one network call per key is outstanding at any time.
type Layer struct {
	cfg Config

	mu       sync.Mutex
	entries  map[string]*entry
	gens     map[string]uint64  // bumped on invalidate/refresh, guards cache writes by lost races
	flying   map[string]*flight // in-flight call per key
	fetchers map[string]Fetcher // last fetcher per key, used by mutate revalidation

	flights singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a layer with defaults filled in. A staleTime above cacheTime
// would serve conceptually evicted data, so it is clamped down with a warning.
func New(cfg Config) *Layer {
	if cfg.StaleTime == 0 {
		cfg.StaleTime = time.Minute
	}
	if cfg.CacheTime == 0 {
		cfg.CacheTime = 5 * time.Minute
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StaleTime > cfg.CacheTime {
		lgr.Printf("[WARN] staleTime %v exceeds cacheTime %v, clamping", cfg.StaleTime, cfg.CacheTime)
		cfg.StaleTime = cfg.CacheTime
	}

	return &Layer{
		cfg:      cfg,
		entries:  map[string]*entry{},
		gens:     map[string]uint64{},
		flying:   map[string]*flight{},
		fetchers: map[string]Fetcher{},
	}
}

// Option overrides layer defaults for a single Fetch call
type Option func(*callOpts)

type callOpts struct {
	staleTime   time.Duration
	retryCount  int
	retryDelay  time.Duration
	fallback    any
	hasFallback bool
	onError     func(error)
	force       bool
}

// WithStaleTime overrides the freshness window for this call
func WithStaleTime(d time.Duration) Option { return func(o *callOpts) { o.staleTime = d } }

// WithRetryCount overrides the retry budget for this call
func WithRetryCount(n int) Option { return func(o *callOpts) { o.retryCount = n } }

// WithRetryDelay overrides the initial backoff delay for this call
func WithRetryDelay(d time.Duration) Option { return func(o *callOpts) { o.retryDelay = d } }

// WithFallback resolves the call with a value instead of an error once
// retries are exhausted. The fallback is never written to the cache.
func WithFallback(v any) Option {
	return func(o *callOpts) { o.fallback = v; o.hasFallback = true }
}

// WithOnError registers a callback invoked with the terminal error before the
// fallback (if any) is applied
func WithOnError(fn func(error)) Option { return func(o *callOpts) { o.onError = fn } }

// Start launches the background staleness sweeper
func (l *Layer) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
	lgr.Printf("[INFO] async data layer started, stale %v, cache %v, sweep %v",
		l.cfg.StaleTime, l.cfg.CacheTime, l.cfg.SweepInterval)
}

// Stop stops the sweeper and waits for it
func (l *Layer) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Fetch returns the cached value for key when it is fresher than staleTime,
// otherwise runs fn with retry. Concurrent calls for the same key share one
// underlying invocation. The caller's ctx only detaches that caller: an
// in-flight call keeps running for the remaining waiters.
func (l *Layer) Fetch(ctx context.Context, key string, fn Fetcher, opts ...Option) (any, error) {
	opt := l.defaults()
	for _, o := range opts {
		o(&opt)
	}

	l.mu.Lock()
	l.fetchers[key] = fn
	if !opt.force {
		if e, ok := l.entries[key]; ok {
			age := time.Since(e.timestamp)
			if age > l.cfg.CacheTime {
				delete(l.entries, key) // hard-expired, evict on access
			} else if age <= opt.staleTime {
				l.mu.Unlock()
				l.hits.Add(1)
				return e.data, nil
			}
		}
	}
	l.mu.Unlock()
	l.misses.Add(1)

	ch := l.flights.DoChan(key, func() (any, error) {
		return l.runFetch(key, fn, opt)
	})

	select {
	case <-ctx.Done():
		// caller detaches; the flight keeps running for other waiters
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return l.resolveFailure(res.Err, opt)
		}
		return res.Val, nil
	}
}

// Refresh supersedes any in-flight call for key (its late result will be
// discarded) and fetches anew, bypassing the staleness check. Used when the
// parameters behind a key changed.
func (l *Layer) Refresh(ctx context.Context, key string, fn Fetcher, opts ...Option) (any, error) {
	l.supersede(key)
	opts = append(opts, func(o *callOpts) { o.force = true })
	return l.Fetch(ctx, key, fn, opts...)
}

// Invalidate deletes the cache entry and supersedes any in-flight call, so
// the next Fetch bypasses the stale check and a late result cannot repopulate
// the cache
func (l *Layer) Invalidate(key string) {
	l.supersede(key)
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// IsStale reports whether the cached entry exists and has been flagged stale
// by the background sweep
func (l *Layer) IsStale(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	return ok && e.stale
}

// Peek returns the cached value without touching freshness accounting
func (l *Layer) Peek(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Stats returns a snapshot of the cache counters
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stale := 0
	for _, e := range l.entries {
		if e.stale {
			stale++
		}
	}
	return Stats{
		Hits:    l.hits.Load(),
		Misses:  l.misses.Load(),
		Entries: len(l.entries),
		Stale:   stale,
	}
}

func (l *Layer) defaults() callOpts {
	return callOpts{
		staleTime:  l.cfg.StaleTime,
		retryCount: l.cfg.RetryCount,
		retryDelay: l.cfg.RetryDelay,
	}
}

// runFetch executes one flight: retry with exponential backoff, then a
// generation-guarded cache write. Runs at most once per key concurrently,
// enforced by the singleflight group.
func (l *Layer) runFetch(key string, fn Fetcher, opt callOpts) (any, error) {
	flightCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	gen := l.gens[key]
	fl := &flight{gen: gen, cancel: cancel}
	l.flying[key] = fl
	l.mu.Unlock()
	defer func() {
		cancel()
		l.mu.Lock()
		if l.flying[key] == fl {
			delete(l.flying, key)
		}
		l.mu.Unlock()
	}()

	var value any
	// jitter off: callers rely on retryDelay * 2^attempt as a floor
	retrier := repeater.NewBackoff(opt.retryCount+1, opt.retryDelay, repeater.WithJitter(0))
	err := retrier.Do(flightCtx, func() error {
		attemptCtx, attemptCancel := context.WithTimeout(flightCtx, l.cfg.AttemptTimeout)
		defer attemptCancel()

		v, err := fn(attemptCtx)
		if err != nil {
			if flightCtx.Err() != nil {
				return context.Canceled // superseded mid-attempt, do not keep backing off
			}
			return err
		}
		value = v
		return nil
	}, context.Canceled) // cancellation is terminal, never retried

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("fetch %s superseded: %w", key, context.Canceled)
		}
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gens[key] != gen {
		// lost the race to an invalidate/refresh, result must not overwrite
		lgr.Printf("[DEBUG] discarding superseded result for %s", key)
		return nil, fmt.Errorf("fetch %s superseded: %w", key, context.Canceled)
	}
	l.entries[key] = &entry{data: value, timestamp: time.Now(), gen: gen}
	return value, nil
}

func (l *Layer) resolveFailure(err error, opt callOpts) (any, error) {
	if errors.Is(err, context.Canceled) {
		return nil, err // cancellation is not a failure, no fallback
	}
	if opt.onError != nil {
		opt.onError(err)
	}
	if opt.hasFallback {
		return opt.fallback, nil
	}
	return nil, err
}

// supersede bumps the key generation and aborts the in-flight call, if any
func (l *Layer) supersede(key string) {
	l.mu.Lock()
	l.gens[key]++
	fl := l.flying[key]
	delete(l.flying, key)
	l.mu.Unlock()

	if fl != nil {
		fl.cancel()
	}
	l.flights.Forget(key)
}

// sweep flags stale entries and evicts hard-expired ones. Flagging is pull
// based: no refetch happens until a caller asks for the key again.
func (l *Layer) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	flagged, evicted := 0, 0
	for key, e := range l.entries {
		age := now.Sub(e.timestamp)
		switch {
		case age > l.cfg.CacheTime:
			delete(l.entries, key)
			evicted++
		case age > l.cfg.StaleTime && !e.stale:
			e.stale = true
			flagged++
		}
	}
	if flagged > 0 || evicted > 0 {
		lgr.Printf("[DEBUG] cache sweep: %d flagged stale, %d evicted", flagged, evicted)
	}
}
