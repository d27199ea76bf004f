package asyncdata

import (
	"context"
	"time"

	"github.com/go-pkgz/lgr"
)

// Updater computes the next cached value from the previous one. ok is false
// when nothing was cached for the key.
type Updater func(prev any, ok bool) any

// Mutate applies updater to the cache synchronously (optimistic update) and,
// when revalidate is set, reconciles with the server through a background
// fetch using the last fetcher registered for the key. The layer does not
// roll back on its own; use Mutation when rollback must be structurally
// guaranteed.
func (l *Layer) Mutate(key string, updater Updater, revalidate bool) {
	l.mu.Lock()
	var prev any
	var ok bool
	if e, found := l.entries[key]; found {
		prev, ok = e.data, true
	}
	next := updater(prev, ok)
	l.entries[key] = &entry{data: next, timestamp: time.Now(), gen: l.gens[key]}
	fn := l.fetchers[key]
	l.mu.Unlock()

	if !revalidate {
		return
	}
	if fn == nil {
		lgr.Printf("[DEBUG] no fetcher registered for %s, skipping revalidation", key)
		return
	}

	go func() {
		if _, err := l.Refresh(context.Background(), key, fn); err != nil {
			lgr.Printf("[WARN] revalidation of %s failed: %v", key, err)
		}
	}()
}

// MutateValue is a convenience for replacing the cached value outright
func (l *Layer) MutateValue(key string, value any, revalidate bool) {
	l.Mutate(key, func(any, bool) any { return value }, revalidate)
}

// Mutation is an optimistic update captured as a command object: the
// previous value is recorded at construction so rollback cannot be forgotten
// or reconstructed wrongly by the caller.
type Mutation struct {
	layer   *Layer
	key     string
	next    any
	prev    any
	hadPrev bool
	applied bool
}

// NewMutation captures the current cached value for key and the value the
// mutation will write. Nothing changes until Apply.
func (l *Layer) NewMutation(key string, next any) *Mutation {
	prev, ok := l.Peek(key)
	return &Mutation{layer: l, key: key, next: next, prev: prev, hadPrev: ok}
}

// Apply writes the optimistic value to the cache, without revalidation
func (m *Mutation) Apply() {
	m.layer.MutateValue(m.key, m.next, false)
	m.applied = true
}

// Rollback restores the state captured at construction: the previous value,
// or no entry at all if the key was uncached. A rollback without Apply is a
// no-op.
func (m *Mutation) Rollback() {
	if !m.applied {
		return
	}
	m.applied = false
	if m.hadPrev {
		m.layer.MutateValue(m.key, m.prev, false)
		return
	}
	m.layer.Invalidate(m.key)
}
