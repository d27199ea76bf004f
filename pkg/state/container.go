package state

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/bkalafat/tskulis-sub000/pkg/events"
)

// persistedKey is the record under which the durable subset is stored
const persistedKey = "app-state"

// Persister is the durable storage side-channel for the preferences subset
type Persister interface {
	Save(ctx context.Context, key string, value any)
	Load(ctx context.Context, key string, dest any) bool
}

// Container owns the state tree. Reads are snapshots, writes go through
// Dispatch only. Dispatches are serialized and applied in the order issued;
// listeners and the persistence side-channel observe changes in that same
// order even when dispatchers race.
type Container struct {
	mu        sync.Mutex
	state     *AppState
	seq       uint64      // dispatch sequence, bumped per applied transition
	pending   []*AppState // trees awaiting listener delivery, seq order
	notifying bool        // a drain loop is delivering pending trees
	emitter   *events.Emitter[*AppState]

	persist  Persister
	saveMu   sync.Mutex // serializes side-channel writes
	savedSeq uint64     // newest seq whose subset reached the persister
	wg       sync.WaitGroup
}

// NewContainer creates a container at the initial state. persist may be nil
// to disable the preferences side-channel (tests mostly run without it).
func NewContainer(persist Persister) *Container {
	return &Container{
		state:   Initial(),
		emitter: events.New[*AppState](),
		persist: persist,
	}
}

// State returns the current tree. The returned value must be treated as
// read-only; the container never mutates a tree it has handed out.
func (c *Container) State() *AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener called after every state change with the new
// tree. Returns an unsubscribe function. No-op dispatches do not notify.
// Listeners for one change run before listeners for the next; a listener must
// not Dispatch synchronously or it would observe its own change out of order.
func (c *Container) Subscribe(fn func(*AppState)) func() {
	return c.emitter.Subscribe(fn)
}

// Dispatch applies the action through the reducer. Changed trees are queued
// for listeners and for the persistence side-channel while the lock is held,
// so both observe transitions in apply order regardless of which goroutine
// dispatched them.
func (c *Container) Dispatch(action Action) {
	c.mu.Lock()
	prev := c.state
	next := Reduce(prev, action)
	if next == prev {
		c.mu.Unlock()
		return // unknown or rejected action, nothing changed
	}
	c.state = next
	c.seq++
	seq := c.seq
	c.pending = append(c.pending, next)
	c.mu.Unlock()

	c.notify()
	c.persistIfChanged(prev, next, seq)
}

// notify drains the pending queue, delivering trees to listeners in apply
// order. Only one drain loop runs at a time; a dispatcher that finds another
// loop active leaves its tree for that loop to deliver.
func (c *Container) notify() {
	for {
		c.mu.Lock()
		if c.notifying || len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		c.notifying = true
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, s := range batch {
			c.emitter.Emit(s)
		}

		c.mu.Lock()
		c.notifying = false
		c.mu.Unlock()
	}
}

// persistIfChanged writes the durable subset in the background when it
// differs from the previous tree's. Writes are serialized and stale ones
// skipped, so a slow save can never overwrite a newer subset.
func (c *Container) persistIfChanged(prev, next *AppState, seq uint64) {
	if c.persist == nil {
		return
	}
	if prev.UI.Theme == next.UI.Theme &&
		prev.UI.SidebarOpen == next.UI.SidebarOpen &&
		prefsEqual(prev.User.Preferences, next.User.Preferences) {
		return
	}

	subset := persistedFrom(next)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.saveMu.Lock()
		defer c.saveMu.Unlock()
		if seq < c.savedSeq {
			return // a newer subset is already durable
		}
		c.savedSeq = seq

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.persist.Save(ctx, persistedKey, subset)
	}()
}

// LoadPersisted restores the durable subset written by a previous session and
// merges it via Hydrate. Called once at startup, before the first consumer
// reads the tree.
func (c *Container) LoadPersisted(ctx context.Context) {
	if c.persist == nil {
		return
	}

	var subset Persisted
	if !c.persist.Load(ctx, persistedKey, &subset) {
		return
	}

	lgr.Printf("[DEBUG] restoring persisted state subset")
	c.Dispatch(Hydrate{Persisted: subset})
}

// Wait blocks until pending background persistence writes complete. Used on
// shutdown so the last preference change is not lost.
func (c *Container) Wait() {
	c.wg.Wait()
}

func prefsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
