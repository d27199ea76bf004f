// Package offline guarantees that mutating API calls issued without
// connectivity (or failing transiently) are not lost: requests are persisted
// immediately and replayed in enqueue order once the network returns.
package offline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/bkalafat/tskulis-sub000/pkg/events"
	"github.com/bkalafat/tskulis-sub000/pkg/store"
)

// QueuedRequest is one pending mutation. RetryCount counts failed replay
// attempts; the record is dropped once it reaches MaxRetries.
type QueuedRequest struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
}

// TerminalFailure is emitted exactly once when a request exhausts its
// retries. It is the caller's signal to surface the loss to the user or
// telemetry; the queue never drops an item silently.
type TerminalFailure struct {
	Request QueuedRequest
	Err     string
}

// Sender is the network primitive used for replay. A non-2xx response must
// be returned as an error.
type Sender interface {
	Send(ctx context.Context, url, method string, headers map[string]string, body []byte) error
}

// Config holds queue tuning
type Config struct {
	DrainInterval time.Duration // periodic drain while online
	MaxRetries    int           // default per-request retry budget
}

// Queue is the durable FIFO of pending mutations. Draining is sequential
// and single-flighted: a Drain call while another is active is a no-op.
type Queue struct {
	store  *store.Adapter
	sender Sender
	cfg    Config

	online   atomic.Bool
	draining atomic.Bool

	terminal *events.Emitter[TerminalFailure]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a queue over the given storage namespace
func New(adapter *store.Adapter, sender Sender, cfg Config) *Queue {
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	q := &Queue{
		store:    adapter,
		sender:   sender,
		cfg:      cfg,
		terminal: events.New[TerminalFailure](),
	}
	q.online.Store(true)
	return q
}

// TerminalFailures exposes the terminal-failure event stream
func (q *Queue) TerminalFailures() *events.Emitter[TerminalFailure] {
	return q.terminal
}

// Enqueue persists a mutation and returns its id synchronously. No send is
// attempted here; the drain loop owns all network activity.
func (q *Queue) Enqueue(ctx context.Context, url, method string, body []byte, headers map[string]string, maxRetries int) string {
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}
	req := QueuedRequest{
		ID:         uuid.New().String(),
		URL:        url,
		Method:     method,
		Body:       body,
		Headers:    headers,
		EnqueuedAt: time.Now(),
		MaxRetries: maxRetries,
	}
	q.store.Save(ctx, req.ID, req)
	lgr.Printf("[INFO] queued offline request %s %s %s", req.Method, req.URL, req.ID)
	return req.ID
}

// SetOnline records the connectivity state. A transition to online triggers
// an immediate background drain.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		lgr.Printf("[INFO] connectivity restored, draining offline queue")
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.Drain(context.Background())
		}()
	}
}

// Online reports the last known connectivity state
func (q *Queue) Online() bool {
	return q.online.Load()
}

// Start runs the periodic drain loop
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if q.online.Load() {
					q.Drain(ctx)
				}
			}
		}
	}()
	lgr.Printf("[INFO] offline queue started, drain interval %v", q.cfg.DrainInterval)
}

// Stop stops the drain loop and waits for in-progress work
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Drain replays all pending requests sequentially in enqueue order. Safe to
// call concurrently: only one drain loop is ever active, re-entrant calls
// return immediately. A failed retryable item keeps its queue position for
// the next pass; relative order of not-yet-attempted items never changes.
func (q *Queue) Drain(ctx context.Context) {
	if !q.draining.CompareAndSwap(false, true) {
		return // a drain loop is already active
	}
	defer q.draining.Store(false)

	pending := q.Pending(ctx)
	if len(pending) == 0 {
		return
	}
	lgr.Printf("[INFO] draining %d offline requests", len(pending))

	sent, failed := 0, 0
	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}

		err := q.sender.Send(ctx, req.URL, req.Method, req.Headers, req.Body)
		if err == nil {
			q.store.Remove(ctx, req.ID)
			sent++
			continue
		}
		failed++

		req.RetryCount++
		if req.RetryCount >= req.MaxRetries {
			q.store.Remove(ctx, req.ID)
			lgr.Printf("[WARN] offline request %s %s failed terminally after %d attempts: %v",
				req.Method, req.URL, req.RetryCount, err)
			q.terminal.Emit(TerminalFailure{Request: req, Err: err.Error()})
			continue
		}

		// overwrite keeps created_at, so the item stays at its position
		q.store.Save(ctx, req.ID, req)
		lgr.Printf("[DEBUG] offline request %s failed (attempt %d/%d): %v", req.ID, req.RetryCount, req.MaxRetries, err)
	}

	lgr.Printf("[INFO] drain completed: %d sent, %d failed", sent, failed)
}

// Pending returns the queued requests in replay order
func (q *Queue) Pending(ctx context.Context) []QueuedRequest {
	recs := q.store.List(ctx)
	reqs := make([]QueuedRequest, 0, len(recs))
	for _, rec := range recs {
		var req QueuedRequest
		if err := json.Unmarshal(rec.Value, &req); err != nil {
			lgr.Printf("[WARN] dropping corrupt queued request %s: %v", rec.Key, err)
			q.store.Remove(ctx, rec.Key)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// Len returns the number of pending requests
func (q *Queue) Len(ctx context.Context) int {
	return q.store.Count(ctx)
}
