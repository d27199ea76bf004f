// Package telemetry captures client errors and breadcrumbs, batches them and
// delivers them to a reporting endpoint with retry. Undelivered batches are
// persisted and re-attempted on the next session or reconnect, so no report
// is lost silently.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/bkalafat/tskulis-sub000/pkg/store"
)

// Level classifies where a failure was caught; page is the most severe and
// triggers an immediate flush
type Level string

const (
	LevelPage      Level = "page"
	LevelSection   Level = "section"
	LevelComponent Level = "component"
)

// maxBreadcrumbs bounds the trail kept for context; oldest evicted first
const maxBreadcrumbs = 50

// Breadcrumb is a small timestamped trace event giving context to a later
// error report
type Breadcrumb struct {
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

// ErrorReport is one captured failure
type ErrorReport struct {
	ErrorID     string            `json:"error_id"`
	Message     string            `json:"message"`
	Stack       string            `json:"stack,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	URL         string            `json:"url,omitempty"`
	SessionID   string            `json:"session_id"`
	Level       Level             `json:"level"`
	RetryCount  int               `json:"retry_count"`
	Context     map[string]string `json:"context,omitempty"`
	Breadcrumbs []Breadcrumb      `json:"breadcrumbs,omitempty"`
}

// Batch groups reports for one delivery attempt
type Batch struct {
	ID         string        `json:"batch_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Errors     []ErrorReport `json:"errors"`
	RetryCount int           `json:"retry_count"`
}

// Metrics is a snapshot of pipeline counters
type Metrics struct {
	Reported  int64            `json:"reported"`
	Filtered  int64            `json:"filtered"`
	Delivered int64            `json:"delivered"` // batches
	Persisted int64            `json:"persisted"` // batches saved after failed delivery
	ByLevel   map[Level]int64  `json:"by_level"`
	ByURL     map[string]int64 `json:"by_url"`
	Queued    int              `json:"queued"`
}

// Config holds pipeline settings
type Config struct {
	Endpoint         string
	BatchSize        int           // queue length forcing an immediate flush
	FlushInterval    time.Duration // background flush period
	MaxRetries       int           // delivery attempts per batch
	RetryDelay       time.Duration // grows linearly: delay * attempt
	SyncTimeout      time.Duration // deadline for the fire-and-forget teardown flush
	MaxStoredBatches int           // cap on persisted failed batches
	IgnoreMessages   []string      // substring filters
	IgnoreURLs       []string
	IgnoreLevels     []Level
	SessionID        string
	AppVersion       string
}

// Reporter is the error reporting pipeline instance. Construct one per
// application; tests construct their own for isolation.
type Reporter struct {
	cfg    Config
	client *http.Client
	store  *store.Adapter

	mu      sync.Mutex
	queue   []ErrorReport
	crumbs  []Breadcrumb
	metrics Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a reporter with defaults filled in. adapter may be nil to
// disable failed-batch persistence.
func New(cfg Config, adapter *store.Adapter) *Reporter {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 2 * time.Second
	}
	if cfg.MaxStoredBatches == 0 {
		cfg.MaxStoredBatches = 20
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	return &Reporter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		store:  adapter,
		metrics: Metrics{
			ByLevel: map[Level]int64{},
			ByURL:   map[string]int64{},
		},
	}
}

// AddBreadcrumb appends a trace event to the bounded trail. Never blocks,
// never fails.
func (r *Reporter) AddBreadcrumb(category, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crumbs = append(r.crumbs, Breadcrumb{Timestamp: time.Now(), Category: category, Message: message})
	if len(r.crumbs) > maxBreadcrumbs {
		r.crumbs = r.crumbs[len(r.crumbs)-maxBreadcrumbs:]
	}
}

// Breadcrumbs returns a copy of the current trail
func (r *Reporter) Breadcrumbs() []Breadcrumb {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Breadcrumb(nil), r.crumbs...)
}

// ReportError filters, enriches and queues a report. Filtered reports are
// dropped silently. A full queue or a page-level report triggers an
// immediate background flush.
func (r *Reporter) ReportError(report ErrorReport) {
	if r.ignored(report) {
		r.mu.Lock()
		r.metrics.Filtered++
		r.mu.Unlock()
		return
	}

	if report.ErrorID == "" {
		report.ErrorID = uuid.New().String()
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	if report.Level == "" {
		report.Level = LevelComponent
	}
	report.SessionID = r.cfg.SessionID
	if report.Context == nil {
		report.Context = map[string]string{}
	}
	report.Context["app_version"] = r.cfg.AppVersion
	report.Context["platform"] = runtime.GOOS

	r.mu.Lock()
	report.Breadcrumbs = append([]Breadcrumb(nil), r.crumbs...)
	r.queue = append(r.queue, report)
	r.metrics.Reported++
	r.metrics.ByLevel[report.Level]++
	if report.URL != "" {
		r.metrics.ByURL[report.URL]++
	}
	full := len(r.queue) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full || report.Level == LevelPage {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.Flush(context.Background(), false)
		}()
	}
}

// Flush moves the queue into a batch and delivers it. Synchronous mode is
// the teardown path: one fire-and-forget attempt under a short deadline,
// persisting the batch if it fails. Asynchronous mode retries with linearly
// growing delay and persists only after exhausting retries.
func (r *Reporter) Flush(ctx context.Context, synchronous bool) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	if r.cfg.Endpoint == "" {
		// delivery disabled, reports are counted but never sent
		r.queue = nil
		r.mu.Unlock()
		return
	}
	batch := Batch{ID: uuid.New().String(), Timestamp: time.Now(), Errors: r.queue}
	r.queue = nil
	r.mu.Unlock()

	if synchronous {
		sendCtx, cancel := context.WithTimeout(context.Background(), r.cfg.SyncTimeout)
		defer cancel()
		if err := r.send(sendCtx, batch); err != nil {
			lgr.Printf("[WARN] synchronous flush of batch %s failed: %v", batch.ID, err)
			r.persistBatch(context.Background(), batch)
			return
		}
		r.markDelivered()
		return
	}

	if err := r.deliver(ctx, &batch); err != nil {
		lgr.Printf("[WARN] batch %s undeliverable after %d attempts, persisting: %v", batch.ID, batch.RetryCount, err)
		r.persistBatch(ctx, batch)
		return
	}
	r.markDelivered()
}

// deliver attempts the batch up to MaxRetries times with linear backoff
// (retryDelay * attemptNumber between attempts, no sleep after the last one)
func (r *Reporter) deliver(ctx context.Context, batch *Batch) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := r.send(ctx, *batch); err != nil {
			lastErr = err
			batch.RetryCount = attempt
			if attempt == r.cfg.MaxRetries {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryDelay * time.Duration(attempt)):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (r *Reporter) send(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful in the body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("reporting endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// persistBatch saves an undeliverable batch for a later RetryStoredBatches,
// dropping the oldest stored batch beyond the cap
func (r *Reporter) persistBatch(ctx context.Context, batch Batch) {
	if r.store == nil {
		return
	}
	r.store.Save(ctx, batch.ID, batch)
	r.mu.Lock()
	r.metrics.Persisted++
	r.mu.Unlock()

	recs := r.store.List(ctx)
	for len(recs) > r.cfg.MaxStoredBatches {
		lgr.Printf("[WARN] stored batch cap reached, dropping oldest %s", recs[0].Key)
		r.store.Remove(ctx, recs[0].Key)
		recs = recs[1:]
	}
}

// RetryStoredBatches re-attempts every batch persisted by earlier failed
// flushes, removing the ones that go through. Called on startup and on
// reconnect.
func (r *Reporter) RetryStoredBatches(ctx context.Context) {
	if r.store == nil {
		return
	}
	recs := r.store.List(ctx)
	if len(recs) == 0 {
		return
	}
	lgr.Printf("[INFO] retrying %d stored telemetry batches", len(recs))

	for _, rec := range recs {
		var batch Batch
		if err := json.Unmarshal(rec.Value, &batch); err != nil {
			lgr.Printf("[WARN] dropping corrupt stored batch %s: %v", rec.Key, err)
			r.store.Remove(ctx, rec.Key)
			continue
		}
		if err := r.send(ctx, batch); err != nil {
			lgr.Printf("[DEBUG] stored batch %s still undeliverable: %v", batch.ID, err)
			continue // keep for the next retry round
		}
		r.store.Remove(ctx, rec.Key)
		r.markDelivered()
	}
}

// Start runs the periodic background flush so worst-case delivery latency is
// bounded even when the queue never reaches batchSize
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Flush(ctx, false)
			}
		}
	}()
	lgr.Printf("[INFO] telemetry reporter started, batch size %d, flush every %v", r.cfg.BatchSize, r.cfg.FlushInterval)
}

// Stop halts the flush timer, waits for in-flight deliveries and performs a
// final synchronous flush
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.Flush(context.Background(), true)
}

// Snapshot returns current pipeline counters
func (r *Reporter) Snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.ByLevel = map[Level]int64{}
	for k, v := range r.metrics.ByLevel {
		m.ByLevel[k] = v
	}
	m.ByURL = map[string]int64{}
	for k, v := range r.metrics.ByURL {
		m.ByURL[k] = v
	}
	m.Queued = len(r.queue)
	return m
}

func (r *Reporter) markDelivered() {
	r.mu.Lock()
	r.metrics.Delivered++
	r.mu.Unlock()
}

func (r *Reporter) ignored(report ErrorReport) bool {
	for _, lvl := range r.cfg.IgnoreLevels {
		if report.Level == lvl {
			return true
		}
	}
	for _, pattern := range r.cfg.IgnoreMessages {
		if pattern != "" && strings.Contains(report.Message, pattern) {
			return true
		}
	}
	for _, pattern := range r.cfg.IgnoreURLs {
		if pattern != "" && strings.Contains(report.URL, pattern) {
			return true
		}
	}
	return false
}
