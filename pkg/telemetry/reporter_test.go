package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bkalafat/tskulis-sub000/pkg/store"
)

// sink collects batches posted to the reporting endpoint
type sink struct {
	mu      sync.Mutex
	batches []Batch
	fail    bool
}

func (s *sink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var b Batch
		if err := json.Unmarshal(body, &b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.batches = append(s.batches, b)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *sink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *sink) received() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

func setupReporter(t *testing.T, cfg Config) (*Reporter, *sink) {
	t.Helper()
	snk := &sink{}
	ts := httptest.NewServer(snk.handler())
	t.Cleanup(ts.Close)

	dbFile := filepath.Join(t.TempDir(), "telemetry.db")
	s, err := store.New(context.Background(), store.Config{DSN: "file:" + dbFile + "?mode=rwc"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	cfg.Endpoint = ts.URL
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return New(cfg, s.Namespace("telemetry")), snk
}

func TestReporter_BreadcrumbBound(t *testing.T) {
	r, _ := setupReporter(t, Config{})

	for i := 0; i < 60; i++ {
		r.AddBreadcrumb("nav", fmt.Sprintf("page-%d", i))
	}

	crumbs := r.Breadcrumbs()
	require.Len(t, crumbs, 50, "ring buffer keeps exactly the most recent 50")
	assert.Equal(t, "page-10", crumbs[0].Message, "oldest entries evicted first")
	assert.Equal(t, "page-59", crumbs[49].Message)
}

func TestReporter_IgnoreFilters(t *testing.T) {
	r, snk := setupReporter(t, Config{
		IgnoreMessages: []string{"ResizeObserver"},
		IgnoreURLs:     []string{"/ads/"},
		IgnoreLevels:   []Level{LevelComponent},
	})

	r.ReportError(ErrorReport{Message: "ResizeObserver loop limit exceeded", Level: LevelSection})
	r.ReportError(ErrorReport{Message: "boom", URL: "/ads/banner.js", Level: LevelSection})
	r.ReportError(ErrorReport{Message: "widget crashed", Level: LevelComponent})

	m := r.Snapshot()
	assert.Equal(t, int64(3), m.Filtered)
	assert.Equal(t, int64(0), m.Reported)
	assert.Equal(t, 0, m.Queued, "filtered reports never enter the queue")

	r.Flush(context.Background(), false)
	assert.Empty(t, snk.received(), "no network call for filtered reports")
}

func TestReporter_EnrichmentAndBreadcrumbSnapshot(t *testing.T) {
	r, snk := setupReporter(t, Config{SessionID: "sess-42", AppVersion: "1.2.3"})

	r.AddBreadcrumb("nav", "/haber/transfer")
	r.ReportError(ErrorReport{Message: "render failed", Level: LevelSection, URL: "/haber/transfer"})
	r.AddBreadcrumb("nav", "/anasayfa") // after the report, must not appear in it

	r.Flush(context.Background(), false)

	batches := snk.received()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Errors, 1)
	report := batches[0].Errors[0]
	assert.NotEmpty(t, report.ErrorID)
	assert.Equal(t, "sess-42", report.SessionID)
	assert.Equal(t, "1.2.3", report.Context["app_version"])
	require.Len(t, report.Breadcrumbs, 1)
	assert.Equal(t, "/haber/transfer", report.Breadcrumbs[0].Message)
}

func TestReporter_BatchSizeTriggersFlush(t *testing.T) {
	r, snk := setupReporter(t, Config{BatchSize: 3})

	for i := 0; i < 3; i++ {
		r.ReportError(ErrorReport{Message: fmt.Sprintf("err-%d", i), Level: LevelSection})
	}

	assert.Eventually(t, func() bool { return len(snk.received()) == 1 },
		time.Second, 10*time.Millisecond, "reaching batchSize flushes immediately")
	assert.Len(t, snk.received()[0].Errors, 3)
}

func TestReporter_PageLevelFlushesImmediately(t *testing.T) {
	r, snk := setupReporter(t, Config{BatchSize: 100})

	r.ReportError(ErrorReport{Message: "white screen", Level: LevelPage})

	assert.Eventually(t, func() bool { return len(snk.received()) == 1 },
		time.Second, 10*time.Millisecond, "page-level severity bypasses the batch threshold")
}

func TestReporter_FailedBatchPersistedAndRetried(t *testing.T) {
	r, snk := setupReporter(t, Config{MaxRetries: 3})
	snk.setFail(true)

	r.ReportError(ErrorReport{Message: "lost?", Level: LevelSection})
	r.Flush(context.Background(), false)

	assert.Empty(t, snk.received())
	m := r.Snapshot()
	assert.Equal(t, int64(1), m.Persisted, "batch persisted after exhausting retries")

	// endpoint recovers, stored batch goes through
	snk.setFail(false)
	r.RetryStoredBatches(context.Background())

	batches := snk.received()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Errors, 1)
	assert.Equal(t, "lost?", batches[0].Errors[0].Message)

	// nothing left to retry
	r.RetryStoredBatches(context.Background())
	assert.Len(t, snk.received(), 1, "delivered batches are removed from storage")
}

func TestReporter_ExhaustedDeliveryPersistsPromptly(t *testing.T) {
	r, snk := setupReporter(t, Config{MaxRetries: 3, RetryDelay: 100 * time.Millisecond})
	snk.setFail(true)

	r.ReportError(ErrorReport{Message: "doomed", Level: LevelSection})

	started := time.Now()
	r.Flush(context.Background(), false)
	elapsed := time.Since(started)

	// delays run between attempts only: 100ms + 200ms, nothing after the third
	assert.Less(t, elapsed, 500*time.Millisecond, "no backoff sleep after the final attempt")
	assert.Equal(t, int64(1), r.Snapshot().Persisted)
}

func TestReporter_StoredBatchCap(t *testing.T) {
	r, snk := setupReporter(t, Config{MaxRetries: 1, MaxStoredBatches: 2})
	snk.setFail(true)

	for i := 0; i < 4; i++ {
		r.ReportError(ErrorReport{Message: fmt.Sprintf("err-%d", i), Level: LevelSection})
		r.Flush(context.Background(), false)
		time.Sleep(2 * time.Millisecond) // distinct storage timestamps
	}

	snk.setFail(false)
	r.RetryStoredBatches(context.Background())

	batches := snk.received()
	assert.Len(t, batches, 2, "history is bounded, oldest batches dropped beyond the cap")
	assert.Equal(t, "err-2", batches[0].Errors[0].Message)
	assert.Equal(t, "err-3", batches[1].Errors[0].Message)
}

func TestReporter_PeriodicFlush(t *testing.T) {
	r, snk := setupReporter(t, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.ReportError(ErrorReport{Message: "slow burner", Level: LevelSection})

	assert.Eventually(t, func() bool { return len(snk.received()) == 1 },
		time.Second, 10*time.Millisecond, "timer must flush a non-empty queue below batchSize")
}

func TestReporter_StopFlushesSynchronously(t *testing.T) {
	r, snk := setupReporter(t, Config{BatchSize: 100})

	r.ReportError(ErrorReport{Message: "last words", Level: LevelSection})
	r.Stop()

	batches := snk.received()
	require.Len(t, batches, 1)
	assert.Equal(t, "last words", batches[0].Errors[0].Message)
}

func TestReporter_MetricsByLevel(t *testing.T) {
	r, _ := setupReporter(t, Config{BatchSize: 100})

	r.ReportError(ErrorReport{Message: "a", Level: LevelSection, URL: "/haber/1"})
	r.ReportError(ErrorReport{Message: "b", Level: LevelSection, URL: "/haber/1"})
	r.ReportError(ErrorReport{Message: "c", Level: LevelComponent})

	m := r.Snapshot()
	assert.Equal(t, int64(3), m.Reported)
	assert.Equal(t, int64(2), m.ByLevel[LevelSection])
	assert.Equal(t, int64(1), m.ByLevel[LevelComponent])
	assert.Equal(t, int64(2), m.ByURL["/haber/1"])
	assert.Equal(t, 3, m.Queued)
}
