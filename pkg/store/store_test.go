package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "test.db")
	s, err := New(context.Background(), Config{DSN: "file:" + dbFile + "?mode=rwc"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestAdapter_SaveLoad(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	adapter := s.Namespace("prefs")

	type prefs struct {
		Theme   string `json:"theme"`
		Sidebar bool   `json:"sidebar"`
	}

	t.Run("round trip", func(t *testing.T) {
		adapter.Save(ctx, "ui", prefs{Theme: "dark", Sidebar: true})

		var got prefs
		ok := adapter.Load(ctx, "ui", &got)
		require.True(t, ok)
		assert.Equal(t, prefs{Theme: "dark", Sidebar: true}, got)
	})

	t.Run("missing key", func(t *testing.T) {
		var got prefs
		ok := adapter.Load(ctx, "nope", &got)
		assert.False(t, ok)
	})

	t.Run("overwrite", func(t *testing.T) {
		adapter.Save(ctx, "ui", prefs{Theme: "light"})

		var got prefs
		ok := adapter.Load(ctx, "ui", &got)
		require.True(t, ok)
		assert.Equal(t, "light", got.Theme)
	})
}

func TestAdapter_Namespacing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	queue := s.Namespace("offline-queue")
	telemetry := s.Namespace("telemetry")

	queue.Save(ctx, "req-1", map[string]string{"url": "/api/news"})
	telemetry.Save(ctx, "batch-1", map[string]string{"id": "b1"})

	var got map[string]string
	assert.False(t, queue.Load(ctx, "batch-1", &got), "namespaces must not leak into each other")
	assert.True(t, telemetry.Load(ctx, "batch-1", &got))

	queue.Clear(ctx)
	assert.Equal(t, 0, queue.Count(ctx))
	assert.Equal(t, 1, telemetry.Count(ctx), "clear is scoped to its namespace")
}

func TestAdapter_LoadWithTTL(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	adapter := s.Namespace("cache")

	adapter.Save(ctx, "key", "value")

	t.Run("fresh record served", func(t *testing.T) {
		var got string
		ok := adapter.LoadWithTTL(ctx, "key", &got, time.Minute)
		require.True(t, ok)
		assert.Equal(t, "value", got)
	})

	t.Run("expired record removed", func(t *testing.T) {
		// backdate the record past the ttl
		_, err := s.db.ExecContext(ctx, "UPDATE kv SET updated_at = ? WHERE ns = ? AND key = ?",
			time.Now().Add(-2*time.Second).UnixMilli(), "cache", "key")
		require.NoError(t, err)

		var got string
		ok := adapter.LoadWithTTL(ctx, "key", &got, time.Second)
		assert.False(t, ok)

		// expired record is eagerly deleted, plain load misses too
		ok = adapter.Load(ctx, "key", &got)
		assert.False(t, ok)
	})
}

func TestAdapter_CorruptRecord(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	adapter := s.Namespace("cache")

	_, err := s.db.ExecContext(ctx, "INSERT INTO kv (ns, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		"cache", "bad", "{not-json", time.Now().UnixMilli(), time.Now().UnixMilli())
	require.NoError(t, err)

	var got map[string]string
	ok := adapter.Load(ctx, "bad", &got)
	assert.False(t, ok, "corrupt record is a miss, not an error")
	assert.Equal(t, 0, adapter.Count(ctx), "corrupt record is removed")
}

func TestAdapter_ListOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	adapter := s.Namespace("offline-queue")

	base := time.Now().UnixMilli()
	for i, key := range []string{"a", "b", "c"} {
		_, err := s.db.ExecContext(ctx, "INSERT INTO kv (ns, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			"offline-queue", key, `"v"`, base+int64(i), base+int64(i))
		require.NoError(t, err)
	}

	// updating b must not move it: created_at survives overwrites
	adapter.Save(ctx, "b", "v2")

	recs := adapter.List(ctx)
	require.Len(t, recs, 3)
	keys := []string{recs[0].Key, recs[1].Key, recs[2].Key}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestAdapter_NonRetryableErrorFailsFast(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "test.db")
	s, err := New(context.Background(), Config{DSN: "file:" + dbFile + "?mode=rwc"})
	require.NoError(t, err)
	adapter := s.Namespace("prefs")
	require.NoError(t, s.Close())

	// a closed database is not a lock error, so the retry loop must stop on
	// the first attempt instead of backing off through all five
	started := time.Now()
	adapter.Save(context.Background(), "key", "value")
	assert.Less(t, time.Since(started), 300*time.Millisecond, "critical errors must not be retried")
}

func TestCriticalErrorMatching(t *testing.T) {
	wrapped := &criticalError{err: errors.New("schema gone")}
	assert.True(t, errors.Is(wrapped, &criticalError{}))
	assert.ErrorContains(t, wrapped, "schema gone")
	assert.False(t, errors.Is(errors.New("database is locked"), &criticalError{}))
}

func TestAdapter_RemoveIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	adapter := s.Namespace("prefs")

	adapter.Save(ctx, "key", 42)
	adapter.Remove(ctx, "key")
	adapter.Remove(ctx, "key") // second remove is a no-op

	var got int
	assert.False(t, adapter.Load(ctx, "key", &got))
}
