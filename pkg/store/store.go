// Package store provides the durable key-value layer backing the offline
// queue, telemetry batches and persisted user preferences. Records are
// serialized to JSON and written to SQLite under a namespace prefix, so the
// subsystems sharing the database never collide on keys.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed schema.sql
var schemaFS embed.FS

// Config represents database configuration
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store owns the shared database connection. Subsystems get their own
// namespaced Adapter via Namespace and never touch the connection directly.
type Store struct {
	db *sqlx.DB
}

// New opens the database, applies pragmas and initializes the schema
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		cfg.DSN = "file:tskulis.db?cache=shared&mode=rwc&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// optimize SQLite settings
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000", // 5 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	// initialize schema
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return nil, fmt.Errorf("execute schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Namespace returns an adapter scoped to the given key prefix
func (s *Store) Namespace(ns string) *Adapter {
	return &Adapter{db: s.db, ns: ns}
}

// Record is a raw namespaced entry, ordered by creation time in List results
type Record struct {
	Key       string
	Value     json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adapter is the persistence contract handed to subsystems. Writes are
// advisory: storage failures are logged and swallowed, so losing durability
// degrades the caller instead of crashing it. Reads treat absent, corrupt
// and expired records alike as a miss.
type Adapter struct {
	db *sqlx.DB
	ns string
}

type kvSQL struct {
	Key       string `db:"key"`
	Value     string `db:"value"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// Save serializes value to JSON and writes it under the namespaced key.
// Overwrites keep the original created_at so queue ordering survives updates.
func (a *Adapter) Save(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		lgr.Printf("[WARN] store save %s/%s: marshal failed: %v", a.ns, key, err)
		return
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	err = retrier.Do(ctx, func() error {
		now := time.Now().UnixMilli()
		query := `
			INSERT INTO kv (ns, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`
		if _, err := a.db.ExecContext(ctx, query, a.ns, key, string(data), now, now); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("save record: %w", err)}
		}
		return nil
	}, &criticalError{})
	if err != nil {
		lgr.Printf("[WARN] store save %s/%s failed: %v", a.ns, key, err)
	}
}

// Load reads the record into dest, reporting whether a usable value was found.
// Corrupt JSON is deleted and treated as a miss.
func (a *Adapter) Load(ctx context.Context, key string, dest any) bool {
	return a.load(ctx, key, dest, 0)
}

// LoadWithTTL behaves like Load but treats records older than ttl as a miss,
// eagerly deleting the stale record as a side effect. Age is measured from
// the last write.
func (a *Adapter) LoadWithTTL(ctx context.Context, key string, dest any, ttl time.Duration) bool {
	return a.load(ctx, key, dest, ttl)
}

func (a *Adapter) load(ctx context.Context, key string, dest any, ttl time.Duration) bool {
	var rec kvSQL
	err := a.db.GetContext(ctx, &rec, "SELECT key, value, created_at, updated_at FROM kv WHERE ns = ? AND key = ?", a.ns, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		lgr.Printf("[WARN] store load %s/%s failed: %v", a.ns, key, err)
		return false
	}

	if ttl > 0 {
		age := time.Since(time.UnixMilli(rec.UpdatedAt))
		if age > ttl {
			lgr.Printf("[DEBUG] store record %s/%s expired (age %v > ttl %v), removing", a.ns, key, age, ttl)
			a.Remove(ctx, key)
			return false
		}
	}

	if err := json.Unmarshal([]byte(rec.Value), dest); err != nil {
		lgr.Printf("[WARN] store record %s/%s corrupt, removing: %v", a.ns, key, err)
		a.Remove(ctx, key)
		return false
	}
	return true
}

// Remove deletes the record, idempotent
func (a *Adapter) Remove(ctx context.Context, key string) {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	err := retrier.Do(ctx, func() error {
		if _, err := a.db.ExecContext(ctx, "DELETE FROM kv WHERE ns = ? AND key = ?", a.ns, key); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("remove record: %w", err)}
		}
		return nil
	}, &criticalError{})
	if err != nil {
		lgr.Printf("[WARN] store remove %s/%s failed: %v", a.ns, key, err)
	}
}

// Clear removes every record in the namespace, idempotent
func (a *Adapter) Clear(ctx context.Context) {
	if _, err := a.db.ExecContext(ctx, "DELETE FROM kv WHERE ns = ?", a.ns); err != nil {
		lgr.Printf("[WARN] store clear %s failed: %v", a.ns, err)
	}
}

// List returns all records in the namespace ordered by creation time,
// oldest first. The offline queue relies on this order for FIFO replay.
func (a *Adapter) List(ctx context.Context) []Record {
	var rows []kvSQL
	err := a.db.SelectContext(ctx, &rows,
		"SELECT key, value, created_at, updated_at FROM kv WHERE ns = ? ORDER BY created_at, rowid", a.ns)
	if err != nil {
		lgr.Printf("[WARN] store list %s failed: %v", a.ns, err)
		return nil
	}

	recs := make([]Record, len(rows))
	for i, r := range rows {
		recs[i] = Record{
			Key:       r.Key,
			Value:     json.RawMessage(r.Value),
			CreatedAt: time.UnixMilli(r.CreatedAt),
			UpdatedAt: time.UnixMilli(r.UpdatedAt),
		}
	}
	return recs
}

// Count returns the number of records in the namespace
func (a *Adapter) Count(ctx context.Context) int {
	var count int
	if err := a.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM kv WHERE ns = ?", a.ns); err != nil {
		lgr.Printf("[WARN] store count %s failed: %v", a.ns, err)
		return 0
	}
	return count
}

// criticalError wraps an error to signal repeater to stop retrying; Do gets
// an empty instance as its terminal error and matches any wrapped one via Is
type criticalError struct {
	err error
}

func (e *criticalError) Error() string {
	return e.err.Error()
}

func (e *criticalError) Unwrap() error {
	return e.err
}

// Is matches any criticalError regardless of the wrapped cause
func (e *criticalError) Is(target error) bool {
	_, ok := target.(*criticalError)
	return ok
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}
