// Package store owns pacer's relational state: usage snapshots, pacing
// decisions, blockage records, and the bucketed metrics tables.
//
// The database is a single SQLite file in WAL mode shared by short-lived
// concurrent hook processes. Schema creation is idempotent and runs on
// every open, so there is no migration step a hook could miss. Writes
// retry on lock contention with a short doubling backoff; the busy
// timeout pragma covers the rest.
package store

import (
	"database/sql"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS = 5000

	lockRetryAttempts = 5
	lockRetryBase     = 10 * time.Millisecond
)

// Store wraps the pacer database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store.Open: create dir %q: %w", dir, err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: open %q: %w", path, err)
	}
	// Single connection: hooks are short-lived and WAL handles the
	// cross-process side; in-process contention is not worth a pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for sibling packages sharing this database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS usage_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at INTEGER NOT NULL,
			five_hour_util REAL NOT NULL DEFAULT 0,
			five_hour_resets_at INTEGER,
			seven_day_util REAL NOT NULL DEFAULT 0,
			seven_day_resets_at INTEGER,
			raw TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON usage_snapshots(taken_at)`,
		`CREATE TABLE IF NOT EXISTS pacing_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decided_at INTEGER NOT NULL,
			should_throttle INTEGER NOT NULL DEFAULT 0,
			delay_seconds REAL NOT NULL DEFAULT 0,
			constrained_window TEXT NOT NULL DEFAULT '',
			deviation REAL NOT NULL DEFAULT 0,
			five_hour_target REAL NOT NULL DEFAULT 0,
			five_hour_actual REAL NOT NULL DEFAULT 0,
			seven_day_target REAL NOT NULL DEFAULT 0,
			seven_day_actual REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_decided ON pacing_decisions(decided_at)`,
		`CREATE TABLE IF NOT EXISTS blockages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at INTEGER NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			source_hook TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blockages_occurred ON blockages(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_blockages_category ON blockages(category)`,
		`CREATE TABLE IF NOT EXISTS metrics_buckets (
			metric TEXT NOT NULL,
			bucket_start INTEGER NOT NULL,
			value REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (metric, bucket_start)
		)`,
		`CREATE TABLE IF NOT EXISTS secrets_masked_buckets (
			bucket_start INTEGER PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

// WithRetry runs fn, retrying lock contention errors with a doubling,
// jittered backoff. Non-lock errors return immediately.
func WithRetry(op string, fn func() error) error {
	backoff := lockRetryBase
	var err error
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isLockedErr(err) {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(backoff/2)+1)) - backoff/4
		sleep := backoff + jitter
		log.Debug().Str("op", op).Int("attempt", attempt+1).Dur("backoff", sleep).
			Msg("Database locked, retrying")
		time.Sleep(sleep)
		backoff *= 2
	}
	log.Error().Str("op", op).Err(err).Msg("Database still locked after retries")
	return err
}

func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
