// Package store is the only component allowed to mutate crystalmathd's
// persistent state: jobs, clusters, remote-job handles, dependencies,
// workflows, queue state, and scheduler metrics.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

// busyTimeout enforces a busy-retry window of at least 5 seconds.
const busyTimeout = 5 * time.Second

// Store wraps the SQLite connection with crystalmathd's persistence
// operations. One writer, many readers: SQLite's own locking plus WAL mode
// handles the concurrency discipline a single-writer SQLite file needs.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex // serializes multi-statement write transactions
}

// Open creates or opens the SQLite database at path, enabling WAL mode and
// foreign keys, and applies pending schema migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set %q: %w", p, err)
		}
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// withTx runs fn inside a single transaction, committing on success and
// rolling back on any error, so multi-row modifications execute atomically.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// withRetry retries fn while the underlying driver reports SQLITE_BUSY,
// bounded by busyTimeout. Non-busy errors (schema mismatch, disk full,
// constraint violations) are returned immediately.
func withRetry(ctx context.Context, fn func() error) error {
	b, _ := retry.NewConstant(50 * time.Millisecond)
	b = retry.WithMaxDuration(busyTimeout, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces busy/locked conditions in the error text;
	// there is no typed sentinel to compare against.
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
