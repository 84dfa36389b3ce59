package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/go-laika/laika/pkg/laika"
)

// SQLiteStore persists contexts to a single SQLite database file. It is
// the production Context Store: single-node, ordered keys, atomic
// per-key writes, WAL-mode durability.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if absent) a Context Store at path, or
// ":memory:" for an ephemeral in-process database.
//
// The database file is created with restrictive permissions (0600) before
// sql.Open ever touches it, avoiding a TOCTOU window where context data
// (which may include correlation keys and event payloads) is briefly
// world-readable.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
			if createErr == nil {
				if closeErr := f.Close(); closeErr != nil {
					slog.Warn("failed to close context store file after creation",
						slog.String("path", path), slog.String("error", closeErr.Error()))
				}
			}
			// Ignore createErr: another process may have created the file
			// between Stat and OpenFile; sql.Open below will surface any
			// real problem opening it.
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open context store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contexts (
			correlation_key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			last_touched_ms INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contexts table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_contexts_last_touched
		ON contexts(last_touched_ms)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create last-touched index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_timers (
			fire_at_ms INTEGER NOT NULL,
			correlation_key TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			PRIMARY KEY (correlation_key, rule_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending_timers table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_pending_timers_fire_at
		ON pending_timers(fire_at_ms)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create timer index: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			slog.Warn("failed to set restrictive permissions on context store file",
				slog.String("path", path), slog.String("error", err.Error()),
				slog.String("security_note", "context data may be readable by other users"))
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(key string) (*laika.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.QueryRow(`SELECT data FROM contexts WHERE correlation_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return laika.NewContext(key, clockNowMs()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", key, err)
	}

	ctx, err := decodeContext(data)
	if err != nil {
		return nil, fmt.Errorf("decode context %s: %w", key, err)
	}
	return ctx, nil
}

func (s *SQLiteStore) Commit(key string, ctx *laika.Context, opVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit for %s: %w", key, err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRow(`SELECT version FROM contexts WHERE correlation_key = ?`, key).Scan(&currentVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		currentVersion = 0
	case err != nil:
		return fmt.Errorf("read version for %s: %w", key, err)
	}

	if currentVersion != opVersion {
		return ErrConflict
	}

	if ctx.IsEmpty() {
		if _, err := tx.Exec(`DELETE FROM contexts WHERE correlation_key = ?`, key); err != nil {
			return fmt.Errorf("delete empty context %s: %w", key, err)
		}
		if _, err := tx.Exec(`DELETE FROM pending_timers WHERE correlation_key = ?`, key); err != nil {
			return fmt.Errorf("delete timers for %s: %w", key, err)
		}
		return tx.Commit()
	}

	data, err := encodeContext(ctx)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", key, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO contexts (correlation_key, version, last_touched_ms, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(correlation_key) DO UPDATE SET version = excluded.version, last_touched_ms = excluded.last_touched_ms, data = excluded.data
	`, key, ctx.SequenceVersion, ctx.LastTouchedMs, data); err != nil {
		return fmt.Errorf("upsert context %s: %w", key, err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_timers WHERE correlation_key = ?`, key); err != nil {
		return fmt.Errorf("clear timers for %s: %w", key, err)
	}
	for _, t := range ctx.PendingTimers {
		if _, err := tx.Exec(`
			INSERT INTO pending_timers (fire_at_ms, correlation_key, rule_id) VALUES (?, ?, ?)
		`, t.FireAtMs, key, t.RuleID); err != nil {
			return fmt.Errorf("insert timer for %s: %w", key, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Evict(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.Exec(`DELETE FROM contexts WHERE correlation_key = ?`, key); err != nil {
		return fmt.Errorf("evict context %s: %w", key, err)
	}
	if _, err := s.db.Exec(`DELETE FROM pending_timers WHERE correlation_key = ?`, key); err != nil {
		return fmt.Errorf("evict timers for %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) KeysWithDueTimers(nowMs int64) ([]DueTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT correlation_key, rule_id, fire_at_ms FROM pending_timers
		WHERE fire_at_ms <= ?
		ORDER BY fire_at_ms ASC
	`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("scan due timers: %w", err)
	}
	defer rows.Close()

	var due []DueTimer
	for rows.Next() {
		var d DueTimer
		if err := rows.Scan(&d.Key, &d.RuleID, &d.FireAtMs); err != nil {
			return nil, fmt.Errorf("scan due timer row: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func (s *SQLiteStore) IdleKeysBefore(cutoffMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`
		SELECT correlation_key FROM contexts
		WHERE last_touched_ms <= ?
		ORDER BY correlation_key ASC
	`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("scan idle keys: %w", err)
	}
	defer rows.Close()

	var idle []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan idle key row: %w", err)
		}
		idle = append(idle, key)
	}
	return idle, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
