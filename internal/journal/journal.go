// Package journal provides an append-only SQLite log of daemon decisions.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Decision is one journaled verdict for one target in one tick.
type Decision struct {
	ID     int64     `json:"id"`
	TickID string    `json:"tick_id"`
	At     time.Time `json:"at"`
	Target string    `json:"target"`
	State  string    `json:"state"`
	Action string    `json:"action"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the decision journal.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	tick_id TEXT NOT NULL,
	at      TEXT NOT NULL,
	target  TEXT NOT NULL,
	state   TEXT NOT NULL,
	action  TEXT NOT NULL,
	reason  TEXT NOT NULL DEFAULT '',
	detail  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decisions_target ON decisions(target, id);
`

// Open opens or creates the journal at path.
// If the path is empty, it defaults to ~/.local/state/paneward/journal.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".local", "state", "paneward", "journal.db")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Migrate creates the schema if needed.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Record appends decisions in one transaction.
func (s *Store) Record(ctx context.Context, decisions []Decision) error {
	if len(decisions) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions (tick_id, at, target, state, action, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range decisions {
		if _, err := stmt.ExecContext(ctx,
			d.TickID, d.At.UTC().Format(timeLayout), d.Target, d.State, d.Action, d.Reason, d.Detail,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record decision for %s: %w", d.Target, err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest decisions first, optionally filtered by target.
func (s *Store) Recent(ctx context.Context, target string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, tick_id, at, target, state, action, reason, detail FROM decisions`
	args := []any{}
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d  Decision
			at string
		)
		if err := rows.Scan(&d.ID, &d.TickID, &at, &d.Target, &d.State, &d.Action, &d.Reason, &d.Detail); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if d.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse decision time %q: %w", at, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes decisions older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return res.RowsAffected()
}
