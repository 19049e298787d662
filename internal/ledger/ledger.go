// Package ledger records live instances in a SQLite database shared by all
// processes using the same base directory. The ledger is advisory: the
// workspace lock remains the source of truth for ownership, and the ledger
// only lets tools list what is running and where.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// FileName is the ledger's file name inside the base directory.
const FileName = "ledger.db"

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	pid        INTEGER NOT NULL,
	root       TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// Entry is one live instance.
type Entry struct {
	ID        string
	PID       int
	Root      string
	Endpoint  string
	CreatedAt time.Time
}

// Ledger is a handle on the ledger database. It is safe for concurrent use.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path must not be empty")
	}
	// WAL and a generous busy timeout let several test processes write
	// concurrently. synchronous(NORMAL) is enough for advisory data.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Record inserts or replaces e.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("ledger entry id must not be empty")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	const q = `INSERT OR REPLACE INTO instances (id, pid, root, endpoint, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, q, e.ID, e.PID, e.Root, e.Endpoint, e.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("record instance %s: %w", e.ID, err)
	}
	return nil
}

// Forget removes the entry for id. A missing entry is not an error.
func (l *Ledger) Forget(ctx context.Context, id string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("forget instance %s: %w", id, err)
	}
	return nil
}

// List returns all entries, oldest first.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, pid, root, endpoint, created_at FROM instances ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.PID, &e.Root, &e.Endpoint, &created); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}
	return entries, nil
}

// Prune deletes every entry for which keep returns false and returns how
// many were deleted.
func (l *Ledger) Prune(ctx context.Context, keep func(Entry) bool) (int, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	pruned := 0
	for _, e := range entries {
		if keep(e) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, e.ID); err != nil {
			return 0, fmt.Errorf("prune instance %s: %w", e.ID, err)
		}
		pruned++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune transaction: %w", err)
	}
	return pruned, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
