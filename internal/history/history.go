// Package history keeps a bounded log of sync cycle outcomes in the local
// SQLite database, for 'todosync sync history'.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"todosync/internal/syncer"
	"todosync/internal/utils"
)

// DefaultKeep is the number of entries retained when no limit is given.
const DefaultKeep = 200

const schema = `
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    time INTEGER NOT NULL,
    provider TEXT NOT NULL,
    committed INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    downloaded INTEGER NOT NULL,
    uploaded INTEGER NOT NULL,
    pulled INTEGER NOT NULL,
    removed INTEGER NOT NULL,
    conflicts INTEGER NOT NULL,
    error_kind TEXT,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_history_time ON sync_history(time);
`

// Entry is one recorded cycle
type Entry struct {
	ID         int64     `json:"id"`
	Time       time.Time `json:"time"`
	Provider   string    `json:"provider"`
	Committed  bool      `json:"committed"`
	DurationMs int64     `json:"duration_ms"`
	Downloaded int       `json:"downloaded"`
	Uploaded   int       `json:"uploaded"`
	Pulled     int       `json:"pulled"`
	Removed    int       `json:"removed"`
	Conflicts  int       `json:"conflicts"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Log reads and writes the sync_history table
type Log struct {
	db   *sql.DB
	keep int
	mu   sync.Mutex
}

// Option configures a Log
type Option func(*Log)

// WithKeep bounds the entries retained; 0 keeps everything.
func WithKeep(n int) Option {
	return func(l *Log) { l.keep = n }
}

// Open creates the table if needed.
func Open(ctx context.Context, db *sql.DB, opts ...Option) (*Log, error) {
	l := &Log{db: db, keep: DefaultKeep}
	for _, opt := range opts {
		opt(l)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return l, nil
}

// FromCycle builds the entry for one cycle. at stamps cycles that failed
// before producing a result.
func FromCycle(provider string, res *syncer.Result, err error, at time.Time) Entry {
	e := Entry{Time: at.UTC(), Provider: provider}
	if res != nil {
		e.Time = res.StartedAt.UTC()
		e.Provider = res.Provider
		e.Committed = true
		e.DurationMs = res.Duration().Milliseconds()
		e.Downloaded = res.Downloaded
		e.Uploaded = res.Uploaded
		e.Pulled = res.Pulled
		e.Removed = res.Removed
		e.Conflicts = res.Conflicts
	}
	if err != nil {
		e.ErrorKind = Kind(err)
		e.Error = utils.FirstLine(err.Error())
	}
	return e
}

// Kind groups an error into a short category.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, utils.ErrProviderUnavailable):
		return "provider"
	case errors.Is(err, utils.ErrMalformedRemote):
		return "malformed"
	case errors.Is(err, utils.ErrStorageFailure):
		return "storage"
	default:
		return "unknown"
	}
}

// Record appends e and trims the table to the retention limit.
func (l *Log) Record(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_history (time, provider, committed, duration_ms, downloaded, uploaded, pulled, removed, conflicts, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Time.UnixMilli(), e.Provider, boolToInt(e.Committed), e.DurationMs,
		e.Downloaded, e.Uploaded, e.Pulled, e.Removed, e.Conflicts, nullString(e.ErrorKind), nullString(e.Error))
	if err != nil {
		return fmt.Errorf("recording sync history: %w", err)
	}

	if l.keep > 0 {
		if _, err := l.db.ExecContext(ctx, `
			DELETE FROM sync_history WHERE id NOT IN (
				SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
			)`, l.keep); err != nil {
			return fmt.Errorf("trimming sync history: %w", err)
		}
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, time, provider, committed, duration_ms, downloaded, uploaded, pulled, removed, conflicts,
		       COALESCE(error_kind, ''), COALESCE(error, '')
		FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("reading sync history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		var committed int
		if err := rows.Scan(&e.ID, &ms, &e.Provider, &committed, &e.DurationMs,
			&e.Downloaded, &e.Uploaded, &e.Pulled, &e.Removed, &e.Conflicts, &e.ErrorKind, &e.Error); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ms).UTC()
		e.Committed = committed == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear removes every entry and returns how many there were.
func (l *Log) Clear(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.db.ExecContext(ctx, "DELETE FROM sync_history")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
