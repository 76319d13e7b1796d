// Package journal persists queued uploads in a SQLite write-ahead journal so
// that pending and errored items survive a restart. The sync engine saves an
// item when it is queued or fails, deletes it once the server confirms it,
// and replays the journal at startup before accepting commands.
//
// Only this package may open or query the database. All other packages receive
// a [*Journal] and call its methods.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/snapqueue/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
    id              TEXT    PRIMARY KEY,
    state           TEXT    NOT NULL,
    media_uri       TEXT    NOT NULL,
    caption         TEXT    NOT NULL DEFAULT '',
    metadata        TEXT    NOT NULL DEFAULT '',
    created_at      TEXT    NOT NULL DEFAULT '',
    last_attempt_at TEXT    NOT NULL DEFAULT '',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_queue_state ON queue_items (state);
`

// Journal is the SQLite-backed upload journal.
type Journal struct {
	db *sql.DB
}

// Counts is the number of journaled items per state.
type Counts struct {
	Pending int
	Errored int
}

// DefaultPath returns the default path for the journal database:
// ~/.local/share/snapqueue/journal.db
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "snapqueue", "journal.db"), nil
}

// Open opens (or creates) the journal at path, applies the schema, and
// configures WAL mode.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close releases the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Save inserts or replaces the entry for item. Confirmed items are rejected;
// they belong to the server.
func (j *Journal) Save(ctx context.Context, item model.Item) error {
	if !item.Queued() {
		return fmt.Errorf("journaling item %q: state %s is not queued", item.ID, item.State)
	}
	meta, err := encodeMetadata(item.Payload.Metadata)
	if err != nil {
		return fmt.Errorf("journaling item %q: %w", item.ID, err)
	}

	const q = `
		INSERT INTO queue_items
		    (id, state, media_uri, caption, metadata, created_at,
		     last_attempt_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    state           = excluded.state,
		    media_uri       = excluded.media_uri,
		    caption         = excluded.caption,
		    metadata        = excluded.metadata,
		    last_attempt_at = excluded.last_attempt_at,
		    attempts        = excluded.attempts,
		    last_error      = excluded.last_error`

	var lastAttempt time.Time
	if item.LastAttemptAt != nil {
		lastAttempt = *item.LastAttemptAt
	}
	_, err = j.db.ExecContext(ctx, q,
		item.ID,
		item.State.String(),
		item.Payload.MediaURI,
		item.Payload.Caption,
		meta,
		formatTime(item.CreatedAt),
		formatTime(lastAttempt),
		item.Attempts,
		item.LastError,
	)
	if err != nil {
		return fmt.Errorf("journaling item %q: %w", item.ID, err)
	}
	return nil
}

// Delete removes the entry for id. Deleting an unknown id is not an error.
func (j *Journal) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM queue_items WHERE id = ?`
	if _, err := j.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting journal entry %q: %w", id, err)
	}
	return nil
}

// LoadAll returns every journaled item in insertion order.
func (j *Journal) LoadAll(ctx context.Context) ([]model.Item, error) {
	const q = `
		SELECT id, state, media_uri, caption, metadata, created_at,
		       last_attempt_at, attempts, last_error
		FROM queue_items ORDER BY rowid`
	rows, err := j.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Count returns the number of journaled items per state.
func (j *Journal) Count(ctx context.Context) (Counts, error) {
	const q = `SELECT state, COUNT(*) FROM queue_items GROUP BY state`
	rows, err := j.db.QueryContext(ctx, q)
	if err != nil {
		return Counts{}, fmt.Errorf("counting journal entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var c Counts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, fmt.Errorf("scanning count row: %w", err)
		}
		switch state {
		case model.StatePending.String():
			c.Pending = n
		case model.StateErrored.String():
			c.Errored = n
		}
	}
	return c, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (model.Item, error) {
	var (
		item                     model.Item
		state, meta              string
		createdAt, lastAttemptAt string
	)
	err := s.Scan(
		&item.ID,
		&state,
		&item.Payload.MediaURI,
		&item.Payload.Caption,
		&meta,
		&createdAt,
		&lastAttemptAt,
		&item.Attempts,
		&item.LastError,
	)
	if err != nil {
		return model.Item{}, fmt.Errorf("scanning journal row: %w", err)
	}

	if item.State, err = model.ParseState(state); err != nil {
		return model.Item{}, fmt.Errorf("journal entry %q: %w", item.ID, err)
	}
	if item.Payload.Metadata, err = decodeMetadata(meta); err != nil {
		return model.Item{}, fmt.Errorf("journal entry %q: %w", item.ID, err)
	}
	item.CreatedAt, _ = parseTime(createdAt)
	item.UpdatedAt = item.CreatedAt
	if t, _ := parseTime(lastAttemptAt); !t.IsZero() {
		item.LastAttemptAt = &t
	}
	return item, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
