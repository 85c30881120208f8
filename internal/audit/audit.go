// Package audit persists the append-only event log SPEC_FULL.md's ambient
// stack section calls for: session lifecycle, consent decisions, and
// connect/disconnect events, queryable after the fact.
//
// Grounded on internal/storage/sqlite.go's DB wrapper (modernc.org/sqlite
// opened with WAL mode and a busy timeout, a migrate() that creates
// tables if absent, a thin method set over *sql.DB) — generalized from
// that file's file/link/node/shard schema to a single append-only
// events table, since MemCloud has no equivalent domain objects to
// persist relationally.
package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Event is one row of the audit log.
type Event struct {
	ID        int64
	Kind      string
	Identity  string
	Detail    string
	CreatedAt int64 // unix seconds
}

// Log wraps a SQLite-backed append-only event store.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at path and runs migrations.
func Open(path string) (*Log, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    identity TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one event to the log.
func (l *Log) Record(kind, identity, detail string, createdAt int64) error {
	_, err := l.db.Exec(
		`INSERT INTO events (kind, identity, detail, created_at) VALUES (?, ?, ?, ?)`,
		kind, identity, detail, createdAt,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Recent returns the most recent limit events, newest first.
func (l *Log) Recent(limit int) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, kind, identity, detail, created_at FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Identity, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForIdentity returns every event recorded for identity, oldest first.
func (l *Log) ForIdentity(identity string) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, kind, identity, detail, created_at FROM events WHERE identity = ? ORDER BY id ASC`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events for identity: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Identity, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
