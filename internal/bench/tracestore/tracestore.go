// Package tracestore records scan-event/HID-report session traces to a
// WAL-mode SQLite database, for golden-trace regression comparison by the
// bench harness. It is directly grounded on the teacher's
// queue.SQLiteQueue: single-connection pool, WAL + NORMAL synchronous
// pragmas, idempotent schema application.
package tracestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// EventKind discriminates the two event streams a session trace records.
type EventKind string

const (
	KindScan EventKind = "scan"
	KindHID  EventKind = "hid"
)

// Entry is one recorded trace row.
type Entry struct {
	SessionID string
	Seq       int64
	Kind      EventKind
	Detail    string // JSON-encoded scanner.Event or hidreport.Event
	Timestamp time.Time
}

// Store is a WAL-mode SQLite-backed session trace recorder. Safe for
// concurrent use.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // guards seq and keeps inserts in sequence order
	seq map[string]int64
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open %q: %w", path, err)
	}

	// Single writer, same rationale as queue.SQLiteQueue: one connection
	// serializes every Append call through SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracestore: apply schema: %w", err)
	}

	return &Store{db: db, seq: make(map[string]int64)}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS session_trace (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT    NOT NULL,
    seq        INTEGER NOT NULL,
    kind       TEXT    NOT NULL,
    detail     TEXT    NOT NULL,
    ts         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_trace_session
    ON session_trace (session_id, seq);
`

// Append records one trace entry, assigning it the next sequence number
// within its session.
func (s *Store) Append(ctx context.Context, sessionID string, kind EventKind, detail string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq[sessionID] + 1
	s.seq[sessionID] = seq

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_trace (session_id, seq, kind, detail, ts) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, string(kind), detail, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("tracestore: append: %w", err)
	}
	return nil
}

// Session returns every recorded entry for sessionID in sequence order.
func (s *Store) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, kind, detail, ts FROM session_trace WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("tracestore: session query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			kind  string
			tsStr string
		)
		if err := rows.Scan(&e.SessionID, &e.Seq, &kind, &e.Detail, &tsStr); err != nil {
			return nil, fmt.Errorf("tracestore: session scan: %w", err)
		}
		e.Kind = EventKind(kind)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracestore: session rows: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
