// Package store provides the durable, relational persistence layer for
// sessions, their append-only event logs, and workspaces. It is backed
// by SQLite via the pure-Go modernc driver.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sessionmux/sessionmux/pkg/types"
)

var (
	// ErrNotFound is returned when a session or workspace does not exist.
	ErrNotFound = errors.New("not found")
)

// Store wraps the SQLite database. All methods are safe for concurrent
// use; per-session append serialization is the recorder's responsibility.
// Writes go through a single-connection pool; reads run on a separate
// pool so that with WAL a long replay never waits behind an append.
type Store struct {
	db  *sql.DB // writes
	rdb *sql.DB // reads
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	cwd           TEXT NOT NULL,
	status        TEXT NOT NULL,
	metadata_json TEXT,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
	session_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	channel    TEXT    NOT NULL,
	type       TEXT    NOT NULL,
	payload    BLOB,
	timestamp  INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_sessions_cwd ON sessions(cwd);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS workspaces (
	path           TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	last_active_at INTEGER NOT NULL
);
`

// Open opens (creating if necessary) the database at path and applies
// the schema. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	if path == ":memory:" {
		// Shared cache keeps all pooled connections on the same database.
		// No WAL in memory, so reads and writes share one connection.
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; serializing in the pool avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if path == ":memory:" {
		return &Store{db: db, rdb: db}, nil
	}

	// WAL readers see a consistent snapshot without taking the write
	// lock, so reads keep flowing while an append commits.
	rdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	rdb.SetMaxOpenConns(4)

	return &Store{db: db, rdb: rdb}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.rdb != s.db {
		s.rdb.Close()
	}
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	var metadata any
	if len(sess.Metadata) > 0 {
		metadata = string(sess.Metadata)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, cwd, status, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Kind, sess.Cwd, string(sess.Status), metadata,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateStatus transitions a persisted session's status and bumps
// updated_at.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByID returns the session with the given id, or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*types.Session, error) {
	row := s.rdb.QueryRowContext(ctx,
		`SELECT id, kind, cwd, status, metadata_json, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListByCwd returns sessions whose cwd matches, newest first. An empty
// cwd lists all sessions.
func (s *Store) ListByCwd(ctx context.Context, cwd string) ([]*types.Session, error) {
	query := `SELECT id, kind, cwd, status, metadata_json, created_at, updated_at
	          FROM sessions`
	args := []any{}
	if cwd != "" {
		query += ` WHERE cwd = ?`
		args = append(args, cwd)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListByStatus returns sessions with the given persisted status.
func (s *Store) ListByStatus(ctx context.Context, status types.SessionStatus) ([]*types.Session, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT id, kind, cwd, status, metadata_json, created_at, updated_at
		 FROM sessions WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession purges the session row and its whole event log.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*types.Session, error) {
	var sess types.Session
	var status string
	var metadata sql.NullString

	err := row.Scan(&sess.ID, &sess.Kind, &sess.Cwd, &status, &metadata,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = types.SessionStatus(status)
	if metadata.Valid {
		sess.Metadata = json.RawMessage(metadata.String)
	}
	return &sess, nil
}
