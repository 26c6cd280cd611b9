package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sessionmux/sessionmux/pkg/types"
)

// AppendEvent atomically assigns the next sequence number for the
// session and inserts the event, returning the assigned seq. The
// max(seq)+1 select and the insert run in one transaction, so a crash
// can never leave a gap or a duplicate. Callers needing per-session
// write serialization (the recorder) hold their own lock; the store
// only guarantees atomicity.
func (s *Store) AppendEvent(ctx context.Context, ev *types.Event) (int64, error) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?`,
		ev.SessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_events (session_id, seq, channel, type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, seq, string(ev.Channel), ev.Type, []byte(ev.Payload), ev.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}

	ev.Seq = seq
	return seq, nil
}

// EventsSince returns events with seq > fromSeq in ascending order.
// limit bounds the page size; 0 means no limit. The result is a
// consistent snapshot up to some committed seq at call time.
func (s *Store) EventsSince(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]types.Event, error) {
	query := `SELECT session_id, seq, channel, type, payload, timestamp
	          FROM session_events WHERE session_id = ? AND seq > ?
	          ORDER BY seq ASC`
	args := []any{sessionID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var ev types.Event
		var channel string
		var payload []byte
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &channel, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Channel = types.Channel(channel)
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest committed seq for the session, 0 if the
// session has no events.
func (s *Store) LatestSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.rdb.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}

// StoppedBefore returns ids of stopped sessions last updated before the
// cutoff. The retention sweeper deletes them via DeleteSession.
func (s *Store) StoppedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status = ? AND updated_at < ?`,
		string(types.StatusStopped), cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("stopped before: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
