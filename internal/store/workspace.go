package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sessionmux/sessionmux/pkg/types"
)

// UpsertWorkspace creates or updates the workspace record for a path.
func (s *Store) UpsertWorkspace(ctx context.Context, ws *types.Workspace) error {
	if ws.LastActiveAt == 0 {
		ws.LastActiveAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (path, name, last_active_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET name = excluded.name, last_active_at = excluded.last_active_at`,
		ws.Path, ws.Name, ws.LastActiveAt)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// TouchWorkspace records activity on a workspace, creating the record
// if the path has not been seen before.
func (s *Store) TouchWorkspace(ctx context.Context, path string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (path, name, last_active_at) VALUES (?, '', ?)
		 ON CONFLICT(path) DO UPDATE SET last_active_at = excluded.last_active_at`,
		path, now)
	if err != nil {
		return fmt.Errorf("touch workspace: %w", err)
	}
	return nil
}

// FindWorkspace returns the workspace for a path, or ErrNotFound.
func (s *Store) FindWorkspace(ctx context.Context, path string) (*types.Workspace, error) {
	var ws types.Workspace
	err := s.rdb.QueryRowContext(ctx,
		`SELECT path, name, last_active_at FROM workspaces WHERE path = ?`, path).
		Scan(&ws.Path, &ws.Name, &ws.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns all workspaces, most recently active first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*types.Workspace, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT path, name, last_active_at FROM workspaces ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*types.Workspace
	for rows.Next() {
		var ws types.Workspace
		if err := rows.Scan(&ws.Path, &ws.Name, &ws.LastActiveAt); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, &ws)
	}
	return workspaces, rows.Err()
}
