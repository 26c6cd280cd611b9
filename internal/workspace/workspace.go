// Package workspace resolves session working directories under the
// configured workspaces root and keeps last-active bookkeeping.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/pkg/types"
)

// Service maps requested cwds to directories and records activity.
type Service struct {
	root  string
	store *store.Store
}

// New creates the workspace service rooted at root.
func New(root string, st *store.Store) *Service {
	return &Service{root: root, store: st}
}

// Root returns the workspaces root directory.
func (s *Service) Root() string { return s.root }

// Resolve turns a requested cwd into an absolute directory and
// registers it as a workspace. An empty cwd resolves to the root, a
// relative one is joined under it, an absolute one is used as given.
// The directory is created if missing.
func (s *Service) Resolve(ctx context.Context, cwd string) (string, error) {
	var path string
	switch {
	case cwd == "":
		path = s.root
	case filepath.IsAbs(cwd):
		path = filepath.Clean(cwd)
	default:
		path = filepath.Clean(filepath.Join(s.root, cwd))
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}

	ws := &types.Workspace{Path: path, Name: filepath.Base(path)}
	if err := s.store.UpsertWorkspace(ctx, ws); err != nil {
		return "", types.WrapError(types.ErrStorageError, err, "register workspace %s", path)
	}
	return path, nil
}

// Touch records activity on the workspace containing cwd. Bookkeeping
// only; failures are logged, never surfaced.
func (s *Service) Touch(ctx context.Context, cwd string) {
	if cwd == "" {
		return
	}
	if err := s.store.TouchWorkspace(ctx, cwd); err != nil {
		logging.Warn().Err(err).Str("path", cwd).Msg("touch workspace failed")
	}
}

// List returns all known workspaces.
func (s *Service) List(ctx context.Context) ([]*types.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}
