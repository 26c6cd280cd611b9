// Package fileeditor implements the stateless file-editing session
// adapter. A session is an open-file editing context rooted at the
// session cwd: operations read, write, diff, and glob files under it,
// and every operation is described by an emitted event. When the
// metadata names a file, external modifications to it are watched and
// surfaced as events.
package fileeditor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/pkg/types"
)

// Adapter edits files under session working directories.
type Adapter struct{}

// New creates the file-editor adapter.
func New() *Adapter { return &Adapter{} }

// Kind returns the file-editor kind discriminator.
func (a *Adapter) Kind() string { return types.KindFileEditor }

// Create opens the editing context. If the metadata names a file, a
// watcher reports external changes to it.
func (a *Adapter) Create(ctx context.Context, sess *types.Session, emit adapter.EmitFunc) (adapter.Handle, error) {
	md, err := sess.ParseMetadata()
	if err != nil {
		return nil, types.WrapError(types.ErrBadArgs, err, "invalid file-editor metadata")
	}

	info, err := os.Stat(sess.Cwd)
	if err != nil || !info.IsDir() {
		return nil, types.NewError(types.ErrSpawnFailed, "cwd is not a directory: %s", sess.Cwd)
	}

	h := &handle{
		sessionID: sess.ID,
		root:      sess.Cwd,
		emit:      emit,
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
	}

	if md.File != "" {
		path, err := h.resolve(md.File)
		if err != nil {
			return nil, err
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, types.WrapError(types.ErrSpawnFailed, err, "create watcher")
		}
		// Watch the directory: editors replace files by rename, which
		// drops a direct file watch.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, types.WrapError(types.ErrSpawnFailed, err, "watch %s", md.File)
		}
		h.watcher = watcher
		h.watched = path
		go h.watchLoop()
	} else {
		go h.idleLoop()
	}

	return h, nil
}

// Resume recreates the context; the adapter keeps no state worth
// re-attaching.
func (a *Adapter) Resume(ctx context.Context, sess *types.Session, lastSeq int64, emit adapter.EmitFunc) (adapter.Handle, error) {
	return a.Create(ctx, sess, emit)
}

type handle struct {
	sessionID string
	root      string
	emit      adapter.EmitFunc

	watcher *fsnotify.Watcher
	watched string

	mu        sync.Mutex
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// watchLoop forwards external changes to the watched file.
func (h *handle) watchLoop() {
	defer h.finish()

	for {
		select {
		case <-h.closing:
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != h.watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			h.emit(types.Event{
				SessionID: h.sessionID,
				Channel:   types.ChannelToolResult,
				Type:      "file-changed",
				Payload:   types.MarshalPayload(map[string]string{"file": h.relpath(h.watched), "op": ev.Op.String()}),
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Str("sessionID", h.sessionID).Msg("file watcher error")
		}
	}
}

// idleLoop holds the handle open until close when nothing is watched.
func (h *handle) idleLoop() {
	<-h.closing
	h.finish()
}

// finish emits the terminal status event exactly once.
func (h *handle) finish() {
	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelStatus,
		Type:      types.StatusExited,
		Payload:   types.MarshalPayload(types.ExitPayload{Code: 0}),
	})
	close(h.done)
}

// resolve joins rel to the session root and rejects escapes.
func (h *handle) resolve(rel string) (string, error) {
	path := filepath.Clean(filepath.Join(h.root, rel))
	if path != h.root && !strings.HasPrefix(path, h.root+string(filepath.Separator)) {
		return "", types.NewError(types.ErrBadArgs, "path escapes session root: %s", rel)
	}
	return path, nil
}

func (h *handle) relpath(path string) string {
	rel, err := filepath.Rel(h.root, path)
	if err != nil {
		return path
	}
	return rel
}

// SendInput is not meaningful for an editing context.
func (h *handle) SendInput(ctx context.Context, data []byte) error {
	select {
	case <-h.done:
		return types.NewError(types.ErrClosedSink, "editor context closed")
	default:
	}
	return types.NewError(types.ErrUnsupportedOperation, "file-editor takes operations, not input")
}

type fileArgs struct {
	File    string `json:"file"`
	Content string `json:"content"`
	Pattern string `json:"pattern"`
}

// Perform executes read, write, diff, and glob operations, emitting an
// event describing each.
func (h *handle) Perform(ctx context.Context, op string, args json.RawMessage) error {
	select {
	case <-h.done:
		return types.NewError(types.ErrClosedSink, "editor context closed")
	default:
	}

	var a fileArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return types.NewError(types.ErrBadArgs, "invalid arguments for %q", op)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch op {
	case adapter.OpRead:
		return h.read(a)
	case adapter.OpWrite:
		return h.write(a)
	case adapter.OpDiff:
		return h.diff(a)
	case adapter.OpGlob:
		return h.glob(a)
	default:
		return types.NewError(types.ErrUnsupportedOperation, "file-editor does not support %q", op)
	}
}

func (h *handle) read(a fileArgs) error {
	if a.File == "" {
		return types.NewError(types.ErrBadArgs, "read requires a file")
	}
	path, err := h.resolve(a.File)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return types.WrapError(types.ErrBadArgs, err, "read %s", a.File)
	}
	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelToolResult,
		Type:      "read",
		Payload:   types.MarshalPayload(map[string]string{"file": a.File, "content": string(content)}),
	})
	return nil
}

func (h *handle) write(a fileArgs) error {
	if a.File == "" {
		return types.NewError(types.ErrBadArgs, "write requires a file")
	}
	path, err := h.resolve(a.File)
	if err != nil {
		return err
	}

	before := ""
	if data, err := os.ReadFile(path); err == nil {
		before = string(data)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", a.File, err)
	}

	patch, additions, deletions := unifiedDiff(before, a.Content)
	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelToolResult,
		Type:      "write",
		Payload: types.MarshalPayload(map[string]any{
			"file":      a.File,
			"additions": additions,
			"deletions": deletions,
			"patch":     patch,
		}),
	})
	return nil
}

func (h *handle) diff(a fileArgs) error {
	if a.File == "" {
		return types.NewError(types.ErrBadArgs, "diff requires a file")
	}
	path, err := h.resolve(a.File)
	if err != nil {
		return err
	}

	before := ""
	if data, err := os.ReadFile(path); err == nil {
		before = string(data)
	}

	patch, additions, deletions := unifiedDiff(before, a.Content)
	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelToolResult,
		Type:      "diff",
		Payload: types.MarshalPayload(map[string]any{
			"file":      a.File,
			"additions": additions,
			"deletions": deletions,
			"patch":     patch,
		}),
	})
	return nil
}

func (h *handle) glob(a fileArgs) error {
	if a.Pattern == "" {
		return types.NewError(types.ErrBadArgs, "glob requires a pattern")
	}
	if !doublestar.ValidatePattern(a.Pattern) {
		return types.NewError(types.ErrBadArgs, "invalid glob pattern %q", a.Pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(h.root), a.Pattern)
	if err != nil {
		return fmt.Errorf("glob %q: %w", a.Pattern, err)
	}
	h.emit(types.Event{
		SessionID: h.sessionID,
		Channel:   types.ChannelToolResult,
		Type:      "glob",
		Payload:   types.MarshalPayload(map[string]any{"pattern": a.Pattern, "files": matches}),
	})
	return nil
}

// Close tears down the watcher and emits the terminal status event.
func (h *handle) Close(ctx context.Context, reason string) error {
	h.closeOnce.Do(func() {
		if h.watcher != nil {
			_ = h.watcher.Close()
		}
		close(h.closing)
	})
	return nil
}

// Done is closed once the terminal status event has been emitted.
func (h *handle) Done() <-chan struct{} { return h.done }

// unifiedDiff renders a character-level patch plus line add/del counts.
func unifiedDiff(before, after string) (string, int, int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	dmp.DiffCleanupSemantic(diffs)

	var additions, deletions int
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if lines == 0 && len(d.Text) > 0 {
			lines = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += lines
		case diffmatchpatch.DiffDelete:
			deletions += lines
		}
	}

	patches := dmp.PatchMake(before, diffs)
	return dmp.PatchToText(patches), additions, deletions
}
