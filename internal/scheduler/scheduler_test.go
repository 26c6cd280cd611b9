package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/adapter/pty"
	"github.com/sessionmux/sessionmux/internal/event"
	"github.com/sessionmux/sessionmux/internal/orchestrator"
	"github.com/sessionmux/sessionmux/internal/recorder"
	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/internal/workspace"
	"github.com/sessionmux/sessionmux/pkg/types"
)

func newScheduler(t *testing.T, retentionDays int) (*Scheduler, *orchestrator.Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := adapter.NewRegistry()
	reg.Register(pty.New(pty.Config{}))
	reg.Freeze()

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	rec := recorder.New(st, 256)
	ws := workspace.New(filepath.Join(t.TempDir(), "workspaces"), st)
	orch := orchestrator.New(reg, st, rec, ws, bus, 5000)

	return New(orch, st, retentionDays), orch, st
}

func writeJobs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJobs_ParsesDeclarations(t *testing.T) {
	s, _, _ := newScheduler(t, 0)

	path := writeJobs(t, `
jobs:
  - name: tidy
    command: rm -f /tmp/scratch.log
    interval: 1h
  - name: report
    command: du -sh .
    interval: 30m
    timeout: 2m
`)
	require.NoError(t, s.LoadJobs(path))
	require.Len(t, s.Jobs(), 2)
	assert.Equal(t, "tidy", s.Jobs()[0].Name)
	assert.Equal(t, time.Hour, s.Jobs()[0].interval)
	assert.Equal(t, 2*time.Minute, s.Jobs()[1].timeout)
}

func TestLoadJobs_MissingFileIsFine(t *testing.T) {
	s, _, _ := newScheduler(t, 0)
	require.NoError(t, s.LoadJobs(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Empty(t, s.Jobs())
}

func TestLoadJobs_RejectsBadCommand(t *testing.T) {
	s, _, _ := newScheduler(t, 0)
	path := writeJobs(t, `
jobs:
  - name: broken
    command: "echo 'unterminated"
    interval: 1m
`)
	assert.Error(t, s.LoadJobs(path))
}

func TestLoadJobs_RejectsBadInterval(t *testing.T) {
	s, _, _ := newScheduler(t, 0)
	path := writeJobs(t, `
jobs:
  - name: never
    command: "true"
    interval: soon
`)
	assert.Error(t, s.LoadJobs(path))
}

func TestRunJob_EphemeralSessionLifecycle(t *testing.T) {
	s, orch, _ := newScheduler(t, 0)
	ctx := context.Background()

	dir := t.TempDir()
	marker := filepath.Join(dir, "ran.txt")

	job := Job{
		Name:     "touch-marker",
		Command:  "echo finished > " + marker,
		Cwd:      dir,
		interval: time.Minute,
		timeout:  30 * time.Second,
	}
	require.NoError(t, s.RunJob(ctx, job))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Contains(t, string(data), "finished")

	// The ephemeral session was deleted after the run.
	sessions, err := orch.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSweep_PurgesExpiredStopped(t *testing.T) {
	s, orch, st := newScheduler(t, 1)
	ctx := context.Background()

	old := &types.Session{ID: "old-1", Kind: types.KindPTY, Cwd: t.TempDir(), Status: types.StatusStopped}
	require.NoError(t, st.CreateSession(ctx, old))
	_, err := st.AppendEvent(ctx, &types.Event{SessionID: old.ID, Channel: types.ChannelStatus, Type: types.StatusExited})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Sweep(ctx, time.Now()))

	_, err = orch.Get(ctx, old.ID)
	assert.True(t, types.IsKind(err, types.ErrSessionNotFound))

	events, err := st.EventsSince(ctx, old.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
