// Package scheduler runs declared periodic jobs as ephemeral pty
// sessions and sweeps expired stopped sessions out of the store. Jobs
// are declared in a YAML file; each run creates a session, feeds it the
// command, waits for the shell to exit, and deletes the session so only
// its side effects remain.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/syntax"

	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/internal/orchestrator"
	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/pkg/types"
)

const (
	defaultJobTimeout = 10 * time.Minute
	sweepInterval     = time.Hour
)

// Job is one declared periodic command.
type Job struct {
	Name     string `yaml:"name"`
	Command  string `yaml:"command"`
	Interval string `yaml:"interval"`
	Cwd      string `yaml:"cwd,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`

	interval time.Duration
	timeout  time.Duration
}

type jobsFile struct {
	Jobs []Job `yaml:"jobs"`
}

// Scheduler owns the job tickers and the retention sweeper.
type Scheduler struct {
	orch          *orchestrator.Orchestrator
	store         *store.Store
	retentionDays int
	jobs          []Job
}

// New creates a scheduler. retentionDays <= 0 disables the sweeper.
func New(orch *orchestrator.Orchestrator, st *store.Store, retentionDays int) *Scheduler {
	return &Scheduler{orch: orch, store: st, retentionDays: retentionDays}
}

// LoadJobs reads and validates the jobs file. A missing path is not an
// error; the scheduler then only sweeps.
func (s *Scheduler) LoadJobs(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read jobs file: %w", err)
	}

	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse jobs file: %w", err)
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	for i := range f.Jobs {
		job := &f.Jobs[i]
		if job.Name == "" || job.Command == "" || job.Interval == "" {
			return fmt.Errorf("job %d: name, command, and interval are required", i)
		}
		if _, err := parser.Parse(strings.NewReader(job.Command), job.Name); err != nil {
			return fmt.Errorf("job %q: invalid command: %w", job.Name, err)
		}
		job.interval, err = time.ParseDuration(job.Interval)
		if err != nil || job.interval <= 0 {
			return fmt.Errorf("job %q: invalid interval %q", job.Name, job.Interval)
		}
		job.timeout = defaultJobTimeout
		if job.Timeout != "" {
			job.timeout, err = time.ParseDuration(job.Timeout)
			if err != nil || job.timeout <= 0 {
				return fmt.Errorf("job %q: invalid timeout %q", job.Name, job.Timeout)
			}
		}
	}
	s.jobs = f.Jobs
	return nil
}

// Jobs returns the loaded job declarations.
func (s *Scheduler) Jobs() []Job { return s.jobs }

// Run drives the tickers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for i := range s.jobs {
		job := s.jobs[i]
		go s.runTicker(ctx, job)
		logging.Info().Str("job", job.Name).Str("interval", job.Interval).Msg("job scheduled")
	}

	if s.retentionDays > 0 {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
				if err := s.Sweep(ctx, cutoff); err != nil {
					logging.Warn().Err(err).Msg("retention sweep failed")
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (s *Scheduler) runTicker(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunJob(ctx, job); err != nil {
				logging.Warn().Err(err).Str("job", job.Name).Msg("job run failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunJob executes one job to completion inside an ephemeral pty
// session: create, feed the command, wait for the terminal status
// event, delete.
func (s *Scheduler) RunJob(ctx context.Context, job Job) error {
	runCtx, cancel := context.WithTimeout(ctx, job.timeout)
	defer cancel()

	sess, err := s.orch.Create(runCtx, types.KindPTY, job.Cwd, nil)
	if err != nil {
		return fmt.Errorf("spawn job session: %w", err)
	}

	sub := s.orch.Recorder().Subscribe(runCtx, sess.ID, 0)
	defer s.orch.Recorder().Unsubscribe(sub)

	if err := s.orch.SendInput(runCtx, sess.ID, []byte(job.Command+"; exit\n")); err != nil {
		_ = s.orch.Close(runCtx, sess.ID)
		return fmt.Errorf("feed job command: %w", err)
	}

	exited := false
	for !exited {
		select {
		case ev := <-sub.Events():
			if ev.Channel == types.ChannelStatus && ev.Type == types.StatusExited {
				exited = true
			}
		case <-sub.Done():
			exited = true
		case <-runCtx.Done():
			logging.Warn().Str("job", job.Name).Str("sessionID", sess.ID).Msg("job timed out, closing")
			_ = s.orch.Close(context.Background(), sess.ID)
			exited = true
		}
	}

	// Give the stopped transition a moment to land before deleting.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := s.orch.Delete(context.Background(), sess.ID); err == nil {
			logging.Info().Str("job", job.Name).Msg("job completed")
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("job session %s not deletable after run", sess.ID)
}

// Sweep deletes stopped sessions last touched before the cutoff.
func (s *Scheduler) Sweep(ctx context.Context, cutoff time.Time) error {
	ids, err := s.store.StoppedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.orch.Delete(ctx, id); err != nil {
			logging.Warn().Err(err).Str("sessionID", id).Msg("retention delete failed")
			continue
		}
	}
	if len(ids) > 0 {
		logging.Info().Int("count", len(ids)).Msg("retention sweep purged sessions")
	}
	return nil
}
