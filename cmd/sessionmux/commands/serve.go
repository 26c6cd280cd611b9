package commands

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/adapter/assistant"
	"github.com/sessionmux/sessionmux/internal/adapter/fileeditor"
	"github.com/sessionmux/sessionmux/internal/adapter/pty"
	"github.com/sessionmux/sessionmux/internal/config"
	"github.com/sessionmux/sessionmux/internal/event"
	"github.com/sessionmux/sessionmux/internal/logging"
	"github.com/sessionmux/sessionmux/internal/orchestrator"
	"github.com/sessionmux/sessionmux/internal/recorder"
	"github.com/sessionmux/sessionmux/internal/scheduler"
	"github.com/sessionmux/sessionmux/internal/server"
	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/internal/transport"
	"github.com/sessionmux/sessionmux/internal/workspace"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sessionmux server",
	Long: `Start the session server: recover orphaned sessions, open the
HTTP and websocket surfaces, and run the job scheduler.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}
	_ = godotenv.Load()

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.WorkspacesRoot == "" {
		cfg.WorkspacesRoot = workDir
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: prettyLogs,
	})
	logging.Info().Str("version", Version).Str("workDir", workDir).Msg("starting sessionmux")

	st, err := store.Open(config.DatabasePath(cfg.DataDir))
	if err != nil {
		return err
	}
	defer st.Close()

	bus := event.NewBus()
	defer bus.Close()

	rec := recorder.New(st, cfg.MaxSubscriberQueue)
	ws := workspace.New(cfg.WorkspacesRoot, st)

	reg := adapter.NewRegistry()
	reg.Register(pty.New(pty.Config{DefaultShell: cfg.DefaultShell}))
	reg.Register(assistant.New(assistant.Config{BypassPermissions: cfg.BypassPermissions}, st))
	reg.Register(fileeditor.New())
	reg.Freeze()

	orch := orchestrator.New(reg, st, rec, ws, bus, cfg.SpawnTimeoutMs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reconcile before any client can attach.
	if err := orch.Recover(ctx); err != nil {
		return err
	}

	mux := transport.New(orch, transport.Config{
		HeartbeatMS:    cfg.HeartbeatMs,
		PongDeadlineMS: cfg.PongDeadlineMs,
	})

	srvConfig := server.DefaultConfig()
	srvConfig.Port = cfg.Port
	srvConfig.AuthToken = cfg.AuthToken
	srv := server.New(srvConfig, orch, mux, ws, bus)

	// The transport and the REST surface share one token check.
	mux.SetAuthenticator(srv.Authenticator())
	mux.SetReady()

	sched := scheduler.New(orch, st, cfg.RetentionDays)
	if err := sched.LoadJobs(cfg.JobsFile); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("server shutdown error")
		}
		orch.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logging.Info().Msg("server stopped")
	return nil
}
