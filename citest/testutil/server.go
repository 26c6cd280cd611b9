// Package testutil provides helpers for wiring a full sessionmux stack
// in integration tests.
package testutil

import (
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/sessionmux/sessionmux/internal/adapter"
	"github.com/sessionmux/sessionmux/internal/adapter/assistant"
	"github.com/sessionmux/sessionmux/internal/adapter/fileeditor"
	"github.com/sessionmux/sessionmux/internal/adapter/pty"
	"github.com/sessionmux/sessionmux/internal/event"
	"github.com/sessionmux/sessionmux/internal/orchestrator"
	"github.com/sessionmux/sessionmux/internal/recorder"
	"github.com/sessionmux/sessionmux/internal/server"
	"github.com/sessionmux/sessionmux/internal/store"
	"github.com/sessionmux/sessionmux/internal/transport"
	"github.com/sessionmux/sessionmux/internal/workspace"
)

// TestServer wraps a fully wired sessionmux stack listening on an
// ephemeral port.
type TestServer struct {
	Server  *server.Server
	Orch    *orchestrator.Orchestrator
	Store   *store.Store
	BaseURL string
	WSURL   string
	TempDir string

	httpSrv *httptest.Server
}

// TestServerOption configures StartTestServer.
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	authToken        string
	assistantCommand string
	queueSize        int
}

// WithAuthToken enables bearer-token auth on all surfaces.
func WithAuthToken(token string) TestServerOption {
	return func(c *testServerConfig) { c.authToken = token }
}

// WithAssistantCommand points the assistant adapter at a fake binary.
func WithAssistantCommand(command string) TestServerOption {
	return func(c *testServerConfig) { c.assistantCommand = command }
}

// WithQueueSize overrides the subscriber queue bound.
func WithQueueSize(n int) TestServerOption {
	return func(c *testServerConfig) { c.queueSize = n }
}

// StartTestServer wires store, recorder, adapters, orchestrator,
// transport, and HTTP surface over a temp directory and starts
// listening. Callers must Close it.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{queueSize: 256}
	for _, opt := range opts {
		opt(cfg)
	}

	_ = godotenv.Load("../../.env")

	tempDir, err := os.MkdirTemp("", "sessionmux-test-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	st, err := store.Open(filepath.Join(tempDir, "sessionmux.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, err
	}

	bus := event.NewBus()
	rec := recorder.New(st, cfg.queueSize)
	ws := workspace.New(filepath.Join(tempDir, "workspaces"), st)

	reg := adapter.NewRegistry()
	reg.Register(pty.New(pty.Config{}))
	reg.Register(assistant.New(assistant.Config{Command: cfg.assistantCommand}, st))
	reg.Register(fileeditor.New())
	reg.Freeze()

	orch := orchestrator.New(reg, st, rec, ws, bus, 10000)

	mux := transport.New(orch, transport.Config{})

	srvConfig := server.DefaultConfig()
	srvConfig.AuthToken = cfg.authToken
	srv := server.New(srvConfig, orch, mux, ws, bus)
	mux.SetAuthenticator(srv.Authenticator())
	mux.SetReady()

	httpSrv := httptest.NewServer(srv.Router())

	return &TestServer{
		Server:  srv,
		Orch:    orch,
		Store:   st,
		BaseURL: httpSrv.URL,
		WSURL:   "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws",
		TempDir: tempDir,
		httpSrv: httpSrv,
	}, nil
}

// Close stops the server and removes the temp directory.
func (ts *TestServer) Close() {
	ts.httpSrv.Close()
	ts.Store.Close()
	os.RemoveAll(ts.TempDir)
}
