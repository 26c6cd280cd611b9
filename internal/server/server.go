// Package server provides the HTTP surface of the sessionmux daemon:
// the session REST endpoints, the websocket upgrade into the transport
// multiplexer, and the SSE lifecycle stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sessionmux/sessionmux/internal/event"
	"github.com/sessionmux/sessionmux/internal/orchestrator"
	"github.com/sessionmux/sessionmux/internal/transport"
	"github.com/sessionmux/sessionmux/internal/workspace"
	"github.com/sessionmux/sessionmux/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	AuthToken    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         7680,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE and websockets are long-lived
	}
}

// Server is the HTTP server.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpSrv    *http.Server
	orch       *orchestrator.Orchestrator
	mux        *transport.Mux
	workspaces *workspace.Service
	bus        *event.Bus
}

// New creates a server wired to the orchestrator and transport layers.
func New(cfg *Config, orch *orchestrator.Orchestrator, mux *transport.Mux, ws *workspace.Service, bus *event.Bus) *Server {
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		orch:       orch,
		mux:        mux,
		workspaces: ws,
		bus:        bus,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Authenticator returns the bearer-token check shared with the
// transport layer. A nil return means no token is configured and every
// caller is admitted.
func (s *Server) Authenticator() transport.Authenticator {
	if s.config.AuthToken == "" {
		return nil
	}
	token := "Bearer " + s.config.AuthToken
	return func(r *http.Request) error {
		if r.Header.Get("Authorization") != token {
			return types.NewError(types.ErrAuthRequired, "missing or invalid token")
		}
		return nil
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if auth := s.Authenticator(); auth != nil {
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/health" {
					next.ServeHTTP(w, r)
					return
				}
				if err := auth(r); err != nil {
					writeError(w, http.StatusUnauthorized, err)
					return
				}
				next.ServeHTTP(w, r)
			})
		})
	}
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
