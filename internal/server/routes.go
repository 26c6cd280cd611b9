package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/history", s.getHistory)
			r.Post("/resume", s.resumeSession)
			r.Post("/close", s.closeSession)
		})
	})

	r.Get("/workspaces", s.listWorkspaces)

	// Multiplexed session attach/stream protocol.
	r.Get("/ws", s.mux.ServeHTTP)

	// Lifecycle notifications (SSE).
	r.Get("/event", s.lifecycleEvents)

	r.Get("/health", s.health)
}
