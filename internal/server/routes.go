package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/mcp", func(r chi.Router) {
		r.Post("/", s.postMessage)
		r.Delete("/", s.deleteSession)
		r.Get("/sse", s.streamNotifications)
	})

	r.Get("/health", s.health)
}
