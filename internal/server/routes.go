package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/v1", func(r chi.Router) {
		// Agent turns (streaming responses)
		r.Post("/query", s.query)
		r.Post("/chat/completions", s.chatCompletion)
		r.Post("/responses", s.createResponse)

		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Post("/cancel", s.cancelSession)
				r.Get("/record", s.getRecord)
				r.Delete("/record", s.deleteRecord)
			})
		})

		r.Put("/admin/creation", s.setCreation)

		// Lifecycle events (SSE)
		r.Get("/events", s.feedEvents)
	})

	r.Get("/health", s.health)
	r.Method("GET", "/metrics", s.metrics())
}
