package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.openSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.closeSession)

			// Turns
			r.Get("/message", s.getMessages)
			r.Post("/message", s.sendMessage)
			r.Post("/abort", s.abortSession)
			r.Post("/retry", s.retrySession)
			r.Post("/approve", s.approveDenials)
			r.Post("/answer/{toolCallID}", s.answerBlocking)

			// Queue
			r.Get("/queue", s.getQueue)
			r.Post("/queue", s.enqueueMessage)

			// UI state
			r.Post("/view", s.viewSession)
			r.Get("/draft", s.getDraft)
			r.Put("/draft", s.putDraft)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)
}
