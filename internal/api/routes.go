package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the admin API router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public probe for the UI and supervisors
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/sync", func(r chi.Router) {
				r.Get("/status", h.SyncStatus)
				r.Get("/stats", h.SyncStats)
				r.Post("/push", h.ForcePush)
				r.Post("/pull", h.ForcePull)
				r.Get("/queue", h.ListQueue)
				r.Post("/queue", h.EnqueueMutation)
				r.Get("/conflicts", h.ListConflicts)
				r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
				r.Get("/dlq", h.ListDeadLetters)
				r.Post("/dlq/{id}/retry", h.RetryDeadLetter)
				r.Delete("/dlq/{id}", h.DiscardDeadLetter)
			})

			r.Get("/devices", h.ListDevices)

			r.Post("/auth/login", h.Login)
			r.Post("/auth/logout", h.Logout)
		})
	})

	return r
}
