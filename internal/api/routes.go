package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/portal-intake/internal/metrics"
)

// SetupRoutes configures the operator API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// The dashboard is typically served from another port in development.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Operator"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", h.hub.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/override", h.GetOverrides)
		r.Post("/override", h.SetOverrides)

		r.Route("/capacity", func(r chi.Router) {
			r.Get("/", h.GetCapacity)
			r.Get("/{date}", h.GetRemaining)
			r.Post("/reset", h.ResetCapacity)
			r.Post("/sync", h.SyncCapacity)
		})

		r.Post("/release", h.Release)
		r.Post("/adjust", h.Adjust)

		r.Get("/tasks", h.GetTasks)
		r.Post("/tasks/refresh", h.RefreshTasks)

		r.Post("/cleanup", h.Cleanup)
		r.Get("/audit", h.GetAuditLog)
	})

	return r
}
