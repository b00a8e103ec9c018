package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouteConfig carries the HTTP surface settings.
type RouteConfig struct {
	TriggerSecret string
	CORSOrigins   []string
}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, hc *HealthChecker, cfg RouteConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Binary", "adperf-engine")
			next.ServeHTTP(w, req)
		})
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Trigger-Secret"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	// Health checks (no auth required)
	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)

	r.Route("/api", func(r chi.Router) {
		// Consumer reads
		r.Get("/metrics/{platform}/{accountID}", h.GetMetrics)

		// Triggers and job status require the shared secret
		r.Group(func(r chi.Router) {
			r.Use(RequireTriggerSecret(cfg.TriggerSecret))

			r.Route("/triggers", func(r chi.Router) {
				r.Post("/refresh", h.TriggerRefresh)
				r.Post("/backfill", h.TriggerBackfill)
				r.Post("/transition", h.TriggerTransition)
				r.Post("/lifecycle/archive", h.TriggerArchive)
				r.Post("/lifecycle/cleanup", h.TriggerCleanup)
			})

			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/{id}", h.GetJob)
			r.Get("/lifecycle/status", h.GetLifecycleStatus)
		})
	})

	return r
}
