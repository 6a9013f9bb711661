package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/raullenchai/moperator/internal/api/handlers"
	"github.com/raullenchai/moperator/internal/api/middleware"
	"github.com/raullenchai/moperator/internal/config"
	"github.com/raullenchai/moperator/internal/ratelimit"
)

// NewRouter creates the HTTP router: public health and version endpoints
// plus the authenticated, rate-limited /api/v1 surface. Pass a nil limiter
// to run without rate limiting.
func NewRouter(cfg *config.Config, h *handlers.Handlers, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor(cfg.Tenant))
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)
	rl := middleware.NewRateLimit(limiter, cfg.RateLimit.TrustedProxyHeader)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(rl.Middleware)

		// Email events
		r.Post("/events/email", h.SubmitEmailEvent)

		// Agents (read-only plus health operations)
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/health", h.GetAgentHealth)
				r.Post("/checks", h.CheckAgent)
				r.Post("/enable", h.EnableAgent)
			})
		})

		// Retry queue
		r.Get("/retries", h.ListRetries)

		// Scheduler triggers
		r.Route("/cron", func(r chi.Router) {
			r.Post("/retries", h.DrainRetries)
			r.Post("/health", h.RunHealthSweep)
		})

		// Dead letters
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", h.ListDeadLetters)
			r.Route("/{itemID}", func(r chi.Router) {
				r.Get("/", h.GetDeadLetter)
				r.Post("/replay", h.ReplayDeadLetter)
				r.Delete("/", h.DeleteDeadLetter)
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "moperator",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "moperator",
		})
	}
}
