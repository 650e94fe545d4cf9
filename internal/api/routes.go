package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the router. metricsHandler may be nil when metrics are
// disabled.
func SetupRoutes(h *Handlers, webhookSecret string, allowedIPs []string, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Signature"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	// Webhooks: HMAC over the raw body plus optional source allow-list.
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(WebhookAuth(webhookSecret, allowedIPs))
		r.Post("/events", h.HandleEvent)
		r.Post("/powermta", h.HandlePowerMTA)
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/ips", func(r chi.Router) {
			r.Get("/", h.ListIPs)
			r.Post("/", h.CreateIP)
			r.Get("/nodes/health", h.NodesHealth)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetIP)
				r.Patch("/", h.PatchIP)
				r.Delete("/", h.DeleteIP)
			})
		})

		r.Route("/warmup/{id}", func(r chi.Router) {
			r.Get("/", h.WarmupStatus)
			r.Post("/pause", h.PauseWarmup)
			r.Post("/resume", h.ResumeWarmup)
		})

		r.Post("/rotation", h.TriggerRotation)
		r.Post("/quarantine/release", h.ReleaseQuarantine)
	})

	return r
}
