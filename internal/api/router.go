package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jetsmx/opsrelay/internal/api/handlers"
	"github.com/jetsmx/opsrelay/internal/api/middleware"
	"github.com/jetsmx/opsrelay/internal/config"
	"github.com/jetsmx/opsrelay/internal/signature"
	"github.com/jetsmx/opsrelay/pkg/models"
)

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg *config.Config, h *handlers.Handlers, verifier *signature.Verifier) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Vendor webhook ingress
	r.Route("/webhooks", func(r chi.Router) {
		r.With(middleware.WebhookSignature(verifier, "X-Airtable-Content-MAC")).
			Post("/airtable", h.AirtableWebhook)
		r.Post("/gmail", h.GmailWebhook)
		r.Post("/drive", h.DriveWebhook)
	})

	// Google Chat app endpoints
	r.Route("/chat", func(r chi.Router) {
		r.Post("/command", h.ChatCommand)
		r.Post("/interaction", h.ChatInteraction)
	})

	// Pub/Sub push consumers, one per source topic
	r.Route("/pubsub", func(r chi.Router) {
		r.Post("/airtable", h.PubSubConsume)
		r.Post("/gmail", h.PubSubConsume)
		r.Post("/drive", h.PubSubConsume)
		r.Post("/chat", h.PubSubConsume)
	})

	// Cloud Scheduler hooks
	r.Route("/internal/scheduler", func(r chi.Router) {
		r.Use(middleware.SchedulerIdentity(cfg.Google.SchedulerAudience))
		r.Post("/refresh-airtable-webhooks", h.EnsureSubscription(models.ResourceAirtableWebhook))
		r.Post("/renew-gmail-watch", h.EnsureSubscription(models.ResourceGmailWatch))
		r.Post("/renew-drive-watch", h.EnsureSubscription(models.ResourceDriveWatch))
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "opsrelay",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "opsrelay",
		})
	}
}
