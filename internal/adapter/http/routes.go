package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/textualy/autoreply/internal/config"
	"github.com/textualy/autoreply/internal/middleware"
)

// RouteConfig carries the per-route middleware settings.
type RouteConfig struct {
	Webhook config.Webhook
	Auth    config.Auth
	// TriggerLimiter throttles webhook triggers; nil disables it.
	TriggerLimiter *middleware.RateLimiter
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, rc RouteConfig) {
	r.Get("/health", h.Health)

	// CRM webhooks (outside company auth, HMAC-verified)
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.WebhookHMAC(rc.Webhook.Secret, rc.Webhook.SignatureHeader, h.RejectTrigger))
		if rc.TriggerLimiter != nil {
			r.Use(rc.TriggerLimiter.Handler)
		}
		r.Post("/message", h.HandleMessageTrigger)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CompanyAuth(rc.Auth.JWTSecret, rc.Auth.Issuer))

		r.Route("/emulator/conversations", func(r chi.Router) {
			r.Post("/", h.CreateEmulatorConversation)
			r.Get("/{id}", h.GetEmulatorConversation)
			r.Get("/{id}/messages", h.ListEmulatorMessages)
			r.Post("/{id}/messages", h.AddEmulatorMessage)
			r.Post("/{id}/reply", h.ReplyEmulator)
		})

		r.Put("/locations/{locationId}/faqs", h.ReplaceFAQs)
	})
}
