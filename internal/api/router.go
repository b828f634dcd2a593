package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/middleware"
	"github.com/technosupport/aquawatch/internal/ratelimit"
)

type RouterConfig struct {
	AllowedOrigins []string
	// Limiter is optional; without it no rate limits apply.
	Limiter      middleware.Limiter
	APILimit     ratelimit.LimitConfig
	ReadingLimit ratelimit.LimitConfig
	Logger       *zap.Logger
}

// NewRouter wires the REST routes, the websocket stream, health and
// metrics. hub may be nil.
func NewRouter(h *Handler, hub *Hub, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.ServeWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.With(middleware.RateLimit(cfg.Limiter, "readings", cfg.ReadingLimit, cfg.Logger)).
				Post("/readings", h.PostReading)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(cfg.Limiter, "api", cfg.APILimit, cfg.Logger))

				r.Get("/alerts", h.ListAlerts)
				r.Post("/alerts/delete", h.DeleteAlerts)
				r.Post("/alerts/restore", h.RestoreAlerts)
				r.Post("/alerts/undo/{batchId}", h.UndoDelete)
				r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)

				r.Get("/devices/{id}", h.GetDevice)
				r.Put("/devices/{id}/configurations", h.SaveConfig)
				r.Get("/devices/{id}/logs", h.DeviceLogs)
			})
		})
	})
	return r
}
