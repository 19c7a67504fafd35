// Package api exposes the relay's operational HTTP surface: health,
// metrics and durable-log inspection. It serves no product traffic.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/alifeinbinary/penny/internal/api/middleware"
	"github.com/alifeinbinary/penny/internal/handlers"
	"github.com/alifeinbinary/penny/internal/signal"
	"github.com/alifeinbinary/penny/internal/store"
)

// NewRouter creates and configures the operational HTTP router.
func NewRouter(logger zerolog.Logger, st store.MessageStore, streamState func() signal.State) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	h := handlers.NewHandler(st, streamState)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", h.Health)
	r.Get("/messages", h.Messages)
	r.Get("/stats", h.Stats)

	return r
}
