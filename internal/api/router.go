// Package api exposes the engine's read-only snapshots and the two explicit
// user entry points (purchase, restore) over HTTP for the app's UI and
// business logic.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/courtside-app/entitlements/internal/logging"
)

// NewRouter assembles the consumer-facing routes.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "capacitor://*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/gates", h.Gates)
		r.Get("/pending-change", h.PendingChange)
		r.Get("/products", h.Products)
		r.Get("/diagnostics", h.Diagnostics)
		r.Post("/purchase", h.Purchase)
		r.Post("/restore", h.Restore)
	})

	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("requestId", logging.RequestID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}
