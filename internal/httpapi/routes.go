// Package httpapi exposes the broker over JSON HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelgate/modelgate/internal/broker"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/queue"
)

type Dependencies struct {
	Broker    *broker.Router
	Metrics   *metrics.Registry
	Estimator queue.Estimator

	// Admin guards /admin routes (nil disables the guard).
	Admin *AdminGuard
}

func MountRoutes(r chi.Router, d Dependencies) {
	liveness := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"providers": d.Broker.Providers(),
			"queues":    d.Broker.QueuerCount(),
		})
	}
	r.Get("/", liveness)
	r.Get("/health", liveness)

	r.Post("/ask", AskHandler(d))
	r.Post("/analyze-image", AnalyzeImageHandler(d))

	r.Get("/queue/status", QueueStatusHandler(d))
	r.Get("/usage", UsageHandler(d))
	r.Get("/models", ModelsHandler(d))
	r.Get("/estimate-tokens", EstimateTokensHandler(d))

	r.Route("/admin", func(r chi.Router) {
		if d.Admin != nil {
			r.Use(d.Admin.Middleware)
		}
		r.Post("/reload-keys", ReloadKeysHandler(d))
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
