package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the front door, topic endpoints and operational routes.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.HandleSessionUpgrade)
	r.Get("/topics/{topic}/shards/{shard}/ws", h.HandleTopicUpgrade)
	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
