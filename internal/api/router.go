// Package api exposes the agent's read-only inspection surface. The durable
// queue is a single-writer resource owned by the engine, so every endpoint
// only loads snapshots and never mutates state.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"pkgforge-agent/internal/config"
	"pkgforge-agent/internal/depgraph"
	"pkgforge-agent/internal/queue"
)

// GraphBuilder constructs a fresh dependency graph for the series endpoint.
type GraphBuilder func() (*depgraph.Graph, error)

// NewRouter wires the inspection endpoints.
func NewRouter(cfg *config.Config, store *queue.Store, graphs GraphBuilder, logger *slog.Logger) http.Handler {
	h := &Handlers{cfg: cfg, store: store, graphs: graphs, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/api/queue", h.Queue).Methods(http.MethodGet)
	r.HandleFunc("/api/series", h.Series).Methods(http.MethodGet)
	r.HandleFunc("/api/results", h.Results).Methods(http.MethodGet)
	return r
}
