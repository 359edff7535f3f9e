package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"pkgforge-agent/internal/config"
	"pkgforge-agent/internal/engine"
	"pkgforge-agent/internal/queue"
	"pkgforge-agent/internal/scheduler"
	"pkgforge-agent/internal/system"
)

// HealthResponse is returned by GET /api/health
//
// swagger:model
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is returned by GET /api/status
//
// swagger:model
type StatusResponse struct {
	Host      system.Info `json:"host"`
	CodeDir   string      `json:"code_dir"`
	QueueFile string      `json:"queue_file"`
	Pending   int         `json:"pending"`
	Completed int         `json:"completed"`
}

// QueueResponse is returned by GET /api/queue
//
// swagger:model
type QueueResponse struct {
	Entries []queue.Entry `json:"entries"`
}

// SeriesResponse is returned by GET /api/series
//
// swagger:model
type SeriesResponse struct {
	Series     [][]string `json:"series"`
	Unresolved []string   `json:"unresolved,omitempty"`
}

// Handlers serves the inspection endpoints.
type Handlers struct {
	cfg    *config.Config
	store  *queue.Store
	graphs GraphBuilder
	logger *slog.Logger
}

// Health handles GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Status handles GET /api/status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	h.store.Reload()
	resp := StatusResponse{
		Host:      system.Detect(),
		CodeDir:   h.cfg.CodeDir,
		QueueFile: h.cfg.QueueFile,
	}
	for _, entry := range h.store.Entries() {
		if entry.Completed {
			resp.Completed++
		} else {
			resp.Pending++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Queue handles GET /api/queue
func (h *Handlers) Queue(w http.ResponseWriter, r *http.Request) {
	h.store.Reload()
	writeJSON(w, http.StatusOK, QueueResponse{Entries: h.store.Entries()})
}

// Series handles GET /api/series
func (h *Handlers) Series(w http.ResponseWriter, r *http.Request) {
	h.store.Reload()
	g, err := h.graphs()
	if err != nil {
		h.logger.Error("failed to build dependency graph", "error", err)
		http.Error(w, "failed to build dependency graph", http.StatusInternalServerError)
		return
	}

	var targets []string
	hint := make(map[string]int)
	for idx, entry := range h.store.Entries() {
		hint[entry.Name] = idx
		if !entry.Completed && g.Has(entry.Name) {
			targets = append(targets, entry.Name)
		}
	}
	series, unresolved, err := scheduler.SeriesToposort(g, hint, targets)
	if err != nil {
		h.logger.Error("series decomposition failed", "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	resp := SeriesResponse{Series: series}
	for name := range unresolved {
		resp.Unresolved = append(resp.Unresolved, name)
	}
	sort.Strings(resp.Unresolved)
	writeJSON(w, http.StatusOK, resp)
}

// Results handles GET /api/results
func (h *Handlers) Results(w http.ResponseWriter, r *http.Request) {
	report, err := engine.LoadReport(h.cfg.ResultsFile)
	if err != nil {
		h.logger.Error("failed to load results record", "error", err)
		http.Error(w, "failed to load results record", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "no run results recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
