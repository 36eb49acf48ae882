package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"solver/internal/config"
)

// Handlers holds the read-only HTTP handlers' dependencies.
type Handlers struct {
	provider SnapshotProvider
	cfg      config.Config
	logger   *slog.Logger
}

// NewHandlers builds the dashboard's HTTP handlers.
func NewHandlers(provider SnapshotProvider, cfg config.Config, logger *slog.Logger) *Handlers {
	return &Handlers{provider: provider, cfg: cfg, logger: logger.With("component", "api-handlers")}
}

// HandleHealth reports process liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current solver state as JSON.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.provider, h.cfg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
