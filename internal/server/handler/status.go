package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/shortcycle/internal/service"
)

// StatusSource reports scheduler state and session performance.
type StatusSource interface {
	Status(ctx context.Context) (service.StatusView, error)
}

type StatusHandler struct {
	source StatusSource
	logger *slog.Logger
}

func NewStatusHandler(source StatusSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{source: source, logger: logger}
}

// GetStatus serves GET /api/status.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.source.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
