package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// CycleSource lists recent cycle records, newest first.
type CycleSource interface {
	Cycles(ctx context.Context, limit int) ([]domain.CycleRecord, error)
}

type CycleHandler struct {
	source CycleSource
	logger *slog.Logger
}

func NewCycleHandler(source CycleSource, logger *slog.Logger) *CycleHandler {
	return &CycleHandler{source: source, logger: logger}
}

type listCyclesResponse struct {
	Cycles []domain.CycleRecord `json:"cycles"`
}

// ListCycles serves GET /api/cycles?limit=20.
func (h *CycleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	cycles, err := h.source.Cycles(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list cycles failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	if cycles == nil {
		cycles = []domain.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, listCyclesResponse{Cycles: cycles})
}
