package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// PositionSource lists positions for the API.
type PositionSource interface {
	Positions(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error)
	SymbolPositions(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Position, error)
}

type PositionHandler struct {
	source PositionSource
	logger *slog.Logger
}

func NewPositionHandler(source PositionSource, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{source: source, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

var validStatuses = map[domain.PositionStatus]bool{
	domain.PositionStatusPending: true,
	domain.PositionStatusOpen:    true,
	domain.PositionStatusClosing: true,
	domain.PositionStatusClosed:  true,
	domain.PositionStatusFailed:  true,
}

// ListPositions serves GET /api/positions?status=open.
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := domain.PositionStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !validStatuses[status] {
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	positions, err := h.source.Positions(r.Context(), status, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetSymbol serves GET /api/positions/{symbol}.
func (h *PositionHandler) GetSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	positions, err := h.source.SymbolPositions(r.Context(), symbol, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: symbol positions failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	if len(positions) == 0 {
		writeError(w, http.StatusNotFound, "no positions for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
