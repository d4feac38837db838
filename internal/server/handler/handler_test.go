package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/service"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	positions  []domain.Position
	cycles     []domain.CycleRecord
	err        error
	lastStatus domain.PositionStatus
	lastOpts   domain.ListOpts
	lastLimit  int
}

func (f *fakeSource) Status(context.Context) (service.StatusView, error) {
	return service.StatusView{Mode: "paper", State: "cycle_active", Cycle: 3}, f.err
}

func (f *fakeSource) Positions(_ context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	f.lastStatus, f.lastOpts = status, opts
	return f.positions, f.err
}

func (f *fakeSource) SymbolPositions(_ context.Context, symbol string, _ domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, f.err
}

func (f *fakeSource) Cycles(_ context.Context, limit int) ([]domain.CycleRecord, error) {
	f.lastLimit = limit
	return f.cycles, f.err
}

func TestListPositions(t *testing.T) {
	src := &fakeSource{positions: []domain.Position{{ID: "p-1", Symbol: "BHP.AX", Status: domain.PositionStatusOpen}}}
	h := NewPositionHandler(src, discard())

	tests := []struct {
		name       string
		url        string
		wantCode   int
		wantStatus domain.PositionStatus
		wantLimit  int
	}{
		{name: "all", url: "/api/positions", wantCode: http.StatusOK, wantLimit: 50},
		{name: "filtered", url: "/api/positions?status=OPEN&limit=10&offset=5", wantCode: http.StatusOK, wantStatus: domain.PositionStatusOpen, wantLimit: 10},
		{name: "limit capped", url: "/api/positions?limit=9000", wantCode: http.StatusOK, wantLimit: 500},
		{name: "bad status", url: "/api/positions?status=bogus", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ListPositions(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, expected %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if src.lastStatus != tt.wantStatus || src.lastOpts.Limit != tt.wantLimit {
				t.Errorf("source called with %q %+v", src.lastStatus, src.lastOpts)
			}
			var body listPositionsResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(body.Positions) != 1 {
				t.Errorf("positions = %d, expected 1", len(body.Positions))
			}
		})
	}
}

func TestGetSymbol(t *testing.T) {
	src := &fakeSource{positions: []domain.Position{{ID: "p-1", Symbol: "BHP.AX"}}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions/{symbol}", NewPositionHandler(src, discard()).GetSymbol)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/BHP.AX", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("known symbol code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/CBA.AX", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown symbol code = %d, expected 404", rec.Code)
	}
}

func TestListCyclesAndStatus(t *testing.T) {
	src := &fakeSource{cycles: []domain.CycleRecord{{ID: "c-2", Number: 2}, {ID: "c-1", Number: 1}}}

	rec := httptest.NewRecorder()
	NewCycleHandler(src, discard()).ListCycles(rec, httptest.NewRequest(http.MethodGet, "/api/cycles?limit=2", nil))
	var cycles listCyclesResponse
	if err := json.NewDecoder(rec.Body).Decode(&cycles); err != nil {
		t.Fatalf("decode cycles: %v", err)
	}
	if len(cycles.Cycles) != 2 || src.lastLimit != 2 {
		t.Errorf("cycles = %+v, limit = %d", cycles, src.lastLimit)
	}

	rec = httptest.NewRecorder()
	NewStatusHandler(src, discard()).GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var view service.StatusView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.State != "cycle_active" || view.Cycle != 3 {
		t.Errorf("status = %+v", view)
	}
}

func TestSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	rec := httptest.NewRecorder()
	NewStatusHandler(src, discard()).GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, expected 500", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("refused") },
	}, discard())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, expected 503", rec.Code)
	}
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Dependencies["postgres"] != "ok" || body.Dependencies["redis"] != "refused" {
		t.Errorf("body = %+v", body)
	}

	rec = httptest.NewRecorder()
	NewHealthHandler(nil, discard()).HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("no checks code = %d, expected 200", rec.Code)
	}
}
