package service

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/engine"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
)

type stubEngine struct {
	status engine.Status
	snap   ledger.Snapshot
	cycles []domain.CycleRecord
}

func (s stubEngine) Status() engine.Status           { return s.status }
func (s stubEngine) Positions() ledger.Snapshot      { return s.snap }
func (s stubEngine) Cycles(int) []domain.CycleRecord { return s.cycles }

func TestEngineView(t *testing.T) {
	e := stubEngine{
		status: engine.Status{State: engine.StateCycleActive, Cycle: 2},
		snap: ledger.Snapshot{Positions: []domain.Position{
			{ID: "p-1", Symbol: "BHP.AX", Status: domain.PositionStatusClosed},
			{ID: "p-2", Symbol: "CBA.AX", Status: domain.PositionStatusOpen},
			{ID: "p-3", Symbol: "BHP.AX", Status: domain.PositionStatusOpen},
		}},
	}
	v := NewEngineView(e, "paper")
	start := v.startedAt
	v.now = func() time.Time { return start.Add(90 * time.Second) }
	ctx := context.Background()

	st, err := v.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Mode != "paper" || st.State != string(engine.StateCycleActive) || st.OpenPositions != 2 || st.UptimeSeconds != 90 {
		t.Errorf("status = %+v", st)
	}

	open, _ := v.Positions(ctx, domain.PositionStatusOpen, domain.ListOpts{})
	if len(open) != 2 {
		t.Errorf("open positions = %d, expected 2", len(open))
	}
	page, _ := v.Positions(ctx, "", domain.ListOpts{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "p-2" {
		t.Errorf("page = %+v", page)
	}
	bhp, _ := v.SymbolPositions(ctx, "bhp.ax", domain.ListOpts{})
	if len(bhp) != 2 {
		t.Errorf("BHP.AX positions = %d, expected 2", len(bhp))
	}
	beyond, _ := v.Positions(ctx, "", domain.ListOpts{Offset: 10})
	if beyond == nil || len(beyond) != 0 {
		t.Errorf("offset past end = %v, expected empty slice", beyond)
	}
}

type listPositions struct {
	memPositions
	open []domain.Position
}

func (l *listPositions) List(_ context.Context, status domain.PositionStatus, _ domain.ListOpts) ([]domain.Position, error) {
	if status == domain.PositionStatusOpen {
		return l.open, nil
	}
	return nil, nil
}

type recentCycles struct {
	memCycles
}

func (r *recentCycles) ListRecent(_ context.Context, limit int) ([]domain.CycleRecord, error) {
	if len(r.recs) == 0 {
		return nil, nil
	}
	return r.recs[:min(limit, len(r.recs))], nil
}

func TestHistoryViewStatus(t *testing.T) {
	positions := &listPositions{open: []domain.Position{{ID: "p-1"}}}
	cycles := &recentCycles{}
	cycles.recs = []domain.CycleRecord{{Number: 7}}

	st, err := NewHistoryView(positions, cycles).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Mode != "server" || st.OpenPositions != 1 || st.Cycle != 7 {
		t.Errorf("status = %+v", st)
	}
}

type stubPrices map[string]float64

func (p stubPrices) SetPrice(context.Context, string, float64, time.Time) error { return nil }

func (p stubPrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	v, ok := p[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return v, time.Now(), nil
}

func (p stubPrices) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if v, ok := p[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

func TestEngineViewMarksToMarket(t *testing.T) {
	e := stubEngine{snap: ledger.Snapshot{Positions: []domain.Position{
		{ID: "p-1", Symbol: "BHP.AX", Quantity: 100, EntryPrice: 40, Status: domain.PositionStatusOpen},
		{ID: "p-2", Symbol: "CBA.AX", Quantity: 50, EntryPrice: 100, Status: domain.PositionStatusClosing},
		{ID: "p-3", Symbol: "WES.AX", Quantity: 10, EntryPrice: 60, Status: domain.PositionStatusOpen},
		{ID: "p-4", Symbol: "NAB.AX", Quantity: 10, EntryPrice: 30, Status: domain.PositionStatusClosed},
	}}}
	prices := stubPrices{"BHP.AX": 39.5, "CBA.AX": 100.5, "NAB.AX": 20}

	st, err := NewEngineView(e, "paper").WithPrices(prices).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	// 100 * 0.5 - 50 * 0.5; WES.AX has no cached price.
	if st.UnrealizedPnL != 25 {
		t.Errorf("UnrealizedPnL = %v, expected 25", st.UnrealizedPnL)
	}
	if len(st.Marks) != 2 || st.Marks["BHP.AX"] != 39.5 {
		t.Errorf("marks = %v, expected BHP.AX and CBA.AX only", st.Marks)
	}

	plain, _ := NewEngineView(e, "paper").Status(context.Background())
	if plain.Marks != nil || plain.UnrealizedPnL != 0 {
		t.Errorf("status without a cache = %+v", plain)
	}
}
