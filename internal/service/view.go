package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/engine"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
)

// StatusView is the body of GET /api/status.
type StatusView struct {
	Mode          string              `json:"mode"`
	State         string              `json:"state"`
	Cycle         int                 `json:"cycle"`
	OpenPositions int                 `json:"open_positions"`
	Session       *ledger.Session     `json:"session,omitempty"`
	Performance   *ledger.Performance `json:"performance,omitempty"`
	Archive       string              `json:"archive,omitempty"`
	// Marks are the last cached prices of the active symbols.
	Marks         map[string]float64 `json:"marks,omitempty"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	StartedAt     time.Time          `json:"started_at"`
	UptimeSeconds int64              `json:"uptime_seconds"`
}

// EngineReader is the read side of the running engine.
type EngineReader interface {
	Status() engine.Status
	Cycles(limit int) []domain.CycleRecord
	Positions() ledger.Snapshot
}

// EngineView answers API reads from a live engine's in-memory state.
type EngineView struct {
	engine    EngineReader
	mode      string
	prices    domain.PriceCache
	startedAt time.Time
	now       func() time.Time
}

func NewEngineView(e EngineReader, mode string) *EngineView {
	return &EngineView{engine: e, mode: mode, startedAt: time.Now().UTC(), now: time.Now}
}

// WithPrices makes Status report marks and unrealized P&L from prices.
func (v *EngineView) WithPrices(prices domain.PriceCache) *EngineView {
	v.prices = prices
	return v
}

func (v *EngineView) Status(ctx context.Context) (StatusView, error) {
	st := v.engine.Status()
	snap := v.engine.Positions()
	var active []domain.Position
	for _, p := range snap.Positions {
		if p.Status.Active() {
			active = append(active, p)
		}
	}
	marks, unrealized := markToMarket(ctx, v.prices, active)
	return StatusView{
		Mode:          v.mode,
		State:         string(st.State),
		Cycle:         st.Cycle,
		OpenPositions: len(active),
		Session:       &st.Session,
		Performance:   &st.Performance,
		Archive:       st.Archive,
		Marks:         marks,
		UnrealizedPnL: unrealized,
		StartedAt:     v.startedAt,
		UptimeSeconds: uptime(v.startedAt, v.now()),
	}, nil
}

// Positions returns the session's positions in entry order, optionally
// filtered by status.
func (v *EngineView) Positions(_ context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	snap := v.engine.Positions()
	var out []domain.Position
	for _, p := range snap.Positions {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return paginate(out, opts), nil
}

func (v *EngineView) SymbolPositions(_ context.Context, symbol string, opts domain.ListOpts) ([]domain.Position, error) {
	symbol = strings.ToUpper(symbol)
	snap := v.engine.Positions()
	var out []domain.Position
	for _, p := range snap.Positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return paginate(out, opts), nil
}

func (v *EngineView) Cycles(_ context.Context, limit int) ([]domain.CycleRecord, error) {
	return v.engine.Cycles(limit), nil
}

// HistoryView answers API reads from Postgres for the server mode.
type HistoryView struct {
	positions domain.PositionStore
	cycles    domain.CycleStore
	prices    domain.PriceCache
	startedAt time.Time
	now       func() time.Time
}

func NewHistoryView(positions domain.PositionStore, cycles domain.CycleStore) *HistoryView {
	return &HistoryView{positions: positions, cycles: cycles, startedAt: time.Now().UTC(), now: time.Now}
}

// WithPrices makes Status report marks and unrealized P&L from prices.
func (v *HistoryView) WithPrices(prices domain.PriceCache) *HistoryView {
	v.prices = prices
	return v
}

func (v *HistoryView) Status(ctx context.Context) (StatusView, error) {
	view := StatusView{
		Mode:          "server",
		State:         "history",
		StartedAt:     v.startedAt,
		UptimeSeconds: uptime(v.startedAt, v.now()),
	}
	open, err := v.positions.List(ctx, domain.PositionStatusOpen, domain.ListOpts{})
	if err != nil {
		return StatusView{}, fmt.Errorf("service: status positions: %w", err)
	}
	view.OpenPositions = len(open)
	view.Marks, view.UnrealizedPnL = markToMarket(ctx, v.prices, open)

	recent, err := v.cycles.ListRecent(ctx, 1)
	if err != nil {
		return StatusView{}, fmt.Errorf("service: status cycles: %w", err)
	}
	if len(recent) > 0 {
		view.Cycle = recent[0].Number
	}
	return view, nil
}

func (v *HistoryView) Positions(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	return v.positions.List(ctx, status, opts)
}

func (v *HistoryView) SymbolPositions(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Position, error) {
	return v.positions.ListBySymbol(ctx, strings.ToUpper(symbol), opts)
}

func (v *HistoryView) Cycles(ctx context.Context, limit int) ([]domain.CycleRecord, error) {
	return v.cycles.ListRecent(ctx, limit)
}

// markToMarket prices positions from the cache. Symbols without a cached
// price are left out of both results.
func markToMarket(ctx context.Context, prices domain.PriceCache, positions []domain.Position) (map[string]float64, float64) {
	if prices == nil || len(positions) == 0 {
		return nil, 0
	}
	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	marks, err := prices.GetPrices(ctx, symbols)
	if err != nil {
		return nil, 0
	}
	var total float64
	for _, p := range positions {
		if p.Status == domain.PositionStatusPending {
			continue
		}
		if mark, ok := marks[p.Symbol]; ok {
			total += p.UnrealizedPnL(mark)
		}
	}
	return marks, math.Round(total*100) / 100
}

func paginate(in []domain.Position, opts domain.ListOpts) []domain.Position {
	if opts.Offset >= len(in) {
		return []domain.Position{}
	}
	in = in[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(in) {
		in = in[:opts.Limit]
	}
	return in
}

func uptime(start, now time.Time) int64 {
	return max(int64(now.Sub(start).Seconds()), 0)
}
