package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
	"github.com/alanyoungcy/shortcycle/internal/risk"
	"github.com/alanyoungcy/shortcycle/internal/signal"
)

var (
	day         = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	marketOpen  = day.Add(10 * time.Hour)
	marketClose = day.Add(16 * time.Hour)
	deadline    = marketClose.Add(-15 * time.Minute)
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	onWait func(now time.Time)
	waits  int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Wait(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waits++
	now, hook := c.now, c.onWait
	c.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return ctx.Err()
}

type fakeMarket struct {
	snap func(symbol string, now time.Time) (domain.Snapshot, error)
	now  func() time.Time
}

func (m *fakeMarket) GetSnapshot(_ context.Context, symbol string) (domain.Snapshot, error) {
	return m.snap(symbol, m.now())
}

// bearish scores 90: price under both averages and overbought.
func bearish(symbol string, price float64, at time.Time) domain.Snapshot {
	return domain.Snapshot{
		Symbol: symbol,
		Price:  price,
		Indicators: map[string]float64{
			domain.IndicatorSMA20: price * 1.05,
			domain.IndicatorSMA50: price * 1.10,
			domain.IndicatorRSI14: 75,
		},
		Timestamp: at,
	}
}

// neutral scores 50 and never triggers an entry.
func neutral(symbol string, price float64, at time.Time) domain.Snapshot {
	return domain.Snapshot{
		Symbol: symbol,
		Price:  price,
		Indicators: map[string]float64{
			domain.IndicatorSMA20: price * 0.95,
			domain.IndicatorSMA50: price * 0.90,
			domain.IndicatorRSI14: 50,
		},
		Timestamp: at,
	}
}

// closeStep scripts one SubmitClose outcome.
type closeStep struct {
	filled    int64
	shortfall int64
	err       error
}

type fakeExecutor struct {
	mu         sync.Mutex
	clock      *fakeClock
	closeErr   map[string]error
	closeSteps map[string][]closeStep
	onOpen     func()
	opens      []string
	closeCalls map[string]int
	closeQtys  map[string][]int64
}

func (f *fakeExecutor) SubmitOpen(_ context.Context, symbol string, qty int64, ref float64) (domain.OrderResult, error) {
	if f.onOpen != nil {
		f.onOpen()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, symbol)
	return domain.OrderResult{
		OrderID:      "open-" + symbol,
		Symbol:       symbol,
		Side:         domain.OrderSideSell,
		RequestedQty: qty,
		FilledQty:    qty,
		FilledPrice:  ref,
		Status:       domain.OrderStatusFilled,
		FilledAt:     f.clock.Now(),
	}, nil
}

func (f *fakeExecutor) SubmitClose(_ context.Context, pos domain.Position, ref float64) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCalls == nil {
		f.closeCalls = make(map[string]int)
		f.closeQtys = make(map[string][]int64)
	}
	f.closeCalls[pos.Symbol]++
	f.closeQtys[pos.Symbol] = append(f.closeQtys[pos.Symbol], pos.Quantity)
	if steps := f.closeSteps[pos.Symbol]; len(steps) > 0 {
		step := steps[0]
		f.closeSteps[pos.Symbol] = steps[1:]
		return domain.OrderResult{
			OrderID:      "close-" + pos.Symbol,
			Symbol:       pos.Symbol,
			Side:         domain.OrderSideBuy,
			RequestedQty: pos.Quantity,
			FilledQty:    step.filled,
			FilledPrice:  ref,
			Shortfall:    step.shortfall,
			FilledAt:     f.clock.Now(),
		}, step.err
	}
	if err := f.closeErr[pos.Symbol]; err != nil {
		return domain.OrderResult{Symbol: pos.Symbol, Side: domain.OrderSideBuy}, err
	}
	return domain.OrderResult{
		OrderID:      "close-" + pos.Symbol,
		Symbol:       pos.Symbol,
		Side:         domain.OrderSideBuy,
		RequestedQty: pos.Quantity,
		FilledQty:    pos.Quantity,
		FilledPrice:  ref,
		Status:       domain.OrderStatusFilled,
		FilledAt:     f.clock.Now(),
	}, nil
}

type alertRecord struct {
	level domain.AlertLevel
	event string
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alertRecord
}

func (a *fakeAlerter) Alert(_ context.Context, level domain.AlertLevel, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alertRecord{level: level, event: event})
	return nil
}

func (a *fakeAlerter) count(level domain.AlertLevel, event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.alerts {
		if r.level == level && r.event == event {
			n++
		}
	}
	return n
}

type fakeBroker struct {
	positions map[string]domain.BrokerPosition
}

func (b *fakeBroker) PlaceOrder(context.Context, domain.OrderRequest) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, errors.New("not used")
}

func (b *fakeBroker) GetOrderStatus(context.Context, string) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, errors.New("not used")
}

func (b *fakeBroker) GetPosition(_ context.Context, symbol string) (domain.BrokerPosition, error) {
	p, ok := b.positions[symbol]
	if !ok {
		return domain.BrokerPosition{}, domain.ErrNotFound
	}
	return p, nil
}

type fakeShorts struct {
	refuse map[string]bool
	err    error
}

func (f *fakeShorts) Shortable(_ context.Context, symbol string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.refuse[symbol], nil
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	at     map[string]time.Time
}

func (p *fakePrices) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.at[symbol] = ts
	return nil
}

func (p *fakePrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, p.at[symbol], nil
}

func (p *fakePrices) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if price, _, err := p.GetPrice(ctx, s); err == nil {
			out[s] = price
		}
	}
	return out, nil
}

type fakeArchiver struct {
	calls     int
	positions int
}

func (a *fakeArchiver) ArchiveSession(_ context.Context, _ time.Time, positions []domain.Position, _ []domain.CycleRecord) (string, error) {
	a.calls++
	a.positions = len(positions)
	return "sessions/2025-03-03.jsonl", nil
}

type harness struct {
	engine   *Engine
	ledger   *ledger.Ledger
	clock    *fakeClock
	exec     *fakeExecutor
	alerts   *fakeAlerter
	archiver *fakeArchiver
}

func pct(v float64) *float64 { return &v }

func newHarness(start time.Time, watchlist []domain.WatchlistEntry, snap func(string, time.Time) (domain.Snapshot, error), broker domain.Brokerage) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: start}
	l := ledger.New(ledger.NewSession(day, 100_000, marketOpen, marketClose, 15*time.Minute)).WithClock(clock.Now)
	gov := risk.NewGovernor(l, risk.Config{
		PositionSizePct:        10,
		MaxConcurrentPositions: 5,
		CycleInterval:          time.Hour,
	}, logger)
	exec := &fakeExecutor{clock: clock}
	alerts := &fakeAlerter{}
	archiver := &fakeArchiver{}

	e := New(Config{
		Watchlist:                watchlist,
		TakeProfitPct:            2,
		StopLossPct:              1,
		CycleInterval:            time.Hour,
		LiquidationRetryInterval: 5 * time.Minute,
		MaxParallel:              4,
	}, Deps{
		Ledger:    l,
		Governor:  gov,
		Evaluator: signal.NewEvaluator(signal.Config{MaxAge: time.Hour}),
		Executor:  exec,
		Market:    &fakeMarket{snap: snap, now: clock.Now},
		Clock:     clock,
		Broker:    broker,
		Alerter:   alerts,
		Archiver:  archiver,
	}, logger)

	return &harness{engine: e, ledger: l, clock: clock, exec: exec, alerts: alerts, archiver: archiver}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	if err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s := h.engine.State(); s != StateSessionClosed {
		t.Fatalf("final state = %s, expected %s", s, StateSessionClosed)
	}
}

func (h *harness) positions(symbol string) []domain.Position {
	var out []domain.Position
	for _, p := range h.ledger.Snapshot().Positions {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

func assertNoOpen(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	if open := l.OpenPositions(); len(open) != 0 {
		t.Fatalf("positions still open after session: %+v", open)
	}
	if n := l.Active(); n != 0 {
		t.Fatalf("Active() = %d after session, expected 0", n)
	}
}

func TestTakeProfitAndStopLoss(t *testing.T) {
	tests := []struct {
		name       string
		exitPrice  float64
		wantReason domain.ExitReason
		wantPnL    float64
	}{
		{name: "take profit", exitPrice: 9.00, wantReason: domain.ExitReasonTakeProfit, wantPnL: 1000},
		{name: "stop loss", exitPrice: 10.60, wantReason: domain.ExitReasonStopLoss, wantPnL: -600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			watch := []domain.WatchlistEntry{{Symbol: "XYZ", TakeProfitPct: pct(5), StopLossPct: pct(5)}}
			h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
				if now.Before(marketOpen.Add(time.Hour)) {
					return bearish(symbol, 10, now), nil
				}
				return neutral(symbol, tt.exitPrice, now), nil
			}, nil)

			h.run(t)

			got := h.positions("XYZ")
			if len(got) != 1 {
				t.Fatalf("positions = %d, expected 1", len(got))
			}
			p := got[0]
			if p.Status != domain.PositionStatusClosed || p.ExitReason != tt.wantReason {
				t.Fatalf("status %s reason %s, expected closed %s", p.Status, p.ExitReason, tt.wantReason)
			}
			if p.Quantity != 1000 || p.EntryPrice != 10 {
				t.Errorf("entry %d @ %v, expected 1000 @ 10", p.Quantity, p.EntryPrice)
			}
			if !(p.TakeProfitPrice < p.EntryPrice && p.EntryPrice < p.StopLossPrice) {
				t.Errorf("targets out of order: tp %v entry %v sl %v", p.TakeProfitPrice, p.EntryPrice, p.StopLossPrice)
			}
			if *p.ExitPrice != tt.exitPrice {
				t.Errorf("exit price = %v, expected %v", *p.ExitPrice, tt.exitPrice)
			}
			if math.Abs(p.RealizedPnL-tt.wantPnL) > 1e-9 {
				t.Errorf("pnl = %v, expected %v", p.RealizedPnL, tt.wantPnL)
			}
			if bal := h.ledger.Session().Balance; math.Abs(bal-(100_000+tt.wantPnL)) > 1e-9 {
				t.Errorf("balance = %v, expected %v", bal, 100_000+tt.wantPnL)
			}
			if h.archiver.calls != 1 {
				t.Errorf("archive calls = %d, expected 1", h.archiver.calls)
			}
		})
	}
}

func TestCloseFailureMarksFailedAndOthersProceed(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "AAA"}, {Symbol: "BBB"}}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		if now.Before(marketOpen.Add(time.Hour)) {
			return bearish(symbol, 10, now), nil
		}
		return neutral(symbol, 9, now), nil
	}, nil)
	h.exec.closeErr = map[string]error{"AAA": domain.ErrExecutionFailed}

	h.run(t)

	aaa := h.positions("AAA")
	if len(aaa) != 1 || aaa[0].Status != domain.PositionStatusFailed {
		t.Fatalf("AAA positions = %+v, expected one failed", aaa)
	}
	if aaa[0].ExitPrice != nil {
		t.Error("failed position has exit fields")
	}
	bbb := h.positions("BBB")
	if len(bbb) != 1 || bbb[0].Status != domain.PositionStatusClosed || bbb[0].ExitReason != domain.ExitReasonTakeProfit {
		t.Fatalf("BBB positions = %+v, expected one take-profit close", bbb)
	}
	if n := h.alerts.count(domain.AlertWarning, "position_failed"); n != 1 {
		t.Errorf("warning alerts = %d, expected 1", n)
	}
	if len(h.exec.opens) != 2 {
		t.Errorf("opens = %v, expected AAA and BBB once each", h.exec.opens)
	}
	assertNoOpen(t, h.ledger)
}

func TestForcedLiquidationClosesEverything(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "AAA"}, {Symbol: "BBB"}}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		if now.Before(marketOpen.Add(time.Hour)) {
			return bearish(symbol, 10, now), nil
		}
		return neutral(symbol, 10, now), nil
	}, nil)

	h.run(t)
	assertNoOpen(t, h.ledger)

	for _, symbol := range []string{"AAA", "BBB"} {
		got := h.positions(symbol)
		if len(got) != 1 {
			t.Fatalf("%s positions = %d, expected 1", symbol, len(got))
		}
		p := got[0]
		if p.Status != domain.PositionStatusClosed || p.ExitReason != domain.ExitReasonForcedClose {
			t.Errorf("%s: status %s reason %s, expected forced close", symbol, p.Status, p.ExitReason)
		}
		if p.ExitTime.Before(deadline) {
			t.Errorf("%s closed at %s, before deadline %s", symbol, p.ExitTime, deadline)
		}
	}
}

func TestForcedLiquidationRetriesUntilClose(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "AAA"}}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		if now.Before(marketOpen.Add(time.Hour)) {
			return bearish(symbol, 10, now), nil
		}
		return neutral(symbol, 10, now), nil
	}, nil)
	h.exec.closeErr = map[string]error{"AAA": domain.ErrExecutionFailed}

	h.run(t)
	assertNoOpen(t, h.ledger)

	// 15:45, 15:50, 15:55 and 16:00.
	if n := h.exec.closeCalls["AAA"]; n != 4 {
		t.Errorf("close attempts = %d, expected 4", n)
	}
	got := h.positions("AAA")
	if len(got) != 1 || got[0].Status != domain.PositionStatusFailed {
		t.Fatalf("positions = %+v, expected one failed", got)
	}
	if n := h.alerts.count(domain.AlertCritical, "position_failed"); n != 1 {
		t.Errorf("critical alerts = %d, expected 1", n)
	}
}

func TestStaleDataSkipsEntry(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "XYZ"}}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		return bearish(symbol, 10, now.Add(-2*time.Hour)), nil
	}, nil)

	h.run(t)

	if len(h.exec.opens) != 0 {
		t.Fatalf("opened %v on stale data", h.exec.opens)
	}
	cycles := h.engine.Cycles(0)
	if len(cycles) == 0 {
		t.Fatal("no cycle records")
	}
	if reason := cycles[len(cycles)-1].Skipped["XYZ"]; !strings.Contains(reason, "stale") {
		t.Errorf("skip reason = %q, expected data stale", reason)
	}
}

func TestMarketDataErrorSkipsSymbol(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "BAD"}, {Symbol: "GOOD"}}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		if symbol == "BAD" {
			return domain.Snapshot{}, errors.New("feed down")
		}
		if now.Before(marketOpen.Add(time.Hour)) {
			return bearish(symbol, 10, now), nil
		}
		return neutral(symbol, 10, now), nil
	}, nil)

	h.run(t)

	if len(h.positions("BAD")) != 0 {
		t.Error("position opened without market data")
	}
	if len(h.positions("GOOD")) != 1 {
		t.Error("healthy symbol was not traded")
	}
}

func TestAdoptionAfterDeadline(t *testing.T) {
	broker := &fakeBroker{positions: map[string]domain.BrokerPosition{
		"XYZ": {Symbol: "XYZ", Qty: -500, AvgPrice: 20},
	}}
	watch := []domain.WatchlistEntry{{Symbol: "XYZ"}, {Symbol: "ABC"}}
	h := newHarness(deadline.Add(5*time.Minute), watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		return neutral(symbol, 19, now), nil
	}, broker)

	h.run(t)
	assertNoOpen(t, h.ledger)

	got := h.positions("XYZ")
	if len(got) != 1 {
		t.Fatalf("positions = %d, expected 1 adopted", len(got))
	}
	p := got[0]
	if p.Quantity != 500 || p.EntryPrice != 20 || p.ExitReason != domain.ExitReasonForcedClose {
		t.Errorf("adopted position = %+v", p)
	}
	if math.Abs(p.RealizedPnL-500) > 1e-9 {
		t.Errorf("pnl = %v, expected 500", p.RealizedPnL)
	}
	if len(h.engine.Cycles(0)) != 0 {
		t.Error("cycle ran after the deadline")
	}
}

func TestStartAfterCloseGoesStraightToClosed(t *testing.T) {
	h := newHarness(marketClose.Add(time.Minute), []domain.WatchlistEntry{{Symbol: "XYZ"}}, func(symbol string, now time.Time) (domain.Snapshot, error) {
		return bearish(symbol, 10, now), nil
	}, nil)

	h.run(t)

	if len(h.exec.opens) != 0 {
		t.Errorf("opened %v after close", h.exec.opens)
	}
	if h.archiver.calls != 1 {
		t.Errorf("archive calls = %d, expected 1", h.archiver.calls)
	}
	if err := h.engine.RequestManualClose("XYZ"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("RequestManualClose() error = %v, expected ErrSessionClosed", err)
	}
}

func TestManualClose(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "XYZ"}}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		if now.Before(marketOpen.Add(time.Hour)) {
			return bearish(symbol, 10, now), nil
		}
		return neutral(symbol, 9.95, now), nil
	}, nil)

	var requestErr error
	h.clock.onWait = func(time.Time) {
		if h.clock.waits == 1 {
			requestErr = h.engine.RequestManualClose("xyz")
		}
	}

	h.run(t)

	if requestErr != nil {
		t.Fatalf("RequestManualClose() error = %v", requestErr)
	}
	got := h.positions("XYZ")
	if len(got) != 1 || got[0].ExitReason != domain.ExitReasonManualClose {
		t.Fatalf("positions = %+v, expected one manual close", got)
	}
	if *got[0].ExitTime != marketOpen.Add(time.Hour) {
		t.Errorf("closed at %s, expected the second cycle", *got[0].ExitTime)
	}
}

func TestManualCloseUnknownSymbol(t *testing.T) {
	h := newHarness(marketOpen, nil, func(symbol string, now time.Time) (domain.Snapshot, error) {
		return neutral(symbol, 10, now), nil
	}, nil)
	if err := h.engine.RequestManualClose("NONE"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RequestManualClose() error = %v, expected ErrNotFound", err)
	}
}

func TestHandleManualCloseDecodes(t *testing.T) {
	tests := []struct {
		msg     string
		want    string
		wantErr bool
	}{
		{msg: `{"symbol":"XYZ"}`, want: "XYZ"},
		{msg: `{"symbol":""}`, wantErr: true},
		{msg: `not json`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := decodeCloseRequest([]byte(tt.msg))
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeCloseRequest(%q) error = %v, wantErr %v", tt.msg, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("decodeCloseRequest(%q) = %q, expected %q", tt.msg, got, tt.want)
		}
	}
}

func TestCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(marketOpen, []domain.WatchlistEntry{{Symbol: "XYZ"}}, func(symbol string, now time.Time) (domain.Snapshot, error) {
		return neutral(symbol, 10, now), nil
	}, nil)
	h.clock.onWait = func(time.Time) { cancel() }

	err := h.engine.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, expected context.Canceled", err)
	}
	if h.archiver.calls != 0 {
		t.Error("cancelled session was archived")
	}
}

func cycleNumber(t *testing.T, e *Engine, n int) domain.CycleRecord {
	t.Helper()
	for _, c := range e.Cycles(0) {
		if c.Number == n {
			return c
		}
	}
	t.Fatalf("cycle %d not recorded", n)
	return domain.CycleRecord{}
}

// dropsTo enters at 10 in the first cycle, then quotes price.
func dropsTo(price float64) func(string, time.Time) (domain.Snapshot, error) {
	return func(symbol string, now time.Time) (domain.Snapshot, error) {
		if now.Before(marketOpen.Add(time.Hour)) {
			return bearish(symbol, 10, now), nil
		}
		return neutral(symbol, price, now), nil
	}
}

func TestPartialCoverReopensAndFinishes(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "XYZ", TakeProfitPct: pct(5), StopLossPct: pct(5)}}
	h := newHarness(marketOpen, watch, dropsTo(9), nil)
	h.exec.closeSteps = map[string][]closeStep{
		"XYZ": {{filled: 600, err: domain.ErrExecutionFailed}},
	}

	h.run(t)

	if got := h.exec.closeQtys["XYZ"]; len(got) != 2 || got[0] != 1000 || got[1] != 400 {
		t.Fatalf("close quantities = %v, expected [1000 400]", got)
	}
	second := cycleNumber(t, h.engine, 2)
	if len(second.Failed) != 0 || !strings.Contains(second.Skipped["XYZ"], "partially covered") {
		t.Errorf("cycle 2 = failed %v skipped %v, expected a partial cover", second.Failed, second.Skipped)
	}

	got := h.positions("XYZ")
	if len(got) != 1 {
		t.Fatalf("positions = %d, expected 1", len(got))
	}
	p := got[0]
	if p.Status != domain.PositionStatusClosed || p.ExitReason != domain.ExitReasonTakeProfit {
		t.Fatalf("status %s reason %s, expected take-profit close", p.Status, p.ExitReason)
	}
	if p.Quantity != 1000 || *p.ExitPrice != 9 || p.RealizedPnL != 1000 {
		t.Errorf("closed %d @ %v pnl %v, expected 1000 @ 9 pnl 1000", p.Quantity, *p.ExitPrice, p.RealizedPnL)
	}
	if s := h.ledger.Session(); s.RealizedPnL != 1000 || s.Balance != 101_000 {
		t.Errorf("session realized %v balance %v, expected 1000 and 101000", s.RealizedPnL, s.Balance)
	}
	if n := h.alerts.count(domain.AlertWarning, "position_failed"); n != 0 {
		t.Errorf("failure alerts = %d, expected none", n)
	}
}

func TestPartialCoverBookedWhenPositionFails(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "XYZ", TakeProfitPct: pct(5), StopLossPct: pct(5)}}
	h := newHarness(marketOpen, watch, dropsTo(9), nil)
	h.exec.closeSteps = map[string][]closeStep{
		"XYZ": {
			{filled: 600, err: domain.ErrExecutionFailed},
			{err: domain.ErrExecutionFailed},
		},
	}

	h.run(t)
	assertNoOpen(t, h.ledger)

	got := h.positions("XYZ")
	if len(got) != 1 {
		t.Fatalf("positions = %d, expected 1", len(got))
	}
	p := got[0]
	if p.Status != domain.PositionStatusFailed || p.ExitPrice != nil {
		t.Fatalf("position = %+v, expected failed without exit fields", p)
	}
	if p.Quantity != 400 || p.RealizedPnL != 600 {
		t.Errorf("failed with %d shares pnl %v, expected 400 uncovered and 600 booked", p.Quantity, p.RealizedPnL)
	}
	if s := h.ledger.Session(); s.RealizedPnL != 600 || s.Balance != 100_600 {
		t.Errorf("session realized %v balance %v, expected 600 and 100600", s.RealizedPnL, s.Balance)
	}
	if n := h.alerts.count(domain.AlertWarning, "position_failed"); n != 1 {
		t.Errorf("warning alerts = %d, expected 1", n)
	}
}

func TestBrokerageShortfallCorrectsLedger(t *testing.T) {
	tests := []struct {
		name       string
		step       closeStep
		wantStatus domain.PositionStatus
		wantQty    int64
		wantPnL    float64
	}{
		{
			name:       "smaller short closes what was held",
			step:       closeStep{filled: 400, shortfall: 600},
			wantStatus: domain.PositionStatusClosed,
			wantQty:    400,
			wantPnL:    400,
		},
		{
			name:       "flat brokerage fails without buying",
			step:       closeStep{shortfall: 1000, err: domain.ErrReconciliationMismatch},
			wantStatus: domain.PositionStatusFailed,
			wantQty:    1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			watch := []domain.WatchlistEntry{{Symbol: "XYZ", TakeProfitPct: pct(5), StopLossPct: pct(5)}}
			h := newHarness(marketOpen, watch, dropsTo(9), nil)
			h.exec.closeSteps = map[string][]closeStep{"XYZ": {tt.step}}

			h.run(t)
			assertNoOpen(t, h.ledger)

			if n := h.exec.closeCalls["XYZ"]; n != 1 {
				t.Errorf("close calls = %d, expected 1", n)
			}
			got := h.positions("XYZ")
			if len(got) != 1 {
				t.Fatalf("positions = %d, expected 1", len(got))
			}
			p := got[0]
			if p.Status != tt.wantStatus || p.Quantity != tt.wantQty || p.RealizedPnL != tt.wantPnL {
				t.Errorf("position = %s %d pnl %v, expected %s %d pnl %v",
					p.Status, p.Quantity, p.RealizedPnL, tt.wantStatus, tt.wantQty, tt.wantPnL)
			}
			if tt.wantStatus == domain.PositionStatusFailed && !strings.Contains(p.FailureReason, "no short") {
				t.Errorf("failure reason = %q", p.FailureReason)
			}
			if bal := h.ledger.Session().Balance; bal != 100_000+tt.wantPnL {
				t.Errorf("balance = %v, expected %v", bal, 100_000+tt.wantPnL)
			}
		})
	}
}

func TestClosedSymbolNotReenteredSameCycle(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "XYZ", TakeProfitPct: pct(5), StopLossPct: pct(5)}}
	// From the second cycle the quote both trips take-profit and scores an
	// entry.
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		if now.Before(marketOpen.Add(time.Hour)) {
			return bearish(symbol, 10, now), nil
		}
		return bearish(symbol, 9, now), nil
	}, nil)

	h.run(t)

	second := cycleNumber(t, h.engine, 2)
	if len(second.Closed) != 1 || second.Closed[0] != "XYZ" {
		t.Fatalf("cycle 2 closed %v, expected XYZ", second.Closed)
	}
	if len(second.Opened) != 0 {
		t.Errorf("cycle 2 re-opened %v", second.Opened)
	}
	if reason := second.Skipped["XYZ"]; reason != "closed this cycle" {
		t.Errorf("skip reason = %q, expected closed this cycle", reason)
	}
	if len(h.exec.opens) < 2 {
		t.Errorf("opens = %v, expected a re-entry in a later cycle", h.exec.opens)
	}
}

func TestConcurrentEntriesRespectCap(t *testing.T) {
	var watch []domain.WatchlistEntry
	for _, s := range []string{"AAA", "BBB", "CCC", "DDD", "EEE", "FFF", "GGG", "HHH"} {
		watch = append(watch, domain.WatchlistEntry{Symbol: s})
	}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		return bearish(symbol, 10, now), nil
	}, nil)

	var mu sync.Mutex
	peak := 0
	h.exec.onOpen = func() {
		mu.Lock()
		peak = max(peak, h.ledger.Active())
		mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	h.run(t)
	assertNoOpen(t, h.ledger)

	if peak > 5 {
		t.Errorf("peak active positions = %d, cap is 5", peak)
	}
	if len(h.exec.opens) != 5 {
		t.Errorf("opens = %v, expected exactly 5", h.exec.opens)
	}
	first := cycleNumber(t, h.engine, 1)
	if len(first.Opened) != 5 {
		t.Errorf("cycle 1 opened %v, expected 5", first.Opened)
	}
	capped := 0
	for _, reason := range first.Skipped {
		if strings.Contains(reason, "max concurrent positions") {
			capped++
		}
	}
	if capped != 3 {
		t.Errorf("cap rejections = %d, expected 3 (skipped %v)", capped, first.Skipped)
	}
}

func TestShortAvailabilityGatesEntry(t *testing.T) {
	tests := []struct {
		name       string
		shorts     *fakeShorts
		wantOpened []string
		wantReason string
	}{
		{
			name:       "hard to borrow skipped",
			shorts:     &fakeShorts{refuse: map[string]bool{"HTB": true}},
			wantOpened: []string{"XYZ"},
			wantReason: "not shortable",
		},
		{
			name:       "lookup error skips",
			shorts:     &fakeShorts{err: errors.New("asset lookup down")},
			wantReason: "short availability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			watch := []domain.WatchlistEntry{{Symbol: "HTB"}, {Symbol: "XYZ"}}
			h := newHarness(marketOpen, watch, dropsTo(10), nil)
			h.engine.deps.Shorts = tt.shorts

			h.run(t)

			first := cycleNumber(t, h.engine, 1)
			if len(first.Opened) != len(tt.wantOpened) || (len(tt.wantOpened) > 0 && first.Opened[0] != tt.wantOpened[0]) {
				t.Errorf("opened %v, expected %v", first.Opened, tt.wantOpened)
			}
			if reason := first.Skipped["HTB"]; !strings.Contains(reason, tt.wantReason) {
				t.Errorf("HTB skip reason = %q, expected %q", reason, tt.wantReason)
			}
			if len(h.positions("HTB")) != 0 {
				t.Error("position opened on a symbol that cannot be shorted")
			}
		})
	}
}

func TestForcedCloseFallsBackToCachedPrice(t *testing.T) {
	watch := []domain.WatchlistEntry{{Symbol: "XYZ", TakeProfitPct: pct(5), StopLossPct: pct(5)}}
	h := newHarness(marketOpen, watch, func(symbol string, now time.Time) (domain.Snapshot, error) {
		switch {
		case now.Before(marketOpen.Add(time.Hour)):
			return bearish(symbol, 10, now), nil
		case now.Before(deadline):
			return neutral(symbol, 9.9, now), nil
		default:
			return domain.Snapshot{}, errors.New("feed down")
		}
	}, nil)
	h.engine.deps.Prices = &fakePrices{prices: make(map[string]float64), at: make(map[string]time.Time)}

	h.run(t)

	got := h.positions("XYZ")
	if len(got) != 1 || got[0].ExitReason != domain.ExitReasonForcedClose {
		t.Fatalf("positions = %+v, expected one forced close", got)
	}
	if *got[0].ExitPrice != 9.9 {
		t.Errorf("reference exit = %v, expected cached 9.9", *got[0].ExitPrice)
	}
}
