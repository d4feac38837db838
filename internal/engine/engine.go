// Package engine runs the trading session: a strictly sequential series of
// cycles between market open and the liquidation deadline, followed by a
// forced liquidation of every remaining short.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
	"github.com/alanyoungcy/shortcycle/internal/risk"
	"github.com/alanyoungcy/shortcycle/internal/signal"
)

// State is the scheduler state.
type State string

const (
	StateBeforeOpen        State = "before_open"
	StateCycleActive       State = "cycle_active"
	StateCycleCoolDown     State = "cycle_cool_down"
	StateForcedLiquidation State = "forced_liquidation"
	StateSessionClosed     State = "session_closed"
)

const maxCycleHistory = 500

// Executor submits orders and reports confirmed fills.
type Executor interface {
	SubmitOpen(ctx context.Context, symbol string, qty int64, refPrice float64) (domain.OrderResult, error)
	SubmitClose(ctx context.Context, pos domain.Position, refPrice float64) (domain.OrderResult, error)
}

// Config holds the scheduler settings.
type Config struct {
	Watchlist                []domain.WatchlistEntry
	TakeProfitPct            float64
	StopLossPct              float64
	CycleInterval            time.Duration
	LiquidationRetryInterval time.Duration
	MaxParallel              int
	// MaxDataAge bounds snapshot age for exit checks. Defaults to the
	// cycle interval.
	MaxDataAge  time.Duration
	CallTimeout time.Duration
}

// Deps are the engine's collaborators. Ledger, Governor, Evaluator,
// Executor, Market and Clock are required.
type Deps struct {
	Ledger    *ledger.Ledger
	Governor  *risk.Governor
	Evaluator *signal.Evaluator
	Executor  Executor
	Market    domain.MarketData
	Clock     Clock

	// Broker enables startup adoption of existing shorts.
	Broker domain.Brokerage
	// Shorts, when set, is asked before every entry whether the symbol can
	// be borrowed.
	Shorts   domain.ShortLocator
	Journal  domain.Journal
	Alerter  domain.Alerter
	Prices   domain.PriceCache
	Archiver domain.SessionArchiver
}

// Status is the engine state exposed to readers.
type Status struct {
	State       State              `json:"state"`
	Cycle       int                `json:"cycle"`
	Session     ledger.Session     `json:"session"`
	Performance ledger.Performance `json:"performance"`
	Archive     string             `json:"archive,omitempty"`
}

// Engine drives one session. Run may be called once.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	entryMu sync.Mutex

	mu       sync.RWMutex
	state    State
	cycle    int
	cycles   []domain.CycleRecord
	manual   []string
	partials map[string]partialCover
	archive  string
}

type partialCover struct {
	qty      int64
	notional float64
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.MaxDataAge <= 0 {
		cfg.MaxDataAge = cfg.CycleInterval
	}
	if cfg.LiquidationRetryInterval <= 0 {
		cfg.LiquidationRetryInterval = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(slog.String("component", "engine")),
		state:    StateBeforeOpen,
		partials: make(map[string]partialCover),
	}
}

// Run drives the session to SessionClosed. It returns the context error if
// the session is cancelled first.
func (e *Engine) Run(ctx context.Context) error {
	session := e.deps.Ledger.Session()
	now := e.deps.Clock.Now()

	switch {
	case !now.Before(session.MarketClose):
		e.setState(ctx, StateSessionClosed)
	case e.deps.Governor.MustLiquidate(now):
		e.setState(ctx, StateForcedLiquidation)
	case now.Before(session.MarketOpen):
		e.setState(ctx, StateBeforeOpen)
	default:
		e.setState(ctx, StateCycleActive)
	}

	if e.State() != StateSessionClosed {
		e.adopt(ctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			e.logger.InfoContext(ctx, "engine: session cancelled", slog.String("state", string(e.State())))
			return err
		}

		switch e.State() {
		case StateBeforeOpen:
			wait := session.MarketOpen.Sub(e.deps.Clock.Now())
			e.logger.InfoContext(ctx, "engine: waiting for market open", slog.Duration("wait", wait))
			if err := e.deps.Clock.Wait(ctx, wait); err != nil {
				return err
			}
			e.setState(ctx, StateCycleActive)

		case StateCycleActive:
			if e.deps.Governor.MustLiquidate(e.deps.Clock.Now()) {
				e.setState(ctx, StateForcedLiquidation)
				continue
			}
			e.runCycle(ctx)
			e.setState(ctx, StateCycleCoolDown)

		case StateCycleCoolDown:
			now := e.deps.Clock.Now()
			wait := e.cfg.CycleInterval
			if left := session.LiquidationDeadline.Sub(now); left < wait {
				wait = left
			}
			if wait > 0 {
				if err := e.deps.Clock.Wait(ctx, wait); err != nil {
					return err
				}
			}
			if e.deps.Governor.MustLiquidate(e.deps.Clock.Now()) {
				e.setState(ctx, StateForcedLiquidation)
			} else {
				e.setState(ctx, StateCycleActive)
			}

		case StateForcedLiquidation:
			if err := e.liquidate(ctx, session); err != nil {
				return err
			}
			e.setState(ctx, StateSessionClosed)

		case StateSessionClosed:
			e.closeSession(ctx, session)
			return nil
		}
	}
}

// RequestManualClose queues symbol to be covered in the next exit phase.
func (e *Engine) RequestManualClose(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateSessionClosed {
		return fmt.Errorf("engine: manual close %s: %w", symbol, domain.ErrSessionClosed)
	}
	if _, ok := e.deps.Ledger.Get(symbol); !ok {
		return fmt.Errorf("engine: manual close %s: %w", symbol, domain.ErrNotFound)
	}
	for _, s := range e.manual {
		if s == symbol {
			return nil
		}
	}
	e.manual = append(e.manual, symbol)
	return nil
}

// HandleManualClose consumes `{"symbol": "XYZ"}` requests from msgs until
// the channel closes or ctx is done.
func (e *Engine) HandleManualClose(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			symbol, err := decodeCloseRequest(msg)
			if err != nil {
				e.logger.WarnContext(ctx, "engine: bad manual close request", slog.String("error", err.Error()))
				continue
			}
			if err := e.RequestManualClose(symbol); err != nil {
				e.logger.WarnContext(ctx, "engine: manual close refused",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
				continue
			}
			e.logger.InfoContext(ctx, "engine: manual close queued", slog.String("symbol", symbol))
		}
	}
}

// State returns the current scheduler state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status returns the scheduler state with a ledger summary.
func (e *Engine) Status() Status {
	snap := e.deps.Ledger.Snapshot()

	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		State:       e.state,
		Cycle:       e.cycle,
		Session:     snap.Session,
		Performance: snap.Performance,
		Archive:     e.archive,
	}
}

// Cycles returns up to limit of the most recent cycle records, newest first.
func (e *Engine) Cycles(limit int) []domain.CycleRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if limit <= 0 || limit > len(e.cycles) {
		limit = len(e.cycles)
	}
	out := make([]domain.CycleRecord, 0, limit)
	for i := len(e.cycles) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.cycles[i].Clone())
	}
	return out
}

// Positions returns a consistent copy of the ledger.
func (e *Engine) Positions() ledger.Snapshot {
	return e.deps.Ledger.Snapshot()
}

func (e *Engine) setState(ctx context.Context, s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	if prev == s {
		return
	}
	e.logger.InfoContext(ctx, "engine: state changed",
		slog.String("from", string(prev)),
		slog.String("to", string(s)),
	)
	e.deps.Journal.RecordEvent(ctx, "state_changed", map[string]any{"from": prev, "to": s})
}

// adopt records shorts the brokerage already holds for watchlist symbols so
// that a restarted process still liquidates them.
func (e *Engine) adopt(ctx context.Context) {
	if e.deps.Broker == nil {
		return
	}
	now := e.deps.Clock.Now()
	for _, w := range e.cfg.Watchlist {
		if _, ok := e.deps.Ledger.Get(w.Symbol); ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		bp, err := e.deps.Broker.GetPosition(cctx, w.Symbol)
		cancel()
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			e.logger.WarnContext(ctx, "engine: adoption lookup failed",
				slog.String("symbol", w.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if bp.Qty >= 0 {
			if bp.Qty > 0 {
				e.logger.WarnContext(ctx, "engine: ignoring long position", slog.String("symbol", w.Symbol), slog.Int64("qty", bp.Qty))
			}
			continue
		}

		id, err := e.deps.Ledger.Open(w.Symbol, ledger.OpenDetails{
			EntryPrice:    bp.AvgPrice,
			Quantity:      -bp.Qty,
			EntryTime:     now,
			TakeProfitPct: w.TakeProfit(e.cfg.TakeProfitPct),
			StopLossPct:   w.StopLoss(e.cfg.StopLossPct),
			OrderID:       "adopted",
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "engine: adoption failed",
				slog.String("symbol", w.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		pos, _ := e.deps.Ledger.ByID(id)
		e.logger.InfoContext(ctx, "engine: adopted brokerage short",
			slog.String("symbol", w.Symbol),
			slog.Int64("qty", pos.Quantity),
			slog.Float64("avg_price", pos.EntryPrice),
		)
		e.deps.Journal.RecordPosition(ctx, pos)
		e.deps.Journal.RecordEvent(ctx, "position_adopted", map[string]any{"symbol": w.Symbol, "qty": pos.Quantity})
	}
}

// liquidate closes every remaining position, retrying failures until the
// hard market close.
func (e *Engine) liquidate(ctx context.Context, session ledger.Session) error {
	for round := 1; ; round++ {
		positions := e.deps.Ledger.OpenPositions()
		if len(positions) == 0 {
			return nil
		}
		e.logger.InfoContext(ctx, "engine: forced liquidation",
			slog.Int("round", round),
			slog.Int("positions", len(positions)),
		)
		e.closeAll(ctx, positions, false)

		remaining := e.deps.Ledger.OpenPositions()
		if len(remaining) == 0 {
			return nil
		}
		now := e.deps.Clock.Now()
		if !now.Before(session.MarketClose) {
			for _, p := range remaining {
				e.failPosition(ctx, p, "not closed before market close", domain.AlertCritical)
			}
			return nil
		}
		wait := e.cfg.LiquidationRetryInterval
		if left := session.MarketClose.Sub(now); left < wait {
			wait = left
		}
		if err := e.deps.Clock.Wait(ctx, wait); err != nil {
			return err
		}
	}
}

func (e *Engine) closeSession(ctx context.Context, session ledger.Session) {
	snap := e.deps.Ledger.Snapshot()
	e.logger.InfoContext(ctx, "engine: session closed",
		slog.Int("trades", snap.Performance.Trades),
		slog.Float64("total_pnl", snap.Performance.TotalPnL),
		slog.Float64("balance", snap.Session.Balance),
		slog.Int("failed", snap.Performance.FailedCount),
	)
	e.deps.Journal.RecordEvent(ctx, "session_closed", map[string]any{
		"balance":     snap.Session.Balance,
		"performance": snap.Performance,
	})
	e.alert(ctx, domain.AlertInfo, "session_closed", "Session closed",
		fmt.Sprintf("%d trades, win rate %.0f%%, pnl %.2f, balance %.2f",
			snap.Performance.Trades, snap.Performance.WinRate, snap.Performance.TotalPnL, snap.Session.Balance))

	if e.deps.Archiver == nil {
		return
	}
	path, err := e.deps.Archiver.ArchiveSession(ctx, session.Day, snap.Positions, e.Cycles(0))
	if err != nil {
		e.logger.ErrorContext(ctx, "engine: archive failed", slog.String("error", err.Error()))
		return
	}
	e.mu.Lock()
	e.archive = path
	e.mu.Unlock()
}

func (e *Engine) alert(ctx context.Context, level domain.AlertLevel, event, title, msg string) {
	if e.deps.Alerter == nil {
		return
	}
	if err := e.deps.Alerter.Alert(ctx, level, event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "engine: alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

type nopJournal struct{}

func (nopJournal) RecordPosition(context.Context, domain.Position)     {}
func (nopJournal) RecordCycle(context.Context, domain.CycleRecord)     {}
func (nopJournal) RecordEvent(context.Context, string, map[string]any) {}
