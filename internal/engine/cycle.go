package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
	"github.com/alanyoungcy/shortcycle/internal/risk"
	"github.com/alanyoungcy/shortcycle/internal/signal"
)

// cycleRun accumulates one cycle's outcome from concurrent workers.
type cycleRun struct {
	mu  sync.Mutex
	rec domain.CycleRecord
}

func (c *cycleRun) add(list *[]string, symbol string) {
	c.mu.Lock()
	*list = append(*list, symbol)
	c.mu.Unlock()
}

func (c *cycleRun) skip(symbol, reason string) {
	c.mu.Lock()
	c.rec.Skipped[symbol] = reason
	c.mu.Unlock()
}

func (c *cycleRun) closed(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.rec.Closed {
		if s == symbol {
			return true
		}
	}
	return false
}

func (e *Engine) runCycle(ctx context.Context) {
	e.mu.Lock()
	e.cycle++
	number := e.cycle
	manual := e.manual
	e.manual = nil
	e.mu.Unlock()

	run := &cycleRun{rec: domain.CycleRecord{
		ID:        uuid.NewString(),
		Number:    number,
		StartedAt: e.deps.Clock.Now(),
		Skipped:   make(map[string]string),
	}}
	logger := e.logger.With(slog.Int("cycle", number))
	logger.InfoContext(ctx, "engine: cycle started", slog.Int("open_positions", len(e.deps.Ledger.OpenPositions())))

	e.manualExits(ctx, run, manual)
	e.exitPhase(ctx, run)
	e.entryPhase(ctx, run)

	run.rec.EndedAt = e.deps.Clock.Now()
	rec := run.rec.Clone()

	e.mu.Lock()
	e.cycles = append(e.cycles, rec)
	if len(e.cycles) > maxCycleHistory {
		e.cycles = e.cycles[len(e.cycles)-maxCycleHistory:]
	}
	e.mu.Unlock()

	e.deps.Journal.RecordCycle(ctx, rec)
	logger.InfoContext(ctx, "engine: cycle finished",
		slog.Int("evaluated", len(rec.Evaluated)),
		slog.Int("opened", len(rec.Opened)),
		slog.Int("closed", len(rec.Closed)),
		slog.Int("failed", len(rec.Failed)),
		slog.Int("skipped", len(rec.Skipped)),
		slog.Duration("took", rec.EndedAt.Sub(rec.StartedAt)),
	)
}

func (e *Engine) manualExits(ctx context.Context, run *cycleRun, symbols []string) {
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, symbol := range symbols {
		pos, ok := e.deps.Ledger.Get(symbol)
		if !ok || pos.Status != domain.PositionStatusOpen {
			continue
		}
		g.Go(func() error {
			ref := pos.EntryPrice
			if snap, err := e.snapshot(ctx, pos.Symbol); err == nil && !snap.Stale(e.deps.Clock.Now(), e.cfg.MaxDataAge) {
				ref = snap.Price
			}
			e.recordClose(run, pos.Symbol, e.closePosition(ctx, pos, domain.ExitReasonManualClose, ref, true))
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) exitPhase(ctx context.Context, run *cycleRun) {
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, pos := range e.deps.Ledger.OpenPositions() {
		if pos.Status != domain.PositionStatusOpen {
			continue
		}
		g.Go(func() error {
			snap, err := e.snapshot(ctx, pos.Symbol)
			if err != nil {
				run.skip(pos.Symbol, "exit check: "+err.Error())
				return nil
			}
			if snap.Price <= 0 || snap.Stale(e.deps.Clock.Now(), e.cfg.MaxDataAge) {
				run.skip(pos.Symbol, "exit check: "+domain.ErrDataStale.Error())
				return nil
			}

			var reason domain.ExitReason
			switch {
			case pos.TakeProfitHit(snap.Price):
				reason = domain.ExitReasonTakeProfit
			case pos.StopLossHit(snap.Price):
				reason = domain.ExitReasonStopLoss
			default:
				return nil
			}
			e.recordClose(run, pos.Symbol, e.closePosition(ctx, pos, reason, snap.Price, true))
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) entryPhase(ctx context.Context, run *cycleRun) {
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, entry := range e.cfg.Watchlist {
		if _, ok := e.deps.Ledger.Get(entry.Symbol); ok {
			continue
		}
		if run.closed(entry.Symbol) {
			run.skip(entry.Symbol, "closed this cycle")
			continue
		}
		if e.deps.Ledger.HasFailed(entry.Symbol) {
			run.skip(entry.Symbol, "failed earlier this session")
			continue
		}
		g.Go(func() error {
			e.tryEntry(ctx, run, entry)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) tryEntry(ctx context.Context, run *cycleRun, entry domain.WatchlistEntry) {
	symbol := entry.Symbol
	run.add(&run.rec.Evaluated, symbol)

	snap, err := e.snapshot(ctx, symbol)
	if err != nil {
		run.skip(symbol, "market data: "+err.Error())
		return
	}
	now := e.deps.Clock.Now()
	d := e.deps.Evaluator.Evaluate(symbol, snap, now)
	if d.Action != signal.ActionEnter {
		run.skip(symbol, d.Reason)
		return
	}
	if reason, ok := e.shortable(ctx, symbol); !ok {
		run.skip(symbol, reason)
		return
	}

	// Approval and reservation are one step so concurrent entries cannot
	// overrun the concurrency cap.
	e.entryMu.Lock()
	qty := e.deps.Governor.Size(entry, snap.Price)
	verdict := e.deps.Governor.Approve(ctx, risk.Intent{
		Kind:     risk.IntentOpen,
		Entry:    entry,
		Quantity: qty,
		Price:    snap.Price,
		At:       now,
	})
	var id string
	if verdict.Approved {
		id, err = e.deps.Ledger.Reserve(symbol, qty)
	}
	e.entryMu.Unlock()

	if !verdict.Approved {
		run.skip(symbol, verdict.Reason)
		return
	}
	if err != nil {
		run.skip(symbol, err.Error())
		return
	}

	e.logger.InfoContext(ctx, "engine: entering short",
		slog.String("symbol", symbol),
		slog.Int64("qty", qty),
		slog.Float64("price", snap.Price),
		slog.Float64("score", d.Score),
		slog.String("recommendation", string(d.Recommendation)),
	)

	res, err := e.deps.Executor.SubmitOpen(ctx, symbol, qty, snap.Price)
	e.recordMismatches(ctx, res)
	if err != nil {
		pending, _ := e.deps.Ledger.ByID(id)
		e.failPosition(ctx, pending, "entry: "+err.Error(), domain.AlertWarning)
		run.add(&run.rec.Failed, symbol)
		return
	}

	pos, err := e.deps.Ledger.Confirm(id, ledger.OpenDetails{
		EntryPrice:    res.FilledPrice,
		Quantity:      res.FilledQty,
		EntryTime:     res.FilledAt,
		TakeProfitPct: entry.TakeProfit(e.cfg.TakeProfitPct),
		StopLossPct:   entry.StopLoss(e.cfg.StopLossPct),
		OrderID:       res.OrderID,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "engine: confirm failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		pending, _ := e.deps.Ledger.ByID(id)
		e.failPosition(ctx, pending, "confirm: "+err.Error(), domain.AlertCritical)
		run.add(&run.rec.Failed, symbol)
		return
	}

	run.add(&run.rec.Opened, symbol)
	e.deps.Journal.RecordPosition(ctx, pos)
	e.logger.InfoContext(ctx, "engine: short opened",
		slog.String("symbol", symbol),
		slog.Int64("qty", pos.Quantity),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("take_profit", pos.TakeProfitPrice),
		slog.Float64("stop_loss", pos.StopLossPrice),
	)
	e.alert(ctx, domain.AlertInfo, "position_opened", "Short opened",
		fmt.Sprintf("%s: %d @ %.4f (TP %.4f, SL %.4f)", symbol, pos.Quantity, pos.EntryPrice, pos.TakeProfitPrice, pos.StopLossPrice))
}

// closeAll covers positions concurrently. With failHard false a failed
// cover leaves the position Closing for a later retry.
func (e *Engine) closeAll(ctx context.Context, positions []domain.Position, failHard bool) {
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, pos := range positions {
		g.Go(func() error {
			ref := pos.EntryPrice
			if snap, err := e.snapshot(ctx, pos.Symbol); err == nil && snap.Price > 0 {
				ref = snap.Price
			} else if price, ok := e.cachedPrice(ctx, pos.Symbol); ok {
				ref = price
			}
			e.closePosition(ctx, pos, domain.ExitReasonForcedClose, ref, failHard)
			return nil
		})
	}
	_ = g.Wait()
}

type closeOutcome int

const (
	closeFailed closeOutcome = iota
	closeDone
	// closePartial leaves the position Open with the covered shares
	// remembered; a later exit buys the rest.
	closePartial
)

func (e *Engine) recordClose(run *cycleRun, symbol string, out closeOutcome) {
	switch out {
	case closeDone:
		run.add(&run.rec.Closed, symbol)
	case closePartial:
		run.skip(symbol, "partially covered, remainder stays open")
	default:
		run.add(&run.rec.Failed, symbol)
	}
}

// closePosition covers pos and books the exit. With failHard false a failed
// cover leaves the position Closing for the caller to retry.
func (e *Engine) closePosition(ctx context.Context, pos domain.Position, reason domain.ExitReason, ref float64, failHard bool) closeOutcome {
	verdict := e.deps.Governor.Approve(ctx, risk.Intent{
		Kind:     risk.IntentClose,
		Entry:    domain.WatchlistEntry{Symbol: pos.Symbol},
		Quantity: pos.Quantity,
		Price:    ref,
		At:       e.deps.Clock.Now(),
	})
	if !verdict.Approved {
		e.logger.ErrorContext(ctx, "engine: close refused by risk",
			slog.String("symbol", pos.Symbol),
			slog.String("reason", verdict.Reason),
		)
		return closeFailed
	}
	if _, err := e.deps.Ledger.BeginClose(pos.ID); err != nil {
		e.logger.WarnContext(ctx, "engine: begin close refused",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return closeFailed
	}

	e.mu.Lock()
	prior := e.partials[pos.ID]
	e.mu.Unlock()

	order := pos
	order.Quantity -= prior.qty
	res, err := e.deps.Executor.SubmitClose(ctx, order, ref)
	e.recordMismatches(ctx, res)

	covered := prior
	if res.FilledQty > 0 {
		covered.qty += res.FilledQty
		covered.notional += res.FilledPrice * float64(res.FilledQty)
	}

	// The brokerage held fewer shares than the ledger. Those were never
	// short, so the position shrinks to what was actually there.
	target := pos.Quantity - res.Shortfall
	if res.Shortfall > 0 {
		e.logger.WarnContext(ctx, "engine: ledger corrected to brokerage short",
			slog.String("symbol", pos.Symbol),
			slog.Int64("ledger_qty", pos.Quantity),
			slog.Int64("brokerage_qty", target-prior.qty),
		)
		if errors.Is(err, domain.ErrReconciliationMismatch) {
			err = nil
		}
	}

	switch {
	case target <= 0:
		current, _ := e.deps.Ledger.ByID(pos.ID)
		e.failPosition(ctx, current, fmt.Sprintf("%s: brokerage holds no short position", reason), domain.AlertWarning)
		return closeFailed

	case err != nil || covered.qty < target:
		if err == nil {
			err = fmt.Errorf("covered %d of %d: %w", covered.qty, target, domain.ErrExecutionFailed)
		}
		e.mu.Lock()
		e.partials[pos.ID] = covered
		e.mu.Unlock()

		e.logger.ErrorContext(ctx, "engine: close failed",
			slog.String("symbol", pos.Symbol),
			slog.String("reason", string(reason)),
			slog.Int64("covered", covered.qty),
			slog.Int64("target", target),
			slog.String("error", err.Error()),
		)
		if !failHard {
			return closeFailed
		}
		if res.FilledQty > 0 {
			if _, rerr := e.deps.Ledger.Reopen(pos.ID); rerr == nil {
				e.deps.Journal.RecordEvent(ctx, "position_partially_covered", map[string]any{
					"symbol":    pos.Symbol,
					"id":        pos.ID,
					"covered":   covered.qty,
					"remaining": target - covered.qty,
				})
				return closePartial
			}
		}
		current, _ := e.deps.Ledger.ByID(pos.ID)
		e.failPosition(ctx, current, fmt.Sprintf("%s: %v", reason, err), domain.AlertWarning)
		return closeFailed
	}

	e.mu.Lock()
	delete(e.partials, pos.ID)
	e.mu.Unlock()

	exitAt := res.FilledAt
	if exitAt.IsZero() {
		exitAt = e.deps.Clock.Now()
	}
	closed, err := e.deps.Ledger.Close(pos.ID, ledger.ExitDetails{
		ExitPrice: covered.notional / float64(covered.qty),
		ExitTime:  exitAt,
		Reason:    reason,
		OrderID:   res.OrderID,
		Quantity:  covered.qty,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "engine: ledger close failed",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return closeFailed
	}

	e.deps.Journal.RecordPosition(ctx, closed)
	e.logger.InfoContext(ctx, "engine: short closed",
		slog.String("symbol", closed.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit", *closed.ExitPrice),
		slog.Float64("pnl", closed.RealizedPnL),
	)
	e.alert(ctx, domain.AlertInfo, "position_closed", "Short closed",
		fmt.Sprintf("%s %s: %d @ %.4f, P&L %.2f", closed.Symbol, reason, closed.Quantity, *closed.ExitPrice, closed.RealizedPnL))
	return closeDone
}

// failPosition marks pos Failed. Shares already covered are booked first so
// the Failed position carries only the shares still short.
func (e *Engine) failPosition(ctx context.Context, pos domain.Position, reason string, level domain.AlertLevel) {
	e.mu.Lock()
	part, ok := e.partials[pos.ID]
	delete(e.partials, pos.ID)
	e.mu.Unlock()

	if ok && part.qty > 0 {
		booked, err := e.deps.Ledger.BookCover(pos.ID, part.qty, part.notional/float64(part.qty))
		if err != nil {
			e.logger.ErrorContext(ctx, "engine: booking partial cover failed",
				slog.String("symbol", pos.Symbol),
				slog.Int64("covered", part.qty),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.InfoContext(ctx, "engine: partial cover booked",
				slog.String("symbol", booked.Symbol),
				slog.Int64("covered", part.qty),
				slog.Int64("remaining", booked.Quantity),
				slog.Float64("pnl", booked.RealizedPnL),
			)
		}
	}

	failed, err := e.deps.Ledger.MarkFailed(pos.ID, reason)
	if err != nil {
		e.logger.ErrorContext(ctx, "engine: mark failed refused",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	e.deps.Journal.RecordPosition(ctx, failed)
	e.deps.Journal.RecordEvent(ctx, "position_failed", map[string]any{
		"symbol": failed.Symbol,
		"id":     failed.ID,
		"qty":    failed.Quantity,
		"reason": reason,
	})
	e.logger.ErrorContext(ctx, "engine: position failed",
		slog.String("symbol", failed.Symbol),
		slog.Int64("qty", failed.Quantity),
		slog.String("reason", reason),
	)
	e.alert(ctx, level, "position_failed", "Position failed",
		fmt.Sprintf("%s (%d shares) needs attention: %s", failed.Symbol, failed.Quantity, reason))
}

// shortable asks the locator, when one is wired, whether symbol can be
// borrowed. A lookup error skips the entry like a refusal does.
func (e *Engine) shortable(ctx context.Context, symbol string) (string, bool) {
	if e.deps.Shorts == nil {
		return "", true
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	ok, err := e.deps.Shorts.Shortable(cctx, symbol)
	switch {
	case err != nil:
		return "short availability: " + err.Error(), false
	case !ok:
		return "not shortable", false
	}
	return "", true
}

// cachedPrice returns the last cached price for symbol if it is recent
// enough to serve as a reference.
func (e *Engine) cachedPrice(ctx context.Context, symbol string) (float64, bool) {
	if e.deps.Prices == nil {
		return 0, false
	}
	price, ts, err := e.deps.Prices.GetPrice(ctx, symbol)
	if err != nil || price <= 0 || e.deps.Clock.Now().Sub(ts) > e.cfg.MaxDataAge {
		return 0, false
	}
	return price, true
}

func (e *Engine) recordMismatches(ctx context.Context, res domain.OrderResult) {
	for _, m := range res.Mismatches {
		e.deps.Journal.RecordEvent(ctx, "reconciliation_mismatch", map[string]any{
			"symbol":   res.Symbol,
			"side":     res.Side,
			"order_id": res.OrderID,
			"detail":   m,
		})
	}
}

func (e *Engine) snapshot(ctx context.Context, symbol string) (domain.Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	snap, err := e.deps.Market.GetSnapshot(cctx, symbol)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if e.deps.Prices != nil && snap.Price > 0 {
		if err := e.deps.Prices.SetPrice(ctx, symbol, snap.Price, snap.Timestamp); err != nil {
			e.logger.DebugContext(ctx, "engine: price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap, nil
}

func decodeCloseRequest(msg []byte) (string, error) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		return "", fmt.Errorf("engine: decode close request: %w", err)
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return "", errors.New("engine: close request without symbol")
	}
	return req.Symbol, nil
}
