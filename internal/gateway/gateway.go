// Package gateway turns open-short and cover intents into brokerage orders.
//
// Every submission is a bounded retry state machine. PlaceOrder is never
// assumed idempotent: after any ambiguous outcome the gateway reconciles
// against the brokerage (order status, client order id lookup, or the
// position delta) before it decides whether to place again.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// Config controls retry and reconciliation behaviour.
type Config struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	CallTimeout       time.Duration
	FillTimeout       time.Duration
	FillPollInterval  time.Duration
	DrainTimeout      time.Duration
	PriceTolerancePct float64
	// RateLimit is the number of brokerage calls allowed per minute when a
	// limiter is attached. Zero disables limiting.
	RateLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 30 * time.Second
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = 2 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 15 * time.Second
	}
	return c
}

// Gateway submits orders to a domain.Brokerage.
type Gateway struct {
	broker   domain.Brokerage
	limiter  domain.RateLimiter
	limitKey string
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	newID    func() string
}

// New creates a Gateway over broker.
func New(broker domain.Brokerage, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		broker: broker,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "gateway")),
		sleep:  sleepContext,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithRateLimiter makes every brokerage call take a token from limiter
// under key first.
func (g *Gateway) WithRateLimiter(limiter domain.RateLimiter, key string) *Gateway {
	g.limiter = limiter
	g.limitKey = key
	return g
}

// WithSleep replaces the wait used for backoff and fill polling.
func (g *Gateway) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Gateway {
	g.sleep = fn
	return g
}

// WithClock replaces the clock used to stamp fills.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// SubmitOpen sells qty shares of symbol short. A partial fill is accepted at
// the filled quantity.
func (g *Gateway) SubmitOpen(ctx context.Context, symbol string, qty int64, refPrice float64) (domain.OrderResult, error) {
	if qty <= 0 {
		return domain.OrderResult{}, fmt.Errorf("gateway: open %s: quantity %d must be positive", symbol, qty)
	}

	res, err := g.run(ctx, order{symbol: symbol, side: domain.OrderSideSell, qty: qty})
	if err != nil {
		return res, err
	}
	if res.FilledQty < qty {
		g.mismatch(ctx, &res, fmt.Sprintf("partial fill: %d of %d shares", res.FilledQty, qty))
	}
	if res.FilledPrice <= 0 {
		res.FilledPrice = refPrice
		g.mismatch(ctx, &res, "fill price unavailable, using reference price")
	}
	g.checkPrice(ctx, &res, refPrice)
	return res, nil
}

// SubmitClose buys to cover pos. The remainder of a partial fill is
// re-submitted; the reported price is volume weighted across the orders.
// The cover never exceeds the short the brokerage reports. Any excess is
// returned as Shortfall, and a brokerage with no short at all gets no
// order and an ErrReconciliationMismatch.
func (g *Gateway) SubmitClose(ctx context.Context, pos domain.Position, refPrice float64) (domain.OrderResult, error) {
	if pos.Quantity <= 0 {
		return domain.OrderResult{}, fmt.Errorf("gateway: close %s: quantity %d must be positive", pos.Symbol, pos.Quantity)
	}

	agg := domain.OrderResult{
		Symbol:       pos.Symbol,
		Side:         domain.OrderSideBuy,
		RequestedQty: pos.Quantity,
	}
	var notional float64
	remaining := pos.Quantity

	// The brokerage's short is authoritative. Buying more than it holds
	// would open a long.
	if held, err := g.positionQty(ctx, pos.Symbol); err != nil {
		g.logger.WarnContext(ctx, "gateway: cover pre-check failed",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	} else if -held < remaining {
		short := max(-held, 0)
		agg.Shortfall = remaining - short
		remaining = short
		if short == 0 {
			g.mismatch(ctx, &agg, fmt.Sprintf("brokerage holds no short (qty %d), ledger expects %d", held, pos.Quantity))
			return agg, fmt.Errorf("gateway: close %s: %w", pos.Symbol, domain.ErrReconciliationMismatch)
		}
		g.mismatch(ctx, &agg, fmt.Sprintf("brokerage short %d smaller than ledger %d, covering %d", short, pos.Quantity, short))
	}
	target := remaining

	for round := 0; remaining > 0 && round < g.cfg.MaxAttempts; round++ {
		res, err := g.run(ctx, order{symbol: pos.Symbol, side: domain.OrderSideBuy, qty: remaining})
		agg.Attempts += res.Attempts
		if err != nil {
			if agg.FilledQty > 0 {
				agg.FilledPrice = notional / float64(agg.FilledQty)
				return agg, fmt.Errorf("gateway: close %s covered %d of %d: %w", pos.Symbol, agg.FilledQty, target, err)
			}
			return agg, err
		}

		price := res.FilledPrice
		if price <= 0 {
			price = refPrice
			g.mismatch(ctx, &agg, "exit price unavailable, using reference price")
		}
		notional += price * float64(res.FilledQty)
		remaining -= res.FilledQty
		agg.FilledQty += res.FilledQty
		agg.OrderID = res.OrderID
		agg.ClientOrderID = res.ClientOrderID
		agg.Status = res.Status
		agg.FilledAt = res.FilledAt
		agg.Reconciled = agg.Reconciled || res.Reconciled
		agg.Mismatches = append(agg.Mismatches, res.Mismatches...)

		if remaining > 0 {
			g.logger.WarnContext(ctx, "gateway: partial cover, resubmitting remainder",
				slog.String("symbol", pos.Symbol),
				slog.Int64("filled", res.FilledQty),
				slog.Int64("remaining", remaining),
			)
		}
	}

	if agg.FilledQty > 0 {
		agg.FilledPrice = notional / float64(agg.FilledQty)
	}
	if remaining > 0 {
		return agg, fmt.Errorf("gateway: close %s covered %d of %d: %w", pos.Symbol, agg.FilledQty, target, domain.ErrExecutionFailed)
	}
	g.checkPrice(ctx, &agg, refPrice)
	return agg, nil
}

type order struct {
	symbol string
	side   domain.OrderSide
	qty    int64
}

// tracker is the state carried across the attempts of one order.
type tracker struct {
	order
	clientID string
	orderID  string
	// sent is set once the order may have reached the brokerage.
	sent     bool
	baseline *int64
	last     domain.BrokerOrder
	attempts int
}

func (t *tracker) reset(newID string) {
	t.clientID = newID
	t.orderID = ""
	t.sent = false
	t.last = domain.BrokerOrder{}
}

func (g *Gateway) run(ctx context.Context, o order) (domain.OrderResult, error) {
	t := &tracker{order: o, clientID: g.newID()}
	var lastErr error

	for n := 1; n <= g.cfg.MaxAttempts; n++ {
		if n > 1 {
			if err := g.sleep(ctx, g.backoff(n-1)); err != nil {
				return g.drain(ctx, t)
			}
		}
		t.attempts = n

		res, done, err := g.attempt(ctx, t)
		if done {
			return res, err
		}
		lastErr = err
		g.logger.WarnContext(ctx, "gateway: attempt failed",
			slog.String("symbol", t.symbol),
			slog.String("side", string(t.side)),
			slog.Int("attempt", n),
			slog.Int("max_attempts", g.cfg.MaxAttempts),
			slog.String("error", errString(err)),
		)
		if ctx.Err() != nil {
			return g.drain(ctx, t)
		}
	}
	return g.exhaust(ctx, t, lastErr)
}

// attempt runs one pass of baseline, placement and reconciliation. done is
// true when the outcome is final, successful or not.
func (g *Gateway) attempt(ctx context.Context, t *tracker) (domain.OrderResult, bool, error) {
	if t.baseline == nil {
		qty, err := g.positionQty(ctx, t.symbol)
		if err != nil {
			return domain.OrderResult{}, false, fmt.Errorf("gateway: baseline %s: %w", t.symbol, err)
		}
		t.baseline = &qty
	}

	var ambiguous error
	if !t.sent {
		req := domain.OrderRequest{Symbol: t.symbol, Side: t.side, Qty: t.qty, ClientOrderID: t.clientID}
		var bo domain.BrokerOrder
		err := g.call(ctx, "place order", func(cctx context.Context) error {
			var err error
			bo, err = g.broker.PlaceOrder(cctx, req)
			return err
		})
		switch {
		case err == nil:
			t.sent = true
			t.orderID = bo.ID
			t.last = bo
		case errors.Is(err, domain.ErrRateLimited):
			return domain.OrderResult{}, false, fmt.Errorf("gateway: place %s: %w", t.symbol, err)
		case errors.Is(err, domain.ErrOrderRejected):
			return g.result(t, domain.BrokerOrder{Status: domain.OrderStatusRejected}), true,
				fmt.Errorf("gateway: place %s: %w", t.symbol, err)
		default:
			t.sent = true
			ambiguous = err
			g.logger.WarnContext(ctx, "gateway: order outcome unknown, reconciling",
				slog.String("symbol", t.symbol),
				slog.String("client_order_id", t.clientID),
				slog.String("error", err.Error()),
			)
		}
	}

	res, done, err := g.reconcile(ctx, t)
	if !done && ambiguous != nil {
		err = fmt.Errorf("gateway: place %s: %w", t.symbol, ambiguous)
	}
	return res, done, err
}

func (g *Gateway) reconcile(ctx context.Context, t *tracker) (domain.OrderResult, bool, error) {
	if t.orderID == "" {
		res, done, located, err := g.locate(ctx, t)
		if done || !located {
			return res, done, err
		}
	}

	if t.last.ID == t.orderID && t.last.Status != "" {
		if res, done, again, err := g.evaluate(t, t.last); !again {
			return res, done, err
		}
	}

	polls := int(g.cfg.FillTimeout / g.cfg.FillPollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		if err := g.sleep(ctx, g.cfg.FillPollInterval); err != nil {
			return domain.OrderResult{}, false, fmt.Errorf("gateway: await fill %s: %w", t.orderID, err)
		}
		var bo domain.BrokerOrder
		err := g.call(ctx, "order status", func(cctx context.Context) error {
			var err error
			bo, err = g.broker.GetOrderStatus(cctx, t.orderID)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return domain.OrderResult{}, false, fmt.Errorf("gateway: await fill %s: %w", t.orderID, ctx.Err())
			}
			g.logger.DebugContext(ctx, "gateway: order status failed",
				slog.String("order_id", t.orderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		t.last = bo
		if res, done, again, err := g.evaluate(t, bo); !again {
			return res, done, err
		}
	}
	return domain.OrderResult{}, false, fmt.Errorf("gateway: order %s not filled within %s: %w",
		t.orderID, g.cfg.FillTimeout, domain.ErrTransient)
}

// locate finds an order whose acknowledgement was lost. located reports
// that t.orderID is now known and polling can proceed.
func (g *Gateway) locate(ctx context.Context, t *tracker) (res domain.OrderResult, done, located bool, err error) {
	if lookup, ok := g.broker.(domain.OrderLookup); ok {
		var bo domain.BrokerOrder
		err := g.call(ctx, "order lookup", func(cctx context.Context) error {
			var err error
			bo, err = lookup.GetOrderByClientID(cctx, t.clientID)
			return err
		})
		switch {
		case err == nil:
			t.orderID = bo.ID
			t.last = bo
			return domain.OrderResult{}, false, true, nil
		case errors.Is(err, domain.ErrNotFound):
			t.sent = false
			return domain.OrderResult{}, false, false, fmt.Errorf("gateway: order %s never arrived: %w", t.clientID, domain.ErrTransient)
		default:
			return domain.OrderResult{}, false, false, fmt.Errorf("gateway: order lookup %s: %w", t.clientID, err)
		}
	}

	// Without a lookup the position delta is the only evidence. A working
	// order that has not filled yet reads as never placed.
	qty, err := g.positionQty(ctx, t.symbol)
	if err != nil {
		return domain.OrderResult{}, false, false, fmt.Errorf("gateway: reconcile position %s: %w", t.symbol, err)
	}
	moved := qty - *t.baseline
	if t.side == domain.OrderSideSell {
		moved = -moved
	}
	if moved <= 0 {
		t.sent = false
		return domain.OrderResult{}, false, false, fmt.Errorf("gateway: %s position unchanged: %w", t.symbol, domain.ErrTransient)
	}
	if moved > t.qty {
		moved = t.qty
	}

	bo := domain.BrokerOrder{
		ClientOrderID: t.clientID,
		Symbol:        t.symbol,
		Side:          t.side,
		Qty:           t.qty,
		FilledQty:     moved,
		Status:        domain.OrderStatusFilled,
	}
	// The position's average price is an entry price; it says nothing
	// about the price a cover executed at.
	if t.side == domain.OrderSideSell && *t.baseline == 0 {
		pos, err := g.position(ctx, t.symbol)
		if err == nil {
			bo.FilledAvgPrice = pos.AvgPrice
		}
	}
	res = g.result(t, bo)
	res.Reconciled = true
	g.logger.InfoContext(ctx, "gateway: fill reconciled from position",
		slog.String("symbol", t.symbol),
		slog.Int64("filled", moved),
	)
	return res, true, false, nil
}

// evaluate classifies an observed order. again is true while the order is
// still working.
func (g *Gateway) evaluate(t *tracker, bo domain.BrokerOrder) (res domain.OrderResult, done, again bool, err error) {
	switch bo.Status {
	case domain.OrderStatusFilled:
		if bo.FilledQty <= 0 || bo.FilledQty > t.qty {
			bo.FilledQty = t.qty
		}
		return g.result(t, bo), true, false, nil
	case domain.OrderStatusRejected:
		return g.result(t, bo), true, false, fmt.Errorf("gateway: order %s: %w", bo.ID, domain.ErrOrderRejected)
	case domain.OrderStatusCanceled, domain.OrderStatusExpired:
		if bo.FilledQty > 0 {
			return g.result(t, bo), true, false, nil
		}
		id := bo.ID
		t.reset(g.newID())
		return domain.OrderResult{}, false, false, fmt.Errorf("gateway: order %s %s without fill: %w", id, bo.Status, domain.ErrTransient)
	default:
		return domain.OrderResult{}, false, true, nil
	}
}

// exhaust cancels any working order and reports what actually filled.
func (g *Gateway) exhaust(ctx context.Context, t *tracker, lastErr error) (domain.OrderResult, error) {
	if t.sent && t.orderID != "" {
		if canceler, ok := g.broker.(domain.OrderCanceler); ok {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CallTimeout)
			defer cancel()

			if err := canceler.CancelOrder(dctx, t.orderID); err != nil {
				g.logger.WarnContext(ctx, "gateway: cancel failed",
					slog.String("order_id", t.orderID),
					slog.String("error", err.Error()),
				)
			}
			if bo, err := g.broker.GetOrderStatus(dctx, t.orderID); err == nil && bo.FilledQty > 0 {
				if bo.FilledQty > t.qty {
					bo.FilledQty = t.qty
				}
				g.logger.WarnContext(ctx, "gateway: order filled before cancel",
					slog.String("order_id", t.orderID),
					slog.Int64("filled", bo.FilledQty),
				)
				return g.result(t, bo), nil
			}
		}
	}
	return domain.OrderResult{Symbol: t.symbol, Side: t.side, RequestedQty: t.qty, Attempts: t.attempts},
		fmt.Errorf("gateway: %s %s failed after %d attempts: %w: %w",
			t.side, t.symbol, t.attempts, domain.ErrExecutionFailed, lastErr)
}

// drain reconciles once on a detached context after the session was
// cancelled so that an order that did fill is reported, not abandoned.
func (g *Gateway) drain(ctx context.Context, t *tracker) (domain.OrderResult, error) {
	cause := ctx.Err()
	if t.sent {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.DrainTimeout)
		defer cancel()

		res, done, err := g.reconcile(dctx, t)
		if done && err == nil {
			g.logger.InfoContext(dctx, "gateway: fill recovered after cancellation",
				slog.String("symbol", t.symbol),
				slog.Int64("filled", res.FilledQty),
			)
			return res, nil
		}
	}
	return domain.OrderResult{Symbol: t.symbol, Side: t.side, RequestedQty: t.qty, Attempts: t.attempts},
		fmt.Errorf("gateway: %s %s interrupted: %w: %w", t.side, t.symbol, domain.ErrExecutionFailed, cause)
}

func (g *Gateway) result(t *tracker, bo domain.BrokerOrder) domain.OrderResult {
	filledAt := bo.UpdatedAt
	if filledAt.IsZero() {
		filledAt = g.now()
	}
	return domain.OrderResult{
		OrderID:       bo.ID,
		ClientOrderID: t.clientID,
		Symbol:        t.symbol,
		Side:          t.side,
		RequestedQty:  t.qty,
		FilledQty:     bo.FilledQty,
		FilledPrice:   bo.FilledAvgPrice,
		Status:        bo.Status,
		Attempts:      t.attempts,
		FilledAt:      filledAt,
	}
}

func (g *Gateway) position(ctx context.Context, symbol string) (domain.BrokerPosition, error) {
	var pos domain.BrokerPosition
	err := g.call(ctx, "get position", func(cctx context.Context) error {
		var err error
		pos, err = g.broker.GetPosition(cctx, symbol)
		return err
	})
	return pos, err
}

func (g *Gateway) positionQty(ctx context.Context, symbol string) (int64, error) {
	pos, err := g.position(ctx, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pos.Qty, nil
}

// call runs fn under the per-call timeout after taking a rate limit token.
func (g *Gateway) call(ctx context.Context, name string, fn func(context.Context) error) error {
	if g.limiter != nil && g.cfg.RateLimit > 0 {
		ok, err := g.limiter.Allow(ctx, g.limitKey, g.cfg.RateLimit, time.Minute)
		if err != nil {
			g.logger.WarnContext(ctx, "gateway: rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return fmt.Errorf("gateway: %s: %w", name, domain.ErrRateLimited)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("gateway: %s timed out after %s: %w", name, g.cfg.CallTimeout, domain.ErrTransient)
	}
	return err
}

func (g *Gateway) backoff(n int) time.Duration {
	d := g.cfg.BaseBackoff
	for i := 1; i < n && d < g.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > g.cfg.MaxBackoff {
		return g.cfg.MaxBackoff
	}
	return d
}

func (g *Gateway) checkPrice(ctx context.Context, res *domain.OrderResult, refPrice float64) {
	if refPrice <= 0 || res.FilledPrice <= 0 || g.cfg.PriceTolerancePct <= 0 {
		return
	}
	dev := math.Abs(res.FilledPrice-refPrice) / refPrice * 100
	if dev > g.cfg.PriceTolerancePct {
		g.mismatch(ctx, res, fmt.Sprintf("fill price %.4f deviates %.2f%% from reference %.4f", res.FilledPrice, dev, refPrice))
	}
}

func (g *Gateway) mismatch(ctx context.Context, res *domain.OrderResult, detail string) {
	res.Mismatches = append(res.Mismatches, detail)
	g.logger.WarnContext(ctx, "gateway: reconciliation mismatch",
		slog.String("symbol", res.Symbol),
		slog.String("side", string(res.Side)),
		slog.String("detail", detail),
		slog.String("error", domain.ErrReconciliationMismatch.Error()),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
