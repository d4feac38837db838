// Package paper is an in-process brokerage that fills market orders at the
// latest market data price. It backs the paper run mode.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var (
	_ domain.Brokerage     = (*Broker)(nil)
	_ domain.OrderLookup   = (*Broker)(nil)
	_ domain.OrderCanceler = (*Broker)(nil)
	_ domain.ShortLocator  = (*Broker)(nil)
)

// Broker simulates immediate market fills.
type Broker struct {
	market      domain.MarketData
	slippageBps float64
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	orders    map[string]domain.BrokerOrder
	byClient  map[string]string
	positions map[string]domain.BrokerPosition
}

// NewBroker creates a paper Broker pricing fills from market. Fills move
// against the order by slippageBps basis points.
func NewBroker(market domain.MarketData, slippageBps float64, logger *slog.Logger) *Broker {
	return &Broker{
		market:      market,
		slippageBps: slippageBps,
		logger:      logger.With(slog.String("component", "paper_broker")),
		now:         time.Now,
		orders:      make(map[string]domain.BrokerOrder),
		byClient:    make(map[string]string),
		positions:   make(map[string]domain.BrokerPosition),
	}
}

// PlaceOrder fills req in full at the current price.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.BrokerOrder, error) {
	if req.Qty <= 0 {
		return domain.BrokerOrder{}, fmt.Errorf("paper: quantity %d: %w", req.Qty, domain.ErrOrderRejected)
	}
	snap, err := b.market.GetSnapshot(ctx, req.Symbol)
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("paper: price %s: %w: %w", req.Symbol, domain.ErrTransient, err)
	}
	if snap.Price <= 0 {
		return domain.BrokerOrder{}, fmt.Errorf("paper: no price for %s: %w", req.Symbol, domain.ErrOrderRejected)
	}

	price := snap.Price
	slip := b.slippageBps / 10_000
	if req.Side == domain.OrderSideBuy {
		price *= 1 + slip
	} else {
		price *= 1 - slip
	}
	price = math.Round(price*10_000) / 10_000

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.ClientOrderID != "" {
		if _, dup := b.byClient[req.ClientOrderID]; dup {
			return domain.BrokerOrder{}, fmt.Errorf("paper: client order id %s already used: %w", req.ClientOrderID, domain.ErrOrderRejected)
		}
	}

	order := domain.BrokerOrder{
		ID:             uuid.NewString(),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		FilledQty:      req.Qty,
		FilledAvgPrice: price,
		Status:         domain.OrderStatusFilled,
		UpdatedAt:      b.now(),
	}
	b.orders[order.ID] = order
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = order.ID
	}
	b.apply(order)

	b.logger.InfoContext(ctx, "paper: order filled",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("qty", req.Qty),
		slog.Float64("price", price),
	)
	return order, nil
}

// GetOrderStatus returns a previously placed order.
func (b *Broker) GetOrderStatus(_ context.Context, orderID string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return domain.BrokerOrder{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

// GetOrderByClientID returns the order placed with clientOrderID.
func (b *Broker) GetOrderByClientID(_ context.Context, clientOrderID string) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.byClient[clientOrderID]
	if !ok {
		return domain.BrokerOrder{}, fmt.Errorf("paper: client order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return b.orders[id], nil
}

// CancelOrder is a no-op for filled orders.
func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[orderID]; !ok {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

// Shortable is always true; the simulation has unlimited borrow.
func (b *Broker) Shortable(context.Context, string) (bool, error) {
	return true, nil
}

// GetPosition returns the simulated holding in symbol.
func (b *Broker) GetPosition(_ context.Context, symbol string) (domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return domain.BrokerPosition{}, fmt.Errorf("paper: position %s: %w", symbol, domain.ErrNotFound)
	}
	return p, nil
}

// apply books a fill into the position map. Callers hold b.mu.
func (b *Broker) apply(o domain.BrokerOrder) {
	delta := o.FilledQty
	if o.Side == domain.OrderSideSell {
		delta = -delta
	}

	p := b.positions[o.Symbol]
	p.Symbol = o.Symbol
	next := p.Qty + delta

	switch {
	case next == 0:
		delete(b.positions, o.Symbol)
		return
	case p.Qty == 0 || (p.Qty < 0) != (next < 0):
		p.AvgPrice = o.FilledAvgPrice
	case abs(next) > abs(p.Qty):
		p.AvgPrice = (p.AvgPrice*float64(abs(p.Qty)) + o.FilledAvgPrice*float64(o.FilledQty)) / float64(abs(next))
	}
	p.Qty = next
	b.positions[o.Symbol] = p
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
