package alpaca

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var (
	_ domain.Brokerage     = (*Broker)(nil)
	_ domain.OrderLookup   = (*Broker)(nil)
	_ domain.OrderCanceler = (*Broker)(nil)
)

// Broker places market orders through the Alpaca trading API.
type Broker struct {
	client *Client
}

// NewBroker creates a Broker over client.
func NewBroker(client *Client) *Broker {
	return &Broker{client: client}
}

// PlaceOrder submits a day market order.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.BrokerOrder, error) {
	qty := decimal.NewFromInt(req.Qty)
	side := alpaca.Sell
	if req.Side == domain.OrderSideBuy {
		side = alpaca.Buy
	}

	order, err := call(ctx, func() (*alpaca.Order, error) {
		return b.client.trading.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:        b.client.toVenue(req.Symbol),
			Qty:           &qty,
			Side:          side,
			Type:          alpaca.Market,
			TimeInForce:   alpaca.Day,
			ClientOrderID: req.ClientOrderID,
		})
	})
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: place order %s %s: %w", req.Side, req.Symbol, classify(err))
	}
	return toBrokerOrder(req.Symbol, order), nil
}

// GetOrderStatus fetches an order by brokerage id.
func (b *Broker) GetOrderStatus(ctx context.Context, orderID string) (domain.BrokerOrder, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) { return b.client.trading.GetOrder(orderID) })
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: get order %s: %w", orderID, classify(err))
	}
	return toBrokerOrder(b.fromVenue(order.Symbol), order), nil
}

// GetOrderByClientID fetches an order by the client-assigned id.
func (b *Broker) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.BrokerOrder, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) {
		return b.client.trading.GetOrderByClientOrderID(clientOrderID)
	})
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("alpaca: get order by client id %s: %w", clientOrderID, classify(err))
	}
	return toBrokerOrder(b.fromVenue(order.Symbol), order), nil
}

// CancelOrder cancels a working order.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, b.client.trading.CancelOrder(orderID)
	})
	if err != nil {
		return fmt.Errorf("alpaca: cancel order %s: %w", orderID, classify(err))
	}
	return nil
}

// GetPosition returns the signed holding in symbol, or ErrNotFound when flat.
func (b *Broker) GetPosition(ctx context.Context, symbol string) (domain.BrokerPosition, error) {
	pos, err := call(ctx, func() (*alpaca.Position, error) {
		return b.client.trading.GetPosition(b.client.toVenue(symbol))
	})
	if err != nil {
		return domain.BrokerPosition{}, fmt.Errorf("alpaca: get position %s: %w", symbol, classify(err))
	}
	return domain.BrokerPosition{
		Symbol:   symbol,
		Qty:      pos.Qty.IntPart(),
		AvgPrice: pos.AvgEntryPrice.InexactFloat64(),
	}, nil
}

func (b *Broker) fromVenue(symbol string) string {
	return symbol + b.client.opts.SymbolSuffix
}

func toBrokerOrder(symbol string, o *alpaca.Order) domain.BrokerOrder {
	out := domain.BrokerOrder{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          domain.OrderSideSell,
		FilledQty:     o.FilledQty.IntPart(),
		Status:        orderStatus(o.Status),
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Side == alpaca.Buy {
		out.Side = domain.OrderSideBuy
	}
	if o.Qty != nil {
		out.Qty = o.Qty.IntPart()
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledAt != nil && !o.FilledAt.IsZero() {
		out.UpdatedAt = *o.FilledAt
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now()
	}
	return out
}

// orderStatus normalizes Alpaca's order states.
func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "replaced":
		return domain.OrderStatusCanceled
	case "expired", "done_for_day":
		return domain.OrderStatusExpired
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		// new, accepted, pending_new, pending_cancel, held, calculated...
		return domain.OrderStatusNew
	}
}
