package domain

import "time"

// OrderSide is the brokerage side of an order. Shorts are opened with a sell
// and covered with a buy.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the normalized brokerage order state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the brokerage will not change the order further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest is a market order intent sent to the brokerage.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Qty           int64
	ClientOrderID string
}

// BrokerOrder is the brokerage's view of an order.
type BrokerOrder struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Qty            int64
	FilledQty      int64
	FilledAvgPrice float64
	Status         OrderStatus
	UpdatedAt      time.Time
}

// BrokerPosition is the brokerage's view of a holding. Qty is signed; shorts
// are negative.
type BrokerPosition struct {
	Symbol   string
	Qty      int64
	AvgPrice float64
}

// OrderResult is the confirmed outcome of a gateway submission. FilledQty
// and FilledPrice are facts reported by the brokerage, not the intent.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	RequestedQty  int64
	FilledQty     int64
	FilledPrice   float64
	Status        OrderStatus
	Attempts      int
	Reconciled    bool
	FilledAt      time.Time
	// Shortfall is the part of a cover the brokerage did not hold short.
	// Those shares were never bought; the ledger overstated the position.
	Shortfall int64
	// Mismatches lists every way the brokerage outcome differed from the
	// request. The brokerage facts above are authoritative.
	Mismatches []string
}
