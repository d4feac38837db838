package domain

import "context"

// Brokerage is the execution venue. PlaceOrder is not assumed idempotent;
// callers reconcile through GetOrderStatus and GetPosition after any
// ambiguous outcome. GetPosition returns ErrNotFound when flat.
type Brokerage interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (BrokerOrder, error)
	GetOrderStatus(ctx context.Context, orderID string) (BrokerOrder, error)
	GetPosition(ctx context.Context, symbol string) (BrokerPosition, error)
}

// OrderLookup is implemented by brokerages that can find an order by the
// client-assigned id. It returns ErrNotFound when the order never arrived.
type OrderLookup interface {
	GetOrderByClientID(ctx context.Context, clientOrderID string) (BrokerOrder, error)
}

// OrderCanceler is implemented by brokerages that can cancel working orders.
type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID string) error
}

// ShortLocator reports whether shares of a symbol can be borrowed and sold
// short right now.
type ShortLocator interface {
	Shortable(ctx context.Context, symbol string) (bool, error)
}
