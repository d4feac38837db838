package domain

import "time"

// PositionStatus tracks a short position through its lifecycle.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusFailed  PositionStatus = "failed"
)

// Active reports whether the status still represents exposure (or a claim on
// the symbol) at the brokerage.
func (s PositionStatus) Active() bool {
	switch s {
	case PositionStatusPending, PositionStatusOpen, PositionStatusClosing:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusFailed
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitReasonTakeProfit  ExitReason = "take_profit"
	ExitReasonStopLoss    ExitReason = "stop_loss"
	ExitReasonForcedClose ExitReason = "forced_close"
	ExitReasonManualClose ExitReason = "manual_close"
)

// Position is one intraday short trade. Exit fields are populated only once
// Status reaches PositionStatusClosed.
type Position struct {
	ID              string         `json:"id"`
	Symbol          string         `json:"symbol"`
	Quantity        int64          `json:"quantity"`
	EntryPrice      float64        `json:"entry_price"`
	EntryTime       time.Time      `json:"entry_time"`
	TakeProfitPrice float64        `json:"take_profit_price"`
	StopLossPrice   float64        `json:"stop_loss_price"`
	Status          PositionStatus `json:"status"`
	EntryOrderID    string         `json:"entry_order_id,omitempty"`
	ExitOrderID     string         `json:"exit_order_id,omitempty"`
	ExitPrice       *float64       `json:"exit_price,omitempty"`
	ExitTime        *time.Time     `json:"exit_time,omitempty"`
	ExitReason      ExitReason     `json:"exit_reason,omitempty"`
	RealizedPnL     float64        `json:"realized_pnl"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Notional returns the entry value of the position.
func (p Position) Notional() float64 {
	return p.EntryPrice * float64(p.Quantity)
}

// UnrealizedPnL returns the open profit of the short at the given mark.
func (p Position) UnrealizedPnL(mark float64) float64 {
	return (p.EntryPrice - mark) * float64(p.Quantity)
}

// TakeProfitHit reports whether price has fallen to the take-profit level.
func (p Position) TakeProfitHit(price float64) bool {
	return price <= p.TakeProfitPrice
}

// StopLossHit reports whether price has risen to the stop-loss level.
func (p Position) StopLossHit(price float64) bool {
	return price >= p.StopLossPrice
}

// ShortTargets derives the take-profit and stop-loss prices for a short
// entered at entry. Percentages are expressed in percent (2.0 means 2%).
func ShortTargets(entry, takeProfitPct, stopLossPct float64) (takeProfit, stopLoss float64) {
	return entry * (1 - takeProfitPct/100), entry * (1 + stopLossPct/100)
}
