package ledger

import (
	"math"
	"time"
)

// Session is the process-wide account state for one trading day. It is
// created once at session start and mutated only through the Ledger.
type Session struct {
	Day                 time.Time `json:"day"`
	InitialBalance      float64   `json:"initial_balance"`
	Balance             float64   `json:"balance"`
	RealizedPnL         float64   `json:"realized_pnl"`
	MarketOpen          time.Time `json:"market_open"`
	MarketClose         time.Time `json:"market_close"`
	LiquidationDeadline time.Time `json:"liquidation_deadline"`
}

// NewSession derives the session boundaries for day. The deadline is the
// market close minus buffer.
func NewSession(day time.Time, balance float64, openAt, closeAt time.Time, buffer time.Duration) Session {
	return Session{
		Day:                 day,
		InitialBalance:      balance,
		Balance:             balance,
		MarketOpen:          openAt,
		MarketClose:         closeAt,
		LiquidationDeadline: closeAt.Add(-buffer),
	}
}

// Performance summarizes the session's closed trades.
type Performance struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AveragePnL  float64 `json:"average_pnl"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
	ReturnPct   float64 `json:"return_pct"`
	FailedCount int     `json:"failed"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
