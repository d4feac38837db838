package domain

import (
	"context"
	"time"
)

// Well-known indicator keys carried in a Snapshot.
const (
	IndicatorSMA20      = "sma_20"
	IndicatorSMA50      = "sma_50"
	IndicatorEMA12      = "ema_12"
	IndicatorEMA26      = "ema_26"
	IndicatorRSI14      = "rsi_14"
	IndicatorATR14      = "atr_14"
	IndicatorBBUpper    = "bb_upper"
	IndicatorBBLower    = "bb_lower"
	IndicatorVolatility = "volatility"
	IndicatorVolume     = "volume"
	IndicatorAvgVolume  = "avg_volume"
	IndicatorMomentum   = "momentum_3"
)

// Snapshot is a point-in-time view of a symbol's price and indicators.
type Snapshot struct {
	Symbol     string
	Price      float64
	Indicators map[string]float64
	Timestamp  time.Time
}

// Indicator returns the named indicator and whether it is present.
func (s Snapshot) Indicator(name string) (float64, bool) {
	v, ok := s.Indicators[name]
	return v, ok
}

// Stale reports whether the snapshot is older than maxAge at now. A zero
// timestamp is always stale.
func (s Snapshot) Stale(now time.Time, maxAge time.Duration) bool {
	if s.Timestamp.IsZero() {
		return true
	}
	return now.Sub(s.Timestamp) > maxAge
}

// Bar is one OHLCV candle.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarketData supplies snapshots for watchlist symbols.
type MarketData interface {
	GetSnapshot(ctx context.Context, symbol string) (Snapshot, error)
}
