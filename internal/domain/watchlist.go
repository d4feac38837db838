package domain

// WatchlistEntry is a tradable symbol with optional per-symbol overrides.
// Nil overrides fall back to the session defaults.
type WatchlistEntry struct {
	Symbol          string
	PositionSizePct *float64
	TakeProfitPct   *float64
	StopLossPct     *float64
}

// SizePct returns the effective position size percentage.
func (w WatchlistEntry) SizePct(def float64) float64 {
	if w.PositionSizePct != nil {
		return *w.PositionSizePct
	}
	return def
}

// TakeProfit returns the effective take-profit percentage.
func (w WatchlistEntry) TakeProfit(def float64) float64 {
	if w.TakeProfitPct != nil {
		return *w.TakeProfitPct
	}
	return def
}

// StopLoss returns the effective stop-loss percentage.
func (w WatchlistEntry) StopLoss(def float64) float64 {
	if w.StopLossPct != nil {
		return *w.StopLossPct
	}
	return def
}
