package indicator

import "github.com/alanyoungcy/shortcycle/internal/domain"

// Compute derives the indicator set from bars ordered oldest first. Keys are
// only present when enough bars exist to compute them over the full window,
// so consumers can tell missing data from a real value.
func Compute(bars []domain.Bar) map[string]float64 {
	out := make(map[string]float64)
	n := len(bars)
	if n == 0 {
		return out
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	if n >= 20 {
		out[domain.IndicatorSMA20] = SMA(closes, 20)
		bb := Bollinger(closes, 20, 2)
		out[domain.IndicatorBBUpper] = bb.Upper
		out[domain.IndicatorBBLower] = bb.Lower
	}
	if n >= 50 {
		out[domain.IndicatorSMA50] = SMA(closes, 50)
	}
	if n >= 12 {
		out[domain.IndicatorEMA12] = EMA(closes, 12)
	}
	if n >= 26 {
		out[domain.IndicatorEMA26] = EMA(closes, 26)
	}
	if n >= 15 {
		out[domain.IndicatorRSI14] = RSI(closes, 14)
		out[domain.IndicatorATR14] = ATR(highs, lows, closes, 14)
	}
	if n >= 5 {
		out[domain.IndicatorVolatility] = StdDev(PctChanges(closes[n-5:])) * 100
		out[domain.IndicatorAvgVolume] = Mean(volumes[n-5:])
	}
	if n >= 3 {
		out[domain.IndicatorMomentum] = Mean(PctChanges(closes[n-3:])) * 100
	}
	out[domain.IndicatorVolume] = volumes[n-1]

	return out
}
