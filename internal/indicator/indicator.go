// Package indicator computes the technical indicators fed to the signal
// evaluator from OHLCV bars.
package indicator

import "math"

// SMA returns the simple moving average of the last period values. It uses
// every value when fewer than period are available.
func SMA(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	if len(values) < period {
		period = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average seeded with the SMA of the
// first period values.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	if len(values) < period {
		return SMA(values, len(values))
	}
	k := 2.0 / float64(period+1)
	ema := SMA(values[:period], period)
	for _, v := range values[period:] {
		ema = (v-ema)*k + ema
	}
	return ema
}

// RSI returns the relative strength index over the last period changes using
// simple averages. It returns 50 when there is not enough data.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50
	}
	var gains, losses float64
	window := closes[len(closes)-period-1:]
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - 100/(1+rs)
}

// ATR returns the average true range over the last period bars.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2 || len(highs) != n || len(lows) != n || period <= 0 {
		return 0
	}
	start := n - period
	if start < 1 {
		start = 1
	}
	sum := 0.0
	for i := start; i < n; i++ {
		tr := math.Max(highs[i]-lows[i], math.Max(
			math.Abs(highs[i]-closes[i-1]),
			math.Abs(lows[i]-closes[i-1]),
		))
		sum += tr
	}
	return sum / float64(n-start)
}

// Bands holds Bollinger band levels.
type Bands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger returns bands of mult population standard deviations around the
// period SMA. With fewer than period values all three bands equal the last
// value.
func Bollinger(values []float64, period int, mult float64) Bands {
	if len(values) == 0 {
		return Bands{}
	}
	if len(values) < period || period <= 0 {
		last := values[len(values)-1]
		return Bands{Upper: last, Middle: last, Lower: last}
	}
	window := values[len(values)-period:]
	mid := SMA(window, period)
	variance := 0.0
	for _, v := range window {
		variance += (v - mid) * (v - mid)
	}
	sd := math.Sqrt(variance / float64(period))
	return Bands{Upper: mid + mult*sd, Middle: mid, Lower: mid - mult*sd}
}

// PctChanges returns the fractional change between consecutive values.
func PctChanges(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// StdDev returns the sample standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)-1))
}

// Mean returns the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
