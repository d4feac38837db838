// Package signal scores shorting opportunities from indicator snapshots.
// Evaluation is pure: identical inputs always give the identical decision.
package signal

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// Action is the evaluator's verdict for a symbol.
type Action string

const (
	ActionEnter Action = "enter"
	ActionSkip  Action = "skip"
)

// Recommendation is the operator-facing label for a score.
type Recommendation string

const (
	RecommendStrongShort Recommendation = "STRONG SHORT"
	RecommendShort       Recommendation = "SHORT"
	RecommendNeutral     Recommendation = "NEUTRAL"
	RecommendAvoid       Recommendation = "AVOID"
)

// Decision is the result of one evaluation.
type Decision struct {
	Symbol         string
	Action         Action
	Confidence     float64
	Score          float64
	Recommendation Recommendation
	Reason         string
	Err            error
}

// Config controls the evaluator.
type Config struct {
	// MinScore is the lowest score that produces ActionEnter.
	MinScore float64
	// Required lists indicator keys that must be present in a snapshot.
	Required []string
	// MaxAge is the oldest acceptable snapshot age.
	MaxAge time.Duration
}

// DefaultRequired is the indicator set the scoring rules depend on.
var DefaultRequired = []string{domain.IndicatorSMA20, domain.IndicatorSMA50, domain.IndicatorRSI14}

// Evaluator applies the shorting score to snapshots.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an Evaluator. Missing fields take defaults.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.MinScore <= 0 {
		cfg.MinScore = 60
	}
	if cfg.Required == nil {
		cfg.Required = DefaultRequired
	}
	return &Evaluator{cfg: cfg}
}

// Evaluate returns ActionEnter when snap supports opening a short at now.
// Missing or stale data always yields ActionSkip.
func (e *Evaluator) Evaluate(symbol string, snap domain.Snapshot, now time.Time) Decision {
	d := Decision{Symbol: symbol, Action: ActionSkip}

	if snap.Price <= 0 {
		d.Reason = "missing price"
		d.Err = domain.ErrDataStale
		return d
	}
	if e.cfg.MaxAge > 0 && snap.Stale(now, e.cfg.MaxAge) {
		d.Reason = fmt.Sprintf("data stale: snapshot at %s", snap.Timestamp.Format(time.RFC3339))
		d.Err = domain.ErrDataStale
		return d
	}
	for _, key := range e.cfg.Required {
		if _, ok := snap.Indicator(key); !ok {
			d.Reason = "missing indicator " + key
			d.Err = domain.ErrDataStale
			return d
		}
	}

	score := Score(snap)
	d.Score = score
	d.Confidence = score / 100
	d.Recommendation = Recommend(score)
	if score >= e.cfg.MinScore {
		d.Action = ActionEnter
		d.Reason = fmt.Sprintf("score %.0f >= %.0f", score, e.cfg.MinScore)
	} else {
		d.Reason = fmt.Sprintf("score %.0f below %.0f", score, e.cfg.MinScore)
	}
	return d
}

// Score computes the 0-100 shorting score. Rules whose inputs are absent
// contribute nothing.
func Score(snap domain.Snapshot) float64 {
	score := 50.0

	sma20, has20 := snap.Indicator(domain.IndicatorSMA20)
	sma50, has50 := snap.Indicator(domain.IndicatorSMA50)
	if has20 && has50 {
		if snap.Price < sma20 {
			score += 10
		}
		if sma20 < sma50 {
			score += 15
		}
	}

	if rsi, ok := snap.Indicator(domain.IndicatorRSI14); ok {
		switch {
		case rsi > 70:
			score += 15
		case rsi > 60:
			score += 10
		case rsi < 30:
			score -= 15
		}
	}

	if vol, ok := snap.Indicator(domain.IndicatorVolatility); ok && vol > 3 {
		score += 5
	}

	volume, hasVol := snap.Indicator(domain.IndicatorVolume)
	avg, hasAvg := snap.Indicator(domain.IndicatorAvgVolume)
	if hasVol && hasAvg && volume > avg*1.5 {
		score += 5
	}

	if m, ok := snap.Indicator(domain.IndicatorMomentum); ok && m > 1 {
		score += 10
	}

	return max(0, min(100, score))
}

// Recommend maps a score to its label.
func Recommend(score float64) Recommendation {
	switch {
	case score >= 70:
		return RecommendStrongShort
	case score >= 60:
		return RecommendShort
	case score <= 30:
		return RecommendAvoid
	default:
		return RecommendNeutral
	}
}
