package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var now = time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC)

func snapshot(price float64, ind map[string]float64, age time.Duration) domain.Snapshot {
	return domain.Snapshot{Symbol: "XYZ", Price: price, Indicators: ind, Timestamp: now.Add(-age)}
}

func bearish() map[string]float64 {
	return map[string]float64{
		domain.IndicatorSMA20: 10.5,
		domain.IndicatorSMA50: 11,
		domain.IndicatorRSI14: 55,
	}
}

func TestEvaluate(t *testing.T) {
	e := NewEvaluator(Config{MaxAge: time.Hour})

	tests := []struct {
		name      string
		snap      domain.Snapshot
		action    Action
		score     float64
		wantStale bool
	}{
		{
			name:   "bearish trend enters",
			snap:   snapshot(10, bearish(), time.Minute),
			action: ActionEnter,
			score:  75,
		},
		{
			name: "bullish trend skips",
			snap: snapshot(12, map[string]float64{
				domain.IndicatorSMA20: 11,
				domain.IndicatorSMA50: 10,
				domain.IndicatorRSI14: 25,
			}, time.Minute),
			action: ActionSkip,
			score:  35,
		},
		{
			name:      "stale snapshot skips",
			snap:      snapshot(10, bearish(), 2*time.Hour),
			action:    ActionSkip,
			wantStale: true,
		},
		{
			name:      "missing indicator skips",
			snap:      snapshot(10, map[string]float64{domain.IndicatorSMA20: 10.5}, time.Minute),
			action:    ActionSkip,
			wantStale: true,
		},
		{
			name:      "missing price skips",
			snap:      snapshot(0, bearish(), time.Minute),
			action:    ActionSkip,
			wantStale: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate("XYZ", tt.snap, now)
			if d.Action != tt.action {
				t.Fatalf("Action = %s, expected %s (%s)", d.Action, tt.action, d.Reason)
			}
			if tt.wantStale {
				if !errors.Is(d.Err, domain.ErrDataStale) {
					t.Errorf("Err = %v, expected ErrDataStale", d.Err)
				}
				if d.Confidence != 0 {
					t.Errorf("Confidence = %v, expected 0 on skip for missing data", d.Confidence)
				}
				return
			}
			if d.Score != tt.score {
				t.Errorf("Score = %v, expected %v", d.Score, tt.score)
			}
			if d.Confidence != tt.score/100 {
				t.Errorf("Confidence = %v, expected %v", d.Confidence, tt.score/100)
			}
		})
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	e := NewEvaluator(Config{MaxAge: time.Hour})
	snap := snapshot(10, bearish(), time.Minute)
	first := e.Evaluate("XYZ", snap, now)
	for i := 0; i < 10; i++ {
		if got := e.Evaluate("XYZ", snap, now); got != first {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestScoreClamped(t *testing.T) {
	ind := map[string]float64{
		domain.IndicatorSMA20:      10.5,
		domain.IndicatorSMA50:      11,
		domain.IndicatorRSI14:      80,
		domain.IndicatorVolatility: 5,
		domain.IndicatorVolume:     5000,
		domain.IndicatorAvgVolume:  1000,
		domain.IndicatorMomentum:   2,
	}
	if got := Score(snapshot(10, ind, 0)); got != 100 {
		t.Errorf("Score() = %v, expected 100", got)
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		score float64
		want  Recommendation
	}{
		{85, RecommendStrongShort},
		{70, RecommendStrongShort},
		{65, RecommendShort},
		{50, RecommendNeutral},
		{30, RecommendAvoid},
	}
	for _, tt := range tests {
		if got := Recommend(tt.score); got != tt.want {
			t.Errorf("Recommend(%v) = %s, expected %s", tt.score, got, tt.want)
		}
	}
}
