package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
)

type fakeBook struct {
	session ledger.Session
	active  int
}

func (b *fakeBook) Session() ledger.Session { return b.session }
func (b *fakeBook) Active() int             { return b.active }

var (
	day      = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	deadline = day.Add(15*time.Hour + 45*time.Minute)
)

func newGovernor(active int) (*Governor, *fakeBook) {
	book := &fakeBook{
		session: ledger.NewSession(day, 100_000, day.Add(10*time.Hour), day.Add(16*time.Hour), 15*time.Minute),
		active:  active,
	}
	g := NewGovernor(book, Config{
		PositionSizePct:        10,
		MaxConcurrentPositions: 3,
		CycleInterval:          time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return g, book
}

func TestSize(t *testing.T) {
	g, _ := newGovernor(0)
	override := 5.0

	tests := []struct {
		name  string
		entry domain.WatchlistEntry
		price float64
		want  int64
	}{
		{name: "default pct", entry: domain.WatchlistEntry{Symbol: "XYZ"}, price: 10, want: 1000},
		{name: "floors shares", entry: domain.WatchlistEntry{Symbol: "XYZ"}, price: 3, want: 3333},
		{name: "override pct", entry: domain.WatchlistEntry{Symbol: "XYZ", PositionSizePct: &override}, price: 10, want: 500},
		{name: "no price", entry: domain.WatchlistEntry{Symbol: "XYZ"}, price: 0, want: 0},
		{name: "price above allotment", entry: domain.WatchlistEntry{Symbol: "XYZ"}, price: 20_000, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Size(tt.entry, tt.price); got != tt.want {
				t.Errorf("Size() = %d, expected %d", got, tt.want)
			}
		})
	}
}

func TestApprove(t *testing.T) {
	morning := day.Add(11 * time.Hour)
	entry := domain.WatchlistEntry{Symbol: "XYZ"}

	tests := []struct {
		name     string
		active   int
		intent   Intent
		approved bool
	}{
		{
			name:     "within limits",
			intent:   Intent{Kind: IntentOpen, Entry: entry, Quantity: 1000, Price: 10, At: morning},
			approved: true,
		},
		{
			name:   "exceeds balance pct",
			intent: Intent{Kind: IntentOpen, Entry: entry, Quantity: 1001, Price: 10, At: morning},
		},
		{
			name:   "concurrency cap",
			active: 3,
			intent: Intent{Kind: IntentOpen, Entry: entry, Quantity: 100, Price: 10, At: morning},
		},
		{
			name:   "too close to deadline",
			intent: Intent{Kind: IntentOpen, Entry: entry, Quantity: 100, Price: 10, At: deadline.Add(-30 * time.Minute)},
		},
		{
			name:   "after deadline",
			intent: Intent{Kind: IntentOpen, Entry: entry, Quantity: 100, Price: 10, At: deadline.Add(time.Minute)},
		},
		{
			name:   "zero quantity",
			intent: Intent{Kind: IntentOpen, Entry: entry, Quantity: 0, Price: 10, At: morning},
		},
		{
			name:     "close always approved after deadline",
			active:   3,
			intent:   Intent{Kind: IntentClose, Entry: entry, Quantity: 1_000_000, Price: 10, At: deadline.Add(time.Hour)},
			approved: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newGovernor(tt.active)
			v := g.Approve(context.Background(), tt.intent)
			if v.Approved != tt.approved {
				t.Fatalf("Approved = %v, expected %v (%s)", v.Approved, tt.approved, v.Reason)
			}
			if tt.approved {
				if v.Err() != nil {
					t.Errorf("Err() = %v, expected nil", v.Err())
				}
				return
			}
			if !errors.Is(v.Err(), domain.ErrRiskRejected) {
				t.Errorf("Err() = %v, expected ErrRiskRejected", v.Err())
			}
			if v.Reason == "" {
				t.Error("rejection without reason")
			}
		})
	}
}

func TestMustLiquidate(t *testing.T) {
	g, _ := newGovernor(0)
	if g.MustLiquidate(deadline.Add(-time.Second)) {
		t.Error("MustLiquidate() before deadline = true")
	}
	if !g.MustLiquidate(deadline) {
		t.Error("MustLiquidate() at deadline = false")
	}
}
