package app

import (
	"testing"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/config"
)

func TestNewSession(t *testing.T) {
	tc := config.Defaults().Trading
	loc := tc.Location()

	tests := []struct {
		name        string
		now         time.Time
		wantTrading bool
		wantOpen    time.Time
		wantClose   time.Time
	}{
		{
			name:        "weekday",
			now:         time.Date(2026, time.March, 3, 9, 15, 0, 0, loc),
			wantTrading: true,
			wantOpen:    time.Date(2026, time.March, 3, 10, 0, 0, 0, loc),
			wantClose:   time.Date(2026, time.March, 3, 16, 0, 0, 0, loc),
		},
		{
			name:      "saturday",
			now:       time.Date(2026, time.March, 7, 11, 0, 0, 0, loc),
			wantOpen:  time.Date(2026, time.March, 7, 0, 0, 0, 0, loc),
			wantClose: time.Date(2026, time.March, 7, 0, 0, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, trading, err := newSession(&tc, tt.now.UTC())
			if err != nil {
				t.Fatalf("newSession() error = %v", err)
			}
			if trading != tt.wantTrading {
				t.Errorf("trading = %v, expected %v", trading, tt.wantTrading)
			}
			if !s.MarketOpen.Equal(tt.wantOpen) || !s.MarketClose.Equal(tt.wantClose) {
				t.Errorf("bounds = %v..%v, expected %v..%v", s.MarketOpen, s.MarketClose, tt.wantOpen, tt.wantClose)
			}
			if s.InitialBalance != tc.InitialBalance || s.Balance != tc.InitialBalance {
				t.Errorf("balance = %v/%v", s.InitialBalance, s.Balance)
			}
			if !tt.wantTrading && tt.now.Before(s.MarketClose) {
				t.Errorf("non-trading session should already be closed")
			}
		})
	}
}

func TestNewSessionDeadline(t *testing.T) {
	tc := config.Defaults().Trading
	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, tc.Location())

	s, _, err := newSession(&tc, now)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.MarketClose.Sub(s.LiquidationDeadline); got != 15*time.Minute {
		t.Errorf("deadline buffer = %v, expected 15m", got)
	}
}

func TestNeedsPostgres(t *testing.T) {
	tests := []struct {
		mode    string
		enabled bool
		want    bool
	}{
		{mode: "paper", enabled: false, want: false},
		{mode: "paper", enabled: true, want: true},
		{mode: "server", enabled: false, want: true},
	}
	for _, tt := range tests {
		cfg := config.Defaults()
		cfg.Mode = tt.mode
		cfg.Supabase.Enabled = tt.enabled
		if got := needsPostgres(&cfg); got != tt.want {
			t.Errorf("needsPostgres(%s, enabled=%v) = %v, expected %v", tt.mode, tt.enabled, got, tt.want)
		}
	}
}
