package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleTOML = `
mode = "paper"

[trading]
initial_balance = 50000
take_profit_pct = 5
cycle_interval = "30m"

[[watchlist]]
symbol = "bhp.ax"

[[watchlist]]
symbol = "CBA.AX"
stop_loss_pct = 2.5

[alpaca]
api_key = "key"
api_secret = "secret"
`

func TestParseMergesDefaults(t *testing.T) {
	cfg, err := Parse(sampleTOML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Trading.InitialBalance != 50000 || cfg.Trading.TakeProfitPct != 5 {
		t.Errorf("trading overrides not applied: %+v", cfg.Trading)
	}
	if cfg.Trading.StopLossPct != 1 || cfg.Trading.PositionSizePct != 10 {
		t.Errorf("defaults lost: %+v", cfg.Trading)
	}
	if cfg.Trading.CycleInterval.Duration != 30*time.Minute {
		t.Errorf("cycle_interval = %v", cfg.Trading.CycleInterval.Duration)
	}
	if cfg.Trading.LiquidationBuffer.Duration != 15*time.Minute {
		t.Errorf("liquidation_buffer = %v", cfg.Trading.LiquidationBuffer.Duration)
	}

	entries := cfg.Entries()
	if len(entries) != 2 || entries[0].Symbol != "BHP.AX" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].StopLoss(cfg.Trading.StopLossPct) != 1 {
		t.Errorf("BHP.AX stop loss should fall back to the default")
	}
	if entries[1].StopLoss(cfg.Trading.StopLossPct) != 2.5 {
		t.Errorf("CBA.AX stop loss override = %v", entries[1].StopLoss(cfg.Trading.StopLossPct))
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(sampleTOML + "\n[server]\nprot = 9000\n")
	if err == nil {
		t.Fatal("expected unknown key error")
	}
	if !strings.Contains(err.Error(), "server.prot") {
		t.Errorf("error = %v, expected it to name server.prot", err)
	}
}

func TestExplicitlyEmptyIndicatorsRejected(t *testing.T) {
	doc := strings.Replace(sampleTOML, `cycle_interval = "30m"`, "cycle_interval = \"30m\"\nrequired_indicators = []", 1)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.Trading.RequiredIndicators) != 0 {
		t.Fatalf("RequiredIndicators = %v, expected the explicit empty list", cfg.Trading.RequiredIndicators)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "required_indicators") {
		t.Errorf("Validate() error = %v, expected required_indicators to be rejected", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse(sampleTOML)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown mode", mutate: func(c *Config) { c.Mode = "full" }, wantErr: "unknown mode"},
		{name: "zero balance", mutate: func(c *Config) { c.Trading.InitialBalance = 0 }, wantErr: "initial_balance"},
		{name: "pct over 100", mutate: func(c *Config) { c.Trading.PositionSizePct = 150 }, wantErr: "position_size_pct"},
		{name: "zero interval", mutate: func(c *Config) { c.Trading.CycleInterval.Duration = 0 }, wantErr: "cycle_interval"},
		{name: "open after close", mutate: func(c *Config) { c.Trading.MarketOpenTime = "16:30" }, wantErr: "before market_close_time"},
		{name: "bad clock", mutate: func(c *Config) { c.Trading.MarketCloseTime = "4pm" }, wantErr: "expected HH:MM"},
		{name: "buffer too long", mutate: func(c *Config) { c.Trading.LiquidationBuffer.Duration = 6 * time.Hour }, wantErr: "shorter than the session"},
		{name: "zero attempts", mutate: func(c *Config) { c.Trading.MaxRetryAttempts = 0 }, wantErr: "max_retry_attempts"},
		{name: "zero parallel", mutate: func(c *Config) { c.Trading.MaxParallel = 0 }, wantErr: "max_parallel"},
		{name: "empty watchlist", mutate: func(c *Config) { c.Watchlist = nil }, wantErr: "at least one symbol"},
		{name: "duplicate symbol", mutate: func(c *Config) {
			c.Watchlist = append(c.Watchlist, WatchlistEntry{Symbol: "BHP.AX"})
		}, wantErr: "duplicate symbol BHP.AX"},
		{name: "bad override", mutate: func(c *Config) {
			v := -1.0
			c.Watchlist[0].TakeProfitPct = &v
		}, wantErr: "take_profit_pct"},
		{name: "unknown timezone", mutate: func(c *Config) { c.Trading.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
		{name: "empty required indicators", mutate: func(c *Config) { c.Trading.RequiredIndicators = []string{} }, wantErr: "required_indicators must not be empty"},
		{name: "blank required indicator", mutate: func(c *Config) { c.Trading.RequiredIndicators = []string{"sma_20", " "} }, wantErr: "blank name"},
		{name: "bad trading day", mutate: func(c *Config) { c.Trading.TradingDays = []string{"funday"} }, wantErr: "trading day"},
		{name: "missing secret", mutate: func(c *Config) { c.Alpaca.APISecret = "" }, wantErr: "api_secret or encrypted_secret_path"},
		{name: "encrypted secret needs password", mutate: func(c *Config) {
			c.Alpaca.APISecret = ""
			c.Alpaca.EncryptedSecretPath = "secret.json"
		}, wantErr: "secret_password"},
		{name: "server mode skips trading checks", mutate: func(c *Config) {
			c.Mode = "server"
			c.Watchlist = nil
			c.Alpaca.APIKey = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, expected it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "trace"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"config validation failed", "log_level", "watchlist", "alpaca: api_key"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHORTCYCLE_ALPACA_API_SECRET", "from-env")
	t.Setenv("SHORTCYCLE_TRADING_CYCLE_INTERVAL", "45m")
	t.Setenv("SHORTCYCLE_SERVER_CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("SHORTCYCLE_TRADING_MAX_PARALLEL", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Alpaca.APISecret != "from-env" {
		t.Errorf("api_secret = %q", cfg.Alpaca.APISecret)
	}
	if cfg.Trading.CycleInterval.Duration != 45*time.Minute {
		t.Errorf("cycle_interval = %v", cfg.Trading.CycleInterval.Duration)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("cors_origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Trading.MaxParallel != 4 {
		t.Errorf("max_parallel = %d, unparsable override should be ignored", cfg.Trading.MaxParallel)
	}
}

func TestSessionBounds(t *testing.T) {
	tc := Defaults().Trading
	loc := tc.Location()

	// Monday 12 Jan 2026, 08:30 in Sydney.
	now := time.Date(2026, time.January, 12, 8, 30, 0, 0, loc)
	open, closeAt, err := tc.SessionBounds(now.UTC())
	if err != nil {
		t.Fatalf("SessionBounds() error = %v", err)
	}
	if want := time.Date(2026, time.January, 12, 10, 0, 0, 0, loc); !open.Equal(want) {
		t.Errorf("open = %v, expected %v", open, want)
	}
	if want := time.Date(2026, time.January, 12, 16, 0, 0, 0, loc); !closeAt.Equal(want) {
		t.Errorf("close = %v, expected %v", closeAt, want)
	}

	tests := []struct {
		day  time.Time
		want bool
	}{
		{day: now, want: true},
		{day: time.Date(2026, time.January, 16, 12, 0, 0, 0, loc), want: true},
		{day: time.Date(2026, time.January, 17, 12, 0, 0, 0, loc), want: false},
		{day: time.Date(2026, time.January, 18, 12, 0, 0, 0, loc), want: false},
	}
	for _, tt := range tests {
		if got := tc.IsTradingDay(tt.day); got != tt.want {
			t.Errorf("IsTradingDay(%s) = %v, expected %v", tt.day.Weekday(), got, tt.want)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Parse(sampleTOML)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Supabase.Password = "pw"
	cfg.Notify.TelegramToken = "tok"

	out := RedactedConfig(cfg)
	if out.Alpaca.APISecret != redacted || out.Supabase.Password != redacted || out.Notify.TelegramToken != redacted {
		t.Errorf("secrets not redacted: %+v", out)
	}
	if out.Redis.Password != "" {
		t.Errorf("empty secret should stay empty, got %q", out.Redis.Password)
	}
	if cfg.Alpaca.APISecret != "secret" {
		t.Errorf("original mutated: %q", cfg.Alpaca.APISecret)
	}
	out.Watchlist[0].Symbol = "XXX"
	if cfg.Watchlist[0].Symbol != "bhp.ax" {
		t.Errorf("watchlist aliased the original")
	}
}
