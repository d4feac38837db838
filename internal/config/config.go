// Package config defines the top-level configuration for shortcycle and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SHORTCYCLE_* environment variables.
type Config struct {
	Trading   TradingConfig    `toml:"trading"`
	Watchlist []WatchlistEntry `toml:"watchlist"`
	Execution ExecutionConfig  `toml:"execution"`
	Alpaca    AlpacaConfig     `toml:"alpaca"`
	Supabase  SupabaseConfig   `toml:"supabase"`
	Redis     RedisConfig      `toml:"redis"`
	S3        S3Config         `toml:"s3"`
	Server    ServerConfig     `toml:"server"`
	Notify    NotifyConfig     `toml:"notify"`
	Mode      string           `toml:"mode"`
	LogLevel  string           `toml:"log_level"`
}

// TradingConfig holds the session and cycle parameters.
type TradingConfig struct {
	InitialBalance           float64  `toml:"initial_balance"`
	PositionSizePct          float64  `toml:"position_size_pct"`
	TakeProfitPct            float64  `toml:"take_profit_pct"`
	StopLossPct              float64  `toml:"stop_loss_pct"`
	CycleInterval            duration `toml:"cycle_interval"`
	MarketOpenTime           string   `toml:"market_open_time"`
	MarketCloseTime          string   `toml:"market_close_time"`
	LiquidationBuffer        duration `toml:"liquidation_buffer"`
	MaxConcurrentPositions   int      `toml:"max_concurrent_positions"`
	MaxRetryAttempts         int      `toml:"max_retry_attempts"`
	Timezone                 string   `toml:"timezone"`
	TradingDays              []string `toml:"trading_days"`
	MinScore                 float64  `toml:"min_score"`
	RequiredIndicators       []string `toml:"required_indicators"`
	MaxParallel              int      `toml:"max_parallel"`
	LiquidationRetryInterval duration `toml:"liquidation_retry_interval"`
}

// WatchlistEntry is one [[watchlist]] table. Omitted overrides use the
// [trading] values.
type WatchlistEntry struct {
	Symbol          string   `toml:"symbol"`
	PositionSizePct *float64 `toml:"position_size_pct"`
	TakeProfitPct   *float64 `toml:"take_profit_pct"`
	StopLossPct     *float64 `toml:"stop_loss_pct"`
}

// ExecutionConfig holds brokerage retry and reconciliation parameters.
type ExecutionConfig struct {
	RetryBaseBackoff  duration `toml:"retry_base_backoff"`
	RetryMaxBackoff   duration `toml:"retry_max_backoff"`
	CallTimeout       duration `toml:"call_timeout"`
	FillTimeout       duration `toml:"fill_timeout"`
	FillPollInterval  duration `toml:"fill_poll_interval"`
	DrainTimeout      duration `toml:"drain_timeout"`
	PriceTolerancePct float64  `toml:"price_tolerance_pct"`
	// BrokerRateLimit is brokerage calls per minute; zero disables the limiter.
	BrokerRateLimit int `toml:"broker_rate_limit"`
	// PaperSlippageBps is applied to simulated fills in paper mode.
	PaperSlippageBps float64 `toml:"paper_slippage_bps"`
}

// AlpacaConfig holds Alpaca credentials and endpoints.
type AlpacaConfig struct {
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	BaseURL             string   `toml:"base_url"`
	DataFeed            string   `toml:"data_feed"`
	SymbolSuffix        string   `toml:"symbol_suffix"`
	BarLookback         duration `toml:"bar_lookback"`
	Timeout             duration `toml:"timeout"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per minute per client IP.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Trading: TradingConfig{
			InitialBalance:           100_000,
			PositionSizePct:          10,
			TakeProfitPct:            2,
			StopLossPct:              1,
			CycleInterval:            duration{time.Hour},
			MarketOpenTime:           "10:00",
			MarketCloseTime:          "16:00",
			LiquidationBuffer:        duration{15 * time.Minute},
			MaxConcurrentPositions:   5,
			MaxRetryAttempts:         3,
			Timezone:                 "Australia/Sydney",
			TradingDays:              []string{"mon", "tue", "wed", "thu", "fri"},
			MinScore:                 60,
			RequiredIndicators:       []string{domain.IndicatorSMA20, domain.IndicatorSMA50, domain.IndicatorRSI14},
			MaxParallel:              4,
			LiquidationRetryInterval: duration{time.Minute},
		},
		Execution: ExecutionConfig{
			RetryBaseBackoff:  duration{time.Second},
			RetryMaxBackoff:   duration{30 * time.Second},
			CallTimeout:       duration{10 * time.Second},
			FillTimeout:       duration{30 * time.Second},
			FillPollInterval:  duration{2 * time.Second},
			DrainTimeout:      duration{15 * time.Second},
			PriceTolerancePct: 0.5,
			BrokerRateLimit:   180,
			PaperSlippageBps:  5,
		},
		Alpaca: AlpacaConfig{
			BaseURL:     "https://paper-api.alpaca.markets",
			DataFeed:    "iex",
			BarLookback: duration{3 * time.Hour},
			Timeout:     duration{30 * time.Second},
		},
		Supabase: SupabaseConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "shortcycle",
			PriceTTL:   duration{10 * time.Minute},
			LockTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "shortcycle-sessions",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "position_failed", "session_closed", "error"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":  true,
	"paper":  true,
	"server": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	trading := mode == "trade" || mode == "paper"
	if trading {
		errs = append(errs, c.Trading.validate()...)
		errs = append(errs, c.validateWatchlist()...)
		errs = append(errs, c.Execution.validate()...)

		if c.Alpaca.APIKey == "" {
			errs = append(errs, "alpaca: api_key must be set for mode "+mode)
		}
		if c.Alpaca.APISecret == "" && c.Alpaca.EncryptedSecretPath == "" {
			errs = append(errs, "alpaca: either api_secret or encrypted_secret_path must be set for mode "+mode)
		}
		if c.Alpaca.EncryptedSecretPath != "" && c.Alpaca.SecretPassword == "" {
			errs = append(errs, "alpaca: secret_password is required when encrypted_secret_path is set")
		}
		if c.Alpaca.BaseURL == "" {
			errs = append(errs, "alpaca: base_url must not be empty")
		}
	}

	if c.Supabase.Enabled || mode == "server" {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			errs = append(errs, "redis: lock_ttl must be at least 1s")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (t *TradingConfig) validate() []string {
	var errs []string

	if t.InitialBalance <= 0 {
		errs = append(errs, "trading: initial_balance must be > 0")
	}
	errs = appendPct(errs, "trading: position_size_pct", t.PositionSizePct)
	errs = appendPct(errs, "trading: take_profit_pct", t.TakeProfitPct)
	errs = appendPct(errs, "trading: stop_loss_pct", t.StopLossPct)
	if t.CycleInterval.Duration <= 0 {
		errs = append(errs, "trading: cycle_interval must be > 0")
	}
	if t.LiquidationBuffer.Duration < 0 {
		errs = append(errs, "trading: liquidation_buffer must be >= 0")
	}
	if t.MaxConcurrentPositions < 1 {
		errs = append(errs, "trading: max_concurrent_positions must be >= 1")
	}
	if t.MaxRetryAttempts < 1 {
		errs = append(errs, "trading: max_retry_attempts must be >= 1")
	}
	if t.MaxParallel < 1 {
		errs = append(errs, "trading: max_parallel must be >= 1")
	}
	if t.MinScore < 0 || t.MinScore > 100 {
		errs = append(errs, fmt.Sprintf("trading: min_score must be within [0, 100], got %g", t.MinScore))
	}
	if t.LiquidationRetryInterval.Duration <= 0 {
		errs = append(errs, "trading: liquidation_retry_interval must be > 0")
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("trading: unknown timezone %q", t.Timezone))
	}
	if len(t.RequiredIndicators) == 0 {
		errs = append(errs, "trading: required_indicators must not be empty")
	}
	for _, ind := range t.RequiredIndicators {
		if strings.TrimSpace(ind) == "" {
			errs = append(errs, "trading: required_indicators contains a blank name")
		}
	}
	if len(t.TradingDays) == 0 {
		errs = append(errs, "trading: trading_days must not be empty")
	}
	for _, d := range t.TradingDays {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			errs = append(errs, fmt.Sprintf("trading: unknown trading day %q (use mon..sun)", d))
		}
	}

	open, errOpen := parseClock(t.MarketOpenTime)
	if errOpen != nil {
		errs = append(errs, fmt.Sprintf("trading: market_open_time %q: expected HH:MM", t.MarketOpenTime))
	}
	closeAt, errClose := parseClock(t.MarketCloseTime)
	if errClose != nil {
		errs = append(errs, fmt.Sprintf("trading: market_close_time %q: expected HH:MM", t.MarketCloseTime))
	}
	if errOpen == nil && errClose == nil {
		if open >= closeAt {
			errs = append(errs, "trading: market_open_time must be before market_close_time")
		} else if t.LiquidationBuffer.Duration >= closeAt-open {
			errs = append(errs, "trading: liquidation_buffer must be shorter than the session")
		}
	}
	return errs
}

func (c *Config) validateWatchlist() []string {
	var errs []string
	if len(c.Watchlist) == 0 {
		return append(errs, "watchlist: at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Watchlist))
	for i, w := range c.Watchlist {
		sym := strings.ToUpper(strings.TrimSpace(w.Symbol))
		if sym == "" {
			errs = append(errs, fmt.Sprintf("watchlist[%d]: symbol must not be empty", i))
			continue
		}
		if seen[sym] {
			errs = append(errs, fmt.Sprintf("watchlist: duplicate symbol %s", sym))
		}
		seen[sym] = true
		if w.PositionSizePct != nil {
			errs = appendPct(errs, "watchlist "+sym+": position_size_pct", *w.PositionSizePct)
		}
		if w.TakeProfitPct != nil {
			errs = appendPct(errs, "watchlist "+sym+": take_profit_pct", *w.TakeProfitPct)
		}
		if w.StopLossPct != nil {
			errs = appendPct(errs, "watchlist "+sym+": stop_loss_pct", *w.StopLossPct)
		}
	}
	return errs
}

func (e *ExecutionConfig) validate() []string {
	var errs []string
	if e.RetryBaseBackoff.Duration <= 0 {
		errs = append(errs, "execution: retry_base_backoff must be > 0")
	}
	if e.RetryMaxBackoff.Duration < e.RetryBaseBackoff.Duration {
		errs = append(errs, "execution: retry_max_backoff must be >= retry_base_backoff")
	}
	if e.CallTimeout.Duration <= 0 {
		errs = append(errs, "execution: call_timeout must be > 0")
	}
	if e.FillTimeout.Duration <= 0 {
		errs = append(errs, "execution: fill_timeout must be > 0")
	}
	if e.FillPollInterval.Duration <= 0 || e.FillPollInterval.Duration > e.FillTimeout.Duration {
		errs = append(errs, "execution: fill_poll_interval must be > 0 and <= fill_timeout")
	}
	if e.DrainTimeout.Duration <= 0 {
		errs = append(errs, "execution: drain_timeout must be > 0")
	}
	if e.PriceTolerancePct < 0 || e.PriceTolerancePct > 100 {
		errs = append(errs, "execution: price_tolerance_pct must be within [0, 100]")
	}
	if e.BrokerRateLimit < 0 {
		errs = append(errs, "execution: broker_rate_limit must be >= 0")
	}
	if e.PaperSlippageBps < 0 {
		errs = append(errs, "execution: paper_slippage_bps must be >= 0")
	}
	return errs
}

// appendPct enforces the (0, 100] range shared by every percentage option.
func appendPct(errs []string, name string, v float64) []string {
	if v <= 0 || v > 100 {
		return append(errs, fmt.Sprintf("%s must be within (0, 100], got %g", name, v))
	}
	return errs
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the exchange timezone. Validate has already checked it.
func (t *TradingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SessionBounds returns the market open and close instants on the calendar
// day of now, in the exchange timezone.
func (t *TradingConfig) SessionBounds(now time.Time) (open, closeAt time.Time, err error) {
	openOff, err := parseClock(t.MarketOpenTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: market_open_time: %w", err)
	}
	closeOff, err := parseClock(t.MarketCloseTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: market_close_time: %w", err)
	}
	loc := t.Location()
	local := now.In(loc)
	at := func(off time.Duration) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day(), 0, int(off.Minutes()), 0, 0, loc)
	}
	return at(openOff), at(closeOff), nil
}

// IsTradingDay reports whether now falls on a configured exchange trading day.
func (t *TradingConfig) IsTradingDay(now time.Time) bool {
	day := now.In(t.Location()).Weekday()
	for _, d := range t.TradingDays {
		if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == day {
			return true
		}
	}
	return false
}

// Entries converts the watchlist tables to domain entries with normalized
// symbols.
func (c *Config) Entries() []domain.WatchlistEntry {
	out := make([]domain.WatchlistEntry, 0, len(c.Watchlist))
	for _, w := range c.Watchlist {
		out = append(out, domain.WatchlistEntry{
			Symbol:          strings.ToUpper(strings.TrimSpace(w.Symbol)),
			PositionSizePct: w.PositionSizePct,
			TakeProfitPct:   w.TakeProfitPct,
			StopLossPct:     w.StopLossPct,
		})
	}
	return out
}
