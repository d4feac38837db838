package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SHORTCYCLE_* environment variable overrides, and
// returns the final Config. Unknown keys are an error. The returned Config has
// NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := rejectUndecoded(md); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// Parse decodes TOML from a string the same way Load decodes a file, without
// the environment overrides.
func Parse(data string) (*Config, error) {
	cfg := Defaults()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := rejectUndecoded(md); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func rejectUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
}

// applyEnvOverrides reads well-known SHORTCYCLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Trading ──
	setFloat64(&cfg.Trading.InitialBalance, "SHORTCYCLE_TRADING_INITIAL_BALANCE")
	setFloat64(&cfg.Trading.PositionSizePct, "SHORTCYCLE_TRADING_POSITION_SIZE_PCT")
	setFloat64(&cfg.Trading.TakeProfitPct, "SHORTCYCLE_TRADING_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Trading.StopLossPct, "SHORTCYCLE_TRADING_STOP_LOSS_PCT")
	setDuration(&cfg.Trading.CycleInterval, "SHORTCYCLE_TRADING_CYCLE_INTERVAL")
	setStr(&cfg.Trading.MarketOpenTime, "SHORTCYCLE_TRADING_MARKET_OPEN_TIME")
	setStr(&cfg.Trading.MarketCloseTime, "SHORTCYCLE_TRADING_MARKET_CLOSE_TIME")
	setDuration(&cfg.Trading.LiquidationBuffer, "SHORTCYCLE_TRADING_LIQUIDATION_BUFFER")
	setInt(&cfg.Trading.MaxConcurrentPositions, "SHORTCYCLE_TRADING_MAX_CONCURRENT_POSITIONS")
	setInt(&cfg.Trading.MaxRetryAttempts, "SHORTCYCLE_TRADING_MAX_RETRY_ATTEMPTS")
	setStr(&cfg.Trading.Timezone, "SHORTCYCLE_TRADING_TIMEZONE")
	setStringSlice(&cfg.Trading.TradingDays, "SHORTCYCLE_TRADING_TRADING_DAYS")
	setFloat64(&cfg.Trading.MinScore, "SHORTCYCLE_TRADING_MIN_SCORE")
	setInt(&cfg.Trading.MaxParallel, "SHORTCYCLE_TRADING_MAX_PARALLEL")

	// ── Execution ──
	setDuration(&cfg.Execution.CallTimeout, "SHORTCYCLE_EXECUTION_CALL_TIMEOUT")
	setDuration(&cfg.Execution.FillTimeout, "SHORTCYCLE_EXECUTION_FILL_TIMEOUT")
	setFloat64(&cfg.Execution.PriceTolerancePct, "SHORTCYCLE_EXECUTION_PRICE_TOLERANCE_PCT")
	setInt(&cfg.Execution.BrokerRateLimit, "SHORTCYCLE_EXECUTION_BROKER_RATE_LIMIT")

	// ── Alpaca ──
	setStr(&cfg.Alpaca.APIKey, "SHORTCYCLE_ALPACA_API_KEY")
	setStr(&cfg.Alpaca.APISecret, "SHORTCYCLE_ALPACA_API_SECRET")
	setStr(&cfg.Alpaca.EncryptedSecretPath, "SHORTCYCLE_ALPACA_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Alpaca.SecretPassword, "SHORTCYCLE_ALPACA_SECRET_PASSWORD")
	setStr(&cfg.Alpaca.BaseURL, "SHORTCYCLE_ALPACA_BASE_URL")
	setStr(&cfg.Alpaca.DataFeed, "SHORTCYCLE_ALPACA_DATA_FEED")
	setStr(&cfg.Alpaca.SymbolSuffix, "SHORTCYCLE_ALPACA_SYMBOL_SUFFIX")

	// ── Supabase ──
	setBool(&cfg.Supabase.Enabled, "SHORTCYCLE_SUPABASE_ENABLED")
	setStr(&cfg.Supabase.DSN, "SHORTCYCLE_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "SHORTCYCLE_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "SHORTCYCLE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "SHORTCYCLE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "SHORTCYCLE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "SHORTCYCLE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "SHORTCYCLE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "SHORTCYCLE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "SHORTCYCLE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "SHORTCYCLE_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "SHORTCYCLE_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SHORTCYCLE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SHORTCYCLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SHORTCYCLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SHORTCYCLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SHORTCYCLE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "SHORTCYCLE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SHORTCYCLE_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SHORTCYCLE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SHORTCYCLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SHORTCYCLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SHORTCYCLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SHORTCYCLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SHORTCYCLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SHORTCYCLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SHORTCYCLE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SHORTCYCLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SHORTCYCLE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SHORTCYCLE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SHORTCYCLE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SHORTCYCLE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SHORTCYCLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SHORTCYCLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SHORTCYCLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SHORTCYCLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SHORTCYCLE_MODE")
	setStr(&cfg.LogLevel, "SHORTCYCLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
