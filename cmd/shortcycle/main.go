// Command shortcycle runs the intraday short-selling cycle engine. It loads
// configuration, validates it, sets up signal handling, and starts the
// application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/alanyoungcy/shortcycle/internal/app"
	"github.com/alanyoungcy/shortcycle/internal/config"
	"github.com/alanyoungcy/shortcycle/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptTo := flag.String("encrypt-secret", "", "encrypt SHORTCYCLE_ALPACA_API_SECRET with SHORTCYCLE_ALPACA_SECRET_PASSWORD into this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *encryptTo != "" {
		if err := encryptSecret(*encryptTo); err != nil {
			logger.Error("encrypt secret failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted secret written", slog.String("path", *encryptTo))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redacted := config.RedactedConfig(cfg)
	logger.Info("shortcycle starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", redacted),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("shortcycle stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// encryptSecret seals the secret named by the environment into path.
func encryptSecret(path string) error {
	secret := os.Getenv("SHORTCYCLE_ALPACA_API_SECRET")
	password := os.Getenv("SHORTCYCLE_ALPACA_SECRET_PASSWORD")
	if secret == "" || password == "" {
		return errors.New("SHORTCYCLE_ALPACA_API_SECRET and SHORTCYCLE_ALPACA_SECRET_PASSWORD must be set")
	}
	return crypto.WriteSecretFile(path, secret, password)
}
