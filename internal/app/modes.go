package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/shortcycle/internal/config"
	"github.com/alanyoungcy/shortcycle/internal/crypto"
	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/engine"
	"github.com/alanyoungcy/shortcycle/internal/gateway"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
	"github.com/alanyoungcy/shortcycle/internal/platform/alpaca"
	"github.com/alanyoungcy/shortcycle/internal/platform/paper"
	"github.com/alanyoungcy/shortcycle/internal/risk"
	"github.com/alanyoungcy/shortcycle/internal/server"
	"github.com/alanyoungcy/shortcycle/internal/server/handler"
	"github.com/alanyoungcy/shortcycle/internal/server/ws"
	"github.com/alanyoungcy/shortcycle/internal/service"
	"github.com/alanyoungcy/shortcycle/internal/signal"
)

const (
	journalBuffer   = 1024
	shutdownTimeout = 5 * time.Second
	replayLimit     = 200
)

// apiSource is what the read-only API serves from: the live engine or the
// Postgres history.
type apiSource interface {
	handler.StatusSource
	handler.PositionSource
	handler.CycleSource
}

// TradingMode runs one session against the Alpaca brokerage (live) or the
// in-process paper brokerage, both priced from Alpaca market data.
func (a *App) TradingMode(ctx context.Context, deps *Dependencies, live bool) error {
	mode := "paper"
	if live {
		mode = "trade"
	}
	a.logger.InfoContext(ctx, "app: starting trading mode", slog.String("mode", mode))

	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:      a.cfg.Alpaca.APISecret,
		Path:     a.cfg.Alpaca.EncryptedSecretPath,
		Password: a.cfg.Alpaca.SecretPassword,
	})
	if err != nil {
		return fmt.Errorf("app: alpaca secret: %w", err)
	}
	client := alpaca.NewClient(alpaca.Options{
		APIKey:       a.cfg.Alpaca.APIKey,
		APISecret:    secret,
		BaseURL:      a.cfg.Alpaca.BaseURL,
		Feed:         a.cfg.Alpaca.DataFeed,
		SymbolSuffix: a.cfg.Alpaca.SymbolSuffix,
		Timeout:      a.cfg.Alpaca.Timeout.Duration,
	})
	market := alpaca.NewMarketData(client, a.cfg.Alpaca.BarLookback.Duration)

	var broker domain.Brokerage
	var shorts domain.ShortLocator
	account := "paper"
	if live {
		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("app: alpaca: %w", err)
		}
		deps.Health["alpaca"] = client.Health
		broker = alpaca.NewBroker(client)
		shorts = client
		if account, err = client.AccountID(ctx); err != nil {
			return fmt.Errorf("app: alpaca: %w", err)
		}
		a.checkBalance(ctx, client)
	} else {
		pb := paper.NewBroker(market, a.cfg.Execution.PaperSlippageBps, a.logger)
		broker, shorts = pb, pb
	}

	if deps.LockManager != nil {
		lockTTL := a.cfg.Redis.LockTTL.Duration
		unlock, err := deps.LockManager.Acquire(ctx, "session:"+account, lockTTL)
		if err != nil {
			return fmt.Errorf("app: session lock for account %s: %w", account, err)
		}
		defer unlock()
	}

	clock := engine.SystemClock{Location: a.cfg.Trading.Location()}
	session, trading, err := newSession(&a.cfg.Trading, clock.Now())
	if err != nil {
		return fmt.Errorf("app: session: %w", err)
	}
	if !trading {
		a.logger.InfoContext(ctx, "app: not a trading day, session closes immediately",
			slog.String("weekday", clock.Now().Weekday().String()),
		)
	}

	book := ledger.New(session)
	governor := risk.NewGovernor(book, risk.Config{
		PositionSizePct:        a.cfg.Trading.PositionSizePct,
		MaxConcurrentPositions: a.cfg.Trading.MaxConcurrentPositions,
		CycleInterval:          a.cfg.Trading.CycleInterval.Duration,
	}, a.logger)
	evaluator := signal.NewEvaluator(signal.Config{
		MinScore: a.cfg.Trading.MinScore,
		Required: a.cfg.Trading.RequiredIndicators,
		MaxAge:   a.cfg.Trading.CycleInterval.Duration,
	})
	gw := gateway.New(broker, gateway.Config{
		MaxAttempts:       a.cfg.Trading.MaxRetryAttempts,
		BaseBackoff:       a.cfg.Execution.RetryBaseBackoff.Duration,
		MaxBackoff:        a.cfg.Execution.RetryMaxBackoff.Duration,
		CallTimeout:       a.cfg.Execution.CallTimeout.Duration,
		FillTimeout:       a.cfg.Execution.FillTimeout.Duration,
		FillPollInterval:  a.cfg.Execution.FillPollInterval.Duration,
		DrainTimeout:      a.cfg.Execution.DrainTimeout.Duration,
		PriceTolerancePct: a.cfg.Execution.PriceTolerancePct,
		RateLimit:         a.cfg.Execution.BrokerRateLimit,
	}, a.logger)
	if deps.RateLimiter != nil && a.cfg.Execution.BrokerRateLimit > 0 {
		gw.WithRateLimiter(deps.RateLimiter, "broker:"+account)
	}

	journal := service.NewJournal(deps.PositionStore, deps.CycleStore, deps.AuditStore, deps.SignalBus, journalBuffer, a.logger)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Execution.DrainTimeout.Duration)
		defer cancel()
		if err := journal.Close(drainCtx); err != nil {
			a.logger.Warn("app: journal drain incomplete", slog.String("error", err.Error()))
		}
	}()
	alerts := service.NewAlertService(deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger)

	eng := engine.New(engine.Config{
		Watchlist:                a.cfg.Entries(),
		TakeProfitPct:            a.cfg.Trading.TakeProfitPct,
		StopLossPct:              a.cfg.Trading.StopLossPct,
		CycleInterval:            a.cfg.Trading.CycleInterval.Duration,
		LiquidationRetryInterval: a.cfg.Trading.LiquidationRetryInterval.Duration,
		MaxParallel:              a.cfg.Trading.MaxParallel,
		CallTimeout:              a.cfg.Execution.CallTimeout.Duration,
	}, engine.Deps{
		Ledger:    book,
		Governor:  governor,
		Evaluator: evaluator,
		Executor:  gw,
		Market:    market,
		Clock:     clock,
		Broker:    broker,
		Shorts:    shorts,
		Journal:   journal,
		Alerter:   alerts,
		Prices:    deps.PriceCache,
		Archiver:  deps.Archiver,
	}, a.logger)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := eng.Run(gctx)
		if err == nil && a.cfg.Server.Enabled {
			a.logger.InfoContext(gctx, "app: session complete, API stays up until shutdown")
			return nil
		}
		stop()
		return err
	})

	if deps.SignalBus != nil {
		requests, err := deps.SignalBus.Subscribe(gctx, service.ChannelOpsClose)
		if err != nil {
			a.logger.WarnContext(ctx, "app: manual close channel unavailable", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				eng.HandleManualClose(gctx, requests)
				return nil
			})
		}
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps, service.NewEngineView(eng, mode).WithPrices(deps.PriceCache))
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil
	}
	return err
}

// ServerMode serves the read-only API over the Postgres history.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting server mode")
	if deps.PositionStore == nil || deps.CycleStore == nil {
		return errors.New("app: server mode requires postgres")
	}

	g, gctx := errgroup.WithContext(ctx)
	a.startHTTPServer(gctx, g, deps, service.NewHistoryView(deps.PositionStore, deps.CycleStore).WithPrices(deps.PriceCache))
	return g.Wait()
}

// startHTTPServer runs the API server and, when a bus is wired, the
// websocket hub on g. Both stop when ctx is done.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, source apiSource) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		status := func(ctx context.Context) (any, error) { return source.Status(ctx) }
		hub = ws.NewHub(deps.SignalBus, nil, status, a.cfg.Server.CORSOrigins, a.logger).
			WithReplay(service.StreamPositions, replayLimit)
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Status:    handler.NewStatusHandler(source, a.logger),
		Positions: handler.NewPositionHandler(source, a.logger),
		Cycles:    handler.NewCycleHandler(source, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// checkBalance warns when the configured session balance exceeds the
// brokerage cash.
func (a *App) checkBalance(ctx context.Context, client *alpaca.Client) {
	cash, err := client.Balance(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "app: balance check failed", slog.String("error", err.Error()))
		return
	}
	if a.cfg.Trading.InitialBalance > cash {
		a.logger.WarnContext(ctx, "app: initial_balance exceeds brokerage cash",
			slog.Float64("initial_balance", a.cfg.Trading.InitialBalance),
			slog.Float64("cash", cash),
		)
	}
}

// newSession derives the day's session. On a non-trading day the market
// open and close collapse onto local midnight so the engine closes at once.
func newSession(tc *config.TradingConfig, now time.Time) (ledger.Session, bool, error) {
	local := now.In(tc.Location())
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	buffer := tc.LiquidationBuffer.Duration

	if !tc.IsTradingDay(local) {
		return ledger.NewSession(day, tc.InitialBalance, day, day, 0), false, nil
	}
	open, closeAt, err := tc.SessionBounds(local)
	if err != nil {
		return ledger.Session{}, false, err
	}
	return ledger.NewSession(day, tc.InitialBalance, open, closeAt, buffer), true, nil
}
