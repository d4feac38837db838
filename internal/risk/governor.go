// Package risk gates every entry and exit before it reaches the brokerage.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
	"github.com/alanyoungcy/shortcycle/internal/ledger"
)

// IntentKind distinguishes entries from exits.
type IntentKind string

const (
	IntentOpen  IntentKind = "open"
	IntentClose IntentKind = "close"
)

// Intent is a proposed order awaiting approval.
type Intent struct {
	Kind     IntentKind
	Entry    domain.WatchlistEntry
	Quantity int64
	Price    float64
	At       time.Time
}

// Verdict is the governor's answer to an Intent.
type Verdict struct {
	Approved bool
	Reason   string
}

// Err returns nil for approvals and an ErrRiskRejected wrap otherwise.
func (v Verdict) Err() error {
	if v.Approved {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrRiskRejected, v.Reason)
}

// Config holds the tunable risk limits.
type Config struct {
	PositionSizePct        float64
	MaxConcurrentPositions int
	CycleInterval          time.Duration
}

// Book is the read side of the ledger the governor needs.
type Book interface {
	Session() ledger.Session
	Active() int
}

// Governor enforces sizing, exposure caps and the liquidation deadline.
type Governor struct {
	book   Book
	cfg    Config
	logger *slog.Logger
}

// NewGovernor creates a Governor reading account state from book.
func NewGovernor(book Book, cfg Config, logger *slog.Logger) *Governor {
	return &Governor{
		book:   book,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// Size returns the share quantity for an entry at price, flooring the
// allotted cash for the symbol. It returns zero when price is not positive.
func (g *Governor) Size(entry domain.WatchlistEntry, price float64) int64 {
	if price <= 0 {
		return 0
	}
	allot := g.book.Session().Balance * entry.SizePct(g.cfg.PositionSizePct) / 100
	if allot <= 0 {
		return 0
	}
	return int64(math.Floor(allot / price))
}

// Approve evaluates an intent. Closes are always approved.
func (g *Governor) Approve(ctx context.Context, in Intent) Verdict {
	if in.Kind == IntentClose {
		g.logger.DebugContext(ctx, "risk: close approved",
			slog.String("symbol", in.Entry.Symbol),
			slog.Int64("qty", in.Quantity),
		)
		return Verdict{Approved: true}
	}

	session := g.book.Session()
	deadline := session.LiquidationDeadline

	switch {
	case !in.At.Before(deadline):
		return g.reject(ctx, in, "liquidation deadline passed")
	case !in.At.Add(g.cfg.CycleInterval).Before(deadline):
		return g.reject(ctx, in, fmt.Sprintf("within one cycle of liquidation deadline %s", deadline.Format(time.Kitchen)))
	case in.Price <= 0:
		return g.reject(ctx, in, "no price")
	case in.Quantity <= 0:
		return g.reject(ctx, in, "position size too small")
	}

	pct := in.Entry.SizePct(g.cfg.PositionSizePct)
	limit := session.Balance * pct / 100
	notional := float64(in.Quantity) * in.Price
	if notional > limit+1e-9 {
		return g.reject(ctx, in, fmt.Sprintf("notional %.2f exceeds %.2f%% of balance (%.2f)", notional, pct, limit))
	}

	if active := g.book.Active(); active+1 > g.cfg.MaxConcurrentPositions {
		return g.reject(ctx, in, fmt.Sprintf("max concurrent positions reached (%d/%d)", active, g.cfg.MaxConcurrentPositions))
	}

	return Verdict{Approved: true}
}

// MustLiquidate reports whether the session has reached its forced
// liquidation deadline.
func (g *Governor) MustLiquidate(now time.Time) bool {
	return !now.Before(g.book.Session().LiquidationDeadline)
}

func (g *Governor) reject(ctx context.Context, in Intent, reason string) Verdict {
	g.logger.InfoContext(ctx, "risk: entry rejected",
		slog.String("symbol", in.Entry.Symbol),
		slog.Int64("qty", in.Quantity),
		slog.Float64("price", in.Price),
		slog.String("reason", reason),
	)
	return Verdict{Approved: false, Reason: reason}
}
