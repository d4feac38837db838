package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var _ domain.PositionStore = (*PositionStore)(nil)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	pool *pgxpool.Pool
}

func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, symbol, quantity, entry_price, entry_time,
	take_profit_price, stop_loss_price, status, entry_order_id, exit_order_id,
	exit_price, exit_time, exit_reason, realized_pnl, failure_reason, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p         domain.Position
		entryTime *time.Time
		status    string
		reason    string
	)
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Quantity, &p.EntryPrice, &entryTime,
		&p.TakeProfitPrice, &p.StopLossPrice, &status, &p.EntryOrderID, &p.ExitOrderID,
		&p.ExitPrice, &p.ExitTime, &reason, &p.RealizedPnL, &p.FailureReason, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if entryTime != nil {
		p.EntryTime = *entryTime
	}
	p.Status = domain.PositionStatus(status)
	p.ExitReason = domain.ExitReason(reason)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert writes the full position row, replacing any earlier version.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	var entryTime *time.Time
	if !p.EntryTime.IsZero() {
		entryTime = &p.EntryTime
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	const query = `
		INSERT INTO positions (` + positionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			quantity          = EXCLUDED.quantity,
			entry_price       = EXCLUDED.entry_price,
			entry_time        = EXCLUDED.entry_time,
			take_profit_price = EXCLUDED.take_profit_price,
			stop_loss_price   = EXCLUDED.stop_loss_price,
			status            = EXCLUDED.status,
			entry_order_id    = EXCLUDED.entry_order_id,
			exit_order_id     = EXCLUDED.exit_order_id,
			exit_price        = EXCLUDED.exit_price,
			exit_time         = EXCLUDED.exit_time,
			exit_reason       = EXCLUDED.exit_reason,
			realized_pnl      = EXCLUDED.realized_pnl,
			failure_reason    = EXCLUDED.failure_reason,
			updated_at        = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.Quantity, p.EntryPrice, entryTime,
		p.TakeProfitPrice, p.StopLossPrice, string(p.Status), p.EntryOrderID, p.ExitOrderID,
		p.ExitPrice, p.ExitTime, string(p.ExitReason), p.RealizedPnL, p.FailureReason, updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound when no row matches.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListBySymbol returns the symbol's positions, newest entry first.
func (s *PositionStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Position, error) {
	q := newListQuery(`SELECT `+positionCols+` FROM positions WHERE symbol = $1`, symbol)
	q.timeRange("entry_time", opts)
	q.page("entry_time DESC", opts)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", symbol, err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions %s: %w", symbol, err)
	}
	return out, nil
}

// List returns positions in status, or all positions when status is empty.
func (s *PositionStore) List(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	q := newListQuery(`SELECT ` + positionCols + ` FROM positions WHERE 1=1`)
	if status != "" {
		q.where("status = $%d", string(status))
	}
	q.timeRange("entry_time", opts)
	q.page("entry_time DESC", opts)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return out, nil
}
