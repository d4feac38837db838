package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

var _ domain.CycleStore = (*CycleStore)(nil)

// CycleStore implements domain.CycleStore.
type CycleStore struct {
	pool *pgxpool.Pool
}

func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

// Insert ignores a record whose id is already stored.
func (s *CycleStore) Insert(ctx context.Context, rec domain.CycleRecord) error {
	skipped, err := json.Marshal(nonNilMap(rec.Skipped))
	if err != nil {
		return fmt.Errorf("postgres: marshal skipped: %w", err)
	}
	const query = `
		INSERT INTO cycle_records (id, number, started_at, ended_at, evaluated, opened, closed, failed, skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.Number, rec.StartedAt, rec.EndedAt,
		nonNil(rec.Evaluated), nonNil(rec.Opened), nonNil(rec.Closed), nonNil(rec.Failed),
		skipped,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle %d: %w", rec.Number, err)
	}
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *CycleStore) ListRecent(ctx context.Context, limit int) ([]domain.CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, number, started_at, ended_at, evaluated, opened, closed, failed, skipped
		FROM cycle_records ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles: %w", err)
	}
	defer rows.Close()

	var out []domain.CycleRecord
	for rows.Next() {
		var (
			rec     domain.CycleRecord
			skipped []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Number, &rec.StartedAt, &rec.EndedAt,
			&rec.Evaluated, &rec.Opened, &rec.Closed, &rec.Failed, &skipped); err != nil {
			return nil, fmt.Errorf("postgres: scan cycle: %w", err)
		}
		if len(skipped) > 0 {
			if err := json.Unmarshal(skipped, &rec.Skipped); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal skipped: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: cycle rows: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
