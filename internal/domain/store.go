package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists finalized and in-flight positions.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Position, error)
	List(ctx context.Context, status PositionStatus, opts ListOpts) ([]Position, error)
}

// CycleStore persists cycle records.
type CycleStore interface {
	Insert(ctx context.Context, rec CycleRecord) error
	ListRecent(ctx context.Context, limit int) ([]CycleRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Journal is the persistence collaborator of the engine. Implementations
// must not block the caller on slow storage; the engine never reads back.
type Journal interface {
	RecordPosition(ctx context.Context, pos Position)
	RecordCycle(ctx context.Context, rec CycleRecord)
	RecordEvent(ctx context.Context, event string, detail map[string]any)
}
