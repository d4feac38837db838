package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// Bus channels and streams the journal publishes to.
const (
	ChannelPositions = "positions"
	ChannelCycles    = "cycles"
	ChannelAlerts    = "alerts"
	ChannelOpsClose  = "ops:close"
	StreamPositions  = "stream:positions"
)

var _ domain.Journal = (*Journal)(nil)

type entryKind int

const (
	entryPosition entryKind = iota
	entryCycle
	entryEvent
)

type journalEntry struct {
	kind   entryKind
	pos    domain.Position
	cycle  domain.CycleRecord
	event  string
	detail map[string]any
}

// Journal persists engine output asynchronously. Records are queued and
// written by a single worker so storage latency never reaches the caller.
// Any of the sinks may be nil.
type Journal struct {
	positions domain.PositionStore
	cycles    domain.CycleStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	logger    *slog.Logger
	timeout   time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan journalEntry
	done    chan struct{}
	dropped atomic.Int64
}

// NewJournal creates a Journal and starts its worker. bufferSize bounds the
// queue; records beyond it are dropped with an error log.
func NewJournal(
	positions domain.PositionStore,
	cycles domain.CycleStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	bufferSize int,
	logger *slog.Logger,
) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	j := &Journal{
		positions: positions,
		cycles:    cycles,
		audit:     audit,
		bus:       bus,
		logger:    logger.With(slog.String("component", "journal")),
		timeout:   5 * time.Second,
		queue:     make(chan journalEntry, bufferSize),
		done:      make(chan struct{}),
	}
	go j.loop()
	return j
}

// RecordPosition queues a position upsert.
func (j *Journal) RecordPosition(ctx context.Context, pos domain.Position) {
	j.enqueue(ctx, journalEntry{kind: entryPosition, pos: pos})
}

// RecordCycle queues a cycle record.
func (j *Journal) RecordCycle(ctx context.Context, rec domain.CycleRecord) {
	j.enqueue(ctx, journalEntry{kind: entryCycle, cycle: rec.Clone()})
}

// RecordEvent queues an audit event.
func (j *Journal) RecordEvent(ctx context.Context, event string, detail map[string]any) {
	j.enqueue(ctx, journalEntry{kind: entryEvent, event: event, detail: detail})
}

// Dropped returns the number of records discarded because the queue was
// full or the journal was closed.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close stops accepting records and waits for the queue to drain or ctx
// to expire.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		if n := j.Dropped(); n > 0 {
			j.logger.WarnContext(ctx, "journal: records dropped during session", slog.Int64("count", n))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal: drain: %w", ctx.Err())
	}
}

func (j *Journal) enqueue(ctx context.Context, e journalEntry) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		j.dropped.Add(1)
		j.logger.WarnContext(ctx, "journal: record after close dropped", slog.Int("kind", int(e.kind)))
		return
	}
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
		j.logger.ErrorContext(ctx, "journal: queue full, record dropped", slog.Int("kind", int(e.kind)))
	}
}

func (j *Journal) loop() {
	defer close(j.done)
	for e := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		switch e.kind {
		case entryPosition:
			j.writePosition(ctx, e.pos)
		case entryCycle:
			j.writeCycle(ctx, e.cycle)
		case entryEvent:
			j.writeEvent(ctx, e.event, e.detail)
		}
		cancel()
	}
}

func (j *Journal) writePosition(ctx context.Context, pos domain.Position) {
	if j.positions != nil {
		if err := j.positions.Upsert(ctx, pos); err != nil {
			j.logger.ErrorContext(ctx, "journal: upsert position failed",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	payload, err := json.Marshal(pos)
	if err != nil {
		j.logger.ErrorContext(ctx, "journal: marshal position", slog.String("error", err.Error()))
		return
	}
	j.publish(ctx, ChannelPositions, payload)
	if j.bus != nil {
		if err := j.bus.StreamAppend(ctx, StreamPositions, payload); err != nil {
			j.logger.WarnContext(ctx, "journal: stream append failed",
				slog.String("stream", StreamPositions),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (j *Journal) writeCycle(ctx context.Context, rec domain.CycleRecord) {
	if j.cycles != nil {
		if err := j.cycles.Insert(ctx, rec); err != nil {
			j.logger.ErrorContext(ctx, "journal: insert cycle failed",
				slog.Int("cycle", rec.Number),
				slog.String("error", err.Error()),
			)
		}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		j.logger.ErrorContext(ctx, "journal: marshal cycle", slog.String("error", err.Error()))
		return
	}
	j.publish(ctx, ChannelCycles, payload)
}

func (j *Journal) writeEvent(ctx context.Context, event string, detail map[string]any) {
	if j.audit == nil {
		return
	}
	if err := j.audit.Log(ctx, event, detail); err != nil {
		j.logger.ErrorContext(ctx, "journal: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Journal) publish(ctx context.Context, channel string, payload []byte) {
	if j.bus == nil {
		return
	}
	if err := j.bus.Publish(ctx, channel, payload); err != nil {
		j.logger.WarnContext(ctx, "journal: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
