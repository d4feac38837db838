package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// Payloads above this size go through the multipart uploader.
const multipartThreshold = 8 * 1024 * 1024

var _ domain.SessionArchiver = (*Archiver)(nil)

// Archiver writes one session's positions and cycle records as JSONL under
// sessions/<YYYY-MM-DD>/. A rerun on the same day writes to a run-suffixed
// directory instead of overwriting.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. reader and audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchiveSession uploads the session files and returns the directory they
// were written to.
func (a *Archiver) ArchiveSession(ctx context.Context, day time.Time, positions []domain.Position, cycles []domain.CycleRecord) (string, error) {
	dir, err := a.sessionDir(ctx, day)
	if err != nil {
		return "", err
	}

	posData, err := marshalJSONL(positions)
	if err != nil {
		return "", fmt.Errorf("s3blob: encode positions: %w", err)
	}
	cycleData, err := marshalJSONL(cycles)
	if err != nil {
		return "", fmt.Errorf("s3blob: encode cycles: %w", err)
	}

	if err := a.upload(ctx, dir+"/positions.jsonl", posData); err != nil {
		return "", err
	}
	if err := a.upload(ctx, dir+"/cycles.jsonl", cycleData); err != nil {
		return "", err
	}

	a.logger.InfoContext(ctx, "archiver: session archived",
		slog.String("path", dir),
		slog.Int("positions", len(positions)),
		slog.Int("cycles", len(cycles)),
	)
	if a.audit != nil {
		err := a.audit.Log(ctx, "session_archived", map[string]any{
			"path":      dir,
			"day":       day.Format(time.DateOnly),
			"positions": len(positions),
			"cycles":    len(cycles),
		})
		if err != nil {
			a.logger.WarnContext(ctx, "archiver: audit log failed", slog.String("error", err.Error()))
		}
	}
	return dir, nil
}

func (a *Archiver) sessionDir(ctx context.Context, day time.Time) (string, error) {
	dir := sessionPath(day)
	if a.reader == nil {
		return dir, nil
	}
	exists, err := a.reader.Exists(ctx, dir+"/positions.jsonl")
	if err != nil {
		return "", fmt.Errorf("s3blob: check %s: %w", dir, err)
	}
	if exists {
		dir = fmt.Sprintf("%s/run-%d", dir, a.now().Unix())
	}
	return dir, nil
}

func (a *Archiver) upload(ctx context.Context, path string, data []byte) error {
	var err error
	if len(data) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(data), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// sessionPath returns sessions/2025-03-03 for the session's calendar day.
func sessionPath(day time.Time) string {
	return "sessions/" + day.Format(time.DateOnly)
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
