package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader checks object storage for existing objects.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// SessionArchiver writes an end-of-session record set to cold storage.
type SessionArchiver interface {
	ArchiveSession(ctx context.Context, day time.Time, positions []Position, cycles []CycleRecord) (string, error)
}
