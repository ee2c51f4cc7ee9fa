package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, contentType string, body io.Reader) error
}

// BlobReader downloads objects from blob storage.
type BlobReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver exports historical fills and trades to blob storage so backtests
// can be replayed against the exact tape a paper run observed.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) (keys []string, err error)
}
