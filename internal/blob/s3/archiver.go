package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the time-ranged query of each store, not the full
// domain interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// FillArchiveStore provides read access to fills for archival purposes.
type FillArchiveStore interface {
	// ListBefore returns all fills executed strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error)
}

// TradeArchiveStore provides read access to the trade tape for archival
// purposes.
type TradeArchiveStore interface {
	// ListBefore returns all trades observed strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the stores for records
// older than a cutoff, serializing them to JSONL, and uploading the result.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	fills  FillArchiveStore
	trades TradeArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, fills FillArchiveStore, trades TradeArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		fills:  fills,
		trades: trades,
	}
}

// ArchiveBefore exports all fills and trades older than cutoff. It returns
// the keys of the objects written; kinds with no records are skipped.
func (a *ArchiveImpl) ArchiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var keys []string

	fills, err := a.fills.ListBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	if len(fills) > 0 {
		key, err := upload(ctx, a.writer, "fills", cutoff, fills)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	trades, err := a.trades.ListBefore(ctx, cutoff)
	if err != nil {
		return keys, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) > 0 {
		key, err := upload(ctx, a.writer, "trades", cutoff, trades)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	return keys, nil
}

func upload[T any](ctx context.Context, w domain.BlobWriter, kind string, cutoff time.Time, records []T) (string, error) {
	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	key := archivePath(kind, cutoff)
	if err := w.Put(ctx, key, "application/x-ndjson", bytes.NewReader(buf)); err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	return key, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the object key for an archive file, partitioned by the
// calendar date of the cutoff time.
//
//	archive/fills/2026-08-31.jsonl
//	archive/trades/2026-08-31.jsonl
func archivePath(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, cutoff.UTC().Format("2006-01-02"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
