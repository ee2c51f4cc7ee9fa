package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/paperbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memWriter) Put(_ context.Context, key, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

type stubFillStore struct{ fills []domain.Fill }

func (s stubFillStore) ListBefore(context.Context, time.Time) ([]domain.Fill, error) {
	return s.fills, nil
}

type stubTradeStore struct{ trades []domain.TradeRecord }

func (s stubTradeStore) ListBefore(context.Context, time.Time) ([]domain.TradeRecord, error) {
	return s.trades, nil
}

func TestArchiveBeforeWritesJSONL(t *testing.T) {
	cutoff := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	fills := []domain.Fill{{
		ID:        "f1",
		OrderID:   "o1",
		TokenID:   "tok",
		Side:      domain.OrderSideBuy,
		Price:     decimal.RequireFromString("0.51"),
		Size:      decimal.RequireFromString("10"),
		Fee:       decimal.RequireFromString("0.0102"),
		Timestamp: cutoff.Add(-time.Hour),
	}}
	trades := []domain.TradeRecord{
		{TokenID: "tok", Price: decimal.RequireFromString("0.50"), Size: decimal.RequireFromString("5"), Side: domain.OrderSideSell, Timestamp: cutoff.Add(-2 * time.Hour)},
		{TokenID: "tok", Price: decimal.RequireFromString("0.52"), Size: decimal.RequireFromString("7"), Side: domain.OrderSideBuy, Timestamp: cutoff.Add(-time.Hour)},
	}

	w := newMemWriter()
	arch := NewArchiver(w, stubFillStore{fills}, stubTradeStore{trades})

	keys, err := arch.ArchiveBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"archive/fills/2026-08-30.jsonl",
		"archive/trades/2026-08-30.jsonl",
	}, keys)

	assert.Equal(t, "application/x-ndjson", w.types["archive/trades/2026-08-30.jsonl"])

	// The trade archive must round-trip: backtests replay these exact lines.
	sc := bufio.NewScanner(bytes.NewReader(w.objects["archive/trades/2026-08-30.jsonl"]))
	var got []domain.TradeRecord
	for sc.Scan() {
		var tr domain.TradeRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tr))
		got = append(got, tr)
	}
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(trades[0].Price))
	assert.Equal(t, trades[1].Side, got[1].Side)
	assert.True(t, got[1].Timestamp.Equal(trades[1].Timestamp))
}

func TestArchiveBeforeSkipsEmptyKinds(t *testing.T) {
	w := newMemWriter()
	arch := NewArchiver(w, stubFillStore{}, stubTradeStore{
		trades: []domain.TradeRecord{{TokenID: "tok", Price: decimal.RequireFromString("0.5"), Size: decimal.New(1, 0), Timestamp: time.Now()}},
	})

	keys, err := arch.ArchiveBefore(context.Background(), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, keys, 1, "empty fill set produces no object")
	assert.Contains(t, keys[0], "archive/trades/")
	assert.Len(t, w.objects, 1)
}

func TestArchivePathPartitionsByUTCDate(t *testing.T) {
	// 23:30 in UTC-5 is the next day in UTC.
	loc := time.FixedZone("EST", -5*60*60)
	cutoff := time.Date(2026, 8, 30, 23, 30, 0, 0, loc)
	assert.Equal(t, "archive/fills/2026-08-31.jsonl", archivePath("fills", cutoff))
}
