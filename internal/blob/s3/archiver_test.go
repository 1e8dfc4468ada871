package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

type fakeWriter struct {
	puts map[string][]byte
}

func (f *fakeWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[path] = b
	return nil
}

func (f *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return f.Put(ctx, path, data, "")
}

type fakeTradeArchive struct {
	trades []domain.Trade
}

func (f *fakeTradeArchive) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range f.trades {
		if t.ExecutedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakePositionArchive struct {
	positions []domain.Position
}

func (f *fakePositionArchive) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.positions {
		if p.ClosedAt != nil && p.ClosedAt.Before(before) {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestArchiveTradesWritesJSONL(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := &fakeTradeArchive{trades: []domain.Trade{
		{ID: "t1", UserID: "u1", ExecutedAt: cutoff.Add(-48 * time.Hour)},
		{ID: "t2", UserID: "u1", ExecutedAt: cutoff.Add(-24 * time.Hour)},
		{ID: "t3", UserID: "u1", ExecutedAt: cutoff.Add(time.Hour)}, // too recent
	}}
	w := &fakeWriter{}
	a := NewArchiver(w, trades, &fakePositionArchive{}, slog.Default())

	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, ok := w.puts["archive/trades/2026-03.jsonl"]
	require.True(t, ok)

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var rec struct {
			ID string `json:"ID"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"t1", "t2"}, ids)
}

func TestArchiveSkipsUploadWhenEmpty(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(w, &fakeTradeArchive{}, &fakePositionArchive{}, slog.Default())

	n, err := a.ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.puts)
}

func TestArchiveClosedPositions(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	closedAt := cutoff.Add(-time.Hour)
	positions := &fakePositionArchive{positions: []domain.Position{
		{ID: "p1", Status: domain.PositionStatusClosed, ClosedAt: &closedAt},
		{ID: "p2", Status: domain.PositionStatusOpen},
	}}
	w := &fakeWriter{}
	a := NewArchiver(w, &fakeTradeArchive{}, positions, slog.Default())

	n, err := a.ArchiveClosedPositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, w.puts, "archive/positions/2026-03.jsonl")
}
