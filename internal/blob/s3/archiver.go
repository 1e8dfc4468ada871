package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// TradeArchiveStore is the slice of the trade store the archiver reads.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// PositionArchiveStore is the slice of the position store the archiver reads.
type PositionArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// Archiver implements domain.Archiver: old trades and closed positions are
// serialized to JSONL and uploaded to object storage, partitioned by the
// cutoff month.
//
// Deletion from the primary store is intentionally not performed here. That
// is a separate operator step taken after the archive has been verified.
type Archiver struct {
	writer    domain.BlobWriter
	trades    TradeArchiveStore
	positions PositionArchiveStore
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, trades TradeArchiveStore, positions PositionArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		trades:    trades,
		positions: positions,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

var _ domain.Archiver = (*Archiver)(nil)

// ArchiveTrades uploads all trades executed before the cutoff to
// archive/trades/YYYY-MM.jsonl and returns the record count.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	a.logger.Info("trades archived",
		slog.String("path", path),
		slog.Int("count", len(trades)),
		slog.Time("before", before))
	return int64(len(trades)), nil
}

// ArchiveClosedPositions uploads all positions closed before the cutoff to
// archive/positions/YYYY-MM.jsonl and returns the record count.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	a.logger.Info("closed positions archived",
		slog.String("path", path),
		slog.Int("count", len(positions)),
		slog.Time("before", before))
	return int64(len(positions)), nil
}

// Run archives on a fixed interval until ctx is cancelled. Every pass moves
// records older than the retention window. Failures are logged and retried
// on the next pass.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			before := time.Now().UTC().Add(-retention)
			if _, err := a.ArchiveTrades(ctx, before); err != nil {
				a.logger.Error("trade archive pass failed", slog.String("error", err.Error()))
			}
			if _, err := a.ArchiveClosedPositions(ctx, before); err != nil {
				a.logger.Error("position archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serializes records as newline-delimited JSON.
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
