package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// SourceStore implements domain.SourceStore using PostgreSQL.
type SourceStore struct {
	pool *pgxpool.Pool
}

// NewSourceStore creates a new SourceStore backed by the given connection pool.
func NewSourceStore(pool *pgxpool.Pool) *SourceStore {
	return &SourceStore{pool: pool}
}

const sourceSelectCols = `id, user_id, address, label, status, sizing_mode, sizing_amount,
	copy_delay_ms, allow_tokens, deny_tokens, copied_trades, realized_pnl, created_at, updated_at`

func scanSourceRow(row pgx.Row) (domain.WatchedSource, error) {
	var s domain.WatchedSource
	var status, sizingMode string
	var delayMs int64

	err := row.Scan(
		&s.ID, &s.UserID, &s.Address, &s.Label, &status, &sizingMode, &s.SizingAmount,
		&delayMs, &s.AllowTokens, &s.DenyTokens, &s.CopiedTrades, &s.RealizedPnL,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.WatchedSource{}, err
	}
	s.Status = domain.SourceStatus(status)
	s.SizingMode = domain.SizingMode(sizingMode)
	s.CopyDelay = time.Duration(delayMs) * time.Millisecond
	return s, nil
}

// Create inserts a new watched source.
func (s *SourceStore) Create(ctx context.Context, src domain.WatchedSource) error {
	const query = `
		INSERT INTO watched_sources (
			id, user_id, address, label, status, sizing_mode, sizing_amount,
			copy_delay_ms, allow_tokens, deny_tokens, copied_trades, realized_pnl,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`

	_, err := s.pool.Exec(ctx, query,
		src.ID, src.UserID, src.Address, src.Label, string(src.Status),
		string(src.SizingMode), src.SizingAmount, src.CopyDelay.Milliseconds(),
		src.AllowTokens, src.DenyTokens, src.CopiedTrades, src.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: create source %s: %w", src.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a watched source.
func (s *SourceStore) Update(ctx context.Context, src domain.WatchedSource) error {
	const query = `
		UPDATE watched_sources SET
			label         = $2,
			status        = $3,
			sizing_mode   = $4,
			sizing_amount = $5,
			copy_delay_ms = $6,
			allow_tokens  = $7,
			deny_tokens   = $8,
			updated_at    = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		src.ID, src.Label, string(src.Status), string(src.SizingMode),
		src.SizingAmount, src.CopyDelay.Milliseconds(), src.AllowTokens, src.DenyTokens,
	)
	if err != nil {
		return fmt.Errorf("postgres: update source %s: %w", src.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single watched source.
func (s *SourceStore) GetByID(ctx context.Context, id string) (domain.WatchedSource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceSelectCols+` FROM watched_sources WHERE id = $1`, id)

	src, err := scanSourceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WatchedSource{}, domain.ErrNotFound
		}
		return domain.WatchedSource{}, fmt.Errorf("postgres: get source %s: %w", id, err)
	}
	return src, nil
}

// ListByAddress returns all active sources that watch the given external
// address, across every user. This is the fan-out query run for each inbound
// wallet event.
func (s *SourceStore) ListByAddress(ctx context.Context, address string) ([]domain.WatchedSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceSelectCols+` FROM watched_sources
		 WHERE address = $1 AND status = 'active'`, address)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sources by address: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// ListByUser returns all non-removed sources of one user.
func (s *SourceStore) ListByUser(ctx context.Context, userID string) ([]domain.WatchedSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceSelectCols+` FROM watched_sources
		 WHERE user_id = $1 AND status <> 'removed'
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sources by user: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// RecordCopy increments the source's copy-trade statistics.
func (s *SourceStore) RecordCopy(ctx context.Context, id string, realizedPnL float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE watched_sources SET
			copied_trades = copied_trades + 1,
			realized_pnl  = realized_pnl + $2,
			updated_at    = NOW()
		 WHERE id = $1`, id, realizedPnL)
	if err != nil {
		return fmt.Errorf("postgres: record copy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListActiveAddresses returns the distinct watched addresses across all
// active sources.
func (s *SourceStore) ListActiveAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT address FROM watched_sources WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("postgres: scan address: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

func scanSources(rows pgx.Rows) ([]domain.WatchedSource, error) {
	var out []domain.WatchedSource
	for rows.Next() {
		src, err := scanSourceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.SourceStore = (*SourceStore)(nil)
