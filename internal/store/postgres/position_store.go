package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. A partial
// unique index on (user_id, token_id) WHERE status = 'open' backs the
// one-open-position-per-token invariant at the storage layer.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_id, token_id, source_id,
	entry_amount_in, entry_amount_out, entry_price,
	current_amount, current_price, current_value, unrealized_pnl,
	high_water_mark, trailing_armed, exited_amount, realized_pnl,
	triggered_tps, pending_tx_ref, exit_rules, status, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var rulesJSON []byte

	err := row.Scan(
		&p.ID, &p.UserID, &p.TokenID, &p.SourceID,
		&p.EntryAmountIn, &p.EntryAmountOut, &p.EntryPrice,
		&p.CurrentAmount, &p.CurrentPrice, &p.CurrentValue, &p.UnrealizedPnL,
		&p.HighWaterMark, &p.TrailingArmed, &p.ExitedAmount, &p.RealizedPnL,
		&p.TriggeredTPs, &p.PendingTxRef, &rulesJSON, &status, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: unmarshal exit rules for %s: %w", p.ID, err)
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create inserts a new position. A second open position for the same
// (user, token) pair violates the partial unique index and surfaces as
// ErrAlreadyExists.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("postgres: marshal exit rules for %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, user_id, token_id, source_id,
			entry_amount_in, entry_amount_out, entry_price,
			current_amount, current_price, current_value, unrealized_pnl,
			high_water_mark, trailing_armed, exited_amount, realized_pnl,
			triggered_tps, pending_tx_ref, exit_rules, status, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.TokenID, p.SourceID,
		p.EntryAmountIn, p.EntryAmountOut, p.EntryPrice,
		p.CurrentAmount, p.CurrentPrice, p.CurrentValue, p.UnrealizedPnL,
		p.HighWaterMark, p.TrailingArmed, p.ExitedAmount, p.RealizedPnL,
		p.TriggeredTPs, p.PendingTxRef, rules, string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("postgres: marshal exit rules for %s: %w", p.ID, err)
	}

	const query = `
		UPDATE positions SET
			entry_amount_in  = $2,
			entry_amount_out = $3,
			entry_price      = $4,
			current_amount   = $5,
			current_price    = $6,
			current_value    = $7,
			unrealized_pnl   = $8,
			high_water_mark  = $9,
			trailing_armed   = $10,
			exited_amount    = $11,
			realized_pnl     = $12,
			triggered_tps    = $13,
			pending_tx_ref   = $14,
			exit_rules       = $15,
			status           = $16,
			closed_at        = $17,
			updated_at       = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.EntryAmountIn, p.EntryAmountOut, p.EntryPrice,
		p.CurrentAmount, p.CurrentPrice, p.CurrentValue, p.UnrealizedPnL,
		p.HighWaterMark, p.TrailingArmed, p.ExitedAmount, p.RealizedPnL,
		p.TriggeredTPs, p.PendingTxRef, rules, string(p.Status), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenByUserToken returns the single open position for a (user, token)
// pair, or ErrNotFound.
func (s *PositionStore) GetOpenByUserToken(ctx context.Context, userID, tokenID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND token_id = $2 AND status = 'open'`, userID, tokenID)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get open position %s/%s: %w", userID, tokenID, err)
	}
	return p, nil
}

// ListOpen returns every open position across all users, ordered by age.
// This is the monitor's batch-load query.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListOpenByUser returns all open positions for one user.
func (s *PositionStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE user_id = $1 AND status = 'open' ORDER BY opened_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// CountOpenByUser counts a user's open positions.
func (s *PositionStore) CountOpenByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status = 'open'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open positions for %s: %w", userID, err)
	}
	return n, nil
}

// ListClosedBefore returns positions closed strictly before the cutoff,
// consumed by the cold-storage archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed' AND closed_at < $1 ORDER BY closed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
