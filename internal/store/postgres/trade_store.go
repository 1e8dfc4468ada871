package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for unique constraint breaks.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// TradeStore implements domain.TradeStore using PostgreSQL. Trades are
// append-only; there is deliberately no update path. The unique constraint on
// (idempotency_key, side) is the storage-level backstop for at-most-once
// execution.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, user_id, position_id, token_id, side, amount_in, amount_out,
	price, fees, tx_ref, source_id, exit_reason, idempotency_key, executed_at`

func scanTradeRow(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side, exitReason string

	err := row.Scan(
		&t.ID, &t.UserID, &t.PositionID, &t.TokenID, &side, &t.AmountIn, &t.AmountOut,
		&t.Price, &t.Fees, &t.TxRef, &t.SourceID, &exitReason, &t.IdempotencyKey, &t.ExecutedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.TradeSide(side)
	t.ExitReason = domain.ExitReason(exitReason)
	return t, nil
}

// Create appends a trade record. A duplicate (idempotency key, side) pair
// returns domain.ErrAlreadyExists.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, user_id, position_id, token_id, side, amount_in, amount_out,
			price, fees, tx_ref, source_id, exit_reason, idempotency_key, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.UserID, t.PositionID, t.TokenID, string(t.Side), t.AmountIn, t.AmountOut,
		t.Price, t.Fees, t.TxRef, t.SourceID, string(t.ExitReason), t.IdempotencyKey, t.ExecutedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create trade %s: %w", t.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return nil
}

// GetByID retrieves a single trade.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)

	t, err := scanTradeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListByPosition returns the full trade history of one position in execution
// order, the basis for final realized PnL at close.
func (s *TradeStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE position_id = $1 ORDER BY executed_at`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for position %s: %w", positionID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListByUser returns a user's trades with pagination and time filtering.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY executed_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListBefore returns all trades executed strictly before the cutoff,
// consumed by the cold-storage archiver.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE executed_at < $1 ORDER BY executed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before cutoff: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]domain.Trade, error) {
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
