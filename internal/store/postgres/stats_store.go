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

// DailyStatsStore implements domain.DailyStatsStore using PostgreSQL. Rows
// are keyed by (user_id, day) and accumulated with an upsert so concurrent
// workers never lose increments.
type DailyStatsStore struct {
	pool *pgxpool.Pool
}

// NewDailyStatsStore creates a new DailyStatsStore backed by the given pool.
func NewDailyStatsStore(pool *pgxpool.Pool) *DailyStatsStore {
	return &DailyStatsStore{pool: pool}
}

// Accumulate folds one executed trade into the user's stats for the day.
// The day must already be truncated to UTC midnight.
func (s *DailyStatsStore) Accumulate(ctx context.Context, userID string, day time.Time, tradeCount int, buyVol, sellVol, realizedPnL float64, openPositions int) error {
	const query = `
		INSERT INTO daily_stats (
			user_id, day, trade_count, buy_volume, sell_volume, realized_pnl, max_open_positions
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, day) DO UPDATE SET
			trade_count        = daily_stats.trade_count + EXCLUDED.trade_count,
			buy_volume         = daily_stats.buy_volume + EXCLUDED.buy_volume,
			sell_volume        = daily_stats.sell_volume + EXCLUDED.sell_volume,
			realized_pnl       = daily_stats.realized_pnl + EXCLUDED.realized_pnl,
			max_open_positions = GREATEST(daily_stats.max_open_positions, EXCLUDED.max_open_positions)`

	_, err := s.pool.Exec(ctx, query,
		userID, day, tradeCount, buyVol, sellVol, realizedPnL, openPositions)
	if err != nil {
		return fmt.Errorf("postgres: accumulate daily stats for user %s: %w", userID, err)
	}
	return nil
}

// Get returns the stats row for one (user, day). A user with no activity on
// the day gets a zero-valued row rather than ErrNotFound, so callers can add
// deltas without special-casing the first trade of the day.
func (s *DailyStatsStore) Get(ctx context.Context, userID string, day time.Time) (domain.DailyStats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, day, trade_count, buy_volume, sell_volume, realized_pnl, max_open_positions
		FROM daily_stats WHERE user_id = $1 AND day = $2`, userID, day)

	var st domain.DailyStats
	err := row.Scan(&st.UserID, &st.Day, &st.TradeCount, &st.BuyVolume, &st.SellVolume, &st.RealizedPnL, &st.MaxOpenPosCnt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DailyStats{UserID: userID, Day: day}, nil
		}
		return domain.DailyStats{}, fmt.Errorf("postgres: get daily stats for user %s: %w", userID, err)
	}
	return st, nil
}

var _ domain.DailyStatsStore = (*DailyStatsStore)(nil)
