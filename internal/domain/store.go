package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// UserStore persists tenants and their settings bundles.
type UserStore interface {
	Create(ctx context.Context, u User) error
	Update(ctx context.Context, u User) error
	UpdateStatus(ctx context.Context, id string, status UserStatus) error
	UpdateBalance(ctx context.Context, id string, delta float64) error
	GetByID(ctx context.Context, id string) (User, error)
	ListActive(ctx context.Context) ([]User, error)
}

// SourceStore persists watched sources.
type SourceStore interface {
	Create(ctx context.Context, s WatchedSource) error
	Update(ctx context.Context, s WatchedSource) error
	GetByID(ctx context.Context, id string) (WatchedSource, error)
	ListByAddress(ctx context.Context, address string) ([]WatchedSource, error)
	ListByUser(ctx context.Context, userID string) ([]WatchedSource, error)
	// ListActiveAddresses returns the distinct addresses of all active sources,
	// the subscription set for the wallet-activity feed.
	ListActiveAddresses(ctx context.Context) ([]string, error)
	RecordCopy(ctx context.Context, id string, realizedPnL float64) error
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Update(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpenByUserToken(ctx context.Context, userID, tokenID string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListOpenByUser(ctx context.Context, userID string) ([]Position, error)
	CountOpenByUser(ctx context.Context, userID string) (int, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// TradeStore persists the append-only trade audit log. Create must reject a
// duplicate (idempotency key, side) pair with ErrAlreadyExists.
type TradeStore interface {
	Create(ctx context.Context, t Trade) error
	GetByID(ctx context.Context, id string) (Trade, error)
	ListByPosition(ctx context.Context, positionID string) ([]Trade, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
}

// DailyStatsStore persists per-(user, day) aggregates.
type DailyStatsStore interface {
	// Accumulate folds one executed trade into the user's stats for the day.
	Accumulate(ctx context.Context, userID string, day time.Time, tradeCount int, buyVol, sellVol, realizedPnL float64, openPositions int) error
	Get(ctx context.Context, userID string, day time.Time) (DailyStats, error)
}
