// Package risk implements the pre-trade risk engine and the daily-loss
// accounting that can stop a user's trading for the rest of the day.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// defaultFeeBuffer is the native amount reserved for transaction fees when
// checking available balance.
const defaultFeeBuffer = 0.01

// Engine evaluates a user's account state against their configured limits
// before and after sizing a trade. All checks run in a fixed order and
// short-circuit on the first rejection; a rejection is a structured result,
// never an error.
type Engine struct {
	users     domain.UserStore
	positions domain.PositionStore
	stats     domain.DailyStatsStore
	feeBuffer float64
	logger    *slog.Logger
}

// NewEngine creates a risk engine over the given stores. feeBuffer is the
// native amount held back for fees; zero selects the default.
func NewEngine(users domain.UserStore, positions domain.PositionStore, stats domain.DailyStatsStore, feeBuffer float64, logger *slog.Logger) *Engine {
	if feeBuffer <= 0 {
		feeBuffer = defaultFeeBuffer
	}
	return &Engine{
		users:     users,
		positions: positions,
		stats:     stats,
		feeBuffer: feeBuffer,
		logger:    logger.With(slog.String("component", "risk_engine")),
	}
}

// Day truncates t to its UTC day, the granularity of all daily accounting.
func Day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// CheckBuy validates and, where needed, resizes a requested buy. The returned
// CheckResult carries the size actually approved; adjustments are echoed in
// Warnings so they are never silent.
func (e *Engine) CheckBuy(ctx context.Context, user domain.User, tokenID string, requestedSize float64) (domain.CheckResult, error) {
	reject := func(reason string) domain.CheckResult {
		return domain.CheckResult{Approved: false, Reason: reason}
	}

	// 1. User must be active.
	if !user.CanTrade() {
		return reject(fmt.Sprintf("trading is %s", user.Status)), nil
	}

	// 2. Daily loss limit, recomputed from today's realized PnL. A breach
	// discovered here flips the user to stopped before rejecting.
	if limit := user.Settings.DailyLossLimit; limit > 0 {
		stats, err := e.stats.Get(ctx, user.ID, Day(time.Now()))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.CheckResult{}, fmt.Errorf("risk: load daily stats: %w", err)
		}
		if -stats.RealizedPnL >= limit {
			if err := e.users.UpdateStatus(ctx, user.ID, domain.UserStatusStopped); err != nil {
				return domain.CheckResult{}, fmt.Errorf("risk: stop user %s: %w", user.ID, err)
			}
			e.logger.Warn("daily loss limit breached, user stopped",
				slog.String("user_id", user.ID),
				slog.Float64("realized_pnl", stats.RealizedPnL),
				slog.Float64("limit", limit),
			)
			return reject("daily loss limit reached"), nil
		}
	}

	// 3. Max concurrent positions.
	openCount, err := e.positions.CountOpenByUser(ctx, user.ID)
	if err != nil {
		return domain.CheckResult{}, fmt.Errorf("risk: count open positions: %w", err)
	}
	if user.Settings.MaxPositions > 0 && openCount >= user.Settings.MaxPositions {
		return reject(fmt.Sprintf("max concurrent positions reached (%d)", user.Settings.MaxPositions)), nil
	}

	// 4. Per-token exposure. Rather than rejecting outright, the size is
	// trimmed to the remaining headroom when possible.
	size := requestedSize
	var warnings []string
	if maxPer := user.Settings.MaxPositionPerToken; maxPer > 0 {
		exposure, err := e.tokenExposure(ctx, user.ID, tokenID)
		if err != nil {
			return domain.CheckResult{}, err
		}
		headroom := maxPer - exposure
		if headroom <= 0 {
			return reject(fmt.Sprintf("token exposure limit reached (%.4f)", maxPer)), nil
		}
		if size > headroom {
			warnings = append(warnings, fmt.Sprintf("size reduced from %.4f to %.4f to fit token exposure limit", size, headroom))
			size = headroom
		}
	}

	// 5. Available balance must cover the (possibly adjusted) size plus the
	// fee buffer.
	if user.Balance-e.feeBuffer < size {
		return reject(fmt.Sprintf("insufficient balance: have %.4f, need %.4f plus fee buffer", user.Balance, size)), nil
	}

	return domain.CheckResult{
		Approved:     true,
		Warnings:     warnings,
		AdjustedSize: size,
	}, nil
}

// tokenExposure returns the user's remaining cost basis in the token across
// the open position, if any.
func (e *Engine) tokenExposure(ctx context.Context, userID, tokenID string) (float64, error) {
	pos, err := e.positions.GetOpenByUserToken(ctx, userID, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("risk: load open position: %w", err)
	}
	if pos.EntryAmountOut <= 0 {
		return pos.EntryAmountIn, nil
	}
	return pos.EntryAmountIn * (pos.CurrentAmount / pos.EntryAmountOut), nil
}

// RecordBuy folds an executed buy into the user's daily stats.
func (e *Engine) RecordBuy(ctx context.Context, userID string, amountIn float64, openPositions int) error {
	if err := e.stats.Accumulate(ctx, userID, Day(time.Now()), 1, amountIn, 0, 0, openPositions); err != nil {
		return fmt.Errorf("risk: record buy: %w", err)
	}
	return nil
}

// RecordSell folds a realized exit into the user's daily stats and enforces
// the daily-loss limit. It returns true when this exit breached the limit and
// the user was stopped.
func (e *Engine) RecordSell(ctx context.Context, user domain.User, amountOut, realizedPnL float64) (stopped bool, err error) {
	day := Day(time.Now())
	if err := e.stats.Accumulate(ctx, user.ID, day, 1, 0, amountOut, realizedPnL, 0); err != nil {
		return false, fmt.Errorf("risk: record sell: %w", err)
	}

	limit := user.Settings.DailyLossLimit
	if limit <= 0 {
		return false, nil
	}
	stats, err := e.stats.Get(ctx, user.ID, day)
	if err != nil {
		return false, fmt.Errorf("risk: reload daily stats: %w", err)
	}
	if -stats.RealizedPnL < limit {
		return false, nil
	}

	if err := e.users.UpdateStatus(ctx, user.ID, domain.UserStatusStopped); err != nil {
		return false, fmt.Errorf("risk: stop user %s: %w", user.ID, err)
	}
	e.logger.Warn("daily loss limit breached on exit, user stopped",
		slog.String("user_id", user.ID),
		slog.Float64("realized_pnl", stats.RealizedPnL),
		slog.Float64("limit", limit),
	)
	return true, nil
}
