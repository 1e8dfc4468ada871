// Package service implements the position ledger: the bookkeeping layer
// between swap execution and storage. It owns position lifecycle (open,
// merge, partial exit, close), trade recording, and balance updates.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

const (
	// dustThreshold is the token amount below which a position counts as fully
	// exited. Venue roundings can leave a few base units behind.
	dustThreshold = 1e-9

	// recordAttempts bounds the retries of trade recording after a confirmed
	// execution. The swap already happened; losing the record is worse than a
	// slow write.
	recordAttempts = 3

	recordRetryDelay = 200 * time.Millisecond
)

// Ledger maintains positions and their trade history.
type Ledger struct {
	positions domain.PositionStore
	trades    domain.TradeStore
	users     domain.UserStore
	logger    *slog.Logger
}

// NewLedger creates a Ledger over the given stores.
func NewLedger(positions domain.PositionStore, trades domain.TradeStore, users domain.UserStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		positions: positions,
		trades:    trades,
		users:     users,
		logger:    logger.With(slog.String("component", "ledger")),
	}
}

// OpenOrMerge applies a confirmed buy to the user's holding of the token. If
// no open position exists one is created with the exit-rule snapshot; an
// existing one absorbs the buy with a pro-rated entry price. merged reports
// which path was taken. The write retries a bounded number of times: the
// capital is already spent, so losing the position record is worse than a
// slow write.
func (l *Ledger) OpenOrMerge(ctx context.Context, userID, tokenID, sourceID string, swap domain.SwapResult, rules domain.ExitRules) (pos domain.Position, merged bool, err error) {
	if swap.Status != domain.SwapStatusConfirmed {
		return domain.Position{}, false, fmt.Errorf("ledger: open with %s swap", swap.Status)
	}

	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return domain.Position{}, false, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * recordRetryDelay):
			}
			l.logger.Warn("retrying position write",
				slog.String("user_id", userID),
				slog.String("token_id", tokenID),
				slog.Int("attempt", attempt))
		}
		pos, merged, err = l.openOrMergeOnce(ctx, userID, tokenID, sourceID, swap, rules)
		if err == nil {
			return pos, merged, nil
		}
	}
	return domain.Position{}, false, fmt.Errorf("ledger: open or merge after %d attempts: %w", recordAttempts, err)
}

func (l *Ledger) openOrMergeOnce(ctx context.Context, userID, tokenID, sourceID string, swap domain.SwapResult, rules domain.ExitRules) (pos domain.Position, merged bool, err error) {
	existing, err := l.positions.GetOpenByUserToken(ctx, userID, tokenID)
	switch {
	case err == nil:
		return l.merge(ctx, existing, swap)
	case errors.Is(err, domain.ErrNotFound):
		pos, err = l.open(ctx, userID, tokenID, sourceID, swap, rules)
		if err != nil && errors.Is(err, domain.ErrAlreadyExists) {
			// Lost a race against a concurrent open of the same (user, token).
			existing, lookupErr := l.positions.GetOpenByUserToken(ctx, userID, tokenID)
			if lookupErr != nil {
				return domain.Position{}, false, fmt.Errorf("ledger: reload raced position: %w", lookupErr)
			}
			return l.merge(ctx, existing, swap)
		}
		return pos, false, err
	default:
		return domain.Position{}, false, fmt.Errorf("ledger: load open position: %w", err)
	}
}

func (l *Ledger) open(ctx context.Context, userID, tokenID, sourceID string, swap domain.SwapResult, rules domain.ExitRules) (domain.Position, error) {
	now := time.Now().UTC()
	pos := domain.Position{
		ID:             uuid.NewString(),
		UserID:         userID,
		TokenID:        tokenID,
		SourceID:       sourceID,
		EntryAmountIn:  swap.AmountIn,
		EntryAmountOut: swap.AmountOut,
		EntryPrice:     swap.PriceExecuted,
		OpenedAt:       now,
		CurrentAmount:  swap.AmountOut,
		CurrentPrice:   swap.PriceExecuted,
		CurrentValue:   swap.AmountOut * swap.PriceExecuted,
		HighWaterMark:  swap.PriceExecuted,
		Rules:          rules,
		Status:         domain.PositionStatusOpen,
	}
	if err := l.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, err
	}
	l.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("user_id", userID),
		slog.String("token_id", tokenID),
		slog.Float64("entry_price", pos.EntryPrice))
	return pos, nil
}

func (l *Ledger) merge(ctx context.Context, pos domain.Position, swap domain.SwapResult) (domain.Position, bool, error) {
	pos.EntryAmountIn += swap.AmountIn
	pos.EntryAmountOut += swap.AmountOut
	if pos.EntryAmountOut > 0 {
		pos.EntryPrice = pos.EntryAmountIn / pos.EntryAmountOut
	}
	pos.CurrentAmount += swap.AmountOut
	pos.CurrentPrice = swap.PriceExecuted
	pos.CurrentValue = pos.CurrentAmount * swap.PriceExecuted
	if swap.PriceExecuted > pos.HighWaterMark {
		pos.HighWaterMark = swap.PriceExecuted
	}

	if err := l.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, false, fmt.Errorf("ledger: merge position %s: %w", pos.ID, err)
	}
	l.logger.Info("position merged",
		slog.String("position_id", pos.ID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("current_amount", pos.CurrentAmount))
	return pos, true, nil
}

// ApplyExit applies a confirmed sell to the position. Realized PnL for the
// slice is proceeds minus the pro-rated cost basis of the tokens sold. When
// the remaining amount falls to dust the position closes.
func (l *Ledger) ApplyExit(ctx context.Context, pos domain.Position, swap domain.SwapResult, sig domain.ExitSignal) (domain.Position, float64, error) {
	if swap.Status != domain.SwapStatusConfirmed {
		return domain.Position{}, 0, fmt.Errorf("ledger: exit with %s swap", swap.Status)
	}

	tokensSold := swap.AmountIn
	if tokensSold > pos.CurrentAmount {
		tokensSold = pos.CurrentAmount
	}
	costBasis := pos.EntryPrice * tokensSold
	realized := swap.AmountOut - costBasis - swap.FeesPaid

	pos.CurrentAmount -= tokensSold
	pos.ExitedAmount += tokensSold
	pos.RealizedPnL += realized
	pos.CurrentPrice = swap.PriceExecuted
	pos.CurrentValue = pos.CurrentAmount * swap.PriceExecuted
	if sig.TPIndex >= 0 && !pos.TPTriggered(sig.TPIndex) {
		pos.TriggeredTPs = append(pos.TriggeredTPs, sig.TPIndex)
	}

	if math.Abs(pos.CurrentAmount) < dustThreshold {
		now := time.Now().UTC()
		pos.CurrentAmount = 0
		pos.CurrentValue = 0
		pos.UnrealizedPnL = 0
		pos.Status = domain.PositionStatusClosed
		pos.ClosedAt = &now
	}

	if err := l.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, 0, fmt.Errorf("ledger: apply exit to position %s: %w", pos.ID, err)
	}

	l.logger.Info("exit applied",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(sig.Reason)),
		slog.Float64("tokens_sold", tokensSold),
		slog.Float64("realized_pnl", realized),
		slog.Bool("closed", pos.Status == domain.PositionStatusClosed))
	return pos, realized, nil
}

// RefreshValuation updates the running state of an open position at the given
// price. The high-water mark only ever rises, and the trailing latch arms
// permanently once the activation threshold is crossed.
func (l *Ledger) RefreshValuation(ctx context.Context, pos domain.Position, price float64) (domain.Position, error) {
	if pos.Status != domain.PositionStatusOpen {
		return pos, nil
	}

	pos.CurrentPrice = price
	pos.CurrentValue = pos.CurrentAmount * price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.CurrentAmount
	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}
	if pos.Rules.TrailingEnabled && !pos.TrailingArmed &&
		pos.UnrealizedPnLPct(pos.HighWaterMark) >= pos.Rules.TrailingActivationPct {
		pos.TrailingArmed = true
	}

	if err := l.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: refresh position %s: %w", pos.ID, err)
	}
	return pos, nil
}

// RecordTrade persists the audit record for an executed swap and applies the
// balance delta. A duplicate record (same idempotency key and side) is
// treated as already recorded and succeeds. Store failures retry a bounded
// number of times.
func (l *Ledger) RecordTrade(ctx context.Context, t domain.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	var lastErr error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * recordRetryDelay):
			}
		}

		err := l.trades.Create(ctx, t)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrAlreadyExists) {
			l.logger.Warn("trade already recorded",
				slog.String("idempotency_key", t.IdempotencyKey),
				slog.String("side", string(t.Side)))
			return nil
		}
		lastErr = err
		if attempt == recordAttempts {
			return fmt.Errorf("ledger: record trade after %d attempts: %w", recordAttempts, lastErr)
		}
	}

	var delta float64
	switch t.Side {
	case domain.TradeSideBuy:
		delta = -(t.AmountIn + t.Fees)
	case domain.TradeSideSell:
		delta = t.AmountOut - t.Fees
	}
	if err := l.users.UpdateBalance(ctx, t.UserID, delta); err != nil {
		return fmt.Errorf("ledger: apply balance delta for user %s: %w", t.UserID, err)
	}
	return nil
}
