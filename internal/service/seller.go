package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
	"github.com/mirrorline/mirrorbot/internal/notify"
	"github.com/mirrorline/mirrorbot/internal/risk"
	"github.com/mirrorline/mirrorbot/internal/rules"
)

// positionLockTTL bounds how long one exit may hold a position lock.
const positionLockTTL = 30 * time.Second

// SwapSeller is the slice of the executor the seller needs.
type SwapSeller interface {
	ExecuteSell(ctx context.Context, userID, wallet, tokenID string, amountTokens float64) (domain.SwapResult, error)
}

// Seller executes one exit signal end to end: lock, re-check, swap, ledger
// update, trade record, daily accounting, notifications. It is the single
// sell path shared by the position monitor and the copy-exit flow, so both
// honor the same serialization and bookkeeping.
type Seller struct {
	ledger   *Ledger
	exec     SwapSeller
	riskEng  *risk.Engine
	locks    domain.LockManager
	sources  domain.SourceStore
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewSeller creates a Seller.
func NewSeller(ledger *Ledger, exec SwapSeller, riskEng *risk.Engine, locks domain.LockManager, sources domain.SourceStore, notifier *notify.Notifier, logger *slog.Logger) *Seller {
	return &Seller{
		ledger:   ledger,
		exec:     exec,
		riskEng:  riskEng,
		locks:    locks,
		sources:  sources,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "seller")),
	}
}

// ExecuteExit runs the signal against the position. The holding lock is the
// same one the buy path takes, so buys and exits of one (user, token) pair
// serialize. The position is re-read under the lock before selling, because
// the snapshot the signal was computed from may have been changed by a
// concurrent operation. A held lock returns domain.ErrLockHeld; callers skip
// and retry on their next pass.
func (s *Seller) ExecuteExit(ctx context.Context, user domain.User, pos domain.Position, sig domain.ExitSignal, idempotencyKey string) (domain.Position, error) {
	unlock, err := s.locks.Acquire(ctx, "holding:"+user.ID+":"+pos.TokenID, positionLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return pos, domain.ErrLockHeld
		}
		return pos, fmt.Errorf("seller: acquire lock for %s: %w", pos.ID, err)
	}
	defer unlock()

	pos, err = s.ledger.positions.GetByID(ctx, pos.ID)
	if err != nil {
		return pos, fmt.Errorf("seller: reload position %s: %w", pos.ID, err)
	}
	if pos.Status != domain.PositionStatusOpen || pos.CurrentAmount <= 0 {
		return pos, nil
	}
	if pos.PendingTxRef != "" {
		s.logger.Warn("position awaiting reconciliation, exit skipped",
			slog.String("position_id", pos.ID),
			slog.String("pending_tx_ref", pos.PendingTxRef))
		return pos, nil
	}

	amount := rules.SellAmount(pos, sig)
	if amount <= 0 {
		return pos, nil
	}

	swap, err := s.exec.ExecuteSell(ctx, user.ID, user.Wallet, pos.TokenID, amount)
	if err != nil {
		if domain.ClassOf(err) == domain.ClassIndeterminate {
			s.parkPosition(ctx, pos, swap.TxRef)
		}
		return pos, err
	}

	// Notified after the swap confirms, so a failed attempt does not emit a
	// fresh alert on every retry.
	if err := s.notifier.ExitTriggered(ctx, pos, sig); err != nil {
		s.logger.Warn("exit notification failed", slog.String("error", err.Error()))
	}

	pos, realized, err := s.ledger.ApplyExit(ctx, pos, swap, sig)
	if err != nil {
		return pos, err
	}

	trade := domain.Trade{
		UserID:         user.ID,
		PositionID:     pos.ID,
		TokenID:        pos.TokenID,
		Side:           domain.TradeSideSell,
		AmountIn:       swap.AmountIn,
		AmountOut:      swap.AmountOut,
		Price:          swap.PriceExecuted,
		Fees:           swap.FeesPaid,
		TxRef:          swap.TxRef,
		SourceID:       pos.SourceID,
		ExitReason:     sig.Reason,
		IdempotencyKey: idempotencyKey,
		ExecutedAt:     swap.ConfirmedAt,
	}
	if err := s.ledger.RecordTrade(ctx, trade); err != nil {
		return pos, err
	}

	stopped, err := s.riskEng.RecordSell(ctx, user, swap.AmountOut, realized)
	if err != nil {
		return pos, err
	}
	if stopped {
		if err := s.notifier.RiskLimitHit(ctx, user.ID, "daily loss limit reached, trading stopped"); err != nil {
			s.logger.Warn("risk notification failed", slog.String("error", err.Error()))
		}
	}

	if pos.SourceID != "" {
		if err := s.sources.RecordCopy(ctx, pos.SourceID, realized); err != nil {
			s.logger.Warn("source stats update failed",
				slog.String("source_id", pos.SourceID), slog.String("error", err.Error()))
		}
	}

	closed := pos.Status == domain.PositionStatusClosed
	if err := s.notifier.SellExecuted(ctx, user.ID, trade, realized, closed); err != nil {
		s.logger.Warn("sell notification failed", slog.String("error", err.Error()))
	}

	return pos, nil
}

// parkPosition records an unconfirmed sell on the position. Automated
// selling stays paused until an operator reconciles the transaction against
// chain state and clears the marker.
func (s *Seller) parkPosition(ctx context.Context, pos domain.Position, txRef string) {
	if txRef == "" {
		txRef = "unknown"
	}
	pos.PendingTxRef = txRef
	if err := s.ledger.positions.Update(ctx, pos); err != nil {
		s.logger.Error("failed to park position for reconciliation",
			slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		return
	}
	s.logger.Error("sell outcome indeterminate, position parked",
		slog.String("position_id", pos.ID), slog.String("tx_ref", txRef))
}
