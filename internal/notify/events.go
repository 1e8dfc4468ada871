package notify

import (
	"context"
	"fmt"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// Event types accepted by Notifier.Notify. The configured allow-list filters
// on these values.
const (
	EventBuyExecuted   = "buy_executed"
	EventSellExecuted  = "sell_executed"
	EventExitTriggered = "exit_triggered"
	EventRiskLimitHit  = "risk_limit_hit"
	EventError         = "error"
)

// BuyExecuted reports a completed copy buy.
func (n *Notifier) BuyExecuted(ctx context.Context, userID string, trade domain.Trade, merged bool) error {
	action := "opened"
	if merged {
		action = "added to"
	}
	title := fmt.Sprintf("Buy executed: %s", trade.TokenID)
	msg := fmt.Sprintf("user %s %s position\nspent %.6f at price %.8f\ntx %s",
		userID, action, trade.AmountIn, trade.Price, trade.TxRef)
	return n.Notify(ctx, EventBuyExecuted, title, msg)
}

// SellExecuted reports a completed sell, whether rule-driven or copied.
func (n *Notifier) SellExecuted(ctx context.Context, userID string, trade domain.Trade, realizedPnL float64, closed bool) error {
	state := "partial exit"
	if closed {
		state = "position closed"
	}
	title := fmt.Sprintf("Sell executed: %s (%s)", trade.TokenID, trade.ExitReason)
	msg := fmt.Sprintf("user %s %s\nsold %.6f for %.6f, realized PnL %+.6f\ntx %s",
		userID, state, trade.AmountIn, trade.AmountOut, realizedPnL, trade.TxRef)
	return n.Notify(ctx, EventSellExecuted, title, msg)
}

// ExitTriggered reports that an exit rule fired and its sell went through.
func (n *Notifier) ExitTriggered(ctx context.Context, pos domain.Position, sig domain.ExitSignal) error {
	title := fmt.Sprintf("Exit triggered: %s (%s)", pos.TokenID, sig.Reason)
	msg := fmt.Sprintf("user %s position %s\nselling %.1f%%: %s",
		pos.UserID, pos.ID, sig.SellPct, sig.Message)
	return n.Notify(ctx, EventExitTriggered, title, msg)
}

// RiskLimitHit reports a risk rejection or an automatic trading stop.
func (n *Notifier) RiskLimitHit(ctx context.Context, userID, reason string) error {
	title := "Risk limit hit"
	msg := fmt.Sprintf("user %s: %s", userID, reason)
	return n.Notify(ctx, EventRiskLimitHit, title, msg)
}

// PipelineError reports a failure that needs operator attention.
func (n *Notifier) PipelineError(ctx context.Context, userID, stage string, err error) error {
	title := fmt.Sprintf("Pipeline error: %s", stage)
	msg := fmt.Sprintf("user %s: %v", userID, err)
	return n.Notify(ctx, EventError, title, msg)
}
