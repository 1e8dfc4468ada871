package domain

import "time"

// TradeSide distinguishes buys from sells.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// ExitReason is the typed reason recorded on sell trades and carried on
// notifications so a UI or bot can render the event without a follow-up query.
type ExitReason string

const (
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTrailingStop ExitReason = "trailing_stop"
	ExitReasonCopyExit     ExitReason = "copy_exit"
	ExitReasonTakeProfit   ExitReason = "take_profit"
	ExitReasonTimeStop     ExitReason = "time_stop"
	ExitReasonManual       ExitReason = "manual"
)

// Trade is an immutable, append-only audit record of one executed buy or
// sell. It is never updated after creation.
type Trade struct {
	ID         string
	UserID     string
	PositionID string
	TokenID    string
	Side       TradeSide
	AmountIn   float64
	AmountOut  float64
	Price      float64
	Fees       float64
	TxRef      string // external transaction reference
	SourceID   string // empty for user-initiated trades
	ExitReason ExitReason

	// IdempotencyKey is unique per (source event, side) and guarantees
	// at-most-once execution under duplicate event delivery.
	IdempotencyKey string

	ExecutedAt time.Time
}
