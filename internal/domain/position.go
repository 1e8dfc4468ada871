package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is the central mutable aggregate: one user's holding of one token.
// At most one open position exists per (user, token) pair; additional buys of
// the same token merge into the existing position with a pro-rated entry.
type Position struct {
	ID       string
	UserID   string
	TokenID  string
	SourceID string // watched source that triggered the entry; empty for manual buys

	// Entry state, pro-rated across merged buys.
	EntryAmountIn  float64 // native units spent
	EntryAmountOut float64 // token units received
	EntryPrice     float64 // native per token
	OpenedAt       time.Time

	// Running state, refreshed on every monitor tick.
	CurrentAmount float64 // token units still held; zero exactly when closed
	CurrentPrice  float64
	CurrentValue  float64
	UnrealizedPnL float64

	// HighWaterMark is the highest price observed while open. Monotonically
	// non-decreasing; consumed only by the trailing-stop rule.
	HighWaterMark float64

	// TrailingArmed latches once unrealized PnL has exceeded the trailing
	// activation threshold. It never resets while the position is open.
	TrailingArmed bool

	// Realized state, accumulated across partial exits.
	ExitedAmount float64 // token units sold so far
	RealizedPnL  float64

	// TriggeredTPs holds the indices of take-profit levels that already
	// fired. A level fires at most once per position lifetime.
	TriggeredTPs []int

	// PendingTxRef is set when a sell was submitted but its confirmation
	// could not be observed. While non-empty, all automated selling of this
	// position is paused; an operator reconciles against chain state and
	// clears the marker.
	PendingTxRef string

	// Rules is the exit-rule snapshot taken when the position was opened, so
	// a later settings change never rewrites the contract of a live position.
	Rules ExitRules

	Status   PositionStatus
	ClosedAt *time.Time
}

// UnrealizedPnLPct returns unrealized PnL at the given price as a percentage
// of the entry price.
func (p Position) UnrealizedPnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// SellableAmount is the portion of the current amount that the automatic
// stop-loss, trailing-stop and take-profit rules may liquidate. The moon bag
// floor is a fixed fraction of the entry amount, so repeated automatic exits
// converge on the floor instead of eroding it; the floor itself is reserved
// for time-stop or manual exits.
func (p Position) SellableAmount() float64 {
	if p.Rules.MoonBagPct <= 0 {
		return p.CurrentAmount
	}
	floor := p.EntryAmountOut * p.Rules.MoonBagPct / 100
	sellable := p.CurrentAmount - floor
	if sellable < 0 {
		return 0
	}
	return sellable
}

// TPTriggered reports whether the take-profit level at index i already fired.
func (p Position) TPTriggered(i int) bool {
	for _, t := range p.TriggeredTPs {
		if t == i {
			return true
		}
	}
	return false
}

// HoldingTime returns how long the position has been open.
func (p Position) HoldingTime(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
