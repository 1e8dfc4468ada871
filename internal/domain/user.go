package domain

import "time"

// UserStatus tracks whether a user's copy trading is allowed to run.
type UserStatus string

const (
	UserStatusActive UserStatus = "active"
	UserStatusPaused UserStatus = "paused"

	// UserStatusStopped is entered automatically when the daily-loss limit is
	// breached and must be cleared manually.
	UserStatusStopped UserStatus = "stopped"

	// UserStatusDisabled is terminal and set administratively.
	UserStatusDisabled UserStatus = "disabled"
)

// SizingMode selects how the requested size of a copy buy is computed.
type SizingMode string

const (
	SizingFixed      SizingMode = "fixed"       // fixed native amount per trade
	SizingPctBalance SizingMode = "pct_balance" // percentage of available balance
)

// UserSettings is the per-tenant settings bundle applied to every copy trade.
type UserSettings struct {
	SizingMode          SizingMode
	SizingAmount        float64 // native units for fixed, percent for pct_balance
	MaxPositions        int
	MaxPositionPerToken float64 // native units of total exposure per token
	DailyLossLimit      float64 // native units; 0 disables the limit
	ScreenLevel         ScreenLevel
	ExitRules           ExitRules
}

// User is a tenant of the engine.
type User struct {
	ID        string
	Wallet    string // address trades are executed from
	Balance   float64
	Settings  UserSettings
	Status    UserStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanTrade reports whether new buys may be opened for the user.
func (u User) CanTrade() bool {
	return u.Status == UserStatusActive
}

// DailyStats aggregates one user's trading activity for a single UTC day, so
// the risk engine can enforce daily limits without re-scanning the trade log.
type DailyStats struct {
	UserID        string
	Day           time.Time // truncated to UTC midnight
	TradeCount    int
	BuyVolume     float64
	SellVolume    float64
	RealizedPnL   float64
	MaxOpenPosCnt int
}
