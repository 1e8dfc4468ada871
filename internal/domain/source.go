package domain

import (
	"time"
)

// SourceStatus tracks the lifecycle of a watched source.
type SourceStatus string

const (
	SourceStatusActive  SourceStatus = "active"
	SourceStatusPaused  SourceStatus = "paused"
	SourceStatusRemoved SourceStatus = "removed"
)

// WatchedSource is an external wallet a user follows. Per-source overrides
// take precedence over the user's defaults when set.
type WatchedSource struct {
	ID      string
	UserID  string
	Address string
	Label   string
	Status  SourceStatus

	// Overrides; zero values mean "use the user's defaults".
	SizingMode   SizingMode
	SizingAmount float64
	CopyDelay    time.Duration
	AllowTokens  []string // when non-empty, only these tokens are copied
	DenyTokens   []string

	// Running statistics, updated as copy trades execute.
	CopiedTrades int
	RealizedPnL  float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllowsToken applies the source's allow/deny filters to a token.
func (s WatchedSource) AllowsToken(tokenID string) bool {
	for _, t := range s.DenyTokens {
		if t == tokenID {
			return false
		}
	}
	if len(s.AllowTokens) == 0 {
		return true
	}
	for _, t := range s.AllowTokens {
		if t == tokenID {
			return true
		}
	}
	return false
}

// EffectiveSizing resolves the sizing mode and amount for this source,
// falling back to the user's settings when no override is present.
func (s WatchedSource) EffectiveSizing(u User) (SizingMode, float64) {
	if s.SizingMode != "" && s.SizingAmount > 0 {
		return s.SizingMode, s.SizingAmount
	}
	return u.Settings.SizingMode, u.Settings.SizingAmount
}
