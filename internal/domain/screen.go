package domain

import (
	"context"
	"time"
)

// ScreenLevel selects the threshold table used by the token screener.
type ScreenLevel string

const (
	ScreenLevelStrict  ScreenLevel = "strict"
	ScreenLevelNormal  ScreenLevel = "normal"
	ScreenLevelRelaxed ScreenLevel = "relaxed"
)

// TokenReport is the raw security and liquidity data for one token as
// returned by the data provider. Nil pointer fields mean the provider could
// not supply that datum; the screener treats them as "unknown".
type TokenReport struct {
	TokenID            string
	MintAuthorityOff   *bool
	FreezeAuthorityOff *bool
	LiquidityUSD       *float64
	LPLockedPct        *float64
	Top10HolderPct     *float64
	MaxSingleHolderPct *float64
	FetchedAt          time.Time
}

// ScreenResult is the outcome of screening one token at one level.
type ScreenResult struct {
	TokenID      string      `json:"token_id"`
	Level        ScreenLevel `json:"level"`
	Passed       bool        `json:"passed"`
	Score        float64     `json:"score"` // 0..100
	FailedChecks []string    `json:"failed_checks"`
	ScreenedAt   time.Time   `json:"screened_at"`
}

// HoneypotChecker runs an optional transfer simulation against a token.
// It is wired only for screen levels that require it.
type HoneypotChecker interface {
	Simulate(ctx context.Context, tokenID string) (sellable bool, err error)
}
