// Package screener evaluates candidate tokens against per-level safety
// thresholds before any buy is allowed. Results are cached with a short TTL
// so repeated copy jobs for a hot token do not hammer the data provider.
package screener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// SecurityDataProvider supplies raw token security and liquidity data.
// Implemented by the tokensentry platform client.
type SecurityDataProvider interface {
	TokenReport(ctx context.Context, tokenID string) (domain.TokenReport, error)
}

// honeypotMode controls whether the transfer-simulation check runs and
// whether its failure is fatal.
type honeypotMode int

const (
	honeypotSkip honeypotMode = iota
	honeypotOptional
	honeypotRequired
)

// thresholds is one row of the per-level threshold table.
type thresholds struct {
	requireAuthoritiesRevoked bool
	minLiquidityUSD           float64
	minLPLockedPct            float64
	maxTop10Pct               float64
	maxSingleHolderPct        float64
	maxPositionPctOfLiq       float64
	honeypot                  honeypotMode
}

var levelTable = map[domain.ScreenLevel]thresholds{
	domain.ScreenLevelStrict: {
		requireAuthoritiesRevoked: true,
		minLiquidityUSD:           50_000,
		minLPLockedPct:            80,
		maxTop10Pct:               30,
		maxSingleHolderPct:        10,
		maxPositionPctOfLiq:       1,
		honeypot:                  honeypotRequired,
	},
	domain.ScreenLevelNormal: {
		requireAuthoritiesRevoked: true,
		minLiquidityUSD:           20_000,
		minLPLockedPct:            50,
		maxTop10Pct:               45,
		maxSingleHolderPct:        20,
		maxPositionPctOfLiq:       3,
		honeypot:                  honeypotOptional,
	},
	domain.ScreenLevelRelaxed: {
		requireAuthoritiesRevoked: false,
		minLiquidityUSD:           5_000,
		minLPLockedPct:            0,
		maxTop10Pct:               70,
		maxSingleHolderPct:        40,
		maxPositionPctOfLiq:       10,
		honeypot:                  honeypotSkip,
	},
}

// unknownPenalty is subtracted from the score for every check whose input
// data the provider could not supply.
const unknownPenalty = 15.0

// failPenalty is subtracted for every failed optional check.
const failPenalty = 20.0

// Screener runs the per-level check table against provider data.
type Screener struct {
	provider SecurityDataProvider
	honeypot domain.HoneypotChecker // optional
	cache    domain.ScreenCache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// New creates a Screener. honeypot may be nil, in which case the simulation
// check degrades to unknown at levels that want it. cacheTTL bounds how long
// a screening verdict is reused.
func New(provider SecurityDataProvider, honeypot domain.HoneypotChecker, cache domain.ScreenCache, cacheTTL time.Duration, logger *slog.Logger) *Screener {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Screener{
		provider: provider,
		honeypot: honeypot,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.With(slog.String("component", "screener")),
	}
}

// Screen evaluates the token at the given level. positionUSD is the intended
// position size in USD, consumed by the size-versus-liquidity check; pass 0
// to skip it. A triggered required check fails the whole screen; optional
// checks and unknowns only lower the score.
func (s *Screener) Screen(ctx context.Context, tokenID string, level domain.ScreenLevel, positionUSD float64) (domain.ScreenResult, error) {
	th, ok := levelTable[level]
	if !ok {
		return domain.ScreenResult{}, fmt.Errorf("screener: unknown level %q", level)
	}

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, tokenID, level); err == nil {
			return cached, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("screen cache read failed", slog.String("error", err.Error()))
		}
	}

	report, err := s.provider.TokenReport(ctx, tokenID)
	if err != nil {
		// Provider outage: no authority or liquidity data at all means the
		// screen cannot be decided and must fail hard.
		return domain.ScreenResult{}, fmt.Errorf("screener: token report %s: %w", tokenID, err)
	}

	res := s.evaluate(ctx, report, th, positionUSD)
	res.TokenID = tokenID
	res.Level = level
	res.ScreenedAt = time.Now().UTC()

	if s.cache != nil {
		if err := s.cache.Set(ctx, res, s.cacheTTL); err != nil {
			s.logger.Warn("screen cache write failed", slog.String("error", err.Error()))
		}
	}

	s.logger.Debug("token screened",
		slog.String("token", tokenID),
		slog.String("level", string(level)),
		slog.Bool("passed", res.Passed),
		slog.Float64("score", res.Score),
	)
	return res, nil
}

func (s *Screener) evaluate(ctx context.Context, r domain.TokenReport, th thresholds, positionUSD float64) domain.ScreenResult {
	score := 100.0
	var failed []string
	passed := true
	unknowns := 0
	known := 0

	// check records one boolean check outcome. A nil value degrades the check
	// to unknown: excluded from required semantics, flagged, penalized.
	check := func(name string, value *bool, required bool) {
		if value == nil {
			failed = append(failed, name+":unknown")
			score -= unknownPenalty
			unknowns++
			return
		}
		known++
		if *value {
			return
		}
		failed = append(failed, name)
		if required {
			passed = false
		} else {
			score -= failPenalty
		}
	}

	boolPtr := func(b bool) *bool { return &b }

	// Authority checks.
	check("mint_authority_revoked", r.MintAuthorityOff, th.requireAuthoritiesRevoked)
	check("freeze_authority_revoked", r.FreezeAuthorityOff, th.requireAuthoritiesRevoked)

	// Liquidity depth.
	var liqOK *bool
	if r.LiquidityUSD != nil {
		liqOK = boolPtr(*r.LiquidityUSD >= th.minLiquidityUSD)
	}
	check("min_liquidity_usd", liqOK, true)

	// LP lock.
	var lockOK *bool
	if r.LPLockedPct != nil {
		lockOK = boolPtr(*r.LPLockedPct >= th.minLPLockedPct)
	}
	check("lp_locked_pct", lockOK, th.minLPLockedPct > 0)

	// Holder concentration.
	var top10OK *bool
	if r.Top10HolderPct != nil {
		top10OK = boolPtr(*r.Top10HolderPct < th.maxTop10Pct)
	}
	check("top10_holder_pct", top10OK, true)

	var singleOK *bool
	if r.MaxSingleHolderPct != nil {
		singleOK = boolPtr(*r.MaxSingleHolderPct < th.maxSingleHolderPct)
	}
	check("single_holder_pct", singleOK, true)

	// Position size as a fraction of pool liquidity.
	if positionUSD > 0 {
		var sizeOK *bool
		if r.LiquidityUSD != nil && *r.LiquidityUSD > 0 {
			sizeOK = boolPtr(positionUSD/(*r.LiquidityUSD)*100 <= th.maxPositionPctOfLiq)
		}
		check("position_pct_of_liquidity", sizeOK, true)
	}

	// Transfer simulation.
	if th.honeypot != honeypotSkip {
		var sellOK *bool
		if s.honeypot != nil {
			if sellable, err := s.honeypot.Simulate(ctx, r.TokenID); err == nil {
				sellOK = boolPtr(sellable)
			}
		}
		check("honeypot_simulation", sellOK, th.honeypot == honeypotRequired)
	}

	// A screen with zero usable authority and liquidity data is undecidable
	// and must not pass on unknowns alone.
	if known == 0 && unknowns > 0 {
		passed = false
		failed = append(failed, "all_data_unavailable")
	}

	if score < 0 {
		score = 0
	}
	return domain.ScreenResult{
		Passed:       passed,
		Score:        score,
		FailedChecks: failed,
	}
}
