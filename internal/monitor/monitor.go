// Package monitor implements the position monitor: a single periodic loop
// that revalues every open position and fires the exit rule engine against
// fresh prices.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
	"github.com/mirrorline/mirrorbot/internal/rules"
	"github.com/mirrorline/mirrorbot/internal/service"
)

const defaultInterval = 10 * time.Second

// PriceFetcher returns current prices for a batch of tokens. Implemented by
// the venue client.
type PriceFetcher interface {
	GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error)
}

// Monitor drives the exit side of every open position.
type Monitor struct {
	positions  domain.PositionStore
	users      domain.UserStore
	priceCache domain.PriceCache
	fetcher    PriceFetcher
	ledger     *service.Ledger
	seller     *service.Seller
	engine     *rules.Engine
	interval   time.Duration
	logger     *slog.Logger
}

// New creates a Monitor. interval selects the tick period; zero selects the
// default.
func New(
	positions domain.PositionStore,
	users domain.UserStore,
	priceCache domain.PriceCache,
	fetcher PriceFetcher,
	ledger *service.Ledger,
	seller *service.Seller,
	engine *rules.Engine,
	interval time.Duration,
	logger *slog.Logger,
) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		positions:  positions,
		users:      users,
		priceCache: priceCache,
		fetcher:    fetcher,
		ledger:     ledger,
		seller:     seller,
		engine:     engine,
		interval:   interval,
		logger:     logger.With(slog.String("component", "monitor")),
	}
}

// Run ticks until ctx is cancelled. Tick failures are logged and the loop
// continues; one bad pass must not take the monitor down.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("monitor tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick performs one full pass: batch-fetch prices for all open positions,
// refresh each position's valuation, evaluate exit rules, and execute any
// triggered signal. Failures on one position never block the rest.
func (m *Monitor) Tick(ctx context.Context) error {
	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list open positions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	prices, err := m.fetchPrices(ctx, open)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, pos := range open {
		price, ok := prices[pos.TokenID]
		if !ok || price <= 0 {
			m.logger.Warn("no price for token, skipping position",
				slog.String("position_id", pos.ID), slog.String("token_id", pos.TokenID))
			continue
		}
		if err := m.checkPosition(ctx, pos, price, now); err != nil {
			m.logger.Error("position check failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Monitor) checkPosition(ctx context.Context, pos domain.Position, price float64, now time.Time) error {
	pos, err := m.ledger.RefreshValuation(ctx, pos, price)
	if err != nil {
		return err
	}

	sig, ok := m.engine.Evaluate(pos, price, now)
	if !ok {
		return nil
	}

	m.logger.Info("exit rule triggered",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(sig.Reason)),
		slog.Int("priority", sig.Priority),
		slog.String("message", sig.Message))

	user, err := m.users.GetByID(ctx, pos.UserID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", pos.UserID, err)
	}

	// Deterministic per logical exit: a re-execution of the same signal maps
	// to the same trade row and dedupes there.
	key := fmt.Sprintf("exit:%s:%s:%d", pos.ID, sig.Reason, sig.TPIndex)
	_, err = m.seller.ExecuteExit(ctx, user, pos, sig, key)
	if errors.Is(err, domain.ErrLockHeld) {
		// Another actor is working this holding; the next tick re-evaluates.
		m.logger.Debug("holding locked, deferring exit", slog.String("position_id", pos.ID))
		return nil
	}
	return err
}

// fetchPrices batch-loads prices for every distinct token held, preferring
// the venue and falling back to the cache for tokens the venue cannot price
// right now. Fresh venue prices are written back to the cache.
func (m *Monitor) fetchPrices(ctx context.Context, open []domain.Position) (map[string]float64, error) {
	seen := make(map[string]struct{}, len(open))
	tokens := make([]string, 0, len(open))
	for _, p := range open {
		if _, ok := seen[p.TokenID]; !ok {
			seen[p.TokenID] = struct{}{}
			tokens = append(tokens, p.TokenID)
		}
	}

	prices, err := m.fetcher.GetPrices(ctx, tokens)
	if err != nil {
		m.logger.Warn("venue price fetch failed, using cache", slog.String("error", err.Error()))
		cached, cacheErr := m.priceCache.GetPrices(ctx, tokens)
		if cacheErr != nil {
			return nil, fmt.Errorf("monitor: prices unavailable: %w", err)
		}
		return cached, nil
	}

	now := time.Now().UTC()
	for token, price := range prices {
		if err := m.priceCache.SetPrice(ctx, token, price, now); err != nil {
			m.logger.Warn("price cache update failed", slog.String("token_id", token), slog.String("error", err.Error()))
		}
	}

	// Backfill tokens the venue skipped from the cache.
	var missing []string
	for _, t := range tokens {
		if _, ok := prices[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		cached, err := m.priceCache.GetPrices(ctx, missing)
		if err == nil {
			for t, p := range cached {
				prices[t] = p
			}
		}
	}

	return prices, nil
}
