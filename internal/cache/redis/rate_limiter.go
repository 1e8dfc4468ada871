package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const (
	waitPollInterval = 50 * time.Millisecond

	// defaultPerSecond is the Wait limit when the limiter is constructed
	// with a non-positive rate.
	defaultPerSecond = 10
)

// RateLimiter implements domain.RateLimiter with a sliding window over a
// Redis sorted set, counted atomically by a Lua script. It throttles calls
// to the swap venue across all workers and processes.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
	perSecond     int
}

// NewRateLimiter creates a RateLimiter. perSecond is the request budget Wait
// enforces per key; non-positive selects the default.
func NewRateLimiter(c *Client, perSecond int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = defaultPerSecond
	}
	return &RateLimiter{
		rdb:           c.Underlying(),
		slidingWindow: redis.NewScript(slidingWindowLua),
		perSecond:     perSecond,
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow reports whether a request for the key fits under the sliding window
// and counts it when it does.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMicro()

	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(key)},
		now,
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}

	return result[0] == 1, nil
}

// Wait blocks until a request for the key fits under the configured
// per-second budget, polling at a fixed interval. It returns early when ctx
// is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		default:
		}

		allowed, err := rl.Allow(ctx, key, rl.perSecond, time.Second)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
