package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// ScreenCache implements domain.ScreenCache using JSON values keyed by
// (token, level). Entries carry a short TTL so a stale safety verdict is
// never reused for long.
//
// Key schema:
//
//	screen:{tokenID}:{level} - JSON-serialized ScreenResult
type ScreenCache struct {
	rdb *redis.Client
}

// NewScreenCache creates a ScreenCache backed by the given Client.
func NewScreenCache(c *Client) *ScreenCache {
	return &ScreenCache{rdb: c.Underlying()}
}

func screenKey(tokenID string, level domain.ScreenLevel) string {
	return "screen:" + tokenID + ":" + string(level)
}

// Get retrieves a cached screening result. It returns domain.ErrNotFound when
// no entry exists or it has expired.
func (sc *ScreenCache) Get(ctx context.Context, tokenID string, level domain.ScreenLevel) (domain.ScreenResult, error) {
	data, err := sc.rdb.Get(ctx, screenKey(tokenID, level)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ScreenResult{}, domain.ErrNotFound
		}
		return domain.ScreenResult{}, fmt.Errorf("redis: get screen %s: %w", tokenID, err)
	}

	var res domain.ScreenResult
	if err := json.Unmarshal(data, &res); err != nil {
		return domain.ScreenResult{}, fmt.Errorf("redis: unmarshal screen %s: %w", tokenID, err)
	}
	return res, nil
}

// Set stores a screening result with the given TTL.
func (sc *ScreenCache) Set(ctx context.Context, res domain.ScreenResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("redis: marshal screen %s: %w", res.TokenID, err)
	}
	if err := sc.rdb.Set(ctx, screenKey(res.TokenID, res.Level), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set screen %s: %w", res.TokenID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ScreenCache = (*ScreenCache)(nil)
