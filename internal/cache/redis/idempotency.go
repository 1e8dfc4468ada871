package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// IdempotencyLedger implements domain.IdempotencyLedger using Redis SET NX
// with a TTL. The check and the mark are a single atomic command, so at most
// one caller ever observes first=true for a fingerprint within the retention
// window.
type IdempotencyLedger struct {
	rdb *redis.Client
}

// NewIdempotencyLedger creates an IdempotencyLedger backed by the given Client.
func NewIdempotencyLedger(c *Client) *IdempotencyLedger {
	return &IdempotencyLedger{rdb: c.Underlying()}
}

func fingerprintKey(fp string) string {
	return "event:fp:" + fp
}

// HasProcessed reports whether the fingerprint was already recorded.
func (l *IdempotencyLedger) HasProcessed(ctx context.Context, fingerprint string) (bool, error) {
	n, err := l.rdb.Exists(ctx, fingerprintKey(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: idempotency check %s: %w", fingerprint, err)
	}
	return n > 0, nil
}

// CheckAndMark records the fingerprint with the given retention TTL and
// reports whether this call was the first to record it.
func (l *IdempotencyLedger) CheckAndMark(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	first, err := l.rdb.SetNX(ctx, fingerprintKey(fingerprint), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: idempotency mark %s: %w", fingerprint, err)
	}
	return first, nil
}

// Compile-time interface check.
var _ domain.IdempotencyLedger = (*IdempotencyLedger)(nil)
