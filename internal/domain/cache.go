package domain

import (
	"context"
	"time"
)

// IdempotencyLedger records processed event fingerprints so that at-least-once
// delivery never produces a second effect. Entries expire after a bounded
// retention window.
type IdempotencyLedger interface {
	HasProcessed(ctx context.Context, fingerprint string) (bool, error)

	// CheckAndMark atomically records the fingerprint and reports whether this
	// call was the first to do so. It is the only safe form to use relative to
	// job enqueue under duplicate delivery.
	CheckAndMark(ctx context.Context, fingerprint string, ttl time.Duration) (first bool, err error)
}

// PriceCache provides fast access to the latest token prices.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error)
	GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error)
}

// ScreenCache caches screening results per (token, level) with a short TTL to
// avoid redundant calls to the security data provider.
type ScreenCache interface {
	Get(ctx context.Context, tokenID string, level ScreenLevel) (ScreenResult, error)
	Set(ctx context.Context, res ScreenResult, ttl time.Duration) error
}

// RateLimiter provides distributed rate limiting, keyed per downstream
// dependency.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. The engine serializes all buy and
// sell operations on one position through a per-position lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// JobQueue is the durable copy-job queue consumed by the orchestrator's
// worker pool. Delivery is at-least-once; consumers ack processed jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job CopyJob) error
	// Dequeue blocks up to the given duration for the next job. A nil job with
	// a nil error means the wait timed out.
	Dequeue(ctx context.Context, consumer string, block time.Duration) (*CopyJob, string, error)
	Ack(ctx context.Context, msgID string) error
	// DeadLetter moves a job that cannot be processed onto the dead-letter
	// stream together with the failure reason.
	DeadLetter(ctx context.Context, job CopyJob, reason string) error
}
