package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

const (
	jobStream        = "copyjobs"
	jobGroup         = "copyjobs:workers"
	deadLetterStream = "copyjobs:dead"

	// jobStreamMaxLen is the approximate maximum stream length, enforced via
	// XADD MAXLEN ~.
	jobStreamMaxLen int64 = 10000
)

// JobQueue implements domain.JobQueue using a Redis stream with a consumer
// group. XADD gives durable, ordered delivery; XREADGROUP with per-worker
// consumer names gives each worker its own pending-entries list, and XACK
// confirms completion.
type JobQueue struct {
	rdb *redis.Client
}

// NewJobQueue creates a JobQueue backed by the given Client, creating the
// consumer group if it does not exist yet.
func NewJobQueue(ctx context.Context, c *Client) (*JobQueue, error) {
	q := &JobQueue{rdb: c.Underlying()}

	err := q.rdb.XGroupCreateMkStream(ctx, jobStream, jobGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis: create job group: %w", err)
	}
	return q, nil
}

// Enqueue appends a job to the stream.
func (q *JobQueue) Enqueue(ctx context.Context, job domain.CopyJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: marshal job %s: %w", job.ID, err)
	}

	args := &redis.XAddArgs{
		Stream: jobStream,
		MaxLen: jobStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue blocks up to the given duration for the next job assigned to this
// consumer. It returns (nil, "", nil) when the wait times out.
func (q *JobQueue) Dequeue(ctx context.Context, consumer string, block time.Duration) (*domain.CopyJob, string, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    jobGroup,
		Consumer: consumer,
		Streams:  []string{jobStream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("redis: dequeue: %w", err)
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			payload, ok := msg.Values["payload"].(string)
			if !ok {
				// Malformed entry; ack it away so it is not redelivered forever.
				_ = q.rdb.XAck(ctx, jobStream, jobGroup, msg.ID).Err()
				continue
			}
			var job domain.CopyJob
			if err := json.Unmarshal([]byte(payload), &job); err != nil {
				_ = q.rdb.XAck(ctx, jobStream, jobGroup, msg.ID).Err()
				return nil, "", fmt.Errorf("redis: unmarshal job %s: %w", msg.ID, err)
			}
			return &job, msg.ID, nil
		}
	}
	return nil, "", nil
}

// Ack confirms that the message has been fully processed.
func (q *JobQueue) Ack(ctx context.Context, msgID string) error {
	if err := q.rdb.XAck(ctx, jobStream, jobGroup, msgID).Err(); err != nil {
		return fmt.Errorf("redis: ack %s: %w", msgID, err)
	}
	return nil
}

// DeadLetter appends the job and its failure reason to the dead-letter
// stream for operator inspection.
func (q *JobQueue) DeadLetter(ctx context.Context, job domain.CopyJob, reason string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: marshal dead job %s: %w", job.ID, err)
	}

	args := &redis.XAddArgs{
		Stream: deadLetterStream,
		MaxLen: jobStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
			"reason":  reason,
			"at":      time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.JobQueue = (*JobQueue)(nil)
