// Package copier implements the copy-trade orchestrator: the ingest fan-out
// from wallet events to per-user copy jobs, and the worker pool that runs
// each job through the full decision and execution pipeline.
package copier

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// defaultEventTTL is the idempotency retention window. Duplicates of an event
// arriving within this window are dropped; the feed never redelivers older
// ones.
const defaultEventTTL = 24 * time.Hour

// Ingestor receives wallet events from the feed, deduplicates them, and fans
// each one out to one copy job per following user.
type Ingestor struct {
	sources  domain.SourceStore
	dedupe   domain.IdempotencyLedger
	queue    domain.JobQueue
	eventTTL time.Duration
	logger   *slog.Logger
}

// NewIngestor creates an Ingestor. eventTTL bounds the dedup window; zero
// selects the default.
func NewIngestor(sources domain.SourceStore, dedupe domain.IdempotencyLedger, queue domain.JobQueue, eventTTL time.Duration, logger *slog.Logger) *Ingestor {
	if eventTTL <= 0 {
		eventTTL = defaultEventTTL
	}
	return &Ingestor{
		sources:  sources,
		dedupe:   dedupe,
		queue:    queue,
		eventTTL: eventTTL,
		logger:   logger.With(slog.String("component", "ingestor")),
	}
}

// HandleEvent processes one inbound wallet event. The fingerprint is marked
// before any job is enqueued, so a duplicate delivery racing this call can
// never fan out a second time.
func (i *Ingestor) HandleEvent(ctx context.Context, event domain.WalletEvent) {
	fp := event.Fingerprint()

	first, err := i.dedupe.CheckAndMark(ctx, fp, i.eventTTL)
	if err != nil {
		i.logger.Error("idempotency check failed, dropping event",
			slog.String("fingerprint", fp), slog.String("error", err.Error()))
		return
	}
	if !first {
		i.logger.Debug("duplicate event dropped", slog.String("fingerprint", fp))
		return
	}

	followers, err := i.sources.ListByAddress(ctx, event.SourceAddress)
	if err != nil {
		i.logger.Error("follower lookup failed",
			slog.String("address", event.SourceAddress), slog.String("error", err.Error()))
		return
	}
	if len(followers) == 0 {
		return
	}

	now := time.Now().UTC()
	enqueued := 0
	for _, src := range followers {
		job := domain.CopyJob{
			ID:         uuid.NewString(),
			UserID:     src.UserID,
			SourceID:   src.ID,
			Event:      event,
			EnqueuedAt: now,
		}
		if err := i.queue.Enqueue(ctx, job); err != nil {
			i.logger.Error("enqueue failed",
				slog.String("job_id", job.ID),
				slog.String("user_id", src.UserID),
				slog.String("error", err.Error()))
			continue
		}
		enqueued++
	}

	i.logger.Info("event fanned out",
		slog.String("fingerprint", fp),
		slog.String("token_id", event.TokenID),
		slog.String("direction", string(event.Direction)),
		slog.Int("jobs", enqueued))
}
