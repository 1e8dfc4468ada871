package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirrorline/mirrorbot/internal/domain"
	"github.com/mirrorline/mirrorbot/internal/notify"
	"github.com/mirrorline/mirrorbot/internal/risk"
	"github.com/mirrorline/mirrorbot/internal/rules"
	"github.com/mirrorline/mirrorbot/internal/service"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	dequeueBlock       = 5 * time.Second
	buyLockTTL         = 30 * time.Second
)

// SwapBuyer is the slice of the executor the buy pipeline needs.
type SwapBuyer interface {
	ExecuteBuy(ctx context.Context, userID, wallet, tokenID string, amountNative float64) (domain.SwapResult, error)
}

// TokenScreener gates buys on token security and liquidity.
type TokenScreener interface {
	Screen(ctx context.Context, tokenID string, level domain.ScreenLevel, positionUSD float64) (domain.ScreenResult, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers     int
	MaxAttempts int
}

// Copier consumes copy jobs from the queue and runs each through the full
// pipeline: settings and filters, sizing, risk, screening, delay, execution,
// recording, notification.
type Copier struct {
	queue     domain.JobQueue
	users     domain.UserStore
	sources   domain.SourceStore
	positions domain.PositionStore
	riskEng   *risk.Engine
	screener  TokenScreener
	buyer     SwapBuyer
	ledger    *service.Ledger
	seller    *service.Seller
	locks     domain.LockManager
	notifier  *notify.Notifier
	cfg       Config
	logger    *slog.Logger
}

// New creates a Copier.
func New(
	queue domain.JobQueue,
	users domain.UserStore,
	sources domain.SourceStore,
	positions domain.PositionStore,
	riskEng *risk.Engine,
	screener TokenScreener,
	buyer SwapBuyer,
	ledger *service.Ledger,
	seller *service.Seller,
	locks domain.LockManager,
	notifier *notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Copier {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Copier{
		queue:     queue,
		users:     users,
		sources:   sources,
		positions: positions,
		riskEng:   riskEng,
		screener:  screener,
		buyer:     buyer,
		ledger:    ledger,
		seller:    seller,
		locks:     locks,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "copier")),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (c *Copier) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		consumer := fmt.Sprintf("copier-%d", i)
		g.Go(func() error {
			return c.worker(ctx, consumer)
		})
	}
	return g.Wait()
}

func (c *Copier) worker(ctx context.Context, consumer string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, msgID, err := c.queue.Dequeue(ctx, consumer, dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		c.settle(ctx, *job, msgID, c.process(ctx, *job))
	}
}

// settle resolves one processed job according to its outcome class. Every
// path acks the delivered message; retries travel as a fresh enqueue so the
// consumer group never accumulates pending entries.
func (c *Copier) settle(ctx context.Context, job domain.CopyJob, msgID string, err error) {
	ack := func() {
		if ackErr := c.queue.Ack(ctx, msgID); ackErr != nil {
			c.logger.Error("ack failed", slog.String("msg_id", msgID), slog.String("error", ackErr.Error()))
		}
	}

	if err == nil {
		ack()
		return
	}

	log := c.logger.With(
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.Int("attempt", job.Attempt),
	)

	switch domain.ClassOf(err) {
	case domain.ClassValidation:
		log.Info("job rejected", slog.String("reason", err.Error()))
		ack()

	case domain.ClassTransient:
		if job.Attempt+1 >= c.cfg.MaxAttempts {
			log.Error("job exhausted retries", slog.String("error", err.Error()))
			c.deadLetter(ctx, job, "retries exhausted: "+err.Error())
			ack()
			return
		}
		retry := job
		retry.Attempt++
		if enqErr := c.queue.Enqueue(ctx, retry); enqErr != nil {
			log.Error("retry enqueue failed", slog.String("error", enqErr.Error()))
			c.deadLetter(ctx, job, "retry enqueue failed: "+err.Error())
		}
		ack()

	case domain.ClassIndeterminate:
		log.Error("job outcome indeterminate, parking for reconciliation", slog.String("error", err.Error()))
		c.deadLetter(ctx, job, "indeterminate: "+err.Error())
		ack()

	default: // fatal
		log.Error("job failed fatally", slog.String("error", err.Error()))
		c.deadLetter(ctx, job, "fatal: "+err.Error())
		if notifyErr := c.notifier.PipelineError(ctx, job.UserID, "copier", err); notifyErr != nil {
			log.Warn("error notification failed", slog.String("error", notifyErr.Error()))
		}
		ack()
	}
}

func (c *Copier) deadLetter(ctx context.Context, job domain.CopyJob, reason string) {
	if err := c.queue.DeadLetter(ctx, job, reason); err != nil {
		c.logger.Error("dead-letter failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

// process dispatches one job by event direction. All rejections come back as
// validation-classified errors so settle can drop them without retry.
func (c *Copier) process(ctx context.Context, job domain.CopyJob) error {
	user, err := c.users.GetByID(ctx, job.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Classify(domain.ClassValidation, fmt.Errorf("copier: user %s gone", job.UserID))
		}
		return domain.Classify(domain.ClassTransient, fmt.Errorf("copier: load user: %w", err))
	}
	source, err := c.sources.GetByID(ctx, job.SourceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Classify(domain.ClassValidation, fmt.Errorf("copier: source %s gone", job.SourceID))
		}
		return domain.Classify(domain.ClassTransient, fmt.Errorf("copier: load source: %w", err))
	}

	switch job.Event.Direction {
	case domain.EventDirectionBuy:
		return c.processBuy(ctx, job, user, source)
	case domain.EventDirectionSell:
		return c.processCopyExit(ctx, job, user)
	default:
		return domain.Classify(domain.ClassValidation,
			fmt.Errorf("copier: unknown direction %q", job.Event.Direction))
	}
}

func (c *Copier) processBuy(ctx context.Context, job domain.CopyJob, user domain.User, source domain.WatchedSource) error {
	event := job.Event
	reject := func(format string, args ...any) error {
		return domain.Classify(domain.ClassValidation, fmt.Errorf("copier: "+format, args...))
	}

	if source.Status != domain.SourceStatusActive {
		return reject("source %s is %s", source.ID, source.Status)
	}
	if !source.AllowsToken(event.TokenID) {
		return reject("token %s filtered by source %s", event.TokenID, source.ID)
	}

	size := c.resolveSize(user, source)
	if size <= 0 {
		return reject("sizing resolved to zero for user %s", user.ID)
	}

	check, err := c.riskEng.CheckBuy(ctx, user, event.TokenID, size)
	if err != nil {
		return domain.Classify(domain.ClassTransient, err)
	}
	if !check.Approved {
		if err := c.notifier.RiskLimitHit(ctx, user.ID, check.Reason); err != nil {
			c.logger.Warn("risk notification failed", slog.String("error", err.Error()))
		}
		return reject("risk rejected: %s", check.Reason)
	}
	for _, w := range check.Warnings {
		c.logger.Warn("risk adjustment", slog.String("user_id", user.ID), slog.String("warning", w))
	}
	size = check.AdjustedSize

	screen, err := c.screener.Screen(ctx, event.TokenID, user.Settings.ScreenLevel, size)
	if err != nil {
		return domain.Classify(domain.ClassTransient, fmt.Errorf("copier: screen token: %w", err))
	}
	if !screen.Passed {
		return reject("token %s failed screening: %v", event.TokenID, screen.FailedChecks)
	}

	if source.CopyDelay > 0 {
		select {
		case <-ctx.Done():
			return domain.Classify(domain.ClassTransient, ctx.Err())
		case <-time.After(source.CopyDelay):
		}
	}

	// Serialize against concurrent buys and exits of the same holding.
	unlock, err := c.locks.Acquire(ctx, "holding:"+user.ID+":"+event.TokenID, buyLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Classify(domain.ClassTransient, fmt.Errorf("copier: holding locked: %w", err))
		}
		return domain.Classify(domain.ClassTransient, fmt.Errorf("copier: acquire lock: %w", err))
	}
	defer unlock()

	swap, err := c.buyer.ExecuteBuy(ctx, user.ID, user.Wallet, event.TokenID, size)
	if err != nil {
		return err
	}

	pos, merged, err := c.ledger.OpenOrMerge(ctx, user.ID, event.TokenID, source.ID, swap, user.Settings.ExitRules)
	if err != nil {
		return domain.Classify(domain.ClassFatal, err)
	}

	trade := domain.Trade{
		UserID:         user.ID,
		PositionID:     pos.ID,
		TokenID:        event.TokenID,
		Side:           domain.TradeSideBuy,
		AmountIn:       swap.AmountIn,
		AmountOut:      swap.AmountOut,
		Price:          swap.PriceExecuted,
		Fees:           swap.FeesPaid,
		TxRef:          swap.TxRef,
		SourceID:       source.ID,
		IdempotencyKey: tradeKey(event, user.ID),
		ExecutedAt:     swap.ConfirmedAt,
	}
	if err := c.ledger.RecordTrade(ctx, trade); err != nil {
		return domain.Classify(domain.ClassFatal, err)
	}

	openCount, err := c.positions.CountOpenByUser(ctx, user.ID)
	if err != nil {
		openCount = 0
	}
	if err := c.riskEng.RecordBuy(ctx, user.ID, swap.AmountIn, openCount); err != nil {
		c.logger.Warn("daily stats update failed", slog.String("user_id", user.ID), slog.String("error", err.Error()))
	}
	if err := c.sources.RecordCopy(ctx, source.ID, 0); err != nil {
		c.logger.Warn("source stats update failed", slog.String("source_id", source.ID), slog.String("error", err.Error()))
	}

	if err := c.notifier.BuyExecuted(ctx, user.ID, trade, merged); err != nil {
		c.logger.Warn("buy notification failed", slog.String("error", err.Error()))
	}
	return nil
}

// processCopyExit mirrors a sell by the followed source. Whether and how much
// to sell is governed by the exit-rule snapshot on the position, not by the
// user's current settings.
func (c *Copier) processCopyExit(ctx context.Context, job domain.CopyJob, user domain.User) error {
	event := job.Event

	pos, err := c.positions.GetOpenByUserToken(ctx, user.ID, event.TokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Classify(domain.ClassValidation,
				fmt.Errorf("copier: no open position in %s for user %s", event.TokenID, user.ID))
		}
		return domain.Classify(domain.ClassTransient, fmt.Errorf("copier: load position: %w", err))
	}

	sig, ok := rules.CopyExit(pos, 100)
	if !ok {
		return domain.Classify(domain.ClassValidation,
			fmt.Errorf("copier: copy exit disabled for position %s", pos.ID))
	}

	_, err = c.seller.ExecuteExit(ctx, user, pos, sig, tradeKey(event, user.ID))
	if errors.Is(err, domain.ErrLockHeld) {
		return domain.Classify(domain.ClassTransient, err)
	}
	return err
}

// resolveSize computes the requested buy size from effective sizing settings.
func (c *Copier) resolveSize(user domain.User, source domain.WatchedSource) float64 {
	mode, amount := source.EffectiveSizing(user)
	switch mode {
	case domain.SizingPctBalance:
		return user.Balance * amount / 100
	default:
		return amount
	}
}

// tradeKey derives the per-user trade idempotency key for one event. The
// event fingerprint alone is shared by every follower, so the user ID is
// folded in.
func tradeKey(event domain.WalletEvent, userID string) string {
	return event.Fingerprint() + ":" + userID
}
