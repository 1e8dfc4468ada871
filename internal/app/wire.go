package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/mirrorline/mirrorbot/internal/blob/s3"
	"github.com/mirrorline/mirrorbot/internal/cache/redis"
	"github.com/mirrorline/mirrorbot/internal/config"
	"github.com/mirrorline/mirrorbot/internal/copier"
	"github.com/mirrorline/mirrorbot/internal/custody"
	"github.com/mirrorline/mirrorbot/internal/domain"
	"github.com/mirrorline/mirrorbot/internal/executor"
	"github.com/mirrorline/mirrorbot/internal/monitor"
	"github.com/mirrorline/mirrorbot/internal/notify"
	"github.com/mirrorline/mirrorbot/internal/platform/dexrouter"
	"github.com/mirrorline/mirrorbot/internal/platform/tokensentry"
	"github.com/mirrorline/mirrorbot/internal/platform/walletfeed"
	"github.com/mirrorline/mirrorbot/internal/risk"
	"github.com/mirrorline/mirrorbot/internal/rules"
	"github.com/mirrorline/mirrorbot/internal/screener"
	"github.com/mirrorline/mirrorbot/internal/service"
	"github.com/mirrorline/mirrorbot/internal/store/postgres"
)

// feeBuffer is the native-unit headroom the risk engine reserves for swap
// fees when checking balances.
const feeBuffer = 0.05

// Dependencies bundles every constructed component the application runs. It
// is built by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	UserStore     domain.UserStore
	SourceStore   domain.SourceStore
	PositionStore domain.PositionStore
	TradeStore    domain.TradeStore
	StatsStore    domain.DailyStatsStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	ScreenCache domain.ScreenCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	Dedupe      domain.IdempotencyLedger
	JobQueue    domain.JobQueue

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Services
	Notifier *notify.Notifier
	Ledger   *service.Ledger
	Seller   *service.Seller
	Risk     *risk.Engine
	Screener *screener.Screener
	Executor *executor.Executor
	Copier   *copier.Copier
	Ingestor *copier.Ingestor
	Feed     *walletfeed.Feed
	Monitor  *monitor.Monitor
}

// sourceAddresses adapts the source store to the feed subscription set.
type sourceAddresses struct {
	sources domain.SourceStore
}

func (s sourceAddresses) ListWatchedAddresses(ctx context.Context) ([]string, error) {
	return s.sources.ListActiveAddresses(ctx)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.UserStore = postgres.NewUserStore(pool)
	deps.SourceStore = postgres.NewSourceStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.StatsStore = postgres.NewDailyStatsStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.ScreenCache = redis.NewScreenCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.DexRouter.RateLimit)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.Dedupe = redis.NewIdempotencyLedger(redisClient)

	queue, err := redis.NewJobQueue(ctx, redisClient)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: job queue: %w", err)
	}
	deps.JobQueue = queue

	// --- S3 blob storage (archival only) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.TradeStore, deps.PositionStore, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Platform clients ---
	router := dexrouter.NewClient(cfg.DexRouter.BaseURL, cfg.DexRouter.PriorityFee)
	sentry := tokensentry.NewClient(cfg.TokenSentry.BaseURL, cfg.TokenSentry.ApiKey)

	// --- Custody ---
	keystore, err := custody.NewKeystore(cfg.Custody.KeyDir, cfg.Custody.KeyPassword)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: keystore: %w", err)
	}
	signer := custody.NewSigner(keystore)

	// --- Core services ---
	deps.Executor = executor.New(router, signer, deps.RateLimiter, executor.Config{
		NativeToken:     cfg.Executor.NativeToken,
		BuySlippageBps:  cfg.Executor.BuySlippageBps,
		SellSlippageBps: cfg.Executor.SellSlippageBps,
		BuyPriorityFee:  cfg.Executor.BuyPriorityFee,
		SellPriorityFee: cfg.Executor.SellPriorityFee,
		ConfirmTimeout:  cfg.Executor.ConfirmTimeout.Duration,
		MaxAttempts:     cfg.Executor.MaxAttempts,
	}, logger)

	deps.Risk = risk.NewEngine(deps.UserStore, deps.PositionStore, deps.StatsStore, feeBuffer, logger)
	deps.Screener = screener.New(sentry, sentry, deps.ScreenCache, 5*time.Minute, logger)
	deps.Ledger = service.NewLedger(deps.PositionStore, deps.TradeStore, deps.UserStore, logger)
	deps.Seller = service.NewSeller(deps.Ledger, deps.Executor, deps.Risk, deps.LockManager, deps.SourceStore, deps.Notifier, logger)

	deps.Copier = copier.New(
		deps.JobQueue,
		deps.UserStore,
		deps.SourceStore,
		deps.PositionStore,
		deps.Risk,
		deps.Screener,
		deps.Executor,
		deps.Ledger,
		deps.Seller,
		deps.LockManager,
		deps.Notifier,
		copier.Config{
			Workers:     cfg.Copier.Workers,
			MaxAttempts: cfg.Copier.MaxAttempts,
		},
		logger,
	)

	deps.Ingestor = copier.NewIngestor(deps.SourceStore, deps.Dedupe, deps.JobQueue, cfg.Feed.EventTTL.Duration, logger)
	deps.Feed = walletfeed.NewFeed(
		cfg.Feed.WsURL,
		sourceAddresses{deps.SourceStore},
		deps.Ingestor.HandleEvent,
		cfg.Feed.RefreshInterval.Duration,
		logger,
	)

	deps.Monitor = monitor.New(
		deps.PositionStore,
		deps.UserStore,
		deps.PriceCache,
		router,
		deps.Ledger,
		deps.Seller,
		rules.NewEngine(),
		cfg.Monitor.Interval.Duration,
		logger,
	)

	return deps, cleanup, nil
}
