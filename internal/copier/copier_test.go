package copier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorline/mirrorbot/internal/domain"
	"github.com/mirrorline/mirrorbot/internal/notify"
	"github.com/mirrorline/mirrorbot/internal/risk"
	"github.com/mirrorline/mirrorbot/internal/service"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeUserStore struct {
	users map[string]domain.User
}

func (f *fakeUserStore) Create(ctx context.Context, u domain.User) error {
	f.users[u.ID] = u
	return nil
}
func (f *fakeUserStore) Update(ctx context.Context, u domain.User) error {
	f.users[u.ID] = u
	return nil
}
func (f *fakeUserStore) UpdateStatus(ctx context.Context, id string, status domain.UserStatus) error {
	u := f.users[id]
	u.Status = status
	f.users[id] = u
	return nil
}
func (f *fakeUserStore) UpdateBalance(ctx context.Context, id string, delta float64) error {
	u := f.users[id]
	u.Balance += delta
	f.users[id] = u
	return nil
}
func (f *fakeUserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (f *fakeUserStore) ListActive(ctx context.Context) ([]domain.User, error) {
	var out []domain.User
	for _, u := range f.users {
		if u.Status == domain.UserStatusActive {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeSourceStore struct {
	sources map[string]domain.WatchedSource
}

func (f *fakeSourceStore) Create(ctx context.Context, s domain.WatchedSource) error {
	f.sources[s.ID] = s
	return nil
}
func (f *fakeSourceStore) Update(ctx context.Context, s domain.WatchedSource) error {
	f.sources[s.ID] = s
	return nil
}
func (f *fakeSourceStore) GetByID(ctx context.Context, id string) (domain.WatchedSource, error) {
	s, ok := f.sources[id]
	if !ok {
		return domain.WatchedSource{}, domain.ErrNotFound
	}
	return s, nil
}
func (f *fakeSourceStore) ListByAddress(ctx context.Context, address string) ([]domain.WatchedSource, error) {
	var out []domain.WatchedSource
	for _, s := range f.sources {
		if s.Address == address && s.Status == domain.SourceStatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSourceStore) ListByUser(ctx context.Context, userID string) ([]domain.WatchedSource, error) {
	var out []domain.WatchedSource
	for _, s := range f.sources {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSourceStore) ListActiveAddresses(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range f.sources {
		if s.Status != domain.SourceStatusActive {
			continue
		}
		if _, ok := seen[s.Address]; !ok {
			seen[s.Address] = struct{}{}
			out = append(out, s.Address)
		}
	}
	return out, nil
}
func (f *fakeSourceStore) RecordCopy(ctx context.Context, id string, realizedPnL float64) error {
	s, ok := f.sources[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.CopiedTrades++
	s.RealizedPnL += realizedPnL
	f.sources[id] = s
	return nil
}

type fakePositionStore struct {
	byID map[string]domain.Position
}

func (f *fakePositionStore) Create(ctx context.Context, p domain.Position) error {
	for _, e := range f.byID {
		if e.UserID == p.UserID && e.TokenID == p.TokenID && e.Status == domain.PositionStatusOpen {
			return domain.ErrAlreadyExists
		}
	}
	f.byID[p.ID] = p
	return nil
}
func (f *fakePositionStore) Update(ctx context.Context, p domain.Position) error {
	f.byID[p.ID] = p
	return nil
}
func (f *fakePositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, ok := f.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}
func (f *fakePositionStore) GetOpenByUserToken(ctx context.Context, userID, tokenID string) (domain.Position, error) {
	for _, p := range f.byID {
		if p.UserID == userID && p.TokenID == tokenID && p.Status == domain.PositionStatusOpen {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.byID {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePositionStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.byID {
		if p.UserID == userID && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePositionStore) CountOpenByUser(ctx context.Context, userID string) (int, error) {
	out, _ := f.ListOpenByUser(ctx, userID)
	return len(out), nil
}
func (f *fakePositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	return nil, nil
}

type fakeTradeStore struct {
	trades []domain.Trade
}

func (f *fakeTradeStore) Create(ctx context.Context, t domain.Trade) error {
	for _, e := range f.trades {
		if e.IdempotencyKey == t.IdempotencyKey && e.Side == t.Side {
			return domain.ErrAlreadyExists
		}
	}
	f.trades = append(f.trades, t)
	return nil
}
func (f *fakeTradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}
func (f *fakeTradeStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	return nil, nil
}
func (f *fakeTradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}
func (f *fakeTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	return nil, nil
}

type fakeStatsStore struct {
	stats map[string]domain.DailyStats // userID -> today's row
}

func (f *fakeStatsStore) Accumulate(ctx context.Context, userID string, day time.Time, tradeCount int, buyVol, sellVol, realizedPnL float64, openPositions int) error {
	st := f.stats[userID]
	st.UserID = userID
	st.Day = day
	st.TradeCount += tradeCount
	st.BuyVolume += buyVol
	st.SellVolume += sellVol
	st.RealizedPnL += realizedPnL
	if openPositions > st.MaxOpenPosCnt {
		st.MaxOpenPosCnt = openPositions
	}
	f.stats[userID] = st
	return nil
}
func (f *fakeStatsStore) Get(ctx context.Context, userID string, day time.Time) (domain.DailyStats, error) {
	return f.stats[userID], nil
}

type fakeLockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

type fakeQueue struct {
	jobs []domain.CopyJob
	dead []string
	acks []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, job domain.CopyJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}
func (f *fakeQueue) Dequeue(ctx context.Context, consumer string, block time.Duration) (*domain.CopyJob, string, error) {
	if len(f.jobs) == 0 {
		return nil, "", nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return &job, "msg-" + job.ID, nil
}
func (f *fakeQueue) Ack(ctx context.Context, msgID string) error {
	f.acks = append(f.acks, msgID)
	return nil
}
func (f *fakeQueue) DeadLetter(ctx context.Context, job domain.CopyJob, reason string) error {
	f.dead = append(f.dead, reason)
	return nil
}

type fakeDedupe struct {
	seen map[string]bool
}

func (f *fakeDedupe) HasProcessed(ctx context.Context, fp string) (bool, error) {
	return f.seen[fp], nil
}
func (f *fakeDedupe) CheckAndMark(ctx context.Context, fp string, ttl time.Duration) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[fp] {
		return false, nil
	}
	f.seen[fp] = true
	return true, nil
}

type fakeScreener struct {
	pass  bool
	calls int
}

func (f *fakeScreener) Screen(ctx context.Context, tokenID string, level domain.ScreenLevel, positionUSD float64) (domain.ScreenResult, error) {
	f.calls++
	res := domain.ScreenResult{TokenID: tokenID, Level: level, Passed: f.pass}
	if !f.pass {
		res.FailedChecks = []string{"liquidity"}
	}
	return res, nil
}

type fakeExecutor struct {
	buyErr    error
	sellErr   error
	buyCalls  int
	sellCalls int
	price     float64
}

func (f *fakeExecutor) ExecuteBuy(ctx context.Context, userID, wallet, tokenID string, amountNative float64) (domain.SwapResult, error) {
	f.buyCalls++
	if f.buyErr != nil {
		return domain.SwapResult{}, f.buyErr
	}
	return domain.SwapResult{
		AmountIn:      amountNative,
		AmountOut:     amountNative / f.price,
		PriceExecuted: f.price,
		TxRef:         "buy-tx",
		Status:        domain.SwapStatusConfirmed,
		ConfirmedAt:   time.Now().UTC(),
	}, nil
}

func (f *fakeExecutor) ExecuteSell(ctx context.Context, userID, wallet, tokenID string, amountTokens float64) (domain.SwapResult, error) {
	f.sellCalls++
	if f.sellErr != nil {
		return domain.SwapResult{}, f.sellErr
	}
	return domain.SwapResult{
		AmountIn:      amountTokens,
		AmountOut:     amountTokens * f.price,
		PriceExecuted: f.price,
		TxRef:         "sell-tx",
		Status:        domain.SwapStatusConfirmed,
		ConfirmedAt:   time.Now().UTC(),
	}, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	copier    *Copier
	users     *fakeUserStore
	sources   *fakeSourceStore
	positions *fakePositionStore
	trades    *fakeTradeStore
	stats     *fakeStatsStore
	queue     *fakeQueue
	exec      *fakeExecutor
	screener  *fakeScreener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()

	users := &fakeUserStore{users: map[string]domain.User{
		"u1": {
			ID:      "u1",
			Wallet:  "0xwallet",
			Balance: 10,
			Status:  domain.UserStatusActive,
			Settings: domain.UserSettings{
				SizingMode:   domain.SizingFixed,
				SizingAmount: 1.0,
				ScreenLevel:  domain.ScreenLevelNormal,
				ExitRules:    domain.DefaultExitRules(),
			},
		},
	}}
	sources := &fakeSourceStore{sources: map[string]domain.WatchedSource{
		"s1": {
			ID:      "s1",
			UserID:  "u1",
			Address: "0xsource",
			Status:  domain.SourceStatusActive,
		},
	}}
	positions := &fakePositionStore{byID: map[string]domain.Position{}}
	trades := &fakeTradeStore{}
	stats := &fakeStatsStore{stats: map[string]domain.DailyStats{}}
	queue := &fakeQueue{}
	locks := &fakeLockManager{}
	exec := &fakeExecutor{price: 0.001}
	screener := &fakeScreener{pass: true}

	riskEng := risk.NewEngine(users, positions, stats, 0.01, logger)
	ledger := service.NewLedger(positions, trades, users, logger)
	notifier := notify.NewNotifier(nil, nil, logger)
	seller := service.NewSeller(ledger, exec, riskEng, locks, sources, notifier, logger)

	c := New(queue, users, sources, positions, riskEng, screener, exec, ledger, seller, locks, notifier,
		Config{Workers: 1, MaxAttempts: 3}, logger)

	return &fixture{
		copier:    c,
		users:     users,
		sources:   sources,
		positions: positions,
		trades:    trades,
		stats:     stats,
		queue:     queue,
		exec:      exec,
		screener:  screener,
	}
}

func buyJob(attempt int) domain.CopyJob {
	return domain.CopyJob{
		ID:       "j1",
		UserID:   "u1",
		SourceID: "s1",
		Event: domain.WalletEvent{
			SourceAddress: "0xsource",
			TxID:          "tx-1",
			TokenID:       "TOK",
			Direction:     domain.EventDirectionBuy,
			Amount:        5,
			ObservedAt:    time.Now().UTC(),
		},
		EnqueuedAt: time.Now().UTC(),
		Attempt:    attempt,
	}
}

func sellJob() domain.CopyJob {
	j := buyJob(0)
	j.ID = "j2"
	j.Event.TxID = "tx-2"
	j.Event.Direction = domain.EventDirectionSell
	return j
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProcessBuyFullPipeline(t *testing.T) {
	f := newFixture(t)

	err := f.copier.process(context.Background(), buyJob(0))
	require.NoError(t, err)

	assert.Equal(t, 1, f.exec.buyCalls)
	assert.Equal(t, 1, f.screener.calls)

	open, _ := f.positions.ListOpen(context.Background())
	require.Len(t, open, 1)
	pos := open[0]
	assert.Equal(t, "u1", pos.UserID)
	assert.Equal(t, "TOK", pos.TokenID)
	assert.Equal(t, "s1", pos.SourceID)
	assert.Equal(t, 1000.0, pos.CurrentAmount)
	assert.Equal(t, domain.DefaultExitRules(), pos.Rules)

	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, domain.TradeSideBuy, f.trades.trades[0].Side)

	// Balance debited, daily stats and source stats updated.
	u, _ := f.users.GetByID(context.Background(), "u1")
	assert.Less(t, u.Balance, 10.0)
	assert.Equal(t, 1, f.stats.stats["u1"].TradeCount)
	assert.Equal(t, 1, f.sources.sources["s1"].CopiedTrades)
}

func TestProcessBuyRedeliveredJobRecordsTradeOnce(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.copier.process(context.Background(), buyJob(0)))
	require.NoError(t, f.copier.process(context.Background(), buyJob(0)))

	// The swap layer ran twice, but the audit log holds one buy.
	assert.Len(t, f.trades.trades, 1)
}

func TestProcessBuyPausedUserIsValidation(t *testing.T) {
	f := newFixture(t)
	u := f.users.users["u1"]
	u.Status = domain.UserStatusPaused
	f.users.users["u1"] = u

	err := f.copier.process(context.Background(), buyJob(0))
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassOf(err))
	assert.Zero(t, f.exec.buyCalls)
}

func TestProcessBuyScreenFailureSkipsExecution(t *testing.T) {
	f := newFixture(t)
	f.screener.pass = false

	err := f.copier.process(context.Background(), buyJob(0))
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassOf(err))
	assert.Zero(t, f.exec.buyCalls)
}

func TestProcessBuyTokenDeniedBySourceFilter(t *testing.T) {
	f := newFixture(t)
	s := f.sources.sources["s1"]
	s.DenyTokens = []string{"TOK"}
	f.sources.sources["s1"] = s

	err := f.copier.process(context.Background(), buyJob(0))
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassOf(err))
	assert.Zero(t, f.exec.buyCalls)
}

func TestProcessBuyPctBalanceSizing(t *testing.T) {
	f := newFixture(t)
	u := f.users.users["u1"]
	u.Settings.SizingMode = domain.SizingPctBalance
	u.Settings.SizingAmount = 20 // 20% of balance 10
	f.users.users["u1"] = u

	require.NoError(t, f.copier.process(context.Background(), buyJob(0)))

	require.Len(t, f.trades.trades, 1)
	assert.InDelta(t, 2.0, f.trades.trades[0].AmountIn, 1e-9)
}

func TestProcessCopyExitClosesPosition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.copier.process(context.Background(), buyJob(0)))

	err := f.copier.process(context.Background(), sellJob())
	require.NoError(t, err)
	assert.Equal(t, 1, f.exec.sellCalls)

	open, _ := f.positions.ListOpen(context.Background())
	assert.Empty(t, open)

	require.Len(t, f.trades.trades, 2)
	sell := f.trades.trades[1]
	assert.Equal(t, domain.TradeSideSell, sell.Side)
	assert.Equal(t, domain.ExitReasonCopyExit, sell.ExitReason)

	// Source realized-PnL stat picked up the exit.
	assert.Equal(t, 2, f.sources.sources["s1"].CopiedTrades)
}

func TestProcessCopyExitWithoutPositionIsValidation(t *testing.T) {
	f := newFixture(t)

	err := f.copier.process(context.Background(), sellJob())
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassOf(err))
	assert.Zero(t, f.exec.sellCalls)
}

func TestProcessCopyExitDisabledByRuleSnapshot(t *testing.T) {
	f := newFixture(t)
	u := f.users.users["u1"]
	u.Settings.ExitRules.CopyExitEnabled = false
	f.users.users["u1"] = u

	require.NoError(t, f.copier.process(context.Background(), buyJob(0)))

	err := f.copier.process(context.Background(), sellJob())
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassOf(err))
	assert.Zero(t, f.exec.sellCalls)
}

func TestSettleTransientRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	transient := domain.Classify(domain.ClassTransient, errors.New("venue down"))

	f.copier.settle(context.Background(), buyJob(0), "m1", transient)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, 1, f.queue.jobs[0].Attempt)
	assert.Empty(t, f.queue.dead)

	// Final attempt goes to the dead-letter stream instead.
	f.copier.settle(context.Background(), buyJob(2), "m2", transient)
	require.Len(t, f.queue.dead, 1)
	assert.Contains(t, f.queue.dead[0], "retries exhausted")
	assert.Equal(t, []string{"m1", "m2"}, f.queue.acks)
}

func TestSettleIndeterminateParksJob(t *testing.T) {
	f := newFixture(t)
	err := domain.Classify(domain.ClassIndeterminate, errors.New("confirmation not observed"))

	f.copier.settle(context.Background(), buyJob(0), "m1", err)

	assert.Empty(t, f.queue.jobs)
	require.Len(t, f.queue.dead, 1)
	assert.Contains(t, f.queue.dead[0], "indeterminate")
}

func TestIngestFanOutAndDedup(t *testing.T) {
	f := newFixture(t)
	// Second follower of the same address.
	f.sources.sources["s2"] = domain.WatchedSource{
		ID: "s2", UserID: "u2", Address: "0xsource", Status: domain.SourceStatusActive,
	}

	ing := NewIngestor(f.sources, &fakeDedupe{}, f.queue, 0, slog.Default())
	event := buyJob(0).Event

	ing.HandleEvent(context.Background(), event)
	assert.Len(t, f.queue.jobs, 2)

	// Duplicate delivery never fans out again.
	ing.HandleEvent(context.Background(), event)
	assert.Len(t, f.queue.jobs, 2)
}
