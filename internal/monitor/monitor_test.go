package monitor

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
	"github.com/mirrorline/mirrorbot/internal/rules"
	"github.com/mirrorline/mirrorbot/internal/service"
)

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

type fakeSourceStore struct{}

func (f *fakeSourceStore) Create(ctx context.Context, s domain.WatchedSource) error  { return nil }
func (f *fakeSourceStore) Update(ctx context.Context, s domain.WatchedSource) error  { return nil }
func (f *fakeSourceStore) GetByID(ctx context.Context, id string) (domain.WatchedSource, error) {
	return domain.WatchedSource{}, domain.ErrNotFound
}
func (f *fakeSourceStore) ListByAddress(ctx context.Context, address string) ([]domain.WatchedSource, error) {
	return nil, nil
}
func (f *fakeSourceStore) ListByUser(ctx context.Context, userID string) ([]domain.WatchedSource, error) {
	return nil, nil
}
func (f *fakeSourceStore) ListActiveAddresses(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (f *fakeSourceStore) RecordCopy(ctx context.Context, id string, realizedPnL float64) error {
	return nil
}

type fakePositionStore struct {
	byID map[string]domain.Position
}

func (f *fakePositionStore) Create(ctx context.Context, p domain.Position) error {
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
	stats map[string]domain.DailyStats
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

type fakePriceCache struct {
	prices map[string]float64
	sets   int
}

func (f *fakePriceCache) SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error {
	if f.prices == nil {
		f.prices = make(map[string]float64)
	}
	f.prices[tokenID] = price
	f.sets++
	return nil
}
func (f *fakePriceCache) GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error) {
	p, ok := f.prices[tokenID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}
func (f *fakePriceCache) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, id := range tokenIDs {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeFetcher struct {
	prices map[string]float64
	err    error
	calls  int
}

func (f *fakeFetcher) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64)
	for _, id := range tokenIDs {
		if p, ok := f.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeSellExec struct {
	price     float64
	sellCalls int
	lastAmt   float64
	err       error
	errStatus domain.SwapStatus
	errTxRef  string
}

func (f *fakeSellExec) ExecuteSell(ctx context.Context, userID, wallet, tokenID string, amountTokens float64) (domain.SwapResult, error) {
	f.sellCalls++
	f.lastAmt = amountTokens
	if f.err != nil {
		return domain.SwapResult{TxRef: f.errTxRef, Status: f.errStatus}, f.err
	}
	return domain.SwapResult{
		AmountIn:      amountTokens,
		AmountOut:     amountTokens * f.price,
		PriceExecuted: f.price,
		FeesPaid:      0,
		TxRef:         "0xsell",
		Status:        domain.SwapStatusConfirmed,
		ConfirmedAt:   time.Now().UTC(),
	}, nil
}

type fakeSender struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}
func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

type fixture struct {
	monitor   *Monitor
	users     *fakeUserStore
	positions *fakePositionStore
	trades    *fakeTradeStore
	cache     *fakePriceCache
	fetcher   *fakeFetcher
	exec      *fakeSellExec
	locks     *fakeLockManager
	sender    *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()

	users := &fakeUserStore{users: map[string]domain.User{}}
	positions := &fakePositionStore{byID: map[string]domain.Position{}}
	trades := &fakeTradeStore{}
	stats := &fakeStatsStore{stats: map[string]domain.DailyStats{}}
	locks := &fakeLockManager{}
	cache := &fakePriceCache{}
	fetcher := &fakeFetcher{prices: map[string]float64{}}
	exec := &fakeSellExec{price: 0.001}

	ledger := service.NewLedger(positions, trades, users, logger)
	riskEng := risk.NewEngine(users, positions, stats, 0.05, logger)
	sender := &fakeSender{}
	notifier := notify.NewNotifier([]notify.Sender{sender}, nil, logger)
	seller := service.NewSeller(ledger, exec, riskEng, locks, &fakeSourceStore{}, notifier, logger)

	users.users["u1"] = domain.User{
		ID:       "u1",
		Wallet:   "0xwallet",
		Balance:  10,
		Status:   domain.UserStatusActive,
		Settings: domain.UserSettings{
			SizingMode:   domain.SizingFixed,
			SizingAmount: 1,
			ExitRules:    domain.DefaultExitRules(),
		},
	}

	m := New(positions, users, cache, fetcher, ledger, seller, rules.NewEngine(), time.Second, logger)
	return &fixture{
		monitor:   m,
		users:     users,
		positions: positions,
		trades:    trades,
		cache:     cache,
		fetcher:   fetcher,
		exec:      exec,
		locks:     locks,
		sender:    sender,
	}
}

func openPosition(f *fixture, id string, entryPrice float64) domain.Position {
	amount := 1000.0
	pos := domain.Position{
		ID:             id,
		UserID:         "u1",
		TokenID:        "tok-" + id,
		EntryAmountIn:  entryPrice * amount,
		EntryAmountOut: amount,
		EntryPrice:     entryPrice,
		OpenedAt:       time.Now().UTC().Add(-time.Hour),
		CurrentAmount:  amount,
		HighWaterMark:  entryPrice,
		Rules:          domain.DefaultExitRules(),
		Status:         domain.PositionStatusOpen,
	}
	f.positions.byID[id] = pos
	return pos
}

func TestTickNoSignalOnlyRefreshes(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	// A mild gain triggers nothing: below every take-profit rung and above
	// the stop-loss floor.
	f.fetcher.prices["tok-p1"] = 0.0011

	require.NoError(t, f.monitor.Tick(context.Background()))

	assert.Equal(t, 0, f.exec.sellCalls)
	got := f.positions.byID["p1"]
	assert.InDelta(t, 0.0011, got.CurrentPrice, 1e-12)
	assert.InDelta(t, 0.0011, got.HighWaterMark, 1e-12)
	assert.Equal(t, 0.0011, f.cache.prices["tok-p1"])
}

func TestTickStopLossSellsPosition(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	// Default stop-loss is 30 percent; a 40 percent drawdown fires it.
	f.fetcher.prices["tok-p1"] = 0.0006

	require.NoError(t, f.monitor.Tick(context.Background()))

	assert.Equal(t, 1, f.exec.sellCalls)
	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, domain.TradeSideSell, f.trades.trades[0].Side)
	assert.Equal(t, domain.ExitReasonStopLoss, f.trades.trades[0].ExitReason)
	assert.Equal(t, domain.PositionStatusClosed, f.positions.byID["p1"].Status)
}

func TestTickTakeProfitSellsHalf(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	// First rung of the default ladder: +50 percent sells half.
	f.fetcher.prices["tok-p1"] = 0.0016

	require.NoError(t, f.monitor.Tick(context.Background()))

	assert.Equal(t, 1, f.exec.sellCalls)
	assert.InDelta(t, 500, f.exec.lastAmt, 1e-9)
	got := f.positions.byID["p1"]
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.InDelta(t, 500, got.CurrentAmount, 1e-9)
	assert.Equal(t, []int{0}, got.TriggeredTPs)
}

func TestTickLockedHoldingIsSkipped(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	f.fetcher.prices["tok-p1"] = 0.0006

	_, err := f.locks.Acquire(context.Background(), "holding:u1:tok-p1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, 0, f.exec.sellCalls)
	assert.Equal(t, domain.PositionStatusOpen, f.positions.byID["p1"].Status)
}

func TestTickOnePositionFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	p2 := openPosition(f, "p2", 0.001)
	// p1's user disappears so loading it fails; p2 must still exit.
	p1 := f.positions.byID["p1"]
	p1.UserID = "ghost"
	f.positions.byID["p1"] = p1
	_ = p2

	f.fetcher.prices["tok-p1"] = 0.0006
	f.fetcher.prices["tok-p2"] = 0.0006

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, 1, f.exec.sellCalls)
	assert.Equal(t, domain.PositionStatusClosed, f.positions.byID["p2"].Status)
	assert.Equal(t, domain.PositionStatusOpen, f.positions.byID["p1"].Status)
}

func TestTickMissingPriceSkipsPosition(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, 0, f.exec.sellCalls)
}

func TestTickFallsBackToCacheWhenVenueDown(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	f.fetcher.err = errors.New("router unavailable")
	require.NoError(t, f.cache.SetPrice(context.Background(), "tok-p1", 0.0006, time.Now()))

	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, 1, f.exec.sellCalls)
	assert.Equal(t, domain.PositionStatusClosed, f.positions.byID["p1"].Status)
}

func TestTickTrailingStopAfterArm(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)

	// +120 percent fires both take-profit rungs on successive ticks and arms
	// the trail.
	f.fetcher.prices["tok-p1"] = 0.0022
	require.NoError(t, f.monitor.Tick(context.Background()))
	require.NoError(t, f.monitor.Tick(context.Background()))
	require.True(t, f.positions.byID["p1"].TrailingArmed)
	sellsSoFar := f.exec.sellCalls

	// A 25 percent retrace from the high-water mark trips the trailing stop.
	f.fetcher.prices["tok-p1"] = 0.00165
	require.NoError(t, f.monitor.Tick(context.Background()))

	assert.Equal(t, sellsSoFar+1, f.exec.sellCalls)
	require.NotEmpty(t, f.trades.trades)
	last := f.trades.trades[len(f.trades.trades)-1]
	assert.Equal(t, domain.ExitReasonTrailingStop, last.ExitReason)
}

func TestTickIndeterminateSellParksPosition(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	f.fetcher.prices["tok-p1"] = 0.0006
	f.exec.err = domain.Classify(domain.ClassIndeterminate, errors.New("confirmation not observed"))
	f.exec.errStatus = domain.SwapStatusIndeterminate
	f.exec.errTxRef = "0xpending"

	require.NoError(t, f.monitor.Tick(context.Background()))
	require.NoError(t, f.monitor.Tick(context.Background()))

	// The first submission may have landed, so the second tick must not sell
	// again until the transaction is reconciled.
	assert.Equal(t, 1, f.exec.sellCalls)
	got := f.positions.byID["p1"]
	assert.Equal(t, "0xpending", got.PendingTxRef)
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.Empty(t, f.trades.trades)
}

func TestTickFailedSellNotifiesOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)
	openPosition(f, "p1", 0.001)
	f.fetcher.prices["tok-p1"] = 0.0006
	f.exec.err = domain.Classify(domain.ClassTransient, errors.New("venue timeout"))
	f.exec.errStatus = domain.SwapStatusFailed

	// A cleanly failed sell is retried on later ticks without alerting each
	// time.
	require.NoError(t, f.monitor.Tick(context.Background()))
	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, 2, f.exec.sellCalls)
	assert.Zero(t, f.sender.count())

	f.exec.err = nil
	require.NoError(t, f.monitor.Tick(context.Background()))
	assert.Equal(t, 3, f.exec.sellCalls)
	assert.Equal(t, domain.PositionStatusClosed, f.positions.byID["p1"].Status)
	assert.GreaterOrEqual(t, f.sender.count(), 2) // exit triggered + sell executed
}
