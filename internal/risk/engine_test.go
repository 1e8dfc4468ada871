package risk

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// ---------------------------------------------------------------------------
// In-memory store fakes
// ---------------------------------------------------------------------------

type fakeUserStore struct {
	users    map[string]domain.User
	statuses map[string]domain.UserStatus
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]domain.User{}, statuses: map[string]domain.UserStatus{}}
}

func (f *fakeUserStore) Create(_ context.Context, u domain.User) error { f.users[u.ID] = u; return nil }
func (f *fakeUserStore) Update(_ context.Context, u domain.User) error { f.users[u.ID] = u; return nil }
func (f *fakeUserStore) UpdateStatus(_ context.Context, id string, s domain.UserStatus) error {
	u := f.users[id]
	u.Status = s
	f.users[id] = u
	f.statuses[id] = s
	return nil
}
func (f *fakeUserStore) UpdateBalance(_ context.Context, id string, delta float64) error {
	u := f.users[id]
	u.Balance += delta
	f.users[id] = u
	return nil
}
func (f *fakeUserStore) GetByID(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}
func (f *fakeUserStore) ListActive(_ context.Context) ([]domain.User, error) { return nil, nil }

type fakePositionStore struct {
	open map[string]domain.Position // keyed by userID+"/"+tokenID
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{open: map[string]domain.Position{}}
}

func (f *fakePositionStore) Create(_ context.Context, p domain.Position) error {
	f.open[p.UserID+"/"+p.TokenID] = p
	return nil
}
func (f *fakePositionStore) Update(_ context.Context, p domain.Position) error {
	f.open[p.UserID+"/"+p.TokenID] = p
	return nil
}
func (f *fakePositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	for _, p := range f.open {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}
func (f *fakePositionStore) GetOpenByUserToken(_ context.Context, userID, tokenID string) (domain.Position, error) {
	p, ok := f.open[userID+"/"+tokenID]
	if !ok || p.Status != domain.PositionStatusOpen {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}
func (f *fakePositionStore) ListOpen(_ context.Context) ([]domain.Position, error) { return nil, nil }
func (f *fakePositionStore) ListOpenByUser(_ context.Context, userID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.open {
		if p.UserID == userID && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePositionStore) CountOpenByUser(ctx context.Context, userID string) (int, error) {
	ps, _ := f.ListOpenByUser(ctx, userID)
	return len(ps), nil
}
func (f *fakePositionStore) ListClosedBefore(_ context.Context, _ time.Time) ([]domain.Position, error) {
	return nil, nil
}

type fakeStatsStore struct {
	stats map[string]domain.DailyStats // keyed by userID
}

func newFakeStatsStore() *fakeStatsStore {
	return &fakeStatsStore{stats: map[string]domain.DailyStats{}}
}

func (f *fakeStatsStore) Accumulate(_ context.Context, userID string, day time.Time, tradeCount int, buyVol, sellVol, realizedPnL float64, openPositions int) error {
	s := f.stats[userID]
	s.UserID = userID
	s.Day = day
	s.TradeCount += tradeCount
	s.BuyVolume += buyVol
	s.SellVolume += sellVol
	s.RealizedPnL += realizedPnL
	if openPositions > s.MaxOpenPosCnt {
		s.MaxOpenPosCnt = openPositions
	}
	f.stats[userID] = s
	return nil
}
func (f *fakeStatsStore) Get(_ context.Context, userID string, _ time.Time) (domain.DailyStats, error) {
	s, ok := f.stats[userID]
	if !ok {
		return domain.DailyStats{}, domain.ErrNotFound
	}
	return s, nil
}

// ---------------------------------------------------------------------------

func testUser(balance float64) domain.User {
	return domain.User{
		ID:      "user-1",
		Wallet:  "0xabc",
		Balance: balance,
		Status:  domain.UserStatusActive,
		Settings: domain.UserSettings{
			SizingMode:          domain.SizingFixed,
			SizingAmount:        1.0,
			MaxPositions:        3,
			MaxPositionPerToken: 2.0,
			DailyLossLimit:      5.0,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeUserStore, *fakePositionStore, *fakeStatsStore) {
	t.Helper()
	users := newFakeUserStore()
	positions := newFakePositionStore()
	stats := newFakeStatsStore()
	return NewEngine(users, positions, stats, 0.01, slog.Default()), users, positions, stats
}

func TestCheckBuyApproves(t *testing.T) {
	e, users, _, _ := newTestEngine(t)
	u := testUser(10)
	require.NoError(t, users.Create(context.Background(), u))

	res, err := e.CheckBuy(context.Background(), u, "token-1", 1.0)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, 1.0, res.AdjustedSize)
	assert.Empty(t, res.Warnings)
}

func TestCheckBuyRejectsInactiveUser(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	for _, status := range []domain.UserStatus{
		domain.UserStatusPaused,
		domain.UserStatusStopped,
		domain.UserStatusDisabled,
	} {
		u := testUser(10)
		u.Status = status

		res, err := e.CheckBuy(context.Background(), u, "token-1", 1.0)
		require.NoError(t, err)
		assert.False(t, res.Approved, "status %s must reject", status)
		assert.Contains(t, res.Reason, string(status))
	}
}

func TestCheckBuyDailyLossGate(t *testing.T) {
	e, users, _, stats := newTestEngine(t)
	ctx := context.Background()
	u := testUser(10)
	require.NoError(t, users.Create(ctx, u))

	// Already -4.5 realized today; under the limit of 5, buys still pass.
	require.NoError(t, stats.Accumulate(ctx, u.ID, Day(time.Now()), 3, 0, 4, -4.5, 1))
	res, err := e.CheckBuy(ctx, u, "token-1", 1.0)
	require.NoError(t, err)
	assert.True(t, res.Approved)

	// A losing exit of -1.0 brings cumulative loss to -5.5: the user is
	// stopped immediately.
	stopped, err := e.RecordSell(ctx, u, 1.0, -1.0)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, domain.UserStatusStopped, users.statuses[u.ID])

	// The next buy attempt is rejected with the daily-loss reason, whichever
	// gate catches it first.
	u2, err := users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	res, err = e.CheckBuy(ctx, u2, "token-1", 1.0)
	require.NoError(t, err)
	assert.False(t, res.Approved)

	// Even a stale in-memory User (still marked active) is caught by the
	// recomputation in step 2 and rejected with the daily-loss reason.
	res, err = e.CheckBuy(ctx, u, "token-1", 1.0)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "daily loss limit")
}

func TestCheckBuyMaxPositions(t *testing.T) {
	e, users, positions, _ := newTestEngine(t)
	ctx := context.Background()
	u := testUser(10)
	require.NoError(t, users.Create(ctx, u))

	for i, tok := range []string{"a", "b", "c"} {
		require.NoError(t, positions.Create(ctx, domain.Position{
			ID: string(rune('p' + i)), UserID: u.ID, TokenID: tok,
			Status: domain.PositionStatusOpen, CurrentAmount: 1,
		}))
	}

	res, err := e.CheckBuy(ctx, u, "token-new", 1.0)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "max concurrent positions")
}

func TestCheckBuyAdjustsSizeToTokenHeadroom(t *testing.T) {
	e, users, positions, _ := newTestEngine(t)
	ctx := context.Background()
	u := testUser(10)
	require.NoError(t, users.Create(ctx, u))

	// Existing exposure of 1.5 against a 2.0 per-token cap leaves 0.5 of
	// headroom.
	require.NoError(t, positions.Create(ctx, domain.Position{
		ID: "p1", UserID: u.ID, TokenID: "token-1",
		EntryAmountIn: 1.5, EntryAmountOut: 1000, CurrentAmount: 1000,
		Status: domain.PositionStatusOpen,
	}))

	res, err := e.CheckBuy(ctx, u, "token-1", 1.0)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.InDelta(t, 0.5, res.AdjustedSize, 1e-9)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "size reduced")
}

func TestCheckBuyRejectsAtFullTokenExposure(t *testing.T) {
	e, users, positions, _ := newTestEngine(t)
	ctx := context.Background()
	u := testUser(10)
	require.NoError(t, users.Create(ctx, u))

	require.NoError(t, positions.Create(ctx, domain.Position{
		ID: "p1", UserID: u.ID, TokenID: "token-1",
		EntryAmountIn: 2.0, EntryAmountOut: 1000, CurrentAmount: 1000,
		Status: domain.PositionStatusOpen,
	}))

	res, err := e.CheckBuy(ctx, u, "token-1", 0.5)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "exposure limit")
}

func TestCheckBuyPartialExitFreesHeadroom(t *testing.T) {
	e, users, positions, _ := newTestEngine(t)
	ctx := context.Background()
	u := testUser(10)
	require.NoError(t, users.Create(ctx, u))

	// Half the position was already exited, so only half the entry cost still
	// counts as exposure.
	require.NoError(t, positions.Create(ctx, domain.Position{
		ID: "p1", UserID: u.ID, TokenID: "token-1",
		EntryAmountIn: 2.0, EntryAmountOut: 1000, CurrentAmount: 500,
		Status: domain.PositionStatusOpen,
	}))

	res, err := e.CheckBuy(ctx, u, "token-1", 2.0)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.InDelta(t, 1.0, res.AdjustedSize, 1e-9)
}

func TestCheckBuyInsufficientBalance(t *testing.T) {
	e, users, _, _ := newTestEngine(t)
	u := testUser(0.5)
	require.NoError(t, users.Create(context.Background(), u))

	res, err := e.CheckBuy(context.Background(), u, "token-1", 1.0)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "insufficient balance")
}

func TestRecordSellUnderLimitDoesNotStop(t *testing.T) {
	e, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	u := testUser(10)
	require.NoError(t, users.Create(ctx, u))

	stopped, err := e.RecordSell(ctx, u, 1.0, -2.0)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, domain.UserStatus(""), users.statuses[u.ID])
}
