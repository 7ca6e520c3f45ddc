package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakumori/petal-economy/internal/caps"
	"github.com/otakumori/petal-economy/internal/model"
	"github.com/otakumori/petal-economy/internal/repository"
	"github.com/otakumori/petal-economy/internal/reward"
	"github.com/otakumori/petal-economy/internal/voucher"
)

const guestID = "3f2c8a4e-9b1d-4c6e-8a7f-0d5e2b1c9a34"

type stubLimiter struct {
	limited bool
	seen    []string
}

func (l *stubLimiter) IsRateLimited(ctx context.Context, identity string) bool {
	l.seen = append(l.seen, identity)
	return l.limited
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestService(t *testing.T, limits caps.Limits, mutate ...func(*Options)) (*Service, *repository.MemoryRepository, *testClock) {
	t.Helper()

	opts := Options{
		Rewards:  reward.DefaultTable(),
		Limits:   limits,
		Vouchers: voucher.DefaultPolicy(),
		Location: time.UTC,
	}
	for _, m := range mutate {
		m(&opts)
	}

	repo := repository.NewMemoryRepository()
	svc := NewService(repo, &stubLimiter{}, nil, opts)
	clock := &testClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	svc.now = clock.now
	return svc, repo, clock
}

func grant(t *testing.T, svc *Service, owner model.OwnerRef, amount int64) GrantResult {
	t.Helper()
	res, err := svc.Grant(context.Background(), GrantRequest{Owner: owner, Amount: amount, Reason: model.ReasonGameReward})
	require.NoError(t, err)
	return res
}

func ledgerSum(t *testing.T, repo *repository.MemoryRepository, owner model.OwnerRef) int64 {
	t.Helper()
	entries, err := repo.ListEntries(context.Background(), owner, 0)
	require.NoError(t, err)

	var sum int64
	for _, e := range entries {
		assert.Positive(t, e.Amount)
		sum += e.Signed()
	}
	return sum
}

func TestGrant_BelowCap(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")

	res := grant(t, svc, user, 15)

	assert.True(t, res.Success)
	assert.Equal(t, int64(15), res.Granted)
	assert.Equal(t, int64(15), res.NewBalance)
	assert.Equal(t, int64(15), res.LifetimeEarned)
	assert.Equal(t, int64(105), res.Remaining)
	assert.False(t, res.DailyCapReached)
	assert.Equal(t, int64(15), ledgerSum(t, repo, user))
}

func TestGrant_ClampsToRemainingCap(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")

	grant(t, svc, user, 110)
	res := grant(t, svc, user, 25)

	assert.True(t, res.Success)
	assert.Equal(t, int64(10), res.Granted)
	assert.Equal(t, int64(120), res.NewBalance)
	assert.True(t, res.DailyCapReached)

	res = grant(t, svc, user, 5)
	assert.False(t, res.Success)
	assert.Equal(t, CodeDailyCapReached, res.Error)
	assert.True(t, res.DailyCapReached)
	assert.Equal(t, int64(120), res.NewBalance)

	entries, err := repo.ListEntries(context.Background(), user, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestGrant_DailyCapResetsOnNextDayInReferenceZone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	svc, _, clock := newTestService(t, caps.DefaultLimits(), func(o *Options) { o.Location = tokyo })
	user := model.UserRef("u1")

	// 23:30 JST 14 марта
	clock.set(time.Date(2026, 3, 14, 14, 30, 0, 0, time.UTC))
	grant(t, svc, user, 120)
	assert.Equal(t, CodeDailyCapReached, grant(t, svc, user, 1).Error)

	// 00:30 JST 15 марта, в UTC ещё 14-е
	clock.set(time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC))
	res := grant(t, svc, user, 7)
	assert.True(t, res.Success)
	assert.Equal(t, int64(7), res.Granted)
	assert.Equal(t, int64(127), res.NewBalance)
}

func TestGrant_GuestLifetimeCap(t *testing.T) {
	svc, _, clock := newTestService(t, caps.DefaultLimits())
	guest := model.GuestRef(guestID)

	assert.Equal(t, int64(40), grant(t, svc, guest, 40).Granted)
	res := grant(t, svc, guest, 20)
	assert.Equal(t, int64(10), res.Granted)
	assert.True(t, res.DailyCapReached)

	clock.set(clock.now().AddDate(0, 0, 3))
	res = grant(t, svc, guest, 1)
	assert.False(t, res.Success)
	assert.Equal(t, CodeDailyCapReached, res.Error)
}

func TestGrant_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, caps.DefaultLimits())
	ctx := context.Background()

	res, err := svc.Grant(ctx, GrantRequest{Owner: model.UserRef("u1"), Amount: 0, Reason: model.ReasonGameReward})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, CodeInvalidAmount, res.Error)

	_, err = svc.Grant(ctx, GrantRequest{Owner: model.UserRef("u1"), Amount: -5, Reason: model.ReasonGameReward})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Grant(ctx, GrantRequest{Owner: model.OwnerRef{}, Amount: 5, Reason: model.ReasonGameReward})
	assert.ErrorIs(t, err, ErrInvalidOwner)

	_, err = svc.Grant(ctx, GrantRequest{Owner: model.UserRef("u1"), Amount: 5})
	assert.ErrorIs(t, err, ErrInvalidReason)

	_, err = svc.Grant(ctx, GrantRequest{Owner: model.UserRef("u1"), Amount: 5, Reason: model.ReasonGameReward, IdempotencyKey: "bad key!"})
	assert.ErrorIs(t, err, ErrInvalidIdempotencyKey)
}

func TestGrant_ConcurrentNeverExceedsCap(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Grant(context.Background(), GrantRequest{Owner: user, Amount: 5, Reason: model.ReasonTreePetalClick})
			if err == nil {
				granted.Add(res.Granted)
			}
		}()
	}
	wg.Wait()

	bal, err := svc.Balance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(120), granted.Load())
	assert.Equal(t, int64(120), bal.Current)
	assert.Equal(t, bal.Current, ledgerSum(t, repo, user))
}

func TestSpend(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")
	grant(t, svc, user, 10)

	res, err := svc.Spend(context.Background(), SpendRequest{Owner: user, Amount: 20, Reason: model.ReasonGameUnlock})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeInsufficientBalance, res.Error)
	assert.Equal(t, int64(10), res.NewBalance)

	res, err = svc.Spend(context.Background(), SpendRequest{Owner: user, Amount: 4, Reason: model.ReasonGameUnlock})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(6), res.NewBalance)

	bal, err := svc.Balance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.LifetimeEarned)
	assert.Equal(t, int64(6), ledgerSum(t, repo, user))
}

func TestSpend_RejectsReservedReasons(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")
	grant(t, svc, user, 10)

	for _, reason := range []string{model.ReasonVoucherPurchase, model.ReasonGuestMigrationOut, "anything-else"} {
		res, err := svc.Spend(context.Background(), SpendRequest{Owner: user, Amount: 1, Reason: reason})
		require.ErrorIs(t, err, ErrInvalidReason, reason)
		assert.False(t, res.Success)
		assert.Equal(t, CodeInvalidRequest, res.Error)
	}

	assert.Equal(t, int64(10), ledgerSum(t, repo, user))
}

func TestSpend_ConcurrentNeverOverdraws(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.Limits{UserDaily: 1000})
	user := model.UserRef("u1")
	grant(t, svc, user, 100)

	var (
		wg      sync.WaitGroup
		success atomic.Int64
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Spend(context.Background(), SpendRequest{Owner: user, Amount: 10, Reason: model.ReasonGameUnlock})
			if err == nil && res.Success {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	bal, err := svc.Balance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(10), success.Load())
	assert.Equal(t, int64(0), bal.Current)
	assert.Equal(t, int64(0), ledgerSum(t, repo, user))
}

func TestIdempotency(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")
	ctx := context.Background()
	req := GrantRequest{Owner: user, Amount: 15, Reason: model.ReasonQuestReward, IdempotencyKey: "quest-claim-0001"}

	first, err := svc.Grant(ctx, req)
	require.NoError(t, err)
	second, err := svc.Grant(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.NewBalance, second.NewBalance)
	assert.Equal(t, first.Granted, second.Granted)

	entries, err := repo.ListEntries(ctx, user, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = svc.Spend(ctx, SpendRequest{Owner: user, Amount: 1, Reason: model.ReasonGameUnlock, IdempotencyKey: "quest-claim-0001"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	// ключи разных владельцев независимы
	other, err := svc.Grant(ctx, GrantRequest{Owner: model.UserRef("u2"), Amount: 15, Reason: model.ReasonQuestReward, IdempotencyKey: "quest-claim-0001"})
	require.NoError(t, err)
	assert.False(t, other.Replayed)
}

func TestIdempotency_FailedAttemptIsNotRemembered(t *testing.T) {
	svc, _, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")
	ctx := context.Background()
	req := SpendRequest{Owner: user, Amount: 5, Reason: model.ReasonGameUnlock, IdempotencyKey: "unlock-000001"}

	res, err := svc.Spend(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CodeInsufficientBalance, res.Error)

	grant(t, svc, user, 5)

	res, err = svc.Spend(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Replayed)
}

func TestPurgeIdempotencyRecords(t *testing.T) {
	svc, _, clock := newTestService(t, caps.DefaultLimits(), func(o *Options) { o.IdempotencyTTL = time.Hour })
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{Owner: model.UserRef("u1"), Amount: 1, Reason: model.ReasonGameReward, IdempotencyKey: "purge-me-0001"})
	require.NoError(t, err)

	n, err := svc.PurgeIdempotencyRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clock.set(clock.now().Add(2 * time.Hour))
	n, err = svc.PurgeIdempotencyRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPurchaseVoucher(t *testing.T) {
	svc, repo, clock := newTestService(t, caps.Limits{UserDaily: 1000})
	user := model.UserRef("u1")
	ctx := context.Background()
	grant(t, svc, user, 200)

	res, err := svc.PurchaseVoucher(ctx, VoucherRequest{Owner: user, Tier: "tier1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(50), res.NewBalance)
	assert.Equal(t, 5, res.PercentOff)
	assert.True(t, strings.HasPrefix(res.Code, "OM-TIER1-"))
	assert.Equal(t, clock.now().AddDate(0, 0, 30), res.ExpiresAt)

	vouchers, err := svc.Vouchers(ctx, user)
	require.NoError(t, err)
	require.Len(t, vouchers, 1)
	assert.Equal(t, res.Code, vouchers[0].Code)

	entries, err := repo.ListEntries(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ReasonVoucherPurchase, entries[0].Reason)
	assert.Equal(t, model.DirectionSpend, entries[0].Direction)
	assert.Equal(t, int64(150), entries[0].Amount)
}

func TestPurchaseVoucher_InsufficientBalanceWritesNothing(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.Limits{UserDaily: 1000})
	user := model.UserRef("u1")
	ctx := context.Background()
	grant(t, svc, user, 100)

	res, err := svc.PurchaseVoucher(ctx, VoucherRequest{Owner: user, Tier: "tier2"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeInsufficientBalance, res.Error)
	assert.Equal(t, int64(100), res.NewBalance)

	vouchers, err := svc.Vouchers(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, vouchers)
	assert.Equal(t, int64(100), ledgerSum(t, repo, user))
}

func TestPurchaseVoucher_MonthlyLimit(t *testing.T) {
	svc, _, clock := newTestService(t, caps.Limits{UserDaily: 1000}, func(o *Options) {
		o.Vouchers.MaxPerMonth = 1
	})
	user := model.UserRef("u1")
	ctx := context.Background()
	grant(t, svc, user, 400)

	res, err := svc.PurchaseVoucher(ctx, VoucherRequest{Owner: user, Tier: "tier1"})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.PurchaseVoucher(ctx, VoucherRequest{Owner: user, Tier: "tier1"})
	require.NoError(t, err)
	assert.Equal(t, CodeMonthlyLimit, res.Error)
	assert.Equal(t, int64(250), func() int64 {
		bal, _ := svc.Balance(ctx, user)
		return bal.Current
	}())

	clock.set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))
	res, err = svc.PurchaseVoucher(ctx, VoucherRequest{Owner: user, Tier: "tier1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestPurchaseVoucher_TierErrors(t *testing.T) {
	svc, _, _ := newTestService(t, caps.DefaultLimits())
	ctx := context.Background()

	res, err := svc.PurchaseVoucher(ctx, VoucherRequest{Owner: model.UserRef("u1"), Tier: "tier9"})
	assert.ErrorIs(t, err, voucher.ErrUnknownTier)
	assert.Equal(t, CodeUnknownTier, res.Error)

	disabled, _, _ := newTestService(t, caps.DefaultLimits(), func(o *Options) { o.Vouchers.Enabled = false })
	res, err = disabled.PurchaseVoucher(ctx, VoucherRequest{Owner: model.UserRef("u1"), Tier: "tier1"})
	assert.ErrorIs(t, err, voucher.ErrDisabled)
	assert.Equal(t, CodeFeatureDisabled, res.Error)

	capped, _, _ := newTestService(t, caps.DefaultLimits(), func(o *Options) { o.Vouchers.MaxPercent = 5 })
	res, err = capped.PurchaseVoucher(ctx, VoucherRequest{Owner: model.UserRef("u1"), Tier: "tier2"})
	assert.ErrorIs(t, err, voucher.ErrPercentTooHigh)
	assert.Equal(t, CodeTierUnavailable, res.Error)
}

func TestReward(t *testing.T) {
	svc, _, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")
	ctx := context.Background()

	res, err := svc.Reward(ctx, RewardRequest{
		Owner:   user,
		Event:   reward.GameEvent("petal-samurai"),
		Context: reward.Context{Score: 500, Difficulty: "normal"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(15), res.Granted)

	res, err = svc.Reward(ctx, RewardRequest{Owner: user, Event: reward.GameEvent("no-such-game")})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeNoReward, res.Error)
}

func TestCollectPetal(t *testing.T) {
	svc, _, _ := newTestService(t, caps.DefaultLimits())
	limiter := &stubLimiter{}
	svc.limiter = limiter
	guest := model.GuestRef(guestID)
	ctx := context.Background()

	res, err := svc.CollectPetal(ctx, guest, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Granted)
	assert.Equal(t, []string{guest.String()}, limiter.seen)

	limiter.limited = true
	res, err = svc.CollectPetal(ctx, guest, "ip:10.0.0.1", "")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, CodeRateLimited, res.Error)

	bal, err := svc.Balance(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal.Current)
}

func TestMigrateGuest(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	guest := model.GuestRef(guestID)
	user := model.UserRef("u1")
	ctx := context.Background()

	grant(t, svc, guest, 30)

	res, err := svc.MigrateGuest(ctx, guestID, "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(30), res.Moved)
	assert.Equal(t, int64(30), res.NewBalance)

	gbal, err := svc.Balance(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gbal.Current)
	assert.Equal(t, int64(0), ledgerSum(t, repo, guest))
	assert.Equal(t, int64(30), ledgerSum(t, repo, user))

	// перенос не расходует дневной лимит пользователя
	assert.Equal(t, int64(120), grant(t, svc, user, 120).Granted)

	again, err := svc.MigrateGuest(ctx, guestID, "u1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyMigrated)
	assert.Equal(t, int64(0), again.Moved)
	assert.Equal(t, int64(150), again.NewBalance)

	_, err = svc.MigrateGuest(ctx, guestID, "u2")
	assert.ErrorIs(t, err, ErrGuestClaimed)
}

func TestMigrateGuest_InvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t, caps.DefaultLimits())

	_, err := svc.MigrateGuest(context.Background(), "not-a-uuid", "u1")
	assert.ErrorIs(t, err, ErrInvalidOwner)

	_, err = svc.MigrateGuest(context.Background(), guestID, "")
	assert.ErrorIs(t, err, ErrInvalidOwner)
}

func TestGuestSessions(t *testing.T) {
	svc, _, clock := newTestService(t, caps.DefaultLimits())
	ctx := context.Background()

	gs, err := svc.StartGuestSession(ctx)
	require.NoError(t, err)
	assert.Len(t, gs.ID, 36)

	clock.set(clock.now().Add(time.Minute))
	assert.NoError(t, svc.TouchGuestSession(ctx, gs.ID))
	assert.ErrorIs(t, svc.TouchGuestSession(ctx, guestID), repository.ErrNotFound)
	assert.ErrorIs(t, svc.TouchGuestSession(ctx, "bad"), ErrInvalidOwner)
}

func TestLedger_ClampsLimit(t *testing.T) {
	svc, _, _ := newTestService(t, caps.DefaultLimits())
	user := model.UserRef("u1")
	for range 3 {
		grant(t, svc, user, 1)
	}

	entries, err := svc.Ledger(context.Background(), user, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = svc.Ledger(context.Background(), user, -1)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestPurchaseVoucher_Tier2FromFiveHundred(t *testing.T) {
	svc, _, clock := newTestService(t, caps.Limits{UserDaily: 1000})
	user := model.UserRef("u1")
	ctx := context.Background()
	grant(t, svc, user, 500)

	res, err := svc.PurchaseVoucher(ctx, VoucherRequest{Owner: user, Tier: "tier2", IdempotencyKey: "voucher-tier2-01"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(200), res.NewBalance)

	vouchers, err := svc.Vouchers(ctx, user)
	require.NoError(t, err)
	require.Len(t, vouchers, 1)
	assert.Equal(t, 10, vouchers[0].PercentOff)
	assert.False(t, vouchers[0].Redeemed())
	assert.Equal(t, clock.now().AddDate(0, 0, 30), vouchers[0].ExpiresAt)

	// повтор с тем же ключом не создаёт второй купон
	again, err := svc.PurchaseVoucher(ctx, VoucherRequest{Owner: user, Tier: "tier2", IdempotencyKey: "voucher-tier2-01"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Code, again.Code)

	vouchers, err = svc.Vouchers(ctx, user)
	require.NoError(t, err)
	assert.Len(t, vouchers, 1)
}

func TestCollectPetal_GuestReachesLifetimeCap(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.DefaultLimits())
	guest := model.GuestRef(guestID)
	ctx := context.Background()
	grant(t, svc, guest, 49)

	res, err := svc.CollectPetal(ctx, guest, "ip:10.0.0.1", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(50), res.NewBalance)

	res, err = svc.CollectPetal(ctx, guest, "ip:10.0.0.1", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeDailyCapReached, res.Error)

	entries, err := repo.ListEntries(ctx, guest, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func takeVoucherCode(t *testing.T, repo *repository.MemoryRepository, code string) {
	t.Helper()
	other := model.UserRef("someone-else")
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := repo.InTx(context.Background(), []model.OwnerRef{other}, func(tx repository.Tx) error {
		return tx.InsertVoucher(context.Background(), model.Voucher{
			ID: uuid.New(), Owner: other, Code: code, Tier: "tier1",
			PercentOff: 5, CostPetals: 150, CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 30),
		})
	})
	require.NoError(t, err)
}

func TestPurchaseVoucher_RegeneratesCollidingCode(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.Limits{UserDaily: 1000})
	user := model.UserRef("u1")
	grant(t, svc, user, 200)
	takeVoucherCode(t, repo, "OM-TIER1-TAKEN")

	codes := []string{"OM-TIER1-TAKEN", "OM-TIER1-FRESH"}
	svc.newCode = func(string, time.Time) (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}

	res, err := svc.PurchaseVoucher(context.Background(), VoucherRequest{Owner: user, Tier: "tier1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "OM-TIER1-FRESH", res.Code)
	assert.Equal(t, int64(50), res.NewBalance)

	vouchers, err := svc.Vouchers(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, vouchers, 1)
	assert.Equal(t, "OM-TIER1-FRESH", vouchers[0].Code)
}

func TestPurchaseVoucher_GivesUpAfterRepeatedCollisions(t *testing.T) {
	svc, repo, _ := newTestService(t, caps.Limits{UserDaily: 1000})
	user := model.UserRef("u1")
	grant(t, svc, user, 200)
	takeVoucherCode(t, repo, "OM-TIER1-TAKEN")

	calls := 0
	svc.newCode = func(string, time.Time) (string, error) {
		calls++
		return "OM-TIER1-TAKEN", nil
	}

	res, err := svc.PurchaseVoucher(context.Background(), VoucherRequest{Owner: user, Tier: "tier1"})
	require.ErrorIs(t, err, repository.ErrDuplicateVoucherCode)
	assert.Equal(t, CodeInternal, res.Error)
	assert.Equal(t, voucherCodeAttempts, calls)

	bal, err := svc.Balance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal.Current)
	vouchers, err := svc.Vouchers(context.Background(), user)
	require.NoError(t, err)
	assert.Empty(t, vouchers)
}
