package ledger

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aceteam-ai/credit-meter/internal/reconcile"
	"github.com/aceteam-ai/credit-meter/internal/redis"
	"github.com/aceteam-ai/credit-meter/internal/store"
)

type fixture struct {
	mr      *miniredis.Miniredis
	fast    *redis.Client
	durable *store.SQLStore
	ledger  *Ledger
}

func newFixture(t *testing.T, mirror bool) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)

	fast := redis.NewClient(redis.ClientConfig{OpTimeout: time.Second})
	require.NoError(t, fast.Connect(ctx, "redis://"+mr.Addr(), ""))
	t.Cleanup(func() { fast.Close() })

	durable, err := store.Open(ctx, store.Config{
		Driver:    store.DialectSQLite,
		DSN:       filepath.Join(t.TempDir(), "ledger_test.db"),
		OpTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	require.NoError(t, durable.Migrate(ctx))

	l, err := New(Config{
		Fast:              fast,
		Durable:           durable,
		MirrorDeductions:  mirror,
		MirrorConcurrency: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return &fixture{mr: mr, fast: fast, durable: durable, ledger: l}
}

func (f *fixture) fastBalance(t *testing.T, accountID int64) (int64, bool) {
	t.Helper()
	if !f.mr.Exists(redis.CreditsKey(accountID)) {
		return 0, false
	}
	v, err := f.mr.Get(redis.CreditsKey(accountID))
	require.NoError(t, err)
	n, err := strconv.ParseInt(v, 10, 64)
	require.NoError(t, err)
	return n, true
}

func (f *fixture) durableBalance(t *testing.T, accountID int64) int64 {
	t.Helper()
	b, err := f.durable.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestDeductScenario(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.ledger.TopUp(ctx, 1, 3)
	require.NoError(t, err)

	var got []bool
	for range 5 {
		res, err := f.ledger.Deduct(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, PathFast, res.Path)
		got = append(got, res.Granted)
	}
	assert.Equal(t, []bool{true, true, true, false, false}, got)

	require.NoError(t, f.ledger.Close())
	fast, ok := f.fastBalance(t, 1)
	require.True(t, ok)
	assert.Equal(t, int64(0), fast)
	assert.Equal(t, int64(0), f.durableBalance(t, 1))
}

func TestDeductSequentialGrantsMinNB(t *testing.T) {
	cases := []struct {
		balance, calls int64
		cached         bool
	}{
		{balance: 0, calls: 3, cached: false},
		{balance: 4, calls: 2, cached: true},
		{balance: 4, calls: 9, cached: true},
		{balance: 5, calls: 5, cached: false},
		{balance: 6, calls: 10, cached: false},
	}

	for _, tc := range cases {
		name := "B=" + strconv.FormatInt(tc.balance, 10) + "/N=" + strconv.FormatInt(tc.calls, 10)
		if tc.cached {
			name += "/cached"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, false)
			ctx := context.Background()
			require.NoError(t, f.durable.UpsertBalance(ctx, 7, tc.balance))
			if tc.cached {
				require.NoError(t, f.fast.SetInt(ctx, redis.CreditsKey(7), tc.balance))
			}

			var granted int64
			for range tc.calls {
				res, err := f.ledger.Deduct(ctx, 7, 1)
				require.NoError(t, err)
				if res.Granted {
					granted++
				}
			}

			assert.Equal(t, min(tc.calls, tc.balance), granted)
			bal, err := f.ledger.Balance(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, max(tc.balance-tc.calls, 0), bal)
		})
	}
}

func TestDeductInvalidAmount(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.ledger.Deduct(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeductUnknownAccountDenied(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.ledger.Deduct(context.Background(), 404, 1)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, PathDurable, res.Path)
}

func TestDeductCacheMissWarmsFastStore(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 2, 5))

	res, err := f.ledger.Deduct(ctx, 2, 2)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, PathFast, res.Path)
	assert.Equal(t, int64(3), res.Balance)

	fast, ok := f.fastBalance(t, 2)
	require.True(t, ok, "fast store should be warmed")
	assert.Equal(t, int64(3), fast)
	assert.Equal(t, int64(5), f.durableBalance(t, 2), "mirroring is off")
}

func TestDeductWarmKeepsExistingKey(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 2, 50))

	// Another caller warmed the key between the miss and the seed.
	ok, err := f.fast.SetIntNX(ctx, redis.CreditsKey(2), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.ledger.warm(ctx, redis.CreditsKey(2), 2))

	fast, _ := f.fastBalance(t, 2)
	assert.Equal(t, int64(1), fast)
}

func TestDeductFastDenialSkipsDurable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 3, 100))
	require.NoError(t, f.fast.SetInt(ctx, redis.CreditsKey(3), 0))

	res, err := f.ledger.Deduct(ctx, 3, 1)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, PathFast, res.Path)
	assert.Equal(t, int64(100), f.durableBalance(t, 3))
}

func TestDeductConcurrentFastPath(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.ledger.TopUp(ctx, 1, 10)
	require.NoError(t, err)

	granted := runConcurrentDeductions(t, f.ledger, 1, 100)

	assert.Equal(t, int64(10), granted)
	fast, _ := f.fastBalance(t, 1)
	assert.Equal(t, int64(0), fast)

	// Saturated mirrors are dropped, so the durable row may lag but never
	// drops below the enforced balance.
	require.NoError(t, f.ledger.Close())
	assert.GreaterOrEqual(t, f.durableBalance(t, 1), int64(0))
}

func TestDeductConcurrentColdCache(t *testing.T) {
	for run := range 5 {
		t.Run("run"+strconv.Itoa(run), func(t *testing.T) {
			f := newFixture(t, true)
			ctx := context.Background()
			require.NoError(t, f.durable.UpsertBalance(ctx, 1, 10))

			var granted, durablePath atomic.Int64
			var wg sync.WaitGroup
			for range 200 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := f.ledger.Deduct(ctx, 1, 1)
					if err != nil {
						t.Errorf("Deduct: %v", err)
						return
					}
					if res.Granted {
						granted.Add(1)
					}
					if res.Path == PathDurable {
						durablePath.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(10), granted.Load())
			assert.Zero(t, durablePath.Load(), "a reachable fast store decides every deduction")
			fast, ok := f.fastBalance(t, 1)
			require.True(t, ok)
			assert.Equal(t, int64(0), fast)

			// Mirrors may have been dropped under load; one cycle catches up.
			require.NoError(t, f.ledger.Close())
			_, err := reconcile.New(reconcile.Config{Durable: f.durable, Fast: f.fast}).RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), f.durableBalance(t, 1))
		})
	}
}

func TestDeductConcurrentDurableFallback(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 1, 10))
	f.mr.SetError("LOADING server is loading")

	granted := runConcurrentDeductions(t, f.ledger, 1, 50)

	assert.Equal(t, int64(10), granted)
	assert.Equal(t, int64(0), f.durableBalance(t, 1))
}

func runConcurrentDeductions(t *testing.T, l *Ledger, accountID int64, callers int) int64 {
	t.Helper()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Deduct(context.Background(), accountID, 1)
			if err != nil {
				t.Errorf("Deduct: %v", err)
				return
			}
			if res.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	return granted.Load()
}

func TestMirrorDisabledLeavesDurableBehind(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.ledger.TopUp(ctx, 4, 5)
	require.NoError(t, err)

	_, err = f.ledger.Deduct(ctx, 4, 2)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Close())

	fast, _ := f.fastBalance(t, 4)
	assert.Equal(t, int64(3), fast)
	assert.Equal(t, int64(5), f.durableBalance(t, 4), "durable store only catches up on reconciliation")
}

func TestTopUpMonotonic(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	bal, err := f.ledger.TopUp(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	for _, amount := range []int64{1, 7, 250} {
		before, err := f.ledger.Balance(ctx, 1)
		require.NoError(t, err)

		after, err := f.ledger.TopUp(ctx, 1, amount)
		require.NoError(t, err)
		assert.Equal(t, before+amount, after)
		assert.Equal(t, after, f.durableBalance(t, 1))
	}
}

func TestTopUpRejectsNonPositive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for _, amount := range []int64{0, -1} {
		_, err := f.ledger.TopUp(ctx, 1, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	_, err := f.ledger.Balance(ctx, 1)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTopUpSeedsFromDurable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 8, 7))

	bal, err := f.ledger.TopUp(ctx, 8, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(12), bal)

	fast, ok := f.fastBalance(t, 8)
	require.True(t, ok)
	assert.Equal(t, int64(12), fast)
	assert.Equal(t, int64(12), f.durableBalance(t, 8))
}

func TestTopUpFastStoreWinsOverDurable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 9, 50))
	require.NoError(t, f.fast.SetInt(ctx, redis.CreditsKey(9), 20))

	bal, err := f.ledger.TopUp(ctx, 9, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal)
	assert.Equal(t, int64(25), f.durableBalance(t, 9))
}

func TestFastStoreOutageMatchesHealthyRun(t *testing.T) {
	run := func(t *testing.T, outage bool) int64 {
		f := newFixture(t, true)
		ctx := context.Background()
		if outage {
			f.mr.SetError("LOADING server is loading")
		}

		_, err := f.ledger.TopUp(ctx, 1, 5)
		require.NoError(t, err)

		var granted []bool
		for range 3 {
			res, err := f.ledger.Deduct(ctx, 1, 1)
			require.NoError(t, err)
			granted = append(granted, res.Granted)
		}
		assert.Equal(t, []bool{true, true, true}, granted)

		bal, err := f.ledger.TopUp(ctx, 1, 4)
		require.NoError(t, err)
		assert.Equal(t, int64(6), bal)

		require.NoError(t, f.ledger.Close())
		return f.durableBalance(t, 1)
	}

	var healthy, degraded int64
	t.Run("healthy", func(t *testing.T) { healthy = run(t, false) })
	t.Run("outage", func(t *testing.T) { degraded = run(t, true) })
	assert.Equal(t, int64(6), healthy)
	assert.Equal(t, healthy, degraded)
}

func TestBothStoresDown(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 1, 5))

	f.mr.SetError("LOADING server is loading")
	require.NoError(t, f.durable.Close())

	_, err := f.ledger.Deduct(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = f.ledger.TopUp(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = f.ledger.Balance(ctx, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestTopUpDuringOutageSurvivesReconcile(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	worker := reconcile.New(reconcile.Config{Durable: f.durable, Fast: f.fast})

	_, err := f.ledger.TopUp(ctx, 1, 5)
	require.NoError(t, err)

	f.mr.SetError("LOADING server is loading")
	bal, err := f.ledger.TopUp(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)
	f.mr.SetError("")

	updated, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, int64(15), f.durableBalance(t, 1))

	bal, err = f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)

	res, err := f.ledger.Deduct(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(14), res.Balance)
}

func TestOutageDeductionsDropStaleCache(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.ledger.TopUp(ctx, 1, 3)
	require.NoError(t, err)

	f.mr.SetError("LOADING server is loading")
	for range 3 {
		res, err := f.ledger.Deduct(ctx, 1, 1)
		require.NoError(t, err)
		require.True(t, res.Granted)
		assert.Equal(t, PathDurable, res.Path)
	}
	f.mr.SetError("")

	// The cache still says 3; the next deduction must see the durable 0.
	res, err := f.ledger.Deduct(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	fast, ok := f.fastBalance(t, 1)
	require.True(t, ok)
	assert.Equal(t, int64(0), fast)
}

func TestTopUpOnStaleRowFromAnotherProcess(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.ledger.TopUp(ctx, 1, 5)
	require.NoError(t, err)

	// Another replica credited the row while it could not reach the cache.
	_, err = f.durable.Credit(ctx, 1, 10)
	require.NoError(t, err)

	bal, err := f.ledger.TopUp(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(16), bal)
	assert.Equal(t, int64(16), f.durableBalance(t, 1))
	assert.False(t, f.mr.Exists(redis.CreditsKey(1)), "stale cached balance must be dropped")

	bal, err = f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(16), bal)
}

func TestTopUpSeedReadFailure(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.Close())

	_, err := f.ledger.TopUp(ctx, 1, 5)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, f.mr.Exists(redis.CreditsKey(1)), "an unseeded credit must not be written")
}

func TestBalanceFallsBackToDurable(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.durable.UpsertBalance(ctx, 6, 11))
	f.mr.SetError("LOADING server is loading")

	bal, err := f.ledger.Balance(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(11), bal)
}
