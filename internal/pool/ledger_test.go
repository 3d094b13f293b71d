package pool_test

import (
	"WardProtocol/internal/observability"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/pool"
	"WardProtocol/internal/state"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, store pool.Store) *pool.Ledger {
	t.Helper()
	return pool.NewLedger(store, state.MinCoverageRatioBps, zerolog.New(io.Discard), observability.NewMetricsWith(nil))
}

func registerPool(t *testing.T, l *pool.Ledger, capital, exposure int64) {
	t.Helper()
	_, err := l.Register(context.Background(), state.Pool{ID: "pool-1", Account: "rPool", TotalCapital: capital})
	require.NoError(t, err)
	if exposure > 0 {
		_, err = l.IssueExposure(context.Background(), "pool-1", exposure)
		require.NoError(t, err)
	}
}

func TestLedger_IssueExposureRefusedBelowFloor(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 500_000, 200_000)

	// 250k exposure keeps exactly 2.0x.
	_, err := l.IssueExposure(context.Background(), "pool-1", 50_000)
	require.NoError(t, err)

	_, err = l.IssueExposure(context.Background(), "pool-1", 1)
	assert.ErrorIs(t, err, pool.ErrRatioBreach)

	p, err := l.Get("pool-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), p.TotalExposure, "refused issuance must not change exposure")
	assert.Equal(t, int64(2), p.ActivePolicyCount)
}

func TestLedger_ApproveReservesPayoutAndSettleRetiresCoverage(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 500_000, 200_000)

	p, err := l.Approve(context.Background(), "pool-1", func(state.Pool) (*pool.Reservation, error) {
		return &pool.Reservation{Payout: 45_000, Coverage: 50_000}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(455_000), p.AvailableCapital)
	assert.Equal(t, int64(45_000), p.ReservedCapital)
	assert.Equal(t, int64(150_000), p.TotalExposure)
	assert.Equal(t, int64(500_000), p.TotalCapital)
	assert.True(t, p.Balanced())

	p, err = l.Settle(context.Background(), "pool-1", 45_000)
	require.NoError(t, err)
	assert.Equal(t, int64(455_000), p.TotalCapital)
	assert.Zero(t, p.ReservedCapital)
	assert.Equal(t, int64(45_000), p.ClaimsPaid)
	assert.Equal(t, int64(0), p.ActivePolicyCount)
}

func TestLedger_ApproveCapacityRefusals(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 100_000, 40_000)

	_, err := l.Approve(context.Background(), "pool-1", func(state.Pool) (*pool.Reservation, error) {
		return &pool.Reservation{Payout: 100_001, Coverage: 40_000}, nil
	})
	assert.ErrorIs(t, err, pool.ErrInsufficientCapital)

	// 100k−25k = 75k against 40k−0 = 1.875x.
	_, err = l.Approve(context.Background(), "pool-1", func(state.Pool) (*pool.Reservation, error) {
		return &pool.Reservation{Payout: 25_000, Coverage: 0}, nil
	})
	assert.ErrorIs(t, err, pool.ErrRatioBreach)

	p, _ := l.Get("pool-1")
	assert.Equal(t, int64(100_000), p.AvailableCapital)
}

func TestLedger_ApproveNilReservationCommitsNothing(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 100_000, 0)
	before, _ := l.Get("pool-1")

	_, err := l.Approve(context.Background(), "pool-1", func(state.Pool) (*pool.Reservation, error) {
		return nil, nil
	})
	require.NoError(t, err)

	after, _ := l.Get("pool-1")
	assert.Equal(t, before.Version, after.Version)
}

func TestLedger_ConcurrentApprovalsNeverOverdraw(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 100_000, 0)

	var (
		wg       sync.WaitGroup
		approved atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Approve(context.Background(), "pool-1", func(p state.Pool) (*pool.Reservation, error) {
				if err := pool.CheckCapacity(p, 7_000, 0, l.MinRatioBps()); err != nil {
					return nil, err
				}
				return &pool.Reservation{Payout: 7_000}, nil
			})
			if err == nil {
				approved.Add(1)
			}
		}()
	}
	wg.Wait()

	p, err := l.Get("pool-1")
	require.NoError(t, err)
	assert.Equal(t, int64(14), approved.Load(), "100k covers fourteen 7k payouts")
	assert.Equal(t, int64(2_000), p.AvailableCapital)
	assert.True(t, p.Balanced())
}

func TestLedger_CommitFailureRollsBack(t *testing.T) {
	store := persistence.NewMemoryStore()
	l := newLedger(t, store)
	registerPool(t, l, 100_000, 10_000)
	before, _ := l.Get("pool-1")

	boom := errors.New("claim insert failed")
	_, err := l.Approve(context.Background(), "pool-1", func(state.Pool) (*pool.Reservation, error) {
		return &pool.Reservation{
			Payout:   5_000,
			Coverage: 10_000,
			Commit:   func(context.Context, state.Pool) error { return boom },
		}, nil
	})
	assert.ErrorIs(t, err, boom)

	after, _ := l.Get("pool-1")
	assert.Equal(t, before.AvailableCapital, after.AvailableCapital)
	assert.Equal(t, before.ReservedCapital, after.ReservedCapital)
	assert.Equal(t, before.TotalExposure, after.TotalExposure)

	stored, err := store.ListPools(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, before.AvailableCapital, stored[0].AvailableCapital)
	assert.Equal(t, after.Version, stored[0].Version)
}

type failingStore struct {
	*persistence.MemoryStore
	fail atomic.Bool
}

func (s *failingStore) SavePool(ctx context.Context, p state.Pool, expected int64) error {
	if s.fail.Load() {
		return errors.New("database unavailable")
	}
	return s.MemoryStore.SavePool(ctx, p, expected)
}

func TestLedger_StoreFailureLeavesMemoryUnchanged(t *testing.T) {
	store := &failingStore{MemoryStore: persistence.NewMemoryStore()}
	l := newLedger(t, store)
	registerPool(t, l, 100_000, 0)

	store.fail.Store(true)
	_, err := l.Deposit(context.Background(), "pool-1", 1_000)
	require.Error(t, err)

	p, _ := l.Get("pool-1")
	assert.Equal(t, int64(100_000), p.TotalCapital)
}

func TestLedger_ReleaseRestoresCoverageWhenSolvent(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 500_000, 200_000)
	_, err := l.Approve(context.Background(), "pool-1", func(state.Pool) (*pool.Reservation, error) {
		return &pool.Reservation{Payout: 45_000, Coverage: 50_000}, nil
	})
	require.NoError(t, err)

	restored, p, err := l.Release(context.Background(), "pool-1", 45_000, 50_000)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, int64(500_000), p.AvailableCapital)
	assert.Equal(t, int64(200_000), p.TotalExposure)
	assert.Equal(t, int64(1), p.ActivePolicyCount)
}

func TestLedger_ReleaseDropsCoverageWhenRatioWouldBreach(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 200_000, 100_000)
	_, err := l.Approve(context.Background(), "pool-1", func(state.Pool) (*pool.Reservation, error) {
		return &pool.Reservation{Payout: 10_000, Coverage: 60_000}, nil
	})
	require.NoError(t, err)

	// Meanwhile capital is withdrawn down to the floor for the remaining 40k.
	_, err = l.Withdraw(context.Background(), "pool-1", 110_000)
	require.NoError(t, err)

	restored, p, err := l.Release(context.Background(), "pool-1", 10_000, 60_000)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, int64(40_000), p.TotalExposure)
	assert.Equal(t, int64(90_000), p.AvailableCapital)
	assert.True(t, p.Solvent(state.MinCoverageRatioBps))
}

func TestLedger_WithdrawRespectsFloor(t *testing.T) {
	l := newLedger(t, persistence.NewMemoryStore())
	registerPool(t, l, 100_000, 40_000)

	_, err := l.Withdraw(context.Background(), "pool-1", 20_001)
	assert.ErrorIs(t, err, pool.ErrRatioBreach)

	p, err := l.Withdraw(context.Background(), "pool-1", 20_000)
	require.NoError(t, err)
	assert.Equal(t, int64(80_000), p.AvailableCapital)
}

func TestLedger_LoadAndUnknownPool(t *testing.T) {
	store := persistence.NewMemoryStore()
	l := newLedger(t, store)
	registerPool(t, l, 100_000, 10_000)

	reloaded := newLedger(t, store)
	require.NoError(t, reloaded.Load(context.Background()))

	ratio, err := reloaded.CoverageRatio("pool-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), ratio)

	_, err = reloaded.Get("nope")
	assert.ErrorIs(t, err, pool.ErrUnknownPool)
	assert.ErrorIs(t, reloaded.CanApprove("pool-1", 96_000, 0), pool.ErrRatioBreach)
	assert.NoError(t, reloaded.CanApprove("pool-1", 50_000, 10_000))
}
