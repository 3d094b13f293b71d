package pool

import (
	"WardProtocol/internal/observability"
	"WardProtocol/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownPool         = errors.New("pool: unknown pool")
	ErrPoolExists          = errors.New("pool: already registered")
	ErrInvalidAmount       = errors.New("pool: amount must be positive")
	ErrInsufficientCapital = errors.New("pool: insufficient available capital")
	ErrRatioBreach         = errors.New("pool: coverage ratio would fall below floor")
	ErrUnbalanced          = errors.New("pool: mutation would unbalance totals")
)

// Store persists pool totals. SavePool must fail when the stored version
// differs from expectedVersion; expectedVersion 0 inserts a new pool.
type Store interface {
	ListPools(ctx context.Context) ([]state.Pool, error)
	SavePool(ctx context.Context, p state.Pool, expectedVersion int64) error
}

// Reservation is what an approval commits against a pool: the payout moves
// from available to reserved capital and the policy's coverage leaves
// exposure. Commit, when set, runs inside the pool's critical section after
// the pool write; if it fails the pool mutation is rolled back.
type Reservation struct {
	Payout   int64
	Coverage int64
	Commit   func(ctx context.Context, p state.Pool) error
}

type entry struct {
	mu   sync.Mutex
	pool state.Pool
}

// Ledger holds the authoritative running totals of every pool. Mutations on
// one pool are serialized by that pool's mutex; different pools proceed in
// parallel. Every mutation is written through to the store before it becomes
// visible in memory.
type Ledger struct {
	mu    sync.RWMutex
	pools map[string]*entry

	store       Store
	minRatioBps int64
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

func NewLedger(store Store, minRatioBps int64, logger zerolog.Logger, metrics *observability.Metrics) *Ledger {
	if minRatioBps <= 0 {
		minRatioBps = state.MinCoverageRatioBps
	}
	return &Ledger{
		pools:       make(map[string]*entry),
		store:       store,
		minRatioBps: minRatioBps,
		now:         time.Now,
		logger:      logger,
		metrics:     metrics,
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// MinRatioBps returns the configured solvency floor.
func (l *Ledger) MinRatioBps() int64 { return l.minRatioBps }

// Load replaces the in-memory totals with the store's.
func (l *Ledger) Load(ctx context.Context) error {
	pools, err := l.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("load pools: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pools = make(map[string]*entry, len(pools))
	for _, p := range pools {
		if !p.Balanced() {
			return fmt.Errorf("%w: stored pool %s", ErrUnbalanced, p.ID)
		}
		l.pools[p.ID] = &entry{pool: p}
		if l.metrics != nil {
			l.metrics.ObservePool(p.ID, p.AvailableCapital, p.TotalExposure)
		}
	}
	l.logger.Info().Int("pools", len(pools)).Msg("pool ledger loaded")
	return nil
}

// Register creates a new pool. Any initial capital is available capital.
func (l *Ledger) Register(ctx context.Context, p state.Pool) (state.Pool, error) {
	p.AvailableCapital = p.TotalCapital
	p.ReservedCapital = 0
	p.TotalExposure = 0
	p.ActivePolicyCount = 0
	p.Version = 1
	p.UpdatedAt = l.now()
	if p.ID == "" || p.TotalCapital < 0 {
		return state.Pool{}, fmt.Errorf("register pool: %w", ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[p.ID]; ok {
		return state.Pool{}, fmt.Errorf("%w: %s", ErrPoolExists, p.ID)
	}
	if err := l.store.SavePool(ctx, p, 0); err != nil {
		return state.Pool{}, fmt.Errorf("persist pool %s: %w", p.ID, err)
	}
	l.pools[p.ID] = &entry{pool: p}
	l.logger.Info().Str("pool_id", p.ID).Int64("capital", p.TotalCapital).Msg("pool registered")
	return p, nil
}

// Get returns a snapshot of one pool.
func (l *Ledger) Get(poolID string) (state.Pool, error) {
	e, err := l.lookup(poolID)
	if err != nil {
		return state.Pool{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool, nil
}

// List returns snapshots of every pool ordered by id.
func (l *Ledger) List() []state.Pool {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.pools))
	for _, e := range l.pools {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]state.Pool, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pool)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CoverageRatio returns available/exposure in bps (math.MaxInt64 when no exposure).
func (l *Ledger) CoverageRatio(poolID string) (int64, error) {
	p, err := l.Get(poolID)
	if err != nil {
		return 0, err
	}
	return p.CoverageRatioBps(), nil
}

// CanApprove checks capacity for a payout retiring coverage, without
// reserving anything.
func (l *Ledger) CanApprove(poolID string, payout, coverage int64) error {
	p, err := l.Get(poolID)
	if err != nil {
		return err
	}
	return CheckCapacity(p, payout, coverage, l.minRatioBps)
}

// CheckCapacity applies the two capacity checks in order: capital, then ratio.
func CheckCapacity(p state.Pool, payout, coverage, minRatioBps int64) error {
	if !p.CanCover(payout) {
		return ErrInsufficientCapital
	}
	if !p.SolventAfter(payout, coverage, minRatioBps) {
		return ErrRatioBreach
	}
	return nil
}

// IssueExposure adds a new policy's coverage. Refused if the post-issuance
// coverage ratio would fall below the floor.
func (l *Ledger) IssueExposure(ctx context.Context, poolID string, coverage int64) (state.Pool, error) {
	return l.mutate(ctx, poolID, "issue", func(p *state.Pool) error {
		if coverage <= 0 {
			return ErrInvalidAmount
		}
		p.TotalExposure += coverage
		p.ActivePolicyCount++
		if !p.Solvent(l.minRatioBps) {
			return ErrRatioBreach
		}
		return nil
	})
}

// ReleaseExposure removes an expired or cancelled policy's coverage.
func (l *Ledger) ReleaseExposure(ctx context.Context, poolID string, coverage int64) (state.Pool, error) {
	return l.ReleaseExposureIf(ctx, poolID, coverage, nil)
}

// ReleaseExposureIf runs guard while holding the pool's lock and releases
// the coverage only if guard succeeds. Approvals on the pool cannot run
// between the two.
func (l *Ledger) ReleaseExposureIf(ctx context.Context, poolID string, coverage int64, guard func(ctx context.Context) error) (state.Pool, error) {
	return l.mutate(ctx, poolID, "release_exposure", func(p *state.Pool) error {
		if coverage <= 0 {
			return ErrInvalidAmount
		}
		if guard != nil {
			if err := guard(ctx); err != nil {
				return err
			}
		}
		if coverage > p.TotalExposure {
			return fmt.Errorf("%w: release %d exceeds exposure %d", ErrUnbalanced, coverage, p.TotalExposure)
		}
		p.TotalExposure -= coverage
		if p.ActivePolicyCount > 0 {
			p.ActivePolicyCount--
		}
		return nil
	})
}

// Deposit adds LP capital or premium income.
func (l *Ledger) Deposit(ctx context.Context, poolID string, amount int64) (state.Pool, error) {
	return l.mutate(ctx, poolID, "deposit", func(p *state.Pool) error {
		if amount <= 0 {
			return ErrInvalidAmount
		}
		p.TotalCapital += amount
		p.AvailableCapital += amount
		return nil
	})
}

// Withdraw removes available capital. Refused if it would breach the floor.
func (l *Ledger) Withdraw(ctx context.Context, poolID string, amount int64) (state.Pool, error) {
	return l.mutate(ctx, poolID, "withdraw", func(p *state.Pool) error {
		if amount <= 0 {
			return ErrInvalidAmount
		}
		if !p.CanCover(amount) {
			return ErrInsufficientCapital
		}
		p.TotalCapital -= amount
		p.AvailableCapital -= amount
		if !p.Solvent(l.minRatioBps) {
			return ErrRatioBreach
		}
		return nil
	})
}

// Approve runs evaluate against the current pool while holding the pool's
// lock. A nil reservation commits nothing. A non-nil reservation moves the
// payout into reserved capital and retires the coverage from exposure.
func (l *Ledger) Approve(ctx context.Context, poolID string, evaluate func(p state.Pool) (*Reservation, error)) (state.Pool, error) {
	e, err := l.lookup(poolID)
	if err != nil {
		return state.Pool{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := evaluate(e.pool)
	if err != nil || res == nil {
		return e.pool, err
	}

	prev := e.pool
	next := prev
	if res.Payout < 0 || res.Coverage < 0 {
		return prev, ErrInvalidAmount
	}
	if err := CheckCapacity(next, res.Payout, res.Coverage, l.minRatioBps); err != nil {
		l.record("approve", err)
		return prev, err
	}
	next.AvailableCapital -= res.Payout
	next.ReservedCapital += res.Payout
	next.TotalExposure -= res.Coverage
	if next.TotalExposure < 0 {
		next.TotalExposure = 0
	}

	committed, err := l.commit(ctx, e, next)
	if err != nil {
		l.record("approve", err)
		return prev, err
	}

	if res.Commit != nil {
		if err := res.Commit(ctx, committed); err != nil {
			l.rollback(ctx, e, prev)
			l.record("approve", err)
			return prev, err
		}
	}
	l.record("approve", nil)
	return committed, nil
}

// Settle finalizes a reserved payout: the capital leaves the pool and the
// consumed policy stops counting as active.
func (l *Ledger) Settle(ctx context.Context, poolID string, payout int64) (state.Pool, error) {
	return l.mutate(ctx, poolID, "settle", func(p *state.Pool) error {
		if payout < 0 {
			return ErrInvalidAmount
		}
		if payout > p.ReservedCapital {
			return fmt.Errorf("%w: settle %d exceeds reserved %d", ErrUnbalanced, payout, p.ReservedCapital)
		}
		p.ReservedCapital -= payout
		p.TotalCapital -= payout
		p.ClaimsPaid += payout
		if p.ActivePolicyCount > 0 {
			p.ActivePolicyCount--
		}
		return nil
	})
}

// Release returns a reserved payout to available capital after a cancelled
// escrow. The policy's coverage is restored to exposure only if the pool
// stays solvent; restored=false tells the caller to cancel the policy.
func (l *Ledger) Release(ctx context.Context, poolID string, payout, coverage int64) (restored bool, p state.Pool, err error) {
	p, err = l.mutate(ctx, poolID, "release", func(p *state.Pool) error {
		if payout < 0 || coverage < 0 {
			return ErrInvalidAmount
		}
		if payout > p.ReservedCapital {
			return fmt.Errorf("%w: release %d exceeds reserved %d", ErrUnbalanced, payout, p.ReservedCapital)
		}
		p.ReservedCapital -= payout
		p.AvailableCapital += payout

		withCoverage := *p
		withCoverage.TotalExposure += coverage
		if withCoverage.Solvent(l.minRatioBps) {
			*p = withCoverage
			restored = true
			return nil
		}
		restored = false
		if p.ActivePolicyCount > 0 {
			p.ActivePolicyCount--
		}
		return nil
	})
	return restored, p, err
}

func (l *Ledger) lookup(poolID string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.pools[poolID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	return e, nil
}

func (l *Ledger) mutate(ctx context.Context, poolID, op string, fn func(p *state.Pool) error) (state.Pool, error) {
	e, err := l.lookup(poolID)
	if err != nil {
		return state.Pool{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.pool
	if err := fn(&next); err != nil {
		l.record(op, err)
		return e.pool, err
	}
	committed, err := l.commit(ctx, e, next)
	l.record(op, err)
	if err != nil {
		return e.pool, err
	}
	return committed, nil
}

// commit must be called with e.mu held.
func (l *Ledger) commit(ctx context.Context, e *entry, next state.Pool) (state.Pool, error) {
	if !next.Balanced() {
		return e.pool, fmt.Errorf("%w: pool %s", ErrUnbalanced, next.ID)
	}
	next.Version = e.pool.Version + 1
	next.UpdatedAt = l.now()
	if err := l.store.SavePool(ctx, next, e.pool.Version); err != nil {
		return e.pool, fmt.Errorf("persist pool %s: %w", next.ID, err)
	}
	e.pool = next
	if l.metrics != nil {
		l.metrics.ObservePool(next.ID, next.AvailableCapital, next.TotalExposure)
	}
	return next, nil
}

// rollback restores prev after a failed reservation commit. Must be called
// with e.mu held.
func (l *Ledger) rollback(ctx context.Context, e *entry, prev state.Pool) {
	restored := prev
	restored.Version = e.pool.Version
	if _, err := l.commit(ctx, e, restored); err != nil {
		l.logger.Error().Err(err).Str("pool_id", prev.ID).
			Msg("pool rollback failed; in-memory totals kept at reserved state")
	}
}

func (l *Ledger) record(op string, err error) {
	if l.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrRatioBreach):
		result = "ratio_breach"
	case errors.Is(err, ErrInsufficientCapital):
		result = "insufficient_capital"
	default:
		result = "error"
	}
	l.metrics.PoolMutations.WithLabelValues(op, result).Inc()
}
