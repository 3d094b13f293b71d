package policy_test

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/policy"
	"WardProtocol/internal/pool"
	"WardProtocol/internal/pricing"
	"WardProtocol/internal/state"
	"WardProtocol/internal/testutil"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issueTime = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []event.Lifecycle
}

func (r *recorder) Emit(e event.Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []event.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	registry *policy.Registry
	pools    *pool.Ledger
	store    *persistence.MemoryStore
	fake     *testutil.FakeLedger
	clock    *testutil.Clock
	events   *recorder
}

func newFixture(t *testing.T, capital int64) *fixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	logger := zerolog.New(io.Discard)
	pools := pool.NewLedger(store, state.MinCoverageRatioBps, logger, nil)
	_, err := pools.Register(context.Background(), state.Pool{ID: "pool-1", Account: "rPoolAccount", TotalCapital: capital})
	require.NoError(t, err)

	fake := testutil.NewFakeLedger()
	clock := testutil.NewClock(issueTime)
	events := &recorder{}
	reg := policy.NewRegistry(store, pools, fake, events, policy.DefaultActivationDelay, logger)
	reg.SetClock(clock.Now)
	return &fixture{registry: reg, pools: pools, store: store, fake: fake, clock: clock, events: events}
}

func (f *fixture) payPremium(hash string, amount int64) {
	f.fake.PutTransaction(ledger.Transaction{
		Hash:           hash,
		Type:           ledger.TxTypePayment,
		Account:        "rInsured",
		Destination:    "rPoolAccount",
		Amount:         amount,
		LedgerSequence: 50,
	})
}

func quote(coverage, premium int64) pricing.Quote {
	return pricing.Quote{
		VaultID:        "vault-1",
		BrokerID:       "broker-1",
		CoverageAmount: coverage,
		TermDays:       90,
		Premium:        premium,
		AsOf:           issueTime.Add(-10 * time.Second),
		ExpiresAt:      issueTime.Add(50 * time.Second),
	}
}

func TestRegistry_IssueReservesExposureAndDepositsPremium(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("PAY-1", 142)

	p, err := f.registry.Issue(context.Background(), policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", InsuredParty: "rInsured",
		PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	require.NoError(t, err)

	assert.Equal(t, state.PolicyStatusActive, p.Status)
	assert.Equal(t, issueTime.Add(24*time.Hour), p.CoverageStart)
	assert.Equal(t, p.CoverageStart.Add(90*24*time.Hour), p.CoverageEnd)

	pl, _ := f.pools.Get("pool-1")
	assert.Equal(t, int64(100_000), pl.TotalExposure)
	assert.Equal(t, int64(500_142), pl.TotalCapital)
	assert.Equal(t, int64(1), pl.ActivePolicyCount)

	active, err := f.registry.ActiveByVault(context.Background(), "vault-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].ID)
	assert.Equal(t, []event.EventType{event.EventTypePolicyIssued}, f.events.types())
}

func TestRegistry_IssueRefusesStaleQuote(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("PAY-1", 142)
	f.clock.Advance(time.Minute)

	_, err := f.registry.Issue(context.Background(), policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	assert.ErrorIs(t, err, policy.ErrStaleQuote)
}

func TestRegistry_IssueRequiresConfirmedPremium(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("SHORT", 141)
	f.fake.PutTransaction(ledger.Transaction{
		Hash: "ELSEWHERE", Type: ledger.TxTypePayment, Destination: "rOther", Amount: 1_000,
	})

	for _, hash := range []string{"SHORT", "ELSEWHERE", "MISSING"} {
		_, err := f.registry.Issue(context.Background(), policy.IssueRequest{
			Quote: quote(100_000, 142), CertificateID: "CERT-" + hash, PoolID: "pool-1", PremiumTxHash: hash,
		})
		assert.ErrorIs(t, err, policy.ErrPremiumUnconfirmed, hash)
	}

	pl, _ := f.pools.Get("pool-1")
	assert.Zero(t, pl.TotalExposure)
}

func TestRegistry_IssueRefusedWhenPoolWouldBreachFloor(t *testing.T) {
	f := newFixture(t, 100_000)
	f.payPremium("PAY-1", 500)

	_, err := f.registry.Issue(context.Background(), policy.IssueRequest{
		Quote: quote(50_001, 500), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	assert.ErrorIs(t, err, pool.ErrRatioBreach)

	pl, _ := f.pools.Get("pool-1")
	assert.Zero(t, pl.TotalExposure)
	assert.Equal(t, int64(100_000), pl.TotalCapital)
}

func TestRegistry_DuplicateCertificateReleasesExposure(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("PAY-1", 142)
	f.payPremium("PAY-2", 142)

	_, err := f.registry.Issue(context.Background(), policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	require.NoError(t, err)

	_, err = f.registry.Issue(context.Background(), policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-2",
	})
	assert.ErrorIs(t, err, policy.ErrDuplicateCertificate)

	pl, _ := f.pools.Get("pool-1")
	assert.Equal(t, int64(100_000), pl.TotalExposure)
	assert.Equal(t, int64(1), pl.ActivePolicyCount)
}

func TestRegistry_ExpireDueReleasesExposure(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("PAY-1", 142)
	f.payPremium("PAY-2", 142)
	ctx := context.Background()

	expiring, err := f.registry.Issue(ctx, policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	require.NoError(t, err)
	claimed, err := f.registry.Issue(ctx, policy.IssueRequest{
		Quote: quote(50_000, 142), CertificateID: "CERT-2", PoolID: "pool-1", PremiumTxHash: "PAY-2",
	})
	require.NoError(t, err)

	// An approved claim keeps the second policy out of the sweep.
	require.NoError(t, f.store.InsertClaim(ctx, state.Claim{
		ID: uuid.New(), PolicyID: claimed.ID, DefaultTxHash: "DEF", Status: state.ClaimStatusApproved,
	}))

	n, err := f.registry.ExpireDue(ctx, expiring.CoverageEnd)
	require.NoError(t, err)
	assert.Zero(t, n, "coverage end itself is still covered")

	n, err = f.registry.ExpireDue(ctx, expiring.CoverageEnd.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.registry.Get(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, state.PolicyStatusExpired, got.Status)

	pl, _ := f.pools.Get("pool-1")
	assert.Equal(t, int64(50_000), pl.TotalExposure)
	assert.Contains(t, f.events.types(), event.EventTypePolicyExpired)
}

func TestRegistry_CancelAndMarkClaimed(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("PAY-1", 142)
	f.payPremium("PAY-2", 142)
	ctx := context.Background()

	a, err := f.registry.Issue(ctx, policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	require.NoError(t, err)
	b, err := f.registry.Issue(ctx, policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-2", PoolID: "pool-1", PremiumTxHash: "PAY-2",
	})
	require.NoError(t, err)

	cancelled, err := f.registry.Cancel(ctx, a.ID, "insured request")
	require.NoError(t, err)
	assert.Equal(t, state.PolicyStatusCancelled, cancelled.Status)

	_, err = f.registry.Cancel(ctx, a.ID, "again")
	assert.ErrorIs(t, err, policy.ErrNotActive)

	require.NoError(t, f.registry.MarkClaimed(ctx, b.ID))
	assert.ErrorIs(t, f.registry.MarkClaimed(ctx, b.ID), persistence.ErrConflict)

	pl, _ := f.pools.Get("pool-1")
	assert.Equal(t, int64(100_000), pl.TotalExposure, "claimed policy exposure is retired by claim approval, not here")
}

func TestRegistry_ExpiryWaitsForConcurrentApproval(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("PAY-1", 142)
	ctx := context.Background()

	p, err := f.registry.Issue(ctx, policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	require.NoError(t, err)

	var (
		expired   int
		expireErr error
		done      = make(chan struct{})
	)
	_, err = f.pools.Approve(ctx, "pool-1", func(state.Pool) (*pool.Reservation, error) {
		// The sweep starts while the approval holds the pool.
		go func() {
			defer close(done)
			expired, expireErr = f.registry.ExpireDue(ctx, p.CoverageEnd.Add(time.Second))
		}()
		time.Sleep(20 * time.Millisecond)
		c := state.Claim{
			ID: uuid.New(), PolicyID: p.ID, PoolID: "pool-1", DefaultTxHash: "DEF-1",
			Payout: 40_000, CoverageAmount: p.CoverageAmount, Status: state.ClaimStatusApproved,
		}
		return &pool.Reservation{
			Payout:   40_000,
			Coverage: p.CoverageAmount,
			Commit:   func(ctx context.Context, _ state.Pool) error { return f.store.InsertClaim(ctx, c) },
		}, nil
	})
	require.NoError(t, err)
	<-done

	require.NoError(t, expireErr)
	assert.Zero(t, expired, "the approved claim keeps the policy out of the sweep")

	got, err := f.registry.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, state.PolicyStatusActive, got.Status)

	pl, _ := f.pools.Get("pool-1")
	assert.Zero(t, pl.TotalExposure, "coverage left exposure once, through the approval")
	assert.Equal(t, int64(40_000), pl.ReservedCapital)
}

func TestRegistry_CancelRefusedWithClaimInFlight(t *testing.T) {
	f := newFixture(t, 500_000)
	f.payPremium("PAY-1", 142)
	ctx := context.Background()

	p, err := f.registry.Issue(ctx, policy.IssueRequest{
		Quote: quote(100_000, 142), CertificateID: "CERT-1", PoolID: "pool-1", PremiumTxHash: "PAY-1",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.InsertClaim(ctx, state.Claim{
		ID: uuid.New(), PolicyID: p.ID, DefaultTxHash: "DEF-1", Status: state.ClaimStatusEscrowed,
	}))

	_, err = f.registry.Cancel(ctx, p.ID, "insured request")
	assert.ErrorIs(t, err, policy.ErrClaimInFlight)

	pl, _ := f.pools.Get("pool-1")
	assert.Equal(t, int64(100_000), pl.TotalExposure)
}
