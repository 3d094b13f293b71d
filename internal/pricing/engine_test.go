package pricing_test

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/ledger"
	fpmath "WardProtocol/internal/math"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/pricing"
	"WardProtocol/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quoteTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func healthyLedger() *testutil.FakeLedger {
	fake := testutil.NewFakeLedger()
	fake.PutVault(ledger.VaultRecord{
		ID:              "vault-1",
		TotalAssets:     1_000_000,
		AvailableAssets: 800_000,
		TotalShares:     1_000_000,
	}, 10)
	fake.PutBroker(ledger.BrokerRecord{
		ID:               "broker-1",
		VaultID:          "vault-1",
		DebtTotal:        200_000,
		CoverAvailable:   50_000,
		CoverRateMinimum: 1_000,
		LoanCount:        20,
	}, 10)
	return fake
}

func newEngine(reader ledger.StateReader, history pricing.DefaultHistory, cache pricing.Cache) *pricing.Engine {
	e := pricing.NewEngine(reader, history, cache, time.Minute, zerolog.New(io.Discard), observability.NewMetricsWith(nil))
	e.SetClock(func() time.Time { return quoteTime })
	return e
}

func TestSelectTier_Boundaries(t *testing.T) {
	cases := []struct {
		coverage, impairment int64
		want                 string
	}{
		{20_000, 99, "safest"},
		{20_000, 100, "safe"},
		{19_999, 0, "safe"},
		{15_000, 499, "safe"},
		{15_000, 500, "moderate"},
		{10_000, 999, "moderate"},
		{9_999, 0, "elevated"},
		{5_000, 1_999, "elevated"},
		{5_000, 2_000, "high"},
		{4_999, 0, "high"},
		{fpmath.Unbounded, 0, "safest"},
	}
	for _, tc := range cases {
		got := pricing.SelectTier(pricing.RiskFactors{CoverageRatioBps: tc.coverage, ImpairmentBps: tc.impairment})
		assert.Equal(t, tc.want, got.Name, "coverage=%d impairment=%d", tc.coverage, tc.impairment)
	}
}

func TestMultiplier_Clamped(t *testing.T) {
	worst := pricing.RiskFactors{UtilizationBps: 9_500, CoverageRatioBps: 5_000, ImpairmentBps: 3_000, DefaultRateBps: 2_000}
	assert.True(t, pricing.Multiplier(worst).Equal(decimal.RequireFromString("2.0")))

	best := pricing.RiskFactors{UtilizationBps: 1_000, CoverageRatioBps: 40_000, ImpairmentBps: 0, DefaultRateBps: 0}
	assert.True(t, pricing.Multiplier(best).Equal(decimal.RequireFromString("0.5")))

	neutral := pricing.RiskFactors{UtilizationBps: 5_000, CoverageRatioBps: 20_000, ImpairmentBps: 500, DefaultRateBps: 300}
	assert.True(t, pricing.Multiplier(neutral).Equal(decimal.NewFromInt(1)))
}

func TestPremium_RoundsUp(t *testing.T) {
	// 50_000 * 1% * 90/365 = 123.29
	assert.Equal(t, int64(124), pricing.Premium(50_000, 100, 90, decimal.NewFromInt(1)))
	// 365_000 * 1% * 365/365 is exact.
	assert.Equal(t, int64(3_650), pricing.Premium(365_000, 100, 365, decimal.NewFromInt(1)))
	assert.Equal(t, int64(1), pricing.Premium(1, 100, 1, decimal.RequireFromString("0.5")))
}

func TestEngine_QuotePremium(t *testing.T) {
	engine := newEngine(healthyLedger(), persistence.NewMemoryStore(), nil)

	q, err := engine.QuotePremium(context.Background(), 100_000, 90, "vault-1", "broker-1")
	require.NoError(t, err)

	assert.Equal(t, "safest", q.Tier)
	assert.Equal(t, int64(25_000), q.Factors.CoverageRatioBps)
	assert.Equal(t, int64(2_000), q.Factors.UtilizationBps)
	// 0.75 (utilization) * 0.9 (no impairment) * 0.85 (no defaults)
	assert.True(t, q.RiskMultiplier.Equal(decimal.RequireFromString("0.57375")), q.RiskMultiplier.String())
	assert.Equal(t, int64(142), q.Premium)
	assert.Equal(t, quoteTime, q.AsOf)
	assert.Equal(t, quoteTime.Add(time.Minute), q.ExpiresAt)
	assert.True(t, q.Fresh(quoteTime.Add(time.Minute)))
	assert.False(t, q.Fresh(quoteTime.Add(time.Minute+time.Nanosecond)))
}

func TestEngine_DefaultHistoryRaisesPremium(t *testing.T) {
	history := persistence.NewMemoryStore()
	for _, hash := range []string{"D1", "D2", "D3"} {
		require.NoError(t, history.InsertDefaultEvent(context.Background(), event.DefaultEvent{
			TxHash: hash, BrokerID: "broker-1", DetectedAt: quoteTime.Add(-24 * time.Hour),
		}))
	}
	engine := newEngine(healthyLedger(), history, nil)

	q, err := engine.QuotePremium(context.Background(), 100_000, 90, "vault-1", "broker-1")
	require.NoError(t, err)

	// 3 of 20 loans = 15% > 10%: 0.75 * 0.9 * 1.5
	assert.Equal(t, int64(1_500), q.Factors.DefaultRateBps)
	assert.True(t, q.RiskMultiplier.Equal(decimal.RequireFromString("1.0125")), q.RiskMultiplier.String())
}

func TestEngine_UnboundedCoverageWhenNoMinimum(t *testing.T) {
	fake := healthyLedger()
	fake.PutBroker(ledger.BrokerRecord{ID: "broker-1", VaultID: "vault-1", DebtTotal: 0, LoanCount: 1}, 11)
	engine := newEngine(fake, nil, nil)

	q, err := engine.QuotePremium(context.Background(), 10_000, 30, "vault-1", "broker-1")
	require.NoError(t, err)
	assert.True(t, q.Factors.CoverageUnbounded)
	assert.Equal(t, "safest", q.Tier)
}

func TestEngine_RejectsBadRequests(t *testing.T) {
	engine := newEngine(healthyLedger(), nil, nil)

	_, err := engine.QuotePremium(context.Background(), 0, 90, "vault-1", "broker-1")
	assert.ErrorIs(t, err, pricing.ErrInvalidRequest)

	_, err = engine.QuotePremium(context.Background(), 1_000, 90, "vault-2", "broker-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	fake := healthyLedger()
	fake.PutVault(ledger.VaultRecord{ID: "vault-2", TotalAssets: 10, TotalShares: 10}, 10)
	_, err = newEngine(fake, nil, nil).QuotePremium(context.Background(), 1_000, 90, "vault-2", "broker-1")
	assert.ErrorIs(t, err, pricing.ErrVaultMismatch)
}

func TestEngine_EstimateAnnualCost(t *testing.T) {
	engine := newEngine(healthyLedger(), persistence.NewMemoryStore(), nil)

	cost, err := engine.EstimateAnnualCost(context.Background(), 100_000, "vault-1", "broker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(142), cost.Quarterly)
	assert.Equal(t, int64(576), cost.Annual)
	assert.Equal(t, int64(48), cost.Monthly)
	assert.Equal(t, int64(57), cost.EffectiveRateBps)
}

func TestEngine_ServesFreshQuoteFromRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := pricing.NewRedisQuoteCache(db)
	fake := healthyLedger()
	engine := newEngine(fake, nil, cache)

	cached := pricing.Quote{
		VaultID: "vault-1", BrokerID: "broker-1", CoverageAmount: 100_000, TermDays: 90,
		Premium: 999, Tier: "moderate", RiskMultiplier: decimal.NewFromInt(1),
		AsOf: quoteTime.Add(-10 * time.Second), ExpiresAt: quoteTime.Add(50 * time.Second),
	}
	payload, err := json.Marshal(cached)
	require.NoError(t, err)
	mock.ExpectGet("ward:quote:vault-1:broker-1:100000:90").SetVal(string(payload))

	q, err := engine.QuotePremium(context.Background(), 100_000, 90, "vault-1", "broker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(999), q.Premium)
	assert.Zero(t, fake.Calls(), "a cache hit must not touch the ledger")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngine_CacheOutageRecomputes(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := pricing.NewRedisQuoteCache(db)
	engine := newEngine(healthyLedger(), nil, cache)

	key := "ward:quote:vault-1:broker-1:100000:90"
	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	mock.Regexp().ExpectSet(key, `.*`, time.Minute).SetErr(errors.New("connection refused"))

	q, err := engine.QuotePremium(context.Background(), 100_000, 90, "vault-1", "broker-1")
	require.NoError(t, err)
	assert.Equal(t, "safest", q.Tier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisQuoteCache_Miss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := pricing.NewRedisQuoteCache(db)

	mock.ExpectGet("missing").RedisNil()
	_, ok, err := cache.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
