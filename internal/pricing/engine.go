package pricing

import (
	"WardProtocol/internal/ledger"
	fpmath "WardProtocol/internal/math"
	"WardProtocol/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// DefaultFreshness is how long a quote may be used to issue a policy.
	DefaultFreshness = 60 * time.Second

	historyWindow = 365 * 24 * time.Hour
	estimateTerm  = 90
)

var (
	ErrInvalidRequest = errors.New("pricing: coverage and term must be positive")
	ErrVaultMismatch  = errors.New("pricing: broker does not back vault")
)

// Quote is a priced offer for coverage. It may only be bound into a policy
// while Fresh.
type Quote struct {
	VaultID        string          `json:"vault_id"`
	BrokerID       string          `json:"broker_id"`
	CoverageAmount int64           `json:"coverage_amount"`
	TermDays       int64           `json:"term_days"`
	Premium        int64           `json:"premium"`
	Tier           string          `json:"tier"`
	BaseRateBps    int64           `json:"base_rate_bps"`
	RiskMultiplier decimal.Decimal `json:"risk_multiplier"`
	Factors        RiskFactors     `json:"factors"`
	LedgerSequence int64           `json:"ledger_sequence"`
	AsOf           time.Time       `json:"as_of"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Fresh reports whether the quote is still bindable at now.
func (q Quote) Fresh(now time.Time) bool {
	return !now.After(q.ExpiresAt)
}

// Matches reports whether the quote was issued for exactly these terms.
func (q Quote) Matches(vaultID, brokerID string, coverage, termDays int64) bool {
	return q.VaultID == vaultID && q.BrokerID == brokerID &&
		q.CoverageAmount == coverage && q.TermDays == termDays
}

// DefaultHistory counts observed defaults per broker.
type DefaultHistory interface {
	CountDefaultsSince(ctx context.Context, brokerID string, since time.Time) (int64, error)
}

// Cache stores recently issued quotes. Implementations must treat a miss as
// (Quote{}, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (Quote, bool, error)
	Set(ctx context.Context, key string, q Quote, ttl time.Duration) error
}

type Engine struct {
	reader    ledger.StateReader
	history   DefaultHistory
	cache     Cache
	freshness time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// NewEngine builds a pricing engine. cache may be nil.
func NewEngine(reader ledger.StateReader, history DefaultHistory, cache Cache, freshness time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Engine{
		reader:    reader,
		history:   history,
		cache:     cache,
		freshness: freshness,
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Freshness is the validity window of issued quotes.
func (e *Engine) Freshness() time.Duration { return e.freshness }

// QuotePremium prices coverage for termDays against the vault and broker's
// current ledger state.
func (e *Engine) QuotePremium(ctx context.Context, coverageAmount, termDays int64, vaultID, brokerID string) (Quote, error) {
	if coverageAmount <= 0 || termDays <= 0 {
		return Quote{}, ErrInvalidRequest
	}

	key := cacheKey(vaultID, brokerID, coverageAmount, termDays)
	if q, ok := e.cached(ctx, key); ok {
		return q, nil
	}

	factors, seq, err := e.assess(ctx, vaultID, brokerID)
	if err != nil {
		return Quote{}, err
	}

	tier := SelectTier(factors)
	multiplier := Multiplier(factors)
	now := e.now().UTC()

	q := Quote{
		VaultID:        vaultID,
		BrokerID:       brokerID,
		CoverageAmount: coverageAmount,
		TermDays:       termDays,
		Premium:        Premium(coverageAmount, tier.RateBps, termDays, multiplier),
		Tier:           tier.Name,
		BaseRateBps:    tier.RateBps,
		RiskMultiplier: multiplier,
		Factors:        factors,
		LedgerSequence: seq,
		AsOf:           now,
		ExpiresAt:      now.Add(e.freshness),
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, q, e.freshness); err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("quote cache write failed")
		}
	}
	if e.metrics != nil {
		e.metrics.QuotesIssued.WithLabelValues(q.Tier).Inc()
	}

	e.logger.Debug().
		Str("vault_id", vaultID).
		Str("broker_id", brokerID).
		Int64("coverage", coverageAmount).
		Int64("term_days", termDays).
		Int64("premium", q.Premium).
		Str("tier", q.Tier).
		Str("multiplier", multiplier.String()).
		Msg("quote issued")
	return q, nil
}

func (e *Engine) cached(ctx context.Context, key string) (Quote, bool) {
	if e.cache == nil {
		return Quote{}, false
	}
	q, ok, err := e.cache.Get(ctx, key)
	result := "miss"
	switch {
	case err != nil:
		result = "error"
		e.logger.Warn().Err(err).Str("key", key).Msg("quote cache unavailable; recomputing")
	case ok && q.Fresh(e.now()):
		result = "hit"
	}
	if e.metrics != nil {
		e.metrics.QuoteCacheHits.WithLabelValues(result).Inc()
	}
	return q, result == "hit"
}

// assess reads the vault and broker and derives the risk factors.
func (e *Engine) assess(ctx context.Context, vaultID, brokerID string) (RiskFactors, int64, error) {
	vault, err := e.reader.Vault(ctx, vaultID, 0)
	if err != nil {
		return RiskFactors{}, 0, fmt.Errorf("read vault %s: %w", vaultID, err)
	}
	broker, err := e.reader.Broker(ctx, brokerID, 0)
	if err != nil {
		return RiskFactors{}, 0, fmt.Errorf("read broker %s: %w", brokerID, err)
	}
	if broker.VaultID != vaultID {
		return RiskFactors{}, 0, fmt.Errorf("%w: broker %s backs %s, not %s", ErrVaultMismatch, brokerID, broker.VaultID, vaultID)
	}

	var defaults int64
	if e.history != nil {
		defaults, err = e.history.CountDefaultsSince(ctx, brokerID, e.now().Add(-historyWindow))
		if err != nil {
			return RiskFactors{}, 0, fmt.Errorf("default history for %s: %w", brokerID, err)
		}
	}
	return Factors(vault, broker, defaults), vault.LedgerSequence, nil
}

// Factors derives pricing inputs from ledger state.
func Factors(vault ledger.VaultRecord, broker ledger.BrokerRecord, trailingDefaults int64) RiskFactors {
	minimumCover := fpmath.ApplyBps(broker.DebtTotal, broker.CoverRateMinimum, fpmath.RoundDown)

	f := RiskFactors{
		DefaultsTrailing: trailingDefaults,
		BrokerLoanCount:  broker.LoanCount,
		DefaultRateBps:   defaultRateBps(trailingDefaults, broker.LoanCount),
	}
	if minimumCover <= 0 {
		f.CoverageRatioBps = fpmath.Unbounded
		f.CoverageUnbounded = true
	} else {
		f.CoverageRatioBps = fpmath.RatioBps(broker.CoverAvailable, minimumCover)
	}
	if vault.TotalAssets > 0 {
		f.ImpairmentBps = fpmath.RatioBps(vault.UnrealizedLoss, vault.TotalAssets)
		f.UtilizationBps = fpmath.RatioBps(vault.TotalAssets-vault.AvailableAssets, vault.TotalAssets)
	}
	return f
}

// AnnualCost is a 90-day quote annualised.
type AnnualCost struct {
	Quote            Quote `json:"quote"`
	Annual           int64 `json:"annual"`
	Quarterly        int64 `json:"quarterly"`
	Monthly          int64 `json:"monthly"`
	EffectiveRateBps int64 `json:"effective_rate_bps"`
}

// EstimateAnnualCost prices a 90-day term and scales it to a year.
func (e *Engine) EstimateAnnualCost(ctx context.Context, coverageAmount int64, vaultID, brokerID string) (AnnualCost, error) {
	q, err := e.QuotePremium(ctx, coverageAmount, estimateTerm, vaultID, brokerID)
	if err != nil {
		return AnnualCost{}, err
	}
	return AnnualCost{
		Quote:            q,
		Annual:           fpmath.MulDiv(q.Premium, 365, estimateTerm, fpmath.RoundUp),
		Quarterly:        q.Premium,
		Monthly:          fpmath.MulDiv(q.Premium, 1, 3, fpmath.RoundUp),
		EffectiveRateBps: q.RiskMultiplier.Mul(decimal.NewFromInt(q.BaseRateBps)).Round(0).IntPart(),
	}, nil
}

func cacheKey(vaultID, brokerID string, coverage, termDays int64) string {
	return fmt.Sprintf("ward:quote:%s:%s:%d:%d", vaultID, brokerID, coverage, termDays)
}
