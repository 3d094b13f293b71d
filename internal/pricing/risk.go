package pricing

import (
	fpmath "WardProtocol/internal/math"

	"github.com/shopspring/decimal"
)

// Tier is one row of the base-rate table. Tiers are matched in order; the
// first tier whose coverage floor and impairment ceiling are both met wins.
type Tier struct {
	Name             string
	MinCoverageBps   int64
	MaxImpairmentBps int64 // exclusive
	RateBps          int64
}

// Tiers is the base annual rate table, safest first. The last row matches
// everything.
var Tiers = []Tier{
	{Name: "safest", MinCoverageBps: 20_000, MaxImpairmentBps: 100, RateBps: 100},
	{Name: "safe", MinCoverageBps: 15_000, MaxImpairmentBps: 500, RateBps: 200},
	{Name: "moderate", MinCoverageBps: 10_000, MaxImpairmentBps: 1_000, RateBps: 300},
	{Name: "elevated", MinCoverageBps: 5_000, MaxImpairmentBps: 2_000, RateBps: 400},
	{Name: "high", MinCoverageBps: 0, MaxImpairmentBps: fpmath.Unbounded, RateBps: 500},
}

// RiskFactors are the vault and broker health metrics a quote is priced on.
// All ratios are in basis points.
type RiskFactors struct {
	CoverageRatioBps  int64 `json:"coverage_ratio_bps"` // fpmath.Unbounded when minimum cover is zero
	ImpairmentBps     int64 `json:"impairment_bps"`
	UtilizationBps    int64 `json:"utilization_bps"`
	DefaultRateBps    int64 `json:"default_rate_bps"`
	DefaultsTrailing  int64 `json:"defaults_trailing"`
	BrokerLoanCount   int64 `json:"broker_loan_count"`
	CoverageUnbounded bool  `json:"coverage_unbounded"`
}

// SelectTier returns the first tier the factors qualify for.
func SelectTier(f RiskFactors) Tier {
	for _, t := range Tiers {
		if f.CoverageRatioBps >= t.MinCoverageBps && f.ImpairmentBps < t.MaxImpairmentBps {
			return t
		}
	}
	return Tiers[len(Tiers)-1]
}

var (
	minMultiplier = decimal.RequireFromString("0.5")
	maxMultiplier = decimal.RequireFromString("2.0")
)

type factorStep struct {
	applies func(bps int64) bool
	factor  decimal.Decimal
}

func step(applies func(int64) bool, factor string) factorStep {
	return factorStep{applies: applies, factor: decimal.RequireFromString(factor)}
}

func above(limit int64) func(int64) bool { return func(v int64) bool { return v > limit } }
func below(limit int64) func(int64) bool { return func(v int64) bool { return v < limit } }

var (
	utilizationSteps = []factorStep{
		step(above(9_000), "1.5"),
		step(above(8_000), "1.25"),
		step(below(3_000), "0.75"),
	}
	coverageSteps = []factorStep{
		step(below(10_000), "1.8"),
		step(below(15_000), "1.3"),
		step(above(30_000), "0.8"),
	}
	impairmentSteps = []factorStep{
		step(above(2_000), "1.6"),
		step(above(1_000), "1.3"),
		step(func(v int64) bool { return v == 0 }, "0.9"),
	}
	defaultRateSteps = []factorStep{
		step(above(1_000), "1.5"),
		step(above(500), "1.2"),
		step(below(100), "0.85"),
	}
)

func applySteps(m decimal.Decimal, value int64, steps []factorStep) decimal.Decimal {
	for _, s := range steps {
		if s.applies(value) {
			return m.Mul(s.factor)
		}
	}
	return m
}

// Multiplier combines the utilization, coverage, impairment and historical
// default factors and clamps the product to [0.5, 2.0].
func Multiplier(f RiskFactors) decimal.Decimal {
	m := decimal.NewFromInt(1)
	m = applySteps(m, f.UtilizationBps, utilizationSteps)
	m = applySteps(m, f.CoverageRatioBps, coverageSteps)
	m = applySteps(m, f.ImpairmentBps, impairmentSteps)
	m = applySteps(m, f.DefaultRateBps, defaultRateSteps)

	if m.LessThan(minMultiplier) {
		return minMultiplier
	}
	if m.GreaterThan(maxMultiplier) {
		return maxMultiplier
	}
	return m
}

// Premium is ceil(coverage * rate * termDays/365 * multiplier), rounded up to
// the minor unit.
func Premium(coverage, rateBps, termDays int64, multiplier decimal.Decimal) int64 {
	numerator := decimal.NewFromInt(coverage).
		Mul(decimal.NewFromInt(rateBps)).
		Mul(decimal.NewFromInt(termDays)).
		Mul(multiplier)
	denominator := decimal.NewFromInt(fpmath.BpsScale * 365)
	return numerator.Div(denominator).Ceil().IntPart()
}

// defaultRateBps is trailing defaults over the broker's loan count. A broker
// with defaults but no open loans is treated as a 100% default rate.
func defaultRateBps(defaults, loans int64) int64 {
	if defaults <= 0 {
		return 0
	}
	if loans <= 0 {
		return fpmath.BpsScale
	}
	return fpmath.MulDiv(defaults, fpmath.BpsScale, loans, fpmath.RoundDown)
}
