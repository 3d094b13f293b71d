package loss

import (
	"WardProtocol/internal/ledger"
	fpmath "WardProtocol/internal/math"
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Loss is the outcome of a loan default for the owning vault.
type Loss struct {
	DefaultAmount  int64
	MinimumCover   int64
	DefaultCovered int64
	VaultLoss      int64
}

// ComputeLoss applies the first-loss formula:
//
//	defaultAmount  = principal + interest
//	minimumCover   = floor(debtTotal * coverRateMinimum / 10_000)
//	defaultCovered = min(floor(minimumCover * coverRateLiquidation / 10_000), defaultAmount, coverAvailable)
//	vaultLoss      = defaultAmount - defaultCovered
func ComputeLoss(loan ledger.LoanRecord, broker ledger.BrokerRecord) (Loss, error) {
	if loan.PrincipalOutstanding < 0 || loan.InterestOutstanding < 0 {
		return Loss{}, fmt.Errorf("%w: loan %s has negative balances", ledger.ErrInvalidRecord, loan.ID)
	}
	if err := broker.Validate(); err != nil {
		return Loss{}, err
	}

	defaultAmount := loan.PrincipalOutstanding + loan.InterestOutstanding
	if defaultAmount < loan.PrincipalOutstanding {
		return Loss{}, fmt.Errorf("%w: loan %s default amount overflows", ledger.ErrInvalidRecord, loan.ID)
	}

	minimumCover := fpmath.ApplyBps(broker.DebtTotal, broker.CoverRateMinimum, fpmath.RoundDown)
	liquidationCap := fpmath.ApplyBps(minimumCover, broker.CoverRateLiquidation, fpmath.RoundDown)
	covered := fpmath.Min64(liquidationCap, defaultAmount, broker.CoverAvailable)

	return Loss{
		DefaultAmount:  defaultAmount,
		MinimumCover:   minimumCover,
		DefaultCovered: covered,
		VaultLoss:      defaultAmount - covered,
	}, nil
}

// CrossCheck compares the computed vault loss against the drop in vault
// total assets between the ledger before and the ledger of the default.
// It returns the observed delta and whether the two agree.
func CrossCheck(l Loss, before, after ledger.VaultRecord) (observed int64, consistent bool) {
	observed = before.TotalAssets - after.TotalAssets
	return observed, observed == l.VaultLoss
}

// Assessment is a computed loss together with its independent check.
type Assessment struct {
	Loss
	ObservedLoss int64
	Consistent   bool
	VaultBefore  ledger.VaultRecord
	VaultAfter   ledger.VaultRecord
}

// Calculator computes losses for defaults observed at a given ledger
// sequence, reading the vault either side of it.
type Calculator struct {
	reader ledger.StateReader
}

func NewCalculator(reader ledger.StateReader) *Calculator {
	return &Calculator{reader: reader}
}

// Assess computes the loss for loan/broker and cross-checks it against the
// vault's total assets at seq-1 and seq.
func (c *Calculator) Assess(ctx context.Context, loan ledger.LoanRecord, broker ledger.BrokerRecord, seq int64) (Assessment, error) {
	l, err := ComputeLoss(loan, broker)
	if err != nil {
		return Assessment{}, err
	}
	if seq <= 1 {
		return Assessment{}, fmt.Errorf("assess loan %s: no preceding ledger for sequence %d", loan.ID, seq)
	}

	before, err := c.reader.Vault(ctx, broker.VaultID, seq-1)
	if err != nil {
		return Assessment{}, fmt.Errorf("vault before default: %w", err)
	}
	after, err := c.reader.Vault(ctx, broker.VaultID, seq)
	if err != nil {
		return Assessment{}, fmt.Errorf("vault after default: %w", err)
	}

	observed, consistent := CrossCheck(l, before, after)
	return Assessment{
		Loss:         l,
		ObservedLoss: observed,
		Consistent:   consistent,
		VaultBefore:  before,
		VaultAfter:   after,
	}, nil
}

// Impact describes what a vault loss does to depositor share value.
type Impact struct {
	ShareValueBefore decimal.Decimal
	ShareValueAfter  decimal.Decimal
	LossPerShare     decimal.Decimal
	LossBps          int64
}

// ShareImpact computes share value before and after vaultLoss is realized
// against vault, where share value = (totalAssets - unrealizedLoss) / totalShares.
func ShareImpact(vault ledger.VaultRecord, vaultLoss int64) Impact {
	if vault.TotalShares <= 0 {
		return Impact{}
	}
	shares := decimal.NewFromInt(vault.TotalShares)
	unrealized := decimal.NewFromInt(vault.UnrealizedLoss)

	before := decimal.NewFromInt(vault.TotalAssets).Sub(unrealized).Div(shares)
	after := decimal.NewFromInt(vault.TotalAssets - vaultLoss).Sub(unrealized).Div(shares)
	perShare := before.Sub(after)

	impact := Impact{
		ShareValueBefore: before,
		ShareValueAfter:  after,
		LossPerShare:     perShare,
	}
	if before.IsPositive() {
		impact.LossBps = perShare.Div(before).Mul(decimal.NewFromInt(fpmath.BpsScale)).IntPart()
	}
	return impact
}
