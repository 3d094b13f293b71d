package loss_test

import (
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/loss"
	"WardProtocol/internal/testutil"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func partiallyCoveredDefault() (ledger.LoanRecord, ledger.BrokerRecord) {
	loan := ledger.LoanRecord{
		ID:                   "LOAN-A",
		BrokerID:             "BROKER-A",
		PrincipalOutstanding: 50_000,
		InterestOutstanding:  5_000,
		Flags:                ledger.FlagLoanDefault,
	}
	broker := ledger.BrokerRecord{
		ID:                   "BROKER-A",
		VaultID:              "VAULT-A",
		DebtTotal:            200_000,
		CoverAvailable:       20_000,
		CoverRateMinimum:     1_000, // 10%
		CoverRateLiquidation: 5_000, // 50%
	}
	return loan, broker
}

func TestComputeLoss_LiquidationCapLimitsCoverAndVaultTakesRest(t *testing.T) {
	loan, broker := partiallyCoveredDefault()

	got, err := loss.ComputeLoss(loan, broker)
	require.NoError(t, err)

	assert.EqualValues(t, 55_000, got.DefaultAmount)
	assert.EqualValues(t, 20_000, got.MinimumCover)
	assert.EqualValues(t, 10_000, got.DefaultCovered)
	assert.EqualValues(t, 45_000, got.VaultLoss)
}

func TestComputeLoss_CoveredBounds(t *testing.T) {
	cases := []struct {
		name        string
		principal   int64
		interest    int64
		debt        int64
		available   int64
		wantCovered int64
	}{
		{"bounded by liquidation cap", 50_000, 5_000, 200_000, 20_000, 10_000},
		{"bounded by default amount", 3_000, 0, 200_000, 20_000, 3_000},
		{"bounded by cover available", 50_000, 0, 200_000, 4_000, 4_000},
		{"no debt means no cover", 10_000, 0, 0, 0, 0},
		{"rounds minimum cover down", 10_000, 0, 9_999, 9_999, 499},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loan := ledger.LoanRecord{ID: "L", PrincipalOutstanding: tc.principal, InterestOutstanding: tc.interest}
			broker := ledger.BrokerRecord{
				ID: "B", DebtTotal: tc.debt, CoverAvailable: tc.available,
				CoverRateMinimum: 1_000, CoverRateLiquidation: 5_000,
			}
			got, err := loss.ComputeLoss(loan, broker)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCovered, got.DefaultCovered)
			assert.Equal(t, got.DefaultAmount-got.DefaultCovered, got.VaultLoss)
			assert.GreaterOrEqual(t, got.VaultLoss, int64(0))
		})
	}
}

func TestComputeLoss_RejectsBrokenBroker(t *testing.T) {
	loan, broker := partiallyCoveredDefault()
	broker.CoverAvailable = broker.DebtTotal + 1

	_, err := loss.ComputeLoss(loan, broker)
	assert.ErrorIs(t, err, ledger.ErrInvalidRecord)
}

func TestCalculator_AssessCrossCheck(t *testing.T) {
	loan, broker := partiallyCoveredDefault()
	fake := testutil.NewFakeLedger()
	fake.PutVault(ledger.VaultRecord{ID: "VAULT-A", TotalAssets: 1_000_000, TotalShares: 1_000_000}, 99)

	t.Run("consistent delta", func(t *testing.T) {
		fake.PutVault(ledger.VaultRecord{ID: "VAULT-A", TotalAssets: 955_000, TotalShares: 1_000_000}, 100)
		a, err := loss.NewCalculator(fake).Assess(context.Background(), loan, broker, 100)
		require.NoError(t, err)
		assert.True(t, a.Consistent)
		assert.EqualValues(t, 45_000, a.ObservedLoss)
	})

	t.Run("mismatched delta is flagged", func(t *testing.T) {
		fake.PutVault(ledger.VaultRecord{ID: "VAULT-A", TotalAssets: 950_000, TotalShares: 1_000_000}, 100)
		a, err := loss.NewCalculator(fake).Assess(context.Background(), loan, broker, 100)
		require.NoError(t, err)
		assert.False(t, a.Consistent)
		assert.EqualValues(t, 50_000, a.ObservedLoss)
		assert.EqualValues(t, 45_000, a.VaultLoss)
	})
}

func TestShareImpact(t *testing.T) {
	vault := ledger.VaultRecord{ID: "V", TotalAssets: 1_000_000, UnrealizedLoss: 0, TotalShares: 1_000}

	impact := loss.ShareImpact(vault, 45_000)
	assert.Equal(t, "1000", impact.ShareValueBefore.String())
	assert.Equal(t, "955", impact.ShareValueAfter.String())
	assert.EqualValues(t, 450, impact.LossBps)

	empty := loss.ShareImpact(ledger.VaultRecord{}, 10)
	assert.True(t, empty.ShareValueBefore.IsZero())
}
