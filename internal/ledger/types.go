package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Transaction types the ward cares about.
const (
	TxTypeLoanManage = "LoanManage"
	TxTypePayment    = "Payment"
)

// Loan and LoanManage flags.
const (
	FlagLoanDefault  uint32 = 0x00010000
	FlagLoanImpaired uint32 = 0x00020000
)

// ResultSuccess is the engine result of an applied transaction.
const ResultSuccess = "tesSUCCESS"

var (
	// ErrNotFound is returned when the object or transaction does not exist
	// at the requested ledger sequence.
	ErrNotFound = errors.New("ledger: object not found")

	// ErrInvalidRecord is returned when a decoded object violates its invariants.
	ErrInvalidRecord = errors.New("ledger: invalid record")
)

// LoanRecord mirrors a loan object. It is never mutated locally.
type LoanRecord struct {
	ID                   string
	BrokerID             string
	Borrower             string
	PrincipalOutstanding int64
	InterestOutstanding  int64
	NextPaymentDue       time.Time
	GracePeriod          time.Duration
	Flags                uint32
	Status               string
	LedgerSequence       int64
}

func (l LoanRecord) IsDefaulted() bool { return l.Flags&FlagLoanDefault != 0 }
func (l LoanRecord) IsImpaired() bool  { return l.Flags&FlagLoanImpaired != 0 }

// PastGrace reports whether the loan is overdue beyond its grace period.
func (l LoanRecord) PastGrace(now time.Time) bool {
	if l.NextPaymentDue.IsZero() {
		return false
	}
	return now.After(l.NextPaymentDue.Add(l.GracePeriod))
}

// BrokerRecord mirrors a loan broker. Rates are basis points.
type BrokerRecord struct {
	ID                   string
	VaultID              string
	Owner                string
	DebtTotal            int64
	CoverAvailable       int64
	CoverRateMinimum     int64
	CoverRateLiquidation int64
	LoanCount            int64
	LedgerSequence       int64
}

// Validate enforces 0 <= CoverAvailable <= DebtTotal and sane rates.
func (b BrokerRecord) Validate() error {
	if b.DebtTotal < 0 || b.CoverAvailable < 0 {
		return fmt.Errorf("%w: broker %s has negative debt or cover", ErrInvalidRecord, b.ID)
	}
	if b.CoverAvailable > b.DebtTotal {
		return fmt.Errorf("%w: broker %s cover %d exceeds debt %d",
			ErrInvalidRecord, b.ID, b.CoverAvailable, b.DebtTotal)
	}
	if b.CoverRateMinimum < 0 || b.CoverRateMinimum > 10_000 ||
		b.CoverRateLiquidation < 0 || b.CoverRateLiquidation > 10_000 {
		return fmt.Errorf("%w: broker %s cover rates out of range", ErrInvalidRecord, b.ID)
	}
	return nil
}

// VaultRecord mirrors a single-asset vault.
type VaultRecord struct {
	ID              string
	Account         string
	TotalAssets     int64
	AvailableAssets int64
	UnrealizedLoss  int64
	TotalShares     int64
	LedgerSequence  int64
}

// Validate enforces non-negative totals and TotalShares > 0 for a funded vault.
func (v VaultRecord) Validate() error {
	if v.TotalAssets < 0 || v.AvailableAssets < 0 || v.UnrealizedLoss < 0 || v.TotalShares < 0 {
		return fmt.Errorf("%w: vault %s has negative totals", ErrInvalidRecord, v.ID)
	}
	if v.TotalAssets > 0 && v.TotalShares == 0 {
		return fmt.Errorf("%w: vault %s holds assets with no shares", ErrInvalidRecord, v.ID)
	}
	return nil
}

// Transaction is the subset of validated transaction metadata the ward uses.
type Transaction struct {
	Hash           string
	Type           string
	Account        string
	Destination    string
	Amount         int64
	LoanID         string
	Flags          uint32
	Result         string
	LedgerSequence int64
	TxIndex        int
	Validated      bool
	CloseTime      time.Time
}

// Succeeded reports whether the transaction was validated and applied.
func (tx Transaction) Succeeded() bool {
	return tx.Validated && tx.Result == ResultSuccess
}

// IsLoanDefault reports whether tx is a LoanManage carrying the default flag.
func (tx Transaction) IsLoanDefault() bool {
	return tx.Type == TxTypeLoanManage && tx.Flags&FlagLoanDefault != 0
}

// SortTransactions orders by (ledger sequence, transaction index).
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].LedgerSequence != txs[j].LedgerSequence {
			return txs[i].LedgerSequence < txs[j].LedgerSequence
		}
		return txs[i].TxIndex < txs[j].TxIndex
	})
}

// StateReader is the point-in-time query surface over the ledger.
// atSeq == 0 means the latest validated ledger.
type StateReader interface {
	Loan(ctx context.Context, id string, atSeq int64) (LoanRecord, error)
	Broker(ctx context.Context, id string, atSeq int64) (BrokerRecord, error)
	Vault(ctx context.Context, id string, atSeq int64) (VaultRecord, error)
	Transaction(ctx context.Context, hash string) (Transaction, error)
	AccountTransactions(ctx context.Context, account string, fromSeq, toSeq int64) ([]Transaction, error)
	LatestSequence(ctx context.Context) (int64, error)
}
