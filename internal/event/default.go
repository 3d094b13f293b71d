package event

import "time"

// DefaultEvent is emitted once per observed default transaction.
// It is immutable after construction and keyed by TxHash.
type DefaultEvent struct {
	LoanID         string    `json:"loan_id" db:"loan_id"`
	BrokerID       string    `json:"broker_id" db:"broker_id"`
	VaultID        string    `json:"vault_id" db:"vault_id"`
	TxHash         string    `json:"tx_hash" db:"tx_hash"`
	TxType         string    `json:"tx_type" db:"tx_type"`
	LedgerSequence int64     `json:"ledger_sequence" db:"ledger_sequence"`
	DefaultAmount  int64     `json:"default_amount" db:"default_amount"`
	MinimumCover   int64     `json:"minimum_cover" db:"minimum_cover"`
	DefaultCovered int64     `json:"default_covered" db:"default_covered"`
	VaultLoss      int64     `json:"vault_loss" db:"vault_loss"`
	ObservedLoss   int64     `json:"observed_vault_loss" db:"observed_vault_loss"`
	Inconsistent   bool      `json:"inconsistent" db:"inconsistent"`
	DetectedAt     time.Time `json:"detected_at" db:"detected_at"`
}

// Automatable reports whether the event may drive automatic claim processing.
func (e DefaultEvent) Automatable() bool {
	return !e.Inconsistent
}
