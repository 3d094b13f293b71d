package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JSON-RPC wire shapes. Amounts travel as decimal strings.

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RPCError is a non-success status returned by the ledger node.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledger rpc %s: %s (%s)", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("ledger rpc %s: %s", e.Method, e.Code)
}

// Temporary reports whether the node may answer differently on retry.
func (e *RPCError) Temporary() bool {
	switch e.Code {
	case "lgrNotFound", "tooBusy", "noNetwork", "noCurrent", "slowDown":
		return true
	}
	return false
}

func isNotFoundCode(code string) bool {
	switch code {
	case "entryNotFound", "txnNotFound", "objectNotFound", "actNotFound":
		return true
	}
	return false
}

type ledgerEntryResult struct {
	rpcStatus
	Index       string          `json:"index"`
	LedgerIndex int64           `json:"ledger_index"`
	Node        json.RawMessage `json:"node"`
	Validated   bool            `json:"validated"`
}

type loanNode struct {
	LoanBrokerID         string `json:"LoanBrokerID"`
	Borrower             string `json:"Borrower"`
	PrincipalOutstanding int64  `json:"PrincipalOutstanding,string"`
	InterestOutstanding  int64  `json:"InterestOutstanding,string"`
	NextPaymentDueDate   int64  `json:"NextPaymentDueDate"`
	GracePeriod          int64  `json:"GracePeriod"`
	Flags                uint32 `json:"Flags"`
}

func (n loanNode) record(id string, seq int64) LoanRecord {
	rec := LoanRecord{
		ID:                   id,
		BrokerID:             n.LoanBrokerID,
		Borrower:             n.Borrower,
		PrincipalOutstanding: n.PrincipalOutstanding,
		InterestOutstanding:  n.InterestOutstanding,
		GracePeriod:          time.Duration(n.GracePeriod) * time.Second,
		Flags:                n.Flags,
		LedgerSequence:       seq,
	}
	if n.NextPaymentDueDate > 0 {
		rec.NextPaymentDue = time.Unix(n.NextPaymentDueDate, 0).UTC()
	}
	switch {
	case rec.IsDefaulted():
		rec.Status = "defaulted"
	case rec.IsImpaired():
		rec.Status = "impaired"
	default:
		rec.Status = "active"
	}
	return rec
}

type brokerNode struct {
	VaultID              string `json:"VaultID"`
	Owner                string `json:"Owner"`
	DebtTotal            int64  `json:"DebtTotal,string"`
	CoverAvailable       int64  `json:"CoverAvailable,string"`
	CoverRateMinimum     int64  `json:"CoverRateMinimum"`
	CoverRateLiquidation int64  `json:"CoverRateLiquidation"`
	OwnerCount           int64  `json:"OwnerCount"`
}

func (n brokerNode) record(id string, seq int64) BrokerRecord {
	return BrokerRecord{
		ID:                   id,
		VaultID:              n.VaultID,
		Owner:                n.Owner,
		DebtTotal:            n.DebtTotal,
		CoverAvailable:       n.CoverAvailable,
		CoverRateMinimum:     n.CoverRateMinimum,
		CoverRateLiquidation: n.CoverRateLiquidation,
		LoanCount:            n.OwnerCount,
		LedgerSequence:       seq,
	}
}

type vaultNode struct {
	Account         string `json:"Account"`
	AssetsTotal     int64  `json:"AssetsTotal,string"`
	AssetsAvailable int64  `json:"AssetsAvailable,string"`
	LossUnrealized  int64  `json:"LossUnrealized,string"`
	SharesTotal     int64  `json:"SharesTotal,string"`
}

func (n vaultNode) record(id string, seq int64) VaultRecord {
	return VaultRecord{
		ID:              id,
		Account:         n.Account,
		TotalAssets:     n.AssetsTotal,
		AvailableAssets: n.AssetsAvailable,
		UnrealizedLoss:  n.LossUnrealized,
		TotalShares:     n.SharesTotal,
		LedgerSequence:  seq,
	}
}

// TxJSON is the wire form of a transaction shared with the websocket feed.
type TxJSON struct {
	Hash            string `json:"hash"`
	TransactionType string `json:"TransactionType"`
	Account         string `json:"Account"`
	Destination     string `json:"Destination,omitempty"`
	Amount          string `json:"Amount,omitempty"`
	LoanID          string `json:"LoanID,omitempty"`
	Flags           uint32 `json:"Flags"`
	LedgerIndex     int64  `json:"ledger_index"`
	Date            int64  `json:"date"`
}

// MetaJSON carries the applied-result metadata of a transaction.
type MetaJSON struct {
	TransactionIndex  int    `json:"TransactionIndex"`
	TransactionResult string `json:"TransactionResult"`
}

// ToTransaction converts wire fields into a Transaction.
func (t TxJSON) ToTransaction(meta MetaJSON, validated bool) (Transaction, error) {
	tx := Transaction{
		Hash:           t.Hash,
		Type:           t.TransactionType,
		Account:        t.Account,
		Destination:    t.Destination,
		LoanID:         t.LoanID,
		Flags:          t.Flags,
		Result:         meta.TransactionResult,
		LedgerSequence: t.LedgerIndex,
		TxIndex:        meta.TransactionIndex,
		Validated:      validated,
	}
	if t.Date > 0 {
		tx.CloseTime = time.Unix(t.Date, 0).UTC()
	}
	if t.Amount != "" {
		v, err := strconv.ParseInt(t.Amount, 10, 64)
		if err != nil {
			return Transaction{}, fmt.Errorf("tx %s amount %q: %w", t.Hash, t.Amount, err)
		}
		tx.Amount = v
	}
	if tx.Hash == "" {
		return Transaction{}, fmt.Errorf("%w: transaction without hash", ErrInvalidRecord)
	}
	return tx, nil
}

type txResult struct {
	rpcStatus
	TxJSON
	Meta      MetaJSON `json:"meta"`
	Validated bool     `json:"validated"`
}

type accountTxResult struct {
	rpcStatus
	Transactions []struct {
		Tx        TxJSON   `json:"tx"`
		Meta      MetaJSON `json:"meta"`
		Validated bool     `json:"validated"`
	} `json:"transactions"`
	Marker json.RawMessage `json:"marker,omitempty"`
}

type ledgerResult struct {
	rpcStatus
	LedgerIndex int64 `json:"ledger_index"`
	Validated   bool  `json:"validated"`
}
