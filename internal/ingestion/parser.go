package ingestion

import (
	"WardProtocol/internal/ledger"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageKind discriminates ledger stream messages.
type MessageKind int32

const (
	MessageUnknown MessageKind = iota
	MessageTransaction
	MessageLedgerClosed
	MessageResponse
)

func (k MessageKind) String() string {
	switch k {
	case MessageTransaction:
		return "transaction"
	case MessageLedgerClosed:
		return "ledgerClosed"
	case MessageResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ErrMalformed is returned for stream payloads that cannot be decoded.
var ErrMalformed = errors.New("ingestion: malformed stream message")

// StreamMessage is one decoded message from the ledger stream, either read
// off the websocket or relayed through JetStream by the ledger bridge.
type StreamMessage struct {
	Kind        MessageKind
	Tx          ledger.Transaction
	LedgerIndex int64
	ResponseID  int64
	Status      string
	Error       string
}

// --- JSON wire formats ---

type streamJSON struct {
	Type         string           `json:"type"`
	ID           *int64           `json:"id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Error        string           `json:"error,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Validated    bool             `json:"validated"`
	LedgerIndex  int64            `json:"ledger_index"`
	EngineResult string           `json:"engine_result,omitempty"`
	Hash         string           `json:"hash,omitempty"`
	Transaction  *ledger.TxJSON   `json:"transaction,omitempty"`
	Meta         *ledger.MetaJSON `json:"meta,omitempty"`
}

// ParseStreamMessage decodes a subscription stream payload.
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	var j streamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return StreamMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch j.Type {
	case "transaction":
		return parseTransaction(j)
	case "ledgerClosed":
		return StreamMessage{Kind: MessageLedgerClosed, LedgerIndex: j.LedgerIndex}, nil
	case "response":
		msg := StreamMessage{Kind: MessageResponse, Status: j.Status, Error: j.Error}
		if j.ID != nil {
			msg.ResponseID = *j.ID
		}
		if j.ErrorMessage != "" {
			msg.Error = j.Error + ": " + j.ErrorMessage
		}
		return msg, nil
	default:
		return StreamMessage{Kind: MessageUnknown}, nil
	}
}

func parseTransaction(j streamJSON) (StreamMessage, error) {
	if j.Transaction == nil {
		return StreamMessage{}, fmt.Errorf("%w: transaction message without body", ErrMalformed)
	}
	body := *j.Transaction
	if body.Hash == "" {
		body.Hash = j.Hash
	}
	if j.LedgerIndex > 0 {
		body.LedgerIndex = j.LedgerIndex
	}

	var meta ledger.MetaJSON
	if j.Meta != nil {
		meta = *j.Meta
	}
	if meta.TransactionResult == "" {
		meta.TransactionResult = j.EngineResult
	}

	tx, err := body.ToTransaction(meta, j.Validated)
	if err != nil {
		return StreamMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return StreamMessage{Kind: MessageTransaction, Tx: tx, LedgerIndex: tx.LedgerSequence}, nil
}
