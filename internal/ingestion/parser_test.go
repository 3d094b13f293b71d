package ingestion_test

import (
	"WardProtocol/internal/ingestion"
	"WardProtocol/internal/ledger"
	"errors"
	"testing"
	"time"
)

const defaultTxMessage = `{
	"type": "transaction",
	"validated": true,
	"ledger_index": 105,
	"engine_result": "tesSUCCESS",
	"transaction": {
		"hash": "ABC123",
		"TransactionType": "LoanManage",
		"Account": "rBrokerOwner",
		"LoanID": "LOAN-5",
		"Flags": 65536,
		"date": 1780000000
	},
	"meta": {"TransactionIndex": 3, "TransactionResult": "tesSUCCESS"}
}`

func TestParseStreamMessage_DefaultTransaction(t *testing.T) {
	msg, err := ingestion.ParseStreamMessage([]byte(defaultTxMessage))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Kind != ingestion.MessageTransaction {
		t.Fatalf("kind: got %s, want transaction", msg.Kind)
	}

	tx := msg.Tx
	if tx.Hash != "ABC123" {
		t.Errorf("hash: got %s", tx.Hash)
	}
	if !tx.IsLoanDefault() {
		t.Errorf("expected a loan default, got type %s flags %#x", tx.Type, tx.Flags)
	}
	if !tx.Succeeded() {
		t.Errorf("expected a validated, applied transaction")
	}
	if tx.LedgerSequence != 105 || tx.TxIndex != 3 {
		t.Errorf("position: got (%d, %d), want (105, 3)", tx.LedgerSequence, tx.TxIndex)
	}
	if tx.LoanID != "LOAN-5" {
		t.Errorf("loan id: got %s", tx.LoanID)
	}
	if want := time.Unix(1780000000, 0).UTC(); !tx.CloseTime.Equal(want) {
		t.Errorf("close time: got %v, want %v", tx.CloseTime, want)
	}
}

func TestParseStreamMessage_PaymentAmount(t *testing.T) {
	data := `{"type":"transaction","validated":true,"ledger_index":7,
		"transaction":{"hash":"PAY-1","TransactionType":"Payment","Account":"rA","Destination":"rPool","Amount":"1500","Flags":0},
		"meta":{"TransactionIndex":0,"TransactionResult":"tesSUCCESS"}}`

	msg, err := ingestion.ParseStreamMessage([]byte(data))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Tx.Type != ledger.TxTypePayment || msg.Tx.Amount != 1500 || msg.Tx.Destination != "rPool" {
		t.Errorf("unexpected payment: %+v", msg.Tx)
	}
}

func TestParseStreamMessage_EngineResultFallback(t *testing.T) {
	data := `{"type":"transaction","validated":false,"ledger_index":9,"engine_result":"tecNO_ENTRY",
		"hash":"OUTER","transaction":{"TransactionType":"LoanManage","Account":"rA","Flags":65536}}`

	msg, err := ingestion.ParseStreamMessage([]byte(data))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Tx.Hash != "OUTER" {
		t.Errorf("hash: got %s, want OUTER", msg.Tx.Hash)
	}
	if msg.Tx.Result != "tecNO_ENTRY" {
		t.Errorf("result: got %s", msg.Tx.Result)
	}
	if msg.Tx.Succeeded() {
		t.Error("unvalidated transaction must not count as succeeded")
	}
}

func TestParseStreamMessage_OtherKinds(t *testing.T) {
	tests := []struct {
		name string
		data string
		want ingestion.MessageKind
	}{
		{"ledger closed", `{"type":"ledgerClosed","ledger_index":200}`, ingestion.MessageLedgerClosed},
		{"subscribe response", `{"type":"response","id":1,"status":"success","result":{}}`, ingestion.MessageResponse},
		{"unknown", `{"type":"peerStatusChange"}`, ingestion.MessageUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ingestion.ParseStreamMessage([]byte(tt.data))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if msg.Kind != tt.want {
				t.Errorf("kind: got %s, want %s", msg.Kind, tt.want)
			}
		})
	}
}

func TestParseStreamMessage_ResponseError(t *testing.T) {
	msg, err := ingestion.ParseStreamMessage([]byte(`{"type":"response","id":4,"status":"error","error":"actMalformed","error_message":"Account malformed."}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.ResponseID != 4 || msg.Status != "error" {
		t.Errorf("response: got id=%d status=%s", msg.ResponseID, msg.Status)
	}
	if msg.Error != "actMalformed: Account malformed." {
		t.Errorf("error: got %q", msg.Error)
	}
}

func TestParseStreamMessage_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"transaction"}`,
		`{"type":"transaction","transaction":{"TransactionType":"Payment","Account":"rA"}}`,
		`{"type":"transaction","transaction":{"hash":"H","TransactionType":"Payment","Amount":"12.5"}}`,
	}
	for _, data := range cases {
		if _, err := ingestion.ParseStreamMessage([]byte(data)); !errors.Is(err, ingestion.ErrMalformed) {
			t.Errorf("%s: got %v, want ErrMalformed", data, err)
		}
	}
}
