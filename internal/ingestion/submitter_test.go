package ingestion_test

import (
	"WardProtocol/internal/ingestion"
	"WardProtocol/internal/settlement"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type fakeSigner struct {
	subject string
	body    []byte
	reply   string
	err     error
}

func (f *fakeSigner) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject, f.body = subj, data
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: []byte(f.reply)}, nil
}

func TestNATSSubmitter_CreateEscrow(t *testing.T) {
	signer := &fakeSigner{reply: `{"tx_hash":"ESC-1","sequence":812,"result":"tesSUCCESS"}`}
	sub := ingestion.NewNATSSubmitter(signer)

	req := settlement.EscrowCreate{
		ClaimID: uuid.New(), PoolID: "pool-1", Source: "rPool", Destination: "rInsured",
		Amount: 45_000, FinishAfter: time.Date(2026, 9, 3, 0, 0, 0, 0, time.UTC),
	}
	receipt, err := sub.CreateEscrow(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if receipt.TxHash != "ESC-1" || receipt.Sequence != 812 {
		t.Errorf("receipt: %+v", receipt)
	}
	if signer.subject != ingestion.SubjectEscrowCreate {
		t.Errorf("subject: got %s", signer.subject)
	}

	var sent settlement.EscrowCreate
	if err := json.Unmarshal(signer.body, &sent); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if sent.ClaimID != req.ClaimID || sent.Amount != 45_000 || sent.Destination != "rInsured" {
		t.Errorf("request body: %+v", sent)
	}
}

func TestNATSSubmitter_FinishAndCancelSubjects(t *testing.T) {
	signer := &fakeSigner{reply: `{"tx_hash":"H","sequence":1}`}
	sub := ingestion.NewNATSSubmitter(signer)
	ref := settlement.EscrowRef{ClaimID: uuid.New(), Owner: "rPool", Sequence: 812}

	if _, err := sub.FinishEscrow(context.Background(), ref); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if signer.subject != ingestion.SubjectEscrowFinish {
		t.Errorf("finish subject: got %s", signer.subject)
	}
	if _, err := sub.CancelEscrow(context.Background(), ref); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if signer.subject != ingestion.SubjectEscrowCancel {
		t.Errorf("cancel subject: got %s", signer.subject)
	}
}

func TestNATSSubmitter_Failures(t *testing.T) {
	tests := []struct {
		name     string
		signer   *fakeSigner
		rejected bool
	}{
		{"transport", &fakeSigner{err: nats.ErrTimeout}, false},
		{"signer error", &fakeSigner{reply: `{"error":"insufficient reserve"}`}, true},
		{"failed result", &fakeSigner{reply: `{"tx_hash":"H","result":"tecUNFUNDED"}`}, true},
		{"missing hash", &fakeSigner{reply: `{"result":"tesSUCCESS"}`}, true},
		{"garbled", &fakeSigner{reply: `<html>`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.NewNATSSubmitter(tt.signer).FinishEscrow(context.Background(), settlement.EscrowRef{ClaimID: uuid.New()})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ingestion.ErrSignerRejected); got != tt.rejected {
				t.Errorf("ErrSignerRejected: got %v, want %v (%v)", got, tt.rejected, err)
			}
		})
	}
}
