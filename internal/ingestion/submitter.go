package ingestion

import (
	"WardProtocol/internal/settlement"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Signing service subjects.
const (
	SubjectEscrowCreate = "ward.signer.escrow.create"
	SubjectEscrowFinish = "ward.signer.escrow.finish"
	SubjectEscrowCancel = "ward.signer.escrow.cancel"
)

// Requester is the request/reply slice of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSSubmitter hands escrow transactions to the signing service over NATS
// request/reply. The service signs, submits and answers once the
// transaction is validated.
type NATSSubmitter struct {
	nc      Requester
	timeout time.Duration
}

var _ settlement.Submitter = (*NATSSubmitter)(nil)

// DefaultSignerTimeout bounds one request/reply round trip. The signer only
// answers once the transaction is validated, so this spans a few ledgers.
const DefaultSignerTimeout = 30 * time.Second

func NewNATSSubmitter(nc Requester) *NATSSubmitter {
	return &NATSSubmitter{nc: nc, timeout: DefaultSignerTimeout}
}

// SetTimeout replaces the per-request timeout; zero leaves only ctx in charge.
func (s *NATSSubmitter) SetTimeout(d time.Duration) { s.timeout = d }

// SignerReply is the signing service's answer.
type SignerReply struct {
	TxHash   string `json:"tx_hash"`
	Sequence int64  `json:"sequence"`
	Result   string `json:"result"`
	Error    string `json:"error,omitempty"`
}

// ErrSignerRejected wraps a reply that carries an error or a failed result.
var ErrSignerRejected = errors.New("ingestion: signer rejected transaction")

func (s *NATSSubmitter) CreateEscrow(ctx context.Context, req settlement.EscrowCreate) (settlement.Receipt, error) {
	return s.request(ctx, SubjectEscrowCreate, req)
}

func (s *NATSSubmitter) FinishEscrow(ctx context.Context, ref settlement.EscrowRef) (settlement.Receipt, error) {
	return s.request(ctx, SubjectEscrowFinish, ref)
}

func (s *NATSSubmitter) CancelEscrow(ctx context.Context, ref settlement.EscrowRef) (settlement.Receipt, error) {
	return s.request(ctx, SubjectEscrowCancel, ref)
}

func (s *NATSSubmitter) request(ctx context.Context, subject string, body interface{}) (settlement.Receipt, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("marshal %s: %w", subject, err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	msg, err := s.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply SignerReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return settlement.Receipt{}, fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if reply.Error != "" {
		return settlement.Receipt{}, fmt.Errorf("%w: %s", ErrSignerRejected, reply.Error)
	}
	if reply.Result != "" && reply.Result != "tesSUCCESS" {
		return settlement.Receipt{}, fmt.Errorf("%w: result %s", ErrSignerRejected, reply.Result)
	}
	if reply.TxHash == "" {
		return settlement.Receipt{}, fmt.Errorf("%w: reply without tx hash", ErrSignerRejected)
	}
	return settlement.Receipt{TxHash: reply.TxHash, Sequence: reply.Sequence}, nil
}
