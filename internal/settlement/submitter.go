package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EscrowCreate asks the signing service to lock a payout from the pool
// account until FinishAfter. ClaimID is the idempotency key: resubmitting
// the same request must not create a second escrow.
type EscrowCreate struct {
	ClaimID     uuid.UUID `json:"claim_id"`
	PoolID      string    `json:"pool_id"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Amount      int64     `json:"amount"`
	FinishAfter time.Time `json:"finish_after"`
	CancelAfter time.Time `json:"cancel_after"`
}

// EscrowRef identifies an existing escrow for finish or cancel.
type EscrowRef struct {
	ClaimID  uuid.UUID `json:"claim_id"`
	Owner    string    `json:"owner"`
	Sequence int64     `json:"sequence"`
}

// Receipt is a confirmed submission.
type Receipt struct {
	TxHash   string `json:"tx_hash"`
	Sequence int64  `json:"sequence"`
}

// Submitter signs and submits escrow transactions and waits for
// validation. Every method must be safe to call again with the same request.
type Submitter interface {
	CreateEscrow(ctx context.Context, req EscrowCreate) (Receipt, error)
	FinishEscrow(ctx context.Context, ref EscrowRef) (Receipt, error)
	CancelEscrow(ctx context.Context, ref EscrowRef) (Receipt, error)
}
