package testutil

import (
	"WardProtocol/internal/settlement"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeSubmitter records escrow requests and confirms them immediately.
// Creates are idempotent per claim id.
type FakeSubmitter struct {
	mu       sync.Mutex
	escrows  map[uuid.UUID]settlement.Receipt
	creates  int
	finishes int
	cancels  int
	seq      int64

	createFails int
	finishFails int
	failErr     error
}

var _ settlement.Submitter = (*FakeSubmitter)(nil)

func NewFakeSubmitter() *FakeSubmitter {
	return &FakeSubmitter{escrows: make(map[uuid.UUID]settlement.Receipt), seq: 1000}
}

// FailCreates makes the next n CreateEscrow calls fail with err.
func (f *FakeSubmitter) FailCreates(n int, err error) {
	f.mu.Lock()
	f.createFails, f.failErr = n, err
	f.mu.Unlock()
}

// FailFinishes makes the next n FinishEscrow calls fail with err; n < 0
// fails every call.
func (f *FakeSubmitter) FailFinishes(n int, err error) {
	f.mu.Lock()
	f.finishFails, f.failErr = n, err
	f.mu.Unlock()
}

func (f *FakeSubmitter) CreateEscrow(_ context.Context, req settlement.EscrowCreate) (settlement.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createFails > 0 {
		f.createFails--
		return settlement.Receipt{}, f.failErr
	}
	if r, ok := f.escrows[req.ClaimID]; ok {
		return r, nil
	}
	f.seq++
	r := settlement.Receipt{TxHash: fmt.Sprintf("ESCROW-%d", f.seq), Sequence: f.seq}
	f.escrows[req.ClaimID] = r
	return r, nil
}

func (f *FakeSubmitter) FinishEscrow(_ context.Context, ref settlement.EscrowRef) (settlement.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishes++
	if f.finishFails != 0 {
		if f.finishFails > 0 {
			f.finishFails--
		}
		return settlement.Receipt{}, f.failErr
	}
	if _, ok := f.escrows[ref.ClaimID]; !ok {
		return settlement.Receipt{}, fmt.Errorf("no escrow for claim %s", ref.ClaimID)
	}
	return settlement.Receipt{TxHash: fmt.Sprintf("FINISH-%d", ref.Sequence), Sequence: ref.Sequence}, nil
}

func (f *FakeSubmitter) CancelEscrow(_ context.Context, ref settlement.EscrowRef) (settlement.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if _, ok := f.escrows[ref.ClaimID]; !ok {
		return settlement.Receipt{}, fmt.Errorf("no escrow for claim %s", ref.ClaimID)
	}
	delete(f.escrows, ref.ClaimID)
	return settlement.Receipt{TxHash: fmt.Sprintf("CANCEL-%d", ref.Sequence), Sequence: ref.Sequence}, nil
}

// Counts returns how many create, finish and cancel calls were made.
func (f *FakeSubmitter) Counts() (creates, finishes, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.finishes, f.cancels
}
