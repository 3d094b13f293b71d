package testutil

import (
	"WardProtocol/internal/ledger"
	"context"
	"sort"
	"sync"
)

type version[T any] struct {
	seq int64
	rec T
}

// FakeLedger is an in-memory ledger.StateReader with per-sequence history.
// A lookup at sequence N returns the newest version written at or below N.
type FakeLedger struct {
	mu      sync.Mutex
	loans   map[string][]version[ledger.LoanRecord]
	brokers map[string][]version[ledger.BrokerRecord]
	vaults  map[string][]version[ledger.VaultRecord]
	txs     map[string]ledger.Transaction
	latest  int64

	failNext int
	failErr  error
	calls    int
}

var _ ledger.StateReader = (*FakeLedger)(nil)

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		loans:   make(map[string][]version[ledger.LoanRecord]),
		brokers: make(map[string][]version[ledger.BrokerRecord]),
		vaults:  make(map[string][]version[ledger.VaultRecord]),
		txs:     make(map[string]ledger.Transaction),
	}
}

func putVersion[T any](m map[string][]version[T], id string, seq int64, rec T) {
	vs := append(m[id], version[T]{seq: seq, rec: rec})
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].seq < vs[j].seq })
	m[id] = vs
}

func lookup[T any](m map[string][]version[T], id string, atSeq int64) (T, int64, bool) {
	var zero T
	vs := m[id]
	for i := len(vs) - 1; i >= 0; i-- {
		if atSeq == 0 || vs[i].seq <= atSeq {
			return vs[i].rec, vs[i].seq, true
		}
	}
	return zero, 0, false
}

func (f *FakeLedger) bump(seq int64) {
	if seq > f.latest {
		f.latest = seq
	}
}

func (f *FakeLedger) PutLoan(rec ledger.LoanRecord, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	putVersion(f.loans, rec.ID, seq, rec)
	f.bump(seq)
}

func (f *FakeLedger) PutBroker(rec ledger.BrokerRecord, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	putVersion(f.brokers, rec.ID, seq, rec)
	f.bump(seq)
}

func (f *FakeLedger) PutVault(rec ledger.VaultRecord, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	putVersion(f.vaults, rec.ID, seq, rec)
	f.bump(seq)
}

// PutTransaction records a validated transaction; Validated and Result
// default to an applied transaction when left empty.
func (f *FakeLedger) PutTransaction(tx ledger.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.Result == "" {
		tx.Result = ledger.ResultSuccess
		tx.Validated = true
	}
	f.txs[tx.Hash] = tx
	f.bump(tx.LedgerSequence)
}

func (f *FakeLedger) SetLatest(seq int64) {
	f.mu.Lock()
	f.latest = seq
	f.mu.Unlock()
}

// FailNext makes the next n calls return err.
func (f *FakeLedger) FailNext(n int, err error) {
	f.mu.Lock()
	f.failNext, f.failErr = n, err
	f.mu.Unlock()
}

// Calls returns the number of queries served so far.
func (f *FakeLedger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeLedger) enter() error {
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	return nil
}

func (f *FakeLedger) Loan(_ context.Context, id string, atSeq int64) (ledger.LoanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return ledger.LoanRecord{}, err
	}
	rec, seq, ok := lookup(f.loans, id, atSeq)
	if !ok {
		return ledger.LoanRecord{}, ledger.ErrNotFound
	}
	rec.LedgerSequence = seq
	return rec, nil
}

func (f *FakeLedger) Broker(_ context.Context, id string, atSeq int64) (ledger.BrokerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return ledger.BrokerRecord{}, err
	}
	rec, seq, ok := lookup(f.brokers, id, atSeq)
	if !ok {
		return ledger.BrokerRecord{}, ledger.ErrNotFound
	}
	rec.LedgerSequence = seq
	return rec, nil
}

func (f *FakeLedger) Vault(_ context.Context, id string, atSeq int64) (ledger.VaultRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return ledger.VaultRecord{}, err
	}
	rec, seq, ok := lookup(f.vaults, id, atSeq)
	if !ok {
		return ledger.VaultRecord{}, ledger.ErrNotFound
	}
	rec.LedgerSequence = seq
	return rec, nil
}

func (f *FakeLedger) Transaction(_ context.Context, hash string) (ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return ledger.Transaction{}, err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return tx, nil
}

func (f *FakeLedger) AccountTransactions(_ context.Context, account string, fromSeq, toSeq int64) ([]ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	var out []ledger.Transaction
	for _, tx := range f.txs {
		if tx.Account != account && tx.Destination != account {
			continue
		}
		if tx.LedgerSequence < fromSeq || tx.LedgerSequence > toSeq {
			continue
		}
		out = append(out, tx)
	}
	ledger.SortTransactions(out)
	return out, nil
}

func (f *FakeLedger) LatestSequence(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return 0, err
	}
	return f.latest, nil
}
