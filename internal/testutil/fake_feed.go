package testutil

import (
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/monitor"
	"context"
	"sync"
	"testing"
	"time"
)

// FakeFeed hands out FakeSubscriptions; tests pick each one up with Next.
type FakeFeed struct {
	subs chan *FakeSubscription

	mu       sync.Mutex
	failNext int
	failErr  error
	accounts [][]string
}

var _ monitor.Feed = (*FakeFeed)(nil)

func NewFakeFeed() *FakeFeed {
	return &FakeFeed{subs: make(chan *FakeSubscription, 16)}
}

// FailSubscribes makes the next n Subscribe calls return err.
func (f *FakeFeed) FailSubscribes(n int, err error) {
	f.mu.Lock()
	f.failNext, f.failErr = n, err
	f.mu.Unlock()
}

func (f *FakeFeed) Subscribe(_ context.Context, accounts []string) (monitor.Subscription, error) {
	f.mu.Lock()
	f.accounts = append(f.accounts, append([]string(nil), accounts...))
	if f.failNext > 0 {
		f.failNext--
		err := f.failErr
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	sub := &FakeSubscription{txs: make(chan ledger.Transaction, 64)}
	f.subs <- sub
	return sub, nil
}

// Subscriptions returns the account list passed to every Subscribe call.
func (f *FakeFeed) Subscriptions() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.accounts...)
}

// Next waits for the next successful subscription.
func (f *FakeFeed) Next(t *testing.T) *FakeSubscription {
	t.Helper()
	select {
	case sub := <-f.subs:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

// FakeSubscription is a live stream driven by the test.
type FakeSubscription struct {
	txs  chan ledger.Transaction
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *FakeSubscription) Transactions() <-chan ledger.Transaction { return s.txs }

func (s *FakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FakeSubscription) Close() error {
	s.once.Do(func() { close(s.txs) })
	return nil
}

// Send pushes tx onto the stream. Validated and Result default to an
// applied transaction when left empty.
func (s *FakeSubscription) Send(tx ledger.Transaction) {
	if tx.Result == "" {
		tx.Result = ledger.ResultSuccess
		tx.Validated = true
	}
	s.txs <- tx
}

// Drop ends the stream with err, as a disconnect would.
func (s *FakeSubscription) Drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}
