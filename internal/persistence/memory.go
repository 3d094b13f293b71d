package persistence

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/state"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same uniqueness and version
// semantics as the Postgres schema. Used by tests and by `wardd serve
// --store=memory`.
type MemoryStore struct {
	mu sync.Mutex

	pools     map[string]state.Pool
	policies  map[uuid.UUID]state.Policy
	certs     map[string]uuid.UUID
	premiums  map[string]uuid.UUID
	claims    map[uuid.UUID]state.Claim
	claimSeq  []uuid.UUID
	defaults  map[string]event.DefaultEvent
	evaluated map[string]time.Time
	cursors   map[string]int64
	lifecycle []event.Lifecycle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[string]state.Pool),
		policies:  make(map[uuid.UUID]state.Policy),
		certs:     make(map[string]uuid.UUID),
		premiums:  make(map[string]uuid.UUID),
		claims:    make(map[uuid.UUID]state.Claim),
		defaults:  make(map[string]event.DefaultEvent),
		evaluated: make(map[string]time.Time),
		cursors:   make(map[string]int64),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) ListPools(context.Context) ([]state.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SavePool(_ context.Context, p state.Pool, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.pools[p.ID]
	if expectedVersion == 0 {
		if exists {
			return fmt.Errorf("pool %s: %w", p.ID, ErrDuplicate)
		}
		m.pools[p.ID] = p
		return nil
	}
	if !exists || cur.Version != expectedVersion {
		return fmt.Errorf("pool %s version %d: %w", p.ID, expectedVersion, ErrConflict)
	}
	m.pools[p.ID] = p
	return nil
}

func (m *MemoryStore) InsertPolicy(_ context.Context, p state.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrDuplicate)
	}
	if _, ok := m.certs[p.CertificateID]; ok {
		return fmt.Errorf("policy %s: %w", p.CertificateID, ErrDuplicate)
	}
	if _, ok := m.premiums[p.PremiumTxHash]; ok {
		return fmt.Errorf("premium tx %s: %w", p.PremiumTxHash, ErrDuplicate)
	}
	m.policies[p.ID] = p
	m.certs[p.CertificateID] = p.ID
	m.premiums[p.PremiumTxHash] = p.ID
	return nil
}

func (m *MemoryStore) GetPolicy(_ context.Context, id uuid.UUID) (state.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return state.Policy{}, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) UpdatePolicyStatus(_ context.Context, id uuid.UUID, from, to state.PolicyStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok || p.Status != from {
		return fmt.Errorf("policy %s not %s: %w", id, from, ErrConflict)
	}
	p.Status = to
	p.UpdatedAt = at
	m.policies[id] = p
	return nil
}

func (m *MemoryStore) ActivePoliciesByVault(_ context.Context, vaultID string) ([]state.Policy, error) {
	return m.filterPolicies(func(p state.Policy) bool {
		return p.VaultID == vaultID && p.Status == state.PolicyStatusActive
	}, func(a, b state.Policy) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

func (m *MemoryStore) ActivePoliciesEndingBefore(_ context.Context, t time.Time) ([]state.Policy, error) {
	return m.filterPolicies(func(p state.Policy) bool {
		return p.Status == state.PolicyStatusActive && p.CoverageEnd.Before(t)
	}, func(a, b state.Policy) bool { return a.CoverageEnd.Before(b.CoverageEnd) }), nil
}

func (m *MemoryStore) filterPolicies(keep func(state.Policy) bool, less func(a, b state.Policy) bool) []state.Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Policy
	for _, p := range m.policies {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *MemoryStore) InsertClaim(_ context.Context, c state.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; ok {
		return fmt.Errorf("claim %s: %w", c.ID, ErrDuplicate)
	}
	if c.Status.Occupies() {
		for _, other := range m.claims {
			if other.PolicyID == c.PolicyID && other.DefaultTxHash == c.DefaultTxHash && other.Status.Occupies() {
				return fmt.Errorf("claim for policy %s tx %s: %w", c.PolicyID, c.DefaultTxHash, ErrDuplicate)
			}
		}
	}
	if c.Status.InFlight() {
		for _, other := range m.claims {
			if other.PolicyID == c.PolicyID && other.Status.InFlight() {
				return fmt.Errorf("claim in flight for policy %s: %w", c.PolicyID, ErrDuplicate)
			}
		}
	}
	c.Approvals = append([]string(nil), c.Approvals...)
	c.ResolutionVotes = append([]string(nil), c.ResolutionVotes...)
	m.claims[c.ID] = c
	m.claimSeq = append(m.claimSeq, c.ID)
	return nil
}

func (m *MemoryStore) UpdateClaim(_ context.Context, c state.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; !ok {
		return fmt.Errorf("claim %s: %w", c.ID, ErrNotFound)
	}
	c.Approvals = append([]string(nil), c.Approvals...)
	c.ResolutionVotes = append([]string(nil), c.ResolutionVotes...)
	m.claims[c.ID] = c
	return nil
}

func (m *MemoryStore) GetClaim(_ context.Context, id uuid.UUID) (state.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return state.Claim{}, fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	c.Approvals = append([]string(nil), c.Approvals...)
	c.ResolutionVotes = append([]string(nil), c.ResolutionVotes...)
	return c, nil
}

func (m *MemoryStore) ClaimsForPair(_ context.Context, policyID uuid.UUID, txHash string) ([]state.Claim, error) {
	return m.filterClaims(func(c state.Claim) bool {
		return c.PolicyID == policyID && c.DefaultTxHash == txHash
	}), nil
}

func (m *MemoryStore) ClaimsForPolicy(_ context.Context, policyID uuid.UUID) ([]state.Claim, error) {
	return m.filterClaims(func(c state.Claim) bool { return c.PolicyID == policyID }), nil
}

func (m *MemoryStore) ClaimsByStatus(_ context.Context, statuses ...state.ClaimStatus) ([]state.Claim, error) {
	return m.filterClaims(func(c state.Claim) bool {
		for _, s := range statuses {
			if c.Status == s {
				return true
			}
		}
		return false
	}), nil
}

// filterClaims returns matches in insertion order.
func (m *MemoryStore) filterClaims(keep func(state.Claim) bool) []state.Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Claim
	for _, id := range m.claimSeq {
		c := m.claims[id]
		if keep(c) {
			c.Approvals = append([]string(nil), c.Approvals...)
			c.ResolutionVotes = append([]string(nil), c.ResolutionVotes...)
			out = append(out, c)
		}
	}
	return out
}

func (m *MemoryStore) InsertDefaultEvent(_ context.Context, e event.DefaultEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defaults[e.TxHash]; ok {
		return fmt.Errorf("default event %s: %w", e.TxHash, ErrDuplicate)
	}
	m.defaults[e.TxHash] = e
	return nil
}

func (m *MemoryStore) SeenTx(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.defaults[txHash]
	return ok, nil
}

func (m *MemoryStore) DefaultEvaluated(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defaults[txHash]; !ok {
		return false, fmt.Errorf("default event %s: %w", txHash, ErrNotFound)
	}
	_, ok := m.evaluated[txHash]
	return ok, nil
}

func (m *MemoryStore) MarkDefaultEvaluated(_ context.Context, txHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defaults[txHash]; !ok {
		return fmt.Errorf("default event %s: %w", txHash, ErrNotFound)
	}
	if _, ok := m.evaluated[txHash]; !ok {
		m.evaluated[txHash] = at
	}
	return nil
}

func (m *MemoryStore) UnevaluatedDefaults(_ context.Context, before time.Time, limit int) ([]event.DefaultEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.DefaultEvent
	for hash, e := range m.defaults {
		if _, done := m.evaluated[hash]; done || !e.DetectedAt.Before(before) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LedgerSequence != out[j].LedgerSequence {
			return out[i].LedgerSequence < out[j].LedgerSequence
		}
		return out[i].TxHash < out[j].TxHash
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestDefaultForLoan(_ context.Context, loanID string) (event.DefaultEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  event.DefaultEvent
		found bool
	)
	for _, e := range m.defaults {
		if e.LoanID == loanID && (!found || e.LedgerSequence > best.LedgerSequence) {
			best, found = e, true
		}
	}
	if !found {
		return event.DefaultEvent{}, fmt.Errorf("default for loan %s: %w", loanID, ErrNotFound)
	}
	return best, nil
}

func (m *MemoryStore) CountDefaultsSince(_ context.Context, brokerID string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.defaults {
		if e.BrokerID == brokerID && !e.DetectedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LoadCursor(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[name], nil
}

func (m *MemoryStore) SaveCursor(_ context.Context, name string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.cursors[name] {
		m.cursors[name] = seq
	}
	return nil
}

// WriteLifecycleBatch appends events, skipping ids already written.
func (m *MemoryStore) WriteLifecycleBatch(_ context.Context, events []event.Lifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]struct{}, len(m.lifecycle))
	for _, e := range m.lifecycle {
		seen[e.ID] = struct{}{}
	}
	for _, e := range events {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		m.lifecycle = append(m.lifecycle, e)
	}
	return nil
}

// Lifecycle returns a copy of every audit event written so far.
func (m *MemoryStore) Lifecycle() []event.Lifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event.Lifecycle(nil), m.lifecycle...)
}
