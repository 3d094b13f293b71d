package state_test

import (
	fpmath "WardProtocol/internal/math"
	"WardProtocol/internal/state"
	"errors"
	"testing"
	"time"
)

func TestPolicyStatus_Monotonic(t *testing.T) {
	terminal := []state.PolicyStatus{state.PolicyStatusExpired, state.PolicyStatusClaimed, state.PolicyStatusCancelled}
	for _, s := range terminal {
		if !state.PolicyStatusActive.CanTransitionTo(s) {
			t.Errorf("active → %s should be allowed", s)
		}
		if s.CanTransitionTo(state.PolicyStatusActive) {
			t.Errorf("%s → active should be refused", s)
		}
		for _, other := range terminal {
			if s.CanTransitionTo(other) {
				t.Errorf("%s → %s should be refused", s, other)
			}
		}
	}
}

func TestPolicy_TransitionError(t *testing.T) {
	p := state.Policy{Status: state.PolicyStatusExpired}
	err := p.Transition(state.PolicyStatusClaimed, time.Now())
	if !errors.Is(err, state.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if p.Status != state.PolicyStatusExpired {
		t.Errorf("status changed on refused transition: %s", p.Status)
	}
}

func TestPolicy_InWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := state.Policy{CoverageStart: start, CoverageEnd: start.Add(90 * 24 * time.Hour)}

	if !p.InWindow(start) {
		t.Error("start boundary should be covered")
	}
	if !p.InWindow(p.CoverageEnd) {
		t.Error("end boundary should be covered")
	}
	if p.InWindow(start.Add(-time.Second)) {
		t.Error("before start should not be covered")
	}
	if p.InWindow(p.CoverageEnd.Add(time.Second)) {
		t.Error("after end should not be covered")
	}
}

func TestClaimStatus_RoundTrip(t *testing.T) {
	for _, s := range []state.ClaimStatus{
		state.ClaimStatusPending, state.ClaimStatusApproved, state.ClaimStatusRejected,
		state.ClaimStatusEscrowed, state.ClaimStatusDisputed, state.ClaimStatusSettled,
		state.ClaimStatusSettlementFailed, state.ClaimStatusCancelled,
	} {
		got, err := state.ParseClaimStatus(s.String())
		if err != nil || got != s {
			t.Errorf("round trip %s: got %v, %v", s, got, err)
		}
	}
	if _, err := state.ParseClaimStatus("bogus"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestClaimStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to state.ClaimStatus
		want     bool
	}{
		{state.ClaimStatusPending, state.ClaimStatusApproved, true},
		{state.ClaimStatusPending, state.ClaimStatusSettled, false},
		{state.ClaimStatusApproved, state.ClaimStatusEscrowed, true},
		{state.ClaimStatusEscrowed, state.ClaimStatusSettled, true},
		{state.ClaimStatusEscrowed, state.ClaimStatusDisputed, true},
		{state.ClaimStatusDisputed, state.ClaimStatusSettled, false},
		{state.ClaimStatusDisputed, state.ClaimStatusCancelled, true},
		{state.ClaimStatusSettled, state.ClaimStatusDisputed, false},
		{state.ClaimStatusRejected, state.ClaimStatusApproved, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s → %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestClaim_RejectAndRetryable(t *testing.T) {
	c := state.Claim{Status: state.ClaimStatusPending, Payout: 10}
	c.Reject(state.RejectionCapacity, "insufficient pool capital", time.Now())

	if c.Status != state.ClaimStatusRejected || c.Payout != 0 {
		t.Errorf("got status=%s payout=%d, want rejected/0", c.Status, c.Payout)
	}
	if !c.Retryable() {
		t.Error("capacity rejection should be retryable")
	}

	c.Reject(state.RejectionStructural, "vault mismatch", time.Now())
	if c.Retryable() {
		t.Error("structural rejection should be terminal")
	}
}

func TestClaim_CastResolutionVote(t *testing.T) {
	var c state.Claim
	if got := c.CastResolutionVote("release", "alice"); got != 1 {
		t.Errorf("first release vote: got %d, want 1", got)
	}
	if got := c.CastResolutionVote("release", "bob"); got != 2 {
		t.Errorf("second release vote: got %d, want 2", got)
	}
	if got := c.CastResolutionVote("release", "bob"); got != 2 {
		t.Errorf("repeated vote: got %d, want 2", got)
	}
	if got := c.CastResolutionVote("cancel", "alice"); got != 1 {
		t.Errorf("switched vote: got %d, want 1", got)
	}
	if len(c.ResolutionVotes) != 2 {
		t.Errorf("votes: got %v, want one per signer", c.ResolutionVotes)
	}
}

func TestPool_CoverageRatio(t *testing.T) {
	p := state.Pool{AvailableCapital: 500_000, TotalExposure: 200_000}
	if got := p.CoverageRatioBps(); got != 25_000 {
		t.Errorf("got %d, want 25_000", got)
	}
	if !p.Solvent(state.MinCoverageRatioBps) {
		t.Error("2.5x should be solvent")
	}

	empty := state.Pool{AvailableCapital: 1}
	if got := empty.CoverageRatioBps(); got != fpmath.Unbounded {
		t.Errorf("zero exposure: got %d, want Unbounded", got)
	}
}

func TestPool_SolventAfter_PayoutAboveFloor(t *testing.T) {
	// 500k available, 200k exposure; a 45k payout retiring a 50k policy
	// leaves 455k against 150k, a ratio of ~3.03.
	p := state.Pool{AvailableCapital: 500_000, TotalExposure: 200_000}
	if !p.SolventAfter(45_000, 50_000, state.MinCoverageRatioBps) {
		t.Error("payout leaving ~3.03x should remain solvent")
	}

	tight := state.Pool{AvailableCapital: 410_000, TotalExposure: 200_000}
	// 365k against 190k would be 1.92x.
	if tight.SolventAfter(45_000, 10_000, state.MinCoverageRatioBps) {
		t.Error("payout leaving 1.92x should breach the floor")
	}
}

func TestPool_Balanced(t *testing.T) {
	p := state.Pool{TotalCapital: 100, AvailableCapital: 60, ReservedCapital: 40}
	if !p.Balanced() {
		t.Error("expected balanced pool")
	}
	p.ReservedCapital = 30
	if p.Balanced() {
		t.Error("capital identity broken but reported balanced")
	}
}
