package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyStatus is the lifecycle status of a coverage policy.
// Transitions are monotonic: Active → Expired | Claimed | Cancelled.
type PolicyStatus int32

const (
	PolicyStatusActive PolicyStatus = iota
	PolicyStatusExpired
	PolicyStatusClaimed
	PolicyStatusCancelled
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyStatusActive:
		return "active"
	case PolicyStatusExpired:
		return "expired"
	case PolicyStatusClaimed:
		return "claimed"
	case PolicyStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParsePolicyStatus is the inverse of String.
func ParsePolicyStatus(s string) (PolicyStatus, error) {
	for _, st := range []PolicyStatus{PolicyStatusActive, PolicyStatusExpired, PolicyStatusClaimed, PolicyStatusCancelled} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown policy status %q", s)
}

// CanTransitionTo validates policy status transitions.
func (s PolicyStatus) CanTransitionTo(next PolicyStatus) bool {
	return s == PolicyStatusActive && next != PolicyStatusActive
}

// IsTerminal reports whether no further transition is possible.
func (s PolicyStatus) IsTerminal() bool {
	return s != PolicyStatusActive
}

// Policy binds a vault, a coverage amount and a validity window to a pool.
type Policy struct {
	ID             uuid.UUID
	CertificateID  string
	VaultID        string
	InsuredParty   string
	PoolID         string
	CoverageAmount int64
	PremiumPaid    int64
	PremiumTxHash  string
	CoverageStart  time.Time
	CoverageEnd    time.Time
	Status         PolicyStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InWindow reports whether t falls inside [CoverageStart, CoverageEnd].
func (p Policy) InWindow(t time.Time) bool {
	return !t.Before(p.CoverageStart) && !t.After(p.CoverageEnd)
}

// Transition moves the policy to next or returns ErrInvalidTransition.
func (p *Policy) Transition(next PolicyStatus, at time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: policy %s %s → %s", ErrInvalidTransition, p.ID, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = at
	return nil
}
