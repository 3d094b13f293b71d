package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ClaimStatus is the lifecycle status of a claim.
type ClaimStatus int32

const (
	ClaimStatusPending ClaimStatus = iota
	ClaimStatusApproved
	ClaimStatusRejected
	ClaimStatusEscrowed
	ClaimStatusDisputed
	ClaimStatusSettled
	ClaimStatusSettlementFailed
	ClaimStatusCancelled
)

var claimStatuses = []ClaimStatus{
	ClaimStatusPending,
	ClaimStatusApproved,
	ClaimStatusRejected,
	ClaimStatusEscrowed,
	ClaimStatusDisputed,
	ClaimStatusSettled,
	ClaimStatusSettlementFailed,
	ClaimStatusCancelled,
}

func (s ClaimStatus) String() string {
	switch s {
	case ClaimStatusPending:
		return "pending"
	case ClaimStatusApproved:
		return "approved"
	case ClaimStatusRejected:
		return "rejected"
	case ClaimStatusEscrowed:
		return "escrowed"
	case ClaimStatusDisputed:
		return "disputed"
	case ClaimStatusSettled:
		return "settled"
	case ClaimStatusSettlementFailed:
		return "settlement-failed"
	case ClaimStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseClaimStatus is the inverse of String.
func ParseClaimStatus(s string) (ClaimStatus, error) {
	for _, st := range claimStatuses {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown claim status %q", s)
}

// CanTransitionTo validates claim status transitions.
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	transitions := map[ClaimStatus][]ClaimStatus{
		ClaimStatusPending: {
			ClaimStatusApproved,
			ClaimStatusRejected,
		},
		ClaimStatusApproved: {
			ClaimStatusEscrowed,
			ClaimStatusDisputed, // Raised while awaiting signer approvals
			ClaimStatusCancelled,
		},
		ClaimStatusEscrowed: {
			ClaimStatusDisputed,
			ClaimStatusSettled,
			ClaimStatusSettlementFailed,
		},
		ClaimStatusDisputed: {
			ClaimStatusApproved, // Released before escrow existed
			ClaimStatusEscrowed, // Released back onto the finalize path
			ClaimStatusCancelled,
		},
		ClaimStatusSettlementFailed: {
			ClaimStatusEscrowed, // Manual retry
			ClaimStatusCancelled,
		},
		ClaimStatusRejected:  {},
		ClaimStatusSettled:   {},
		ClaimStatusCancelled: {},
	}

	for _, a := range transitions[s] {
		if a == next {
			return true
		}
	}
	return false
}

// Occupies reports whether a claim in this status blocks another claim for
// the same (policy, default transaction) pair.
func (s ClaimStatus) Occupies() bool {
	return s != ClaimStatusRejected
}

// InFlight reports whether the claim still holds, or may still take, the
// policy's coverage out of pool exposure.
func (s ClaimStatus) InFlight() bool {
	switch s {
	case ClaimStatusPending, ClaimStatusApproved, ClaimStatusEscrowed,
		ClaimStatusDisputed, ClaimStatusSettlementFailed:
		return true
	}
	return false
}

// RejectionKind separates terminal rejections from retryable ones.
type RejectionKind int32

const (
	RejectionNone RejectionKind = iota
	RejectionStructural
	RejectionCapacity
)

func (k RejectionKind) String() string {
	switch k {
	case RejectionStructural:
		return "structural"
	case RejectionCapacity:
		return "capacity"
	default:
		return ""
	}
}

// ParseRejectionKind is the inverse of String; the empty string is RejectionNone.
func ParseRejectionKind(s string) RejectionKind {
	switch s {
	case "structural":
		return RejectionStructural
	case "capacity":
		return RejectionCapacity
	default:
		return RejectionNone
	}
}

// Claim is a request for payout against one policy for one default.
type Claim struct {
	ID               uuid.UUID
	PolicyID         uuid.UUID
	PoolID           string
	VaultID          string
	LoanID           string
	DefaultTxHash    string
	DefaultAmount    int64
	DefaultCovered   int64
	VaultLoss        int64
	CoverageAmount   int64
	Payout           int64
	Status           ClaimStatus
	RejectionReason  string
	RejectionKind    RejectionKind
	DisputeReason    string
	Approvals        []string
	ResolutionVotes  []string
	EscrowSequence   int64
	EscrowTxHash     string
	SettlementTxHash string
	FinishAfter      time.Time
	CancelAfter      time.Time
	FinalizeAttempts int
	NextAttemptAt    time.Time
	LastError        string
	CreatedAt        time.Time
	ValidatedAt      time.Time
	EscrowedAt       time.Time
	SettledAt        time.Time
	UpdatedAt        time.Time
}

// Transition moves the claim to next or returns ErrInvalidTransition.
func (c *Claim) Transition(next ClaimStatus, at time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: claim %s %s → %s", ErrInvalidTransition, c.ID, c.Status, next)
	}
	c.Status = next
	c.UpdatedAt = at
	switch next {
	case ClaimStatusEscrowed:
		if c.EscrowedAt.IsZero() {
			c.EscrowedAt = at
		}
	case ClaimStatusSettled:
		c.SettledAt = at
	}
	return nil
}

// HasApproval reports whether signer already approved the claim.
func (c Claim) HasApproval(signer string) bool {
	for _, s := range c.Approvals {
		if s == signer {
			return true
		}
	}
	return false
}

// CastResolutionVote records signer's vote for outcome on a dispute,
// replacing any earlier vote by the same signer, and returns how many
// signers now back outcome. Votes are stored as "outcome:signer".
func (c *Claim) CastResolutionVote(outcome, signer string) int {
	var kept []string
	tally := 1
	for _, v := range c.ResolutionVotes {
		o, s, _ := strings.Cut(v, ":")
		if s == signer {
			continue
		}
		if o == outcome {
			tally++
		}
		kept = append(kept, v)
	}
	c.ResolutionVotes = append(kept, outcome+":"+signer)
	return tally
}

// Reject marks a pending claim rejected with a single reason.
func (c *Claim) Reject(kind RejectionKind, reason string, at time.Time) {
	c.Status = ClaimStatusRejected
	c.RejectionKind = kind
	c.RejectionReason = reason
	c.Payout = 0
	c.ValidatedAt = at
	c.UpdatedAt = at
}

// Retryable reports whether a rejected claim may be re-evaluated.
func (c Claim) Retryable() bool {
	return c.Status == ClaimStatusRejected && c.RejectionKind == RejectionCapacity
}
