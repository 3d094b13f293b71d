package server

import (
	fpmath "WardProtocol/internal/math"
	"WardProtocol/internal/state"
	"time"
)

type policyView struct {
	ID             string    `json:"id"`
	CertificateID  string    `json:"certificate_id"`
	VaultID        string    `json:"vault_id"`
	InsuredParty   string    `json:"insured_party"`
	PoolID         string    `json:"pool_id"`
	CoverageAmount int64     `json:"coverage_amount"`
	PremiumPaid    int64     `json:"premium_paid"`
	PremiumTxHash  string    `json:"premium_tx_hash"`
	CoverageStart  time.Time `json:"coverage_start"`
	CoverageEnd    time.Time `json:"coverage_end"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

func newPolicyView(p state.Policy) policyView {
	return policyView{
		ID:             p.ID.String(),
		CertificateID:  p.CertificateID,
		VaultID:        p.VaultID,
		InsuredParty:   p.InsuredParty,
		PoolID:         p.PoolID,
		CoverageAmount: p.CoverageAmount,
		PremiumPaid:    p.PremiumPaid,
		PremiumTxHash:  p.PremiumTxHash,
		CoverageStart:  p.CoverageStart,
		CoverageEnd:    p.CoverageEnd,
		Status:         p.Status.String(),
		CreatedAt:      p.CreatedAt,
	}
}

type claimView struct {
	ID               string     `json:"id"`
	PolicyID         string     `json:"policy_id"`
	PoolID           string     `json:"pool_id,omitempty"`
	VaultID          string     `json:"vault_id,omitempty"`
	LoanID           string     `json:"loan_id"`
	DefaultTxHash    string     `json:"default_tx_hash,omitempty"`
	DefaultAmount    int64      `json:"default_amount"`
	DefaultCovered   int64      `json:"default_covered"`
	VaultLoss        int64      `json:"vault_loss"`
	CoverageAmount   int64      `json:"coverage_amount"`
	Payout           int64      `json:"payout"`
	Status           string     `json:"status"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	RejectionKind    string     `json:"rejection_kind,omitempty"`
	DisputeReason    string     `json:"dispute_reason,omitempty"`
	Approvals        []string   `json:"approvals"`
	ResolutionVotes  []string   `json:"resolution_votes,omitempty"`
	EscrowTxHash     string     `json:"escrow_tx_hash,omitempty"`
	SettlementTxHash string     `json:"settlement_tx_hash,omitempty"`
	FinishAfter      *time.Time `json:"finish_after,omitempty"`
	CancelAfter      *time.Time `json:"cancel_after,omitempty"`
	FinalizeAttempts int        `json:"finalize_attempts,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`
	EscrowedAt       *time.Time `json:"escrowed_at,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
}

func newClaimView(c state.Claim) claimView {
	approvals := c.Approvals
	if approvals == nil {
		approvals = []string{}
	}
	return claimView{
		ID:               c.ID.String(),
		PolicyID:         c.PolicyID.String(),
		PoolID:           c.PoolID,
		VaultID:          c.VaultID,
		LoanID:           c.LoanID,
		DefaultTxHash:    c.DefaultTxHash,
		DefaultAmount:    c.DefaultAmount,
		DefaultCovered:   c.DefaultCovered,
		VaultLoss:        c.VaultLoss,
		CoverageAmount:   c.CoverageAmount,
		Payout:           c.Payout,
		Status:           c.Status.String(),
		RejectionReason:  c.RejectionReason,
		RejectionKind:    c.RejectionKind.String(),
		DisputeReason:    c.DisputeReason,
		Approvals:        approvals,
		ResolutionVotes:  c.ResolutionVotes,
		EscrowTxHash:     c.EscrowTxHash,
		SettlementTxHash: c.SettlementTxHash,
		FinishAfter:      optTime(c.FinishAfter),
		CancelAfter:      optTime(c.CancelAfter),
		FinalizeAttempts: c.FinalizeAttempts,
		LastError:        c.LastError,
		ValidatedAt:      optTime(c.ValidatedAt),
		EscrowedAt:       optTime(c.EscrowedAt),
		SettledAt:        optTime(c.SettledAt),
	}
}

// poolView reports a null coverage ratio while the pool carries no exposure.
type poolView struct {
	ID                string    `json:"id"`
	Account           string    `json:"account"`
	Asset             string    `json:"asset,omitempty"`
	TotalCapital      int64     `json:"total_capital"`
	AvailableCapital  int64     `json:"available_capital"`
	ReservedCapital   int64     `json:"reserved_capital"`
	TotalExposure     int64     `json:"total_exposure"`
	ActivePolicyCount int64     `json:"active_policy_count"`
	ClaimsPaid        int64     `json:"claims_paid"`
	CoverageRatioBps  *int64    `json:"coverage_ratio_bps"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func newPoolView(p state.Pool) poolView {
	v := poolView{
		ID:                p.ID,
		Account:           p.Account,
		Asset:             p.Asset,
		TotalCapital:      p.TotalCapital,
		AvailableCapital:  p.AvailableCapital,
		ReservedCapital:   p.ReservedCapital,
		TotalExposure:     p.TotalExposure,
		ActivePolicyCount: p.ActivePolicyCount,
		ClaimsPaid:        p.ClaimsPaid,
		Version:           p.Version,
		UpdatedAt:         p.UpdatedAt,
	}
	if ratio := p.CoverageRatioBps(); ratio != fpmath.Unbounded {
		v.CoverageRatioBps = &ratio
	}
	return v
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
