package persistence

import (
	"WardProtocol/internal/state"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type poolRow struct {
	ID                string    `db:"id"`
	Account           string    `db:"account"`
	Asset             string    `db:"asset"`
	TotalCapital      int64     `db:"total_capital"`
	AvailableCapital  int64     `db:"available_capital"`
	ReservedCapital   int64     `db:"reserved_capital"`
	TotalExposure     int64     `db:"total_exposure"`
	ActivePolicyCount int64     `db:"active_policy_count"`
	ClaimsPaid        int64     `db:"claims_paid"`
	Version           int64     `db:"version"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r poolRow) toState() state.Pool {
	return state.Pool{
		ID:                r.ID,
		Account:           r.Account,
		Asset:             r.Asset,
		TotalCapital:      r.TotalCapital,
		AvailableCapital:  r.AvailableCapital,
		ReservedCapital:   r.ReservedCapital,
		TotalExposure:     r.TotalExposure,
		ActivePolicyCount: r.ActivePolicyCount,
		ClaimsPaid:        r.ClaimsPaid,
		Version:           r.Version,
		UpdatedAt:         r.UpdatedAt,
	}
}

type policyRow struct {
	ID             uuid.UUID `db:"id"`
	CertificateID  string    `db:"certificate_id"`
	VaultID        string    `db:"vault_id"`
	InsuredParty   string    `db:"insured_party"`
	PoolID         string    `db:"pool_id"`
	CoverageAmount int64     `db:"coverage_amount"`
	PremiumPaid    int64     `db:"premium_paid"`
	PremiumTxHash  string    `db:"premium_tx_hash"`
	CoverageStart  time.Time `db:"coverage_start"`
	CoverageEnd    time.Time `db:"coverage_end"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func newPolicyRow(p state.Policy) policyRow {
	return policyRow{
		ID:             p.ID,
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
		UpdatedAt:      p.UpdatedAt,
	}
}

func (r policyRow) toState() (state.Policy, error) {
	status, err := state.ParsePolicyStatus(r.Status)
	if err != nil {
		return state.Policy{}, fmt.Errorf("policy %s: %w", r.ID, err)
	}
	return state.Policy{
		ID:             r.ID,
		CertificateID:  r.CertificateID,
		VaultID:        r.VaultID,
		InsuredParty:   r.InsuredParty,
		PoolID:         r.PoolID,
		CoverageAmount: r.CoverageAmount,
		PremiumPaid:    r.PremiumPaid,
		PremiumTxHash:  r.PremiumTxHash,
		CoverageStart:  r.CoverageStart,
		CoverageEnd:    r.CoverageEnd,
		Status:         status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

type claimRow struct {
	ID               uuid.UUID      `db:"id"`
	PolicyID         uuid.UUID      `db:"policy_id"`
	PoolID           string         `db:"pool_id"`
	VaultID          string         `db:"vault_id"`
	LoanID           string         `db:"loan_id"`
	DefaultTxHash    string         `db:"default_tx_hash"`
	DefaultAmount    int64          `db:"default_amount"`
	DefaultCovered   int64          `db:"default_covered"`
	VaultLoss        int64          `db:"vault_loss"`
	CoverageAmount   int64          `db:"coverage_amount"`
	Payout           int64          `db:"payout"`
	Status           string         `db:"status"`
	RejectionReason  string         `db:"rejection_reason"`
	RejectionKind    string         `db:"rejection_kind"`
	DisputeReason    string         `db:"dispute_reason"`
	Approvals        pq.StringArray `db:"approvals"`
	ResolutionVotes  pq.StringArray `db:"resolution_votes"`
	EscrowSequence   int64          `db:"escrow_sequence"`
	EscrowTxHash     string         `db:"escrow_tx_hash"`
	SettlementTxHash string         `db:"settlement_tx_hash"`
	FinishAfter      sql.NullTime   `db:"finish_after"`
	CancelAfter      sql.NullTime   `db:"cancel_after"`
	FinalizeAttempts int            `db:"finalize_attempts"`
	NextAttemptAt    sql.NullTime   `db:"next_attempt_at"`
	LastError        string         `db:"last_error"`
	CreatedAt        time.Time      `db:"created_at"`
	ValidatedAt      sql.NullTime   `db:"validated_at"`
	EscrowedAt       sql.NullTime   `db:"escrowed_at"`
	SettledAt        sql.NullTime   `db:"settled_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func newClaimRow(c state.Claim) claimRow {
	approvals := pq.StringArray(c.Approvals)
	if approvals == nil {
		approvals = pq.StringArray{}
	}
	votes := pq.StringArray(c.ResolutionVotes)
	if votes == nil {
		votes = pq.StringArray{}
	}
	return claimRow{
		ID:               c.ID,
		PolicyID:         c.PolicyID,
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
		ResolutionVotes:  votes,
		EscrowSequence:   c.EscrowSequence,
		EscrowTxHash:     c.EscrowTxHash,
		SettlementTxHash: c.SettlementTxHash,
		FinishAfter:      nullTime(c.FinishAfter),
		CancelAfter:      nullTime(c.CancelAfter),
		FinalizeAttempts: c.FinalizeAttempts,
		NextAttemptAt:    nullTime(c.NextAttemptAt),
		LastError:        c.LastError,
		CreatedAt:        c.CreatedAt,
		ValidatedAt:      nullTime(c.ValidatedAt),
		EscrowedAt:       nullTime(c.EscrowedAt),
		SettledAt:        nullTime(c.SettledAt),
		UpdatedAt:        c.UpdatedAt,
	}
}

func (r claimRow) toState() (state.Claim, error) {
	status, err := state.ParseClaimStatus(r.Status)
	if err != nil {
		return state.Claim{}, fmt.Errorf("claim %s: %w", r.ID, err)
	}
	return state.Claim{
		ID:               r.ID,
		PolicyID:         r.PolicyID,
		PoolID:           r.PoolID,
		VaultID:          r.VaultID,
		LoanID:           r.LoanID,
		DefaultTxHash:    r.DefaultTxHash,
		DefaultAmount:    r.DefaultAmount,
		DefaultCovered:   r.DefaultCovered,
		VaultLoss:        r.VaultLoss,
		CoverageAmount:   r.CoverageAmount,
		Payout:           r.Payout,
		Status:           status,
		RejectionReason:  r.RejectionReason,
		RejectionKind:    state.ParseRejectionKind(r.RejectionKind),
		DisputeReason:    r.DisputeReason,
		Approvals:        []string(r.Approvals),
		ResolutionVotes:  []string(r.ResolutionVotes),
		EscrowSequence:   r.EscrowSequence,
		EscrowTxHash:     r.EscrowTxHash,
		SettlementTxHash: r.SettlementTxHash,
		FinishAfter:      r.FinishAfter.Time,
		CancelAfter:      r.CancelAfter.Time,
		FinalizeAttempts: r.FinalizeAttempts,
		NextAttemptAt:    r.NextAttemptAt.Time,
		LastError:        r.LastError,
		CreatedAt:        r.CreatedAt,
		ValidatedAt:      r.ValidatedAt.Time,
		EscrowedAt:       r.EscrowedAt.Time,
		SettledAt:        r.SettledAt.Time,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
