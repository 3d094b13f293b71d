package persistence

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	poolColumns = `id, account, asset, total_capital, available_capital, reserved_capital,
		total_exposure, active_policy_count, claims_paid, version, updated_at`

	policyColumns = `id, certificate_id, vault_id, insured_party, pool_id, coverage_amount,
		premium_paid, premium_tx_hash, coverage_start, coverage_end, status, created_at, updated_at`

	claimColumns = `id, policy_id, pool_id, vault_id, loan_id, default_tx_hash, default_amount,
		default_covered, vault_loss, coverage_amount, payout, status, rejection_reason,
		rejection_kind, dispute_reason, approvals, resolution_votes, escrow_sequence,
		escrow_tx_hash, settlement_tx_hash, finish_after, cancel_after, finalize_attempts,
		next_attempt_at, last_error, created_at, validated_at, escrowed_at, settled_at, updated_at`

	defaultColumns = `tx_hash, loan_id, broker_id, vault_id, tx_type, ledger_sequence,
		default_amount, minimum_cover, default_covered, vault_loss, observed_vault_loss,
		inconsistent, detected_at`
)

// Store is the Postgres implementation of every repository interface the
// domain packages depend on.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// DB exposes the handle for the migrator and audit writer.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// ---- Pools ----

func (s *Store) ListPools(ctx context.Context) ([]state.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []poolRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+poolColumns+` FROM ward.pools ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make([]state.Pool, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toState())
	}
	return out, nil
}

// SavePool inserts when expectedVersion is 0, otherwise updates only if the
// stored version still equals expectedVersion.
func (s *Store) SavePool(ctx context.Context, p state.Pool, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ward.pools (`+poolColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.ID, p.Account, p.Asset, p.TotalCapital, p.AvailableCapital, p.ReservedCapital,
			p.TotalExposure, p.ActivePolicyCount, p.ClaimsPaid, p.Version, p.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("pool %s: %w", p.ID, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("insert pool %s: %w", p.ID, err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE ward.pools SET
			total_capital = $1, available_capital = $2, reserved_capital = $3,
			total_exposure = $4, active_policy_count = $5, claims_paid = $6,
			version = $7, updated_at = $8
		WHERE id = $9 AND version = $10`,
		p.TotalCapital, p.AvailableCapital, p.ReservedCapital,
		p.TotalExposure, p.ActivePolicyCount, p.ClaimsPaid,
		p.Version, p.UpdatedAt, p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.ID, err)
	}
	return expectOneRow(res, fmt.Sprintf("pool %s version %d", p.ID, expectedVersion), ErrConflict)
}

// ---- Policies ----

func (s *Store) InsertPolicy(ctx context.Context, p state.Policy) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ward.policies (`+policyColumns+`)
		VALUES (:id, :certificate_id, :vault_id, :insured_party, :pool_id, :coverage_amount,
			:premium_paid, :premium_tx_hash, :coverage_start, :coverage_end, :status,
			:created_at, :updated_at)`,
		newPolicyRow(p),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy %s: %w", p.CertificateID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert policy %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (state.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row policyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+policyColumns+` FROM ward.policies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Policy{}, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return state.Policy{}, fmt.Errorf("get policy %s: %w", id, err)
	}
	return row.toState()
}

// UpdatePolicyStatus applies a status change guarded by the current status.
func (s *Store) UpdatePolicyStatus(ctx context.Context, id uuid.UUID, from, to state.PolicyStatus, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE ward.policies SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to.String(), at, id, from.String(),
	)
	if err != nil {
		return fmt.Errorf("update policy %s: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("policy %s not %s", id, from), ErrConflict)
}

func (s *Store) ActivePoliciesByVault(ctx context.Context, vaultID string) ([]state.Policy, error) {
	return s.selectPolicies(ctx,
		`SELECT `+policyColumns+` FROM ward.policies WHERE vault_id = $1 AND status = $2 ORDER BY created_at`,
		vaultID, state.PolicyStatusActive.String())
}

// ActivePoliciesEndingBefore lists active policies whose coverage ended before t.
func (s *Store) ActivePoliciesEndingBefore(ctx context.Context, t time.Time) ([]state.Policy, error) {
	return s.selectPolicies(ctx,
		`SELECT `+policyColumns+` FROM ward.policies WHERE status = $1 AND coverage_end < $2 ORDER BY coverage_end`,
		state.PolicyStatusActive.String(), t)
}

func (s *Store) selectPolicies(ctx context.Context, query string, args ...interface{}) ([]state.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []policyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select policies: %w", err)
	}
	out := make([]state.Policy, 0, len(rows))
	for _, r := range rows {
		p, err := r.toState()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ---- Claims ----

// InsertClaim fails with ErrDuplicate when a non-rejected claim already
// exists for the same (policy, default transaction) pair, or when the claim
// is in flight and another in-flight claim holds the policy.
func (s *Store) InsertClaim(ctx context.Context, c state.Claim) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ward.claims (`+claimColumns+`)
		VALUES (:id, :policy_id, :pool_id, :vault_id, :loan_id, :default_tx_hash, :default_amount,
			:default_covered, :vault_loss, :coverage_amount, :payout, :status, :rejection_reason,
			:rejection_kind, :dispute_reason, :approvals, :resolution_votes, :escrow_sequence,
			:escrow_tx_hash, :settlement_tx_hash, :finish_after, :cancel_after, :finalize_attempts,
			:next_attempt_at, :last_error, :created_at, :validated_at, :escrowed_at, :settled_at, :updated_at)`,
		newClaimRow(c),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("claim for policy %s tx %s: %w", c.PolicyID, c.DefaultTxHash, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert claim %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) UpdateClaim(ctx context.Context, c state.Claim) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE ward.claims SET
			payout = :payout, status = :status, rejection_reason = :rejection_reason,
			rejection_kind = :rejection_kind, dispute_reason = :dispute_reason,
			approvals = :approvals, resolution_votes = :resolution_votes,
			escrow_sequence = :escrow_sequence,
			escrow_tx_hash = :escrow_tx_hash, settlement_tx_hash = :settlement_tx_hash,
			finish_after = :finish_after, cancel_after = :cancel_after,
			finalize_attempts = :finalize_attempts, next_attempt_at = :next_attempt_at,
			last_error = :last_error, validated_at = :validated_at,
			escrowed_at = :escrowed_at, settled_at = :settled_at, updated_at = :updated_at
		WHERE id = :id`,
		newClaimRow(c),
	)
	if err != nil {
		return fmt.Errorf("update claim %s: %w", c.ID, err)
	}
	return expectOneRow(res, fmt.Sprintf("claim %s", c.ID), ErrNotFound)
}

func (s *Store) GetClaim(ctx context.Context, id uuid.UUID) (state.Claim, error) {
	claims, err := s.selectClaims(ctx, `SELECT `+claimColumns+` FROM ward.claims WHERE id = $1`, id)
	if err != nil {
		return state.Claim{}, err
	}
	if len(claims) == 0 {
		return state.Claim{}, fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	return claims[0], nil
}

// ClaimsForPair returns every claim recorded for one (policy, default
// transaction) pair, oldest first.
func (s *Store) ClaimsForPair(ctx context.Context, policyID uuid.UUID, txHash string) ([]state.Claim, error) {
	return s.selectClaims(ctx,
		`SELECT `+claimColumns+` FROM ward.claims WHERE policy_id = $1 AND default_tx_hash = $2 ORDER BY created_at`,
		policyID, txHash)
}

func (s *Store) ClaimsForPolicy(ctx context.Context, policyID uuid.UUID) ([]state.Claim, error) {
	return s.selectClaims(ctx,
		`SELECT `+claimColumns+` FROM ward.claims WHERE policy_id = $1 ORDER BY created_at`, policyID)
}

func (s *Store) ClaimsByStatus(ctx context.Context, statuses ...state.ClaimStatus) ([]state.Claim, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}
	query, args, err := sqlx.In(`SELECT `+claimColumns+` FROM ward.claims WHERE status IN (?) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("build claim status query: %w", err)
	}
	return s.selectClaims(ctx, s.db.Rebind(query), args...)
}

func (s *Store) selectClaims(ctx context.Context, query string, args ...interface{}) ([]state.Claim, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []claimRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select claims: %w", err)
	}
	out := make([]state.Claim, 0, len(rows))
	for _, r := range rows {
		c, err := r.toState()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ---- Default events ----

func (s *Store) InsertDefaultEvent(ctx context.Context, e event.DefaultEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ward.default_events (`+defaultColumns+`)
		VALUES (:tx_hash, :loan_id, :broker_id, :vault_id, :tx_type, :ledger_sequence,
			:default_amount, :minimum_cover, :default_covered, :vault_loss,
			:observed_vault_loss, :inconsistent, :detected_at)`,
		e,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("default event %s: %w", e.TxHash, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert default event %s: %w", e.TxHash, err)
	}
	return nil
}

// SeenTx reports whether a default event was already recorded for txHash.
func (s *Store) SeenTx(ctx context.Context, txHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowxContext(ctx,
		`SELECT 1 FROM ward.default_events WHERE tx_hash = $1 LIMIT 1`, txHash,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen tx %s: %w", txHash, err)
	}
	return true, nil
}

// DefaultEvaluated reports whether txHash has been recorded and fully
// evaluated.
func (s *Store) DefaultEvaluated(ctx context.Context, txHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var evaluated bool
	err := s.db.GetContext(ctx, &evaluated,
		`SELECT evaluated_at IS NOT NULL FROM ward.default_events WHERE tx_hash = $1`, txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("default event %s: %w", txHash, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("default evaluated %s: %w", txHash, err)
	}
	return evaluated, nil
}

// MarkDefaultEvaluated stamps the default once. Later calls leave the
// first timestamp in place.
func (s *Store) MarkDefaultEvaluated(ctx context.Context, txHash string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE ward.default_events SET evaluated_at = COALESCE(evaluated_at, $2)
		WHERE tx_hash = $1`, txHash, at)
	if err != nil {
		return fmt.Errorf("mark default %s evaluated: %w", txHash, err)
	}
	return expectOneRow(res, "default event "+txHash, ErrNotFound)
}

// UnevaluatedDefaults returns up to limit defaults detected before the
// cutoff that still lack an evaluation, oldest ledger first.
func (s *Store) UnevaluatedDefaults(ctx context.Context, before time.Time, limit int) ([]event.DefaultEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []event.DefaultEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+defaultColumns+` FROM ward.default_events
		WHERE evaluated_at IS NULL AND detected_at < $1
		ORDER BY ledger_sequence, tx_hash
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("unevaluated defaults: %w", err)
	}
	return out, nil
}

// LatestDefaultForLoan returns the most recent default event for a loan.
func (s *Store) LatestDefaultForLoan(ctx context.Context, loanID string) (event.DefaultEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var e event.DefaultEvent
	err := s.db.GetContext(ctx, &e, `
		SELECT `+defaultColumns+` FROM ward.default_events
		WHERE loan_id = $1 ORDER BY ledger_sequence DESC LIMIT 1`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return event.DefaultEvent{}, fmt.Errorf("default for loan %s: %w", loanID, ErrNotFound)
	}
	if err != nil {
		return event.DefaultEvent{}, fmt.Errorf("get default for loan %s: %w", loanID, err)
	}
	return e, nil
}

// CountDefaultsSince counts default events for a broker detected at or after since.
func (s *Store) CountDefaultsSince(ctx context.Context, brokerID string, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ward.default_events WHERE broker_id = $1 AND detected_at >= $2`,
		brokerID, since)
	if err != nil {
		return 0, fmt.Errorf("count defaults for %s: %w", brokerID, err)
	}
	return n, nil
}

// ---- Monitor cursor ----

// LoadCursor returns the last processed ledger sequence for a named feed, or 0.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var seq int64
	err := s.db.GetContext(ctx, &seq, `SELECT ledger_sequence FROM ward.monitor_cursors WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return seq, nil
}

// SaveCursor advances the cursor; it never moves backwards.
func (s *Store) SaveCursor(ctx context.Context, name string, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ward.monitor_cursors (name, ledger_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET ledger_sequence = GREATEST(ward.monitor_cursors.ledger_sequence, EXCLUDED.ledger_sequence),
		    updated_at = NOW()`,
		name, seq)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}

func expectOneRow(res sql.Result, what string, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, sentinel)
	}
	return nil
}
