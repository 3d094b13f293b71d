package policy

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/pricing"
	"WardProtocol/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultActivationDelay separates policy issuance from the start of cover.
const DefaultActivationDelay = 24 * time.Hour

var (
	ErrStaleQuote           = errors.New("policy: quote expired")
	ErrInvalidRequest       = errors.New("policy: invalid issue request")
	ErrPremiumUnconfirmed   = errors.New("policy: premium payment not confirmed")
	ErrNotActive            = errors.New("policy: not active")
	ErrClaimInFlight        = errors.New("policy: claim in flight")
	ErrDuplicateCertificate = errors.New("policy: certificate or premium transaction already used")

	errStatusChanged = errors.New("policy: status changed concurrently")
)

// Store persists policies. UpdatePolicyStatus must fail with
// persistence.ErrConflict when the stored status is not from.
type Store interface {
	InsertPolicy(ctx context.Context, p state.Policy) error
	GetPolicy(ctx context.Context, id uuid.UUID) (state.Policy, error)
	UpdatePolicyStatus(ctx context.Context, id uuid.UUID, from, to state.PolicyStatus, at time.Time) error
	ActivePoliciesByVault(ctx context.Context, vaultID string) ([]state.Policy, error)
	ActivePoliciesEndingBefore(ctx context.Context, t time.Time) ([]state.Policy, error)
	ClaimsForPolicy(ctx context.Context, policyID uuid.UUID) ([]state.Claim, error)
}

// PoolLedger is the subset of pool.Ledger the registry drives.
type PoolLedger interface {
	Get(poolID string) (state.Pool, error)
	IssueExposure(ctx context.Context, poolID string, coverage int64) (state.Pool, error)
	ReleaseExposure(ctx context.Context, poolID string, coverage int64) (state.Pool, error)
	ReleaseExposureIf(ctx context.Context, poolID string, coverage int64, guard func(ctx context.Context) error) (state.Pool, error)
	Deposit(ctx context.Context, poolID string, amount int64) (state.Pool, error)
}

// IssueRequest binds a fresh quote to a pool, paid by PremiumTxHash.
type IssueRequest struct {
	Quote         pricing.Quote
	CertificateID string
	InsuredParty  string
	PoolID        string
	PremiumTxHash string
}

// Registry owns policy issuance and the policy status lifecycle.
type Registry struct {
	store           Store
	pools           PoolLedger
	reader          ledger.StateReader
	emitter         event.Emitter
	activationDelay time.Duration
	now             func() time.Time
	logger          zerolog.Logger
}

func NewRegistry(store Store, pools PoolLedger, reader ledger.StateReader, emitter event.Emitter, activationDelay time.Duration, logger zerolog.Logger) *Registry {
	if emitter == nil {
		emitter = event.Discard
	}
	if activationDelay < 0 {
		activationDelay = DefaultActivationDelay
	}
	return &Registry{
		store:           store,
		pools:           pools,
		reader:          reader,
		emitter:         emitter,
		activationDelay: activationDelay,
		now:             time.Now,
		logger:          logger,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Issue creates a policy from a fresh quote once the premium payment is
// confirmed on the ledger. Exposure is reserved in the pool before the
// policy is persisted and released again if persisting fails.
func (r *Registry) Issue(ctx context.Context, req IssueRequest) (state.Policy, error) {
	q := req.Quote
	now := r.now().UTC()

	if req.CertificateID == "" || req.PoolID == "" || req.PremiumTxHash == "" || q.CoverageAmount <= 0 || q.TermDays <= 0 {
		return state.Policy{}, ErrInvalidRequest
	}
	if !q.Fresh(now) {
		return state.Policy{}, fmt.Errorf("%w: quote expired at %s", ErrStaleQuote, q.ExpiresAt.Format(time.RFC3339))
	}

	pool, err := r.pools.Get(req.PoolID)
	if err != nil {
		return state.Policy{}, err
	}
	if err := r.confirmPremium(ctx, req.PremiumTxHash, pool.Account, q.Premium); err != nil {
		return state.Policy{}, err
	}

	if _, err := r.pools.IssueExposure(ctx, req.PoolID, q.CoverageAmount); err != nil {
		return state.Policy{}, fmt.Errorf("reserve exposure: %w", err)
	}

	start := now.Add(r.activationDelay)
	p := state.Policy{
		ID:             uuid.New(),
		CertificateID:  req.CertificateID,
		VaultID:        q.VaultID,
		InsuredParty:   req.InsuredParty,
		PoolID:         req.PoolID,
		CoverageAmount: q.CoverageAmount,
		PremiumPaid:    q.Premium,
		PremiumTxHash:  req.PremiumTxHash,
		CoverageStart:  start,
		CoverageEnd:    start.Add(time.Duration(q.TermDays) * 24 * time.Hour),
		Status:         state.PolicyStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.store.InsertPolicy(ctx, p); err != nil {
		if _, relErr := r.pools.ReleaseExposure(ctx, req.PoolID, q.CoverageAmount); relErr != nil {
			r.logger.Error().Err(relErr).Str("pool_id", req.PoolID).
				Int64("coverage", q.CoverageAmount).Msg("failed to release exposure after policy insert failure")
		}
		if errors.Is(err, persistence.ErrDuplicate) {
			return state.Policy{}, fmt.Errorf("%w: %v", ErrDuplicateCertificate, err)
		}
		return state.Policy{}, fmt.Errorf("persist policy: %w", err)
	}

	if q.Premium > 0 {
		if _, err := r.pools.Deposit(ctx, req.PoolID, q.Premium); err != nil {
			r.logger.Error().Err(err).Str("policy_id", p.ID.String()).
				Int64("premium", q.Premium).Msg("premium deposit failed; pool capital understated")
		}
	}

	evt := event.NewLifecycle(event.EventTypePolicyIssued, now)
	evt.PolicyID = p.ID.String()
	evt.PoolID = p.PoolID
	evt.VaultID = p.VaultID
	evt.TxHash = p.PremiumTxHash
	evt.Amount = p.CoverageAmount
	evt.Detail = p.CertificateID
	r.emitter.Emit(evt)

	r.logger.Info().
		Str("policy_id", p.ID.String()).
		Str("certificate_id", p.CertificateID).
		Str("vault_id", p.VaultID).
		Str("pool_id", p.PoolID).
		Int64("coverage", p.CoverageAmount).
		Int64("premium", p.PremiumPaid).
		Time("coverage_start", p.CoverageStart).
		Time("coverage_end", p.CoverageEnd).
		Msg("policy issued")
	return p, nil
}

func (r *Registry) confirmPremium(ctx context.Context, hash, poolAccount string, premium int64) error {
	tx, err := r.reader.Transaction(ctx, hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", ErrPremiumUnconfirmed, hash)
	}
	if err != nil {
		return fmt.Errorf("read premium tx %s: %w", hash, err)
	}
	switch {
	case !tx.Succeeded():
		return fmt.Errorf("%w: %s not validated or failed (%s)", ErrPremiumUnconfirmed, hash, tx.Result)
	case tx.Type != ledger.TxTypePayment:
		return fmt.Errorf("%w: %s is %s, not a payment", ErrPremiumUnconfirmed, hash, tx.Type)
	case tx.Destination != poolAccount:
		return fmt.Errorf("%w: %s pays %s, not pool account %s", ErrPremiumUnconfirmed, hash, tx.Destination, poolAccount)
	case tx.Amount < premium:
		return fmt.Errorf("%w: %s pays %d, premium is %d", ErrPremiumUnconfirmed, hash, tx.Amount, premium)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (state.Policy, error) {
	return r.store.GetPolicy(ctx, id)
}

// ActiveByVault lists active policies covering vaultID.
func (r *Registry) ActiveByVault(ctx context.Context, vaultID string) ([]state.Policy, error) {
	return r.store.ActivePoliciesByVault(ctx, vaultID)
}

// ExpireDue moves active policies whose coverage ended before now to
// expired and releases their exposure. Policies with a claim in flight are
// left for the settlement path.
func (r *Registry) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := r.store.ActivePoliciesEndingBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expiring policies: %w", err)
	}

	expired := 0
	for _, p := range due {
		ok, err := r.retire(ctx, p, state.PolicyStatusExpired, now, true, event.EventTypePolicyExpired, "coverage ended")
		if errors.Is(err, ErrClaimInFlight) {
			continue
		}
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		r.logger.Info().Int("expired", expired).Msg("policies expired")
	}
	return expired, nil
}

// Cancel ends an active policy early and releases its exposure.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID, reason string) (state.Policy, error) {
	p, err := r.store.GetPolicy(ctx, id)
	if err != nil {
		return state.Policy{}, err
	}
	if p.Status != state.PolicyStatusActive {
		return p, fmt.Errorf("%w: %s is %s", ErrNotActive, id, p.Status)
	}
	now := r.now().UTC()
	ok, err := r.retire(ctx, p, state.PolicyStatusCancelled, now, true, event.EventTypePolicyCancelled, reason)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, fmt.Errorf("%w: %s changed status", ErrNotActive, id)
	}
	p.Status, p.UpdatedAt = state.PolicyStatusCancelled, now
	return p, nil
}

// MarkClaimed records that the policy's coverage was paid out.
func (r *Registry) MarkClaimed(ctx context.Context, id uuid.UUID) error {
	err := r.store.UpdatePolicyStatus(ctx, id, state.PolicyStatusActive, state.PolicyStatusClaimed, r.now().UTC())
	if err != nil {
		return fmt.Errorf("mark policy %s claimed: %w", id, err)
	}
	return nil
}

// Void cancels a policy whose coverage already left pool exposure, as
// happens when a cancelled escrow could not restore it.
func (r *Registry) Void(ctx context.Context, id uuid.UUID, reason string) error {
	p, err := r.store.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.retire(ctx, p, state.PolicyStatusCancelled, r.now().UTC(), false, event.EventTypePolicyCancelled, reason)
	return err
}

// retire applies a guarded status change; ok is false when another writer
// changed the status first. With releaseExposure the in-flight check, the
// status change and the release all happen under the pool's lock, so a
// claim approval cannot slip in between.
func (r *Registry) retire(ctx context.Context, p state.Policy, to state.PolicyStatus, at time.Time, releaseExposure bool, kind event.EventType, reason string) (bool, error) {
	update := func(ctx context.Context) error {
		err := r.store.UpdatePolicyStatus(ctx, p.ID, state.PolicyStatusActive, to, at)
		if errors.Is(err, persistence.ErrConflict) {
			return errStatusChanged
		}
		return err
	}

	var err error
	if releaseExposure {
		_, err = r.pools.ReleaseExposureIf(ctx, p.PoolID, p.CoverageAmount, func(ctx context.Context) error {
			inFlight, err := r.claimInFlight(ctx, p.ID)
			if err != nil {
				return err
			}
			if inFlight {
				return fmt.Errorf("%w: %s", ErrClaimInFlight, p.ID)
			}
			return update(ctx)
		})
	} else {
		err = update(ctx)
	}
	switch {
	case errors.Is(err, errStatusChanged):
		return false, nil
	case errors.Is(err, ErrClaimInFlight):
		return false, err
	case err != nil:
		return false, fmt.Errorf("retire policy %s: %w", p.ID, err)
	}

	evt := event.NewLifecycle(kind, at)
	evt.PolicyID = p.ID.String()
	evt.PoolID = p.PoolID
	evt.VaultID = p.VaultID
	evt.Amount = p.CoverageAmount
	evt.Detail = reason
	r.emitter.Emit(evt)

	r.logger.Info().Str("policy_id", p.ID.String()).Str("status", to.String()).Str("reason", reason).Msg("policy retired")
	return true, nil
}

func (r *Registry) claimInFlight(ctx context.Context, policyID uuid.UUID) (bool, error) {
	claims, err := r.store.ClaimsForPolicy(ctx, policyID)
	if err != nil {
		return false, fmt.Errorf("claims for policy %s: %w", policyID, err)
	}
	for _, c := range claims {
		if c.Status.InFlight() {
			return true, nil
		}
	}
	return false, nil
}
