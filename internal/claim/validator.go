package claim

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/pool"
	"WardProtocol/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrManualReview is returned for defaults whose computed and observed
	// vault loss disagree. They never produce a claim automatically.
	ErrManualReview = errors.New("claim: default requires manual review")

	// ErrDefaultNotObserved is returned when the loan is flagged defaulted on
	// the ledger but the monitor has not recorded the default yet.
	ErrDefaultNotObserved = errors.New("claim: default not yet observed")
)

// Store is the claim persistence the validator needs. InsertClaim must
// return persistence.ErrDuplicate when a non-rejected claim already exists
// for the same (policy, default transaction) pair.
type Store interface {
	GetPolicy(ctx context.Context, id uuid.UUID) (state.Policy, error)
	InsertClaim(ctx context.Context, c state.Claim) error
	ClaimsForPair(ctx context.Context, policyID uuid.UUID, txHash string) ([]state.Claim, error)
	ClaimsForPolicy(ctx context.Context, policyID uuid.UUID) ([]state.Claim, error)
	LatestDefaultForLoan(ctx context.Context, loanID string) (event.DefaultEvent, error)
}

// PoolLedger is the subset of pool.Ledger used for capacity checks.
type PoolLedger interface {
	Approve(ctx context.Context, poolID string, evaluate func(p state.Pool) (*pool.Reservation, error)) (state.Pool, error)
	MinRatioBps() int64
}

// Result is the outcome of validating one (policy, default) pair.
type Result struct {
	Claim      state.Claim
	Approved   bool
	Checkpoint string
	// Existing is set when the pair had already been decided and nothing new
	// was recorded.
	Existing bool
}

type Validator struct {
	store   Store
	pools   PoolLedger
	reader  ledger.StateReader
	emitter event.Emitter
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewValidator(store Store, pools PoolLedger, reader ledger.StateReader, emitter event.Emitter, logger zerolog.Logger, metrics *observability.Metrics) *Validator {
	if emitter == nil {
		emitter = event.Discard
	}
	return &Validator{
		store:   store,
		pools:   pools,
		reader:  reader,
		emitter: emitter,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// SetClock replaces the time source.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// ValidateClaim validates a claim on policyID for the most recent recorded
// default of loanID.
func (v *Validator) ValidateClaim(ctx context.Context, loanID string, policyID uuid.UUID) (Result, error) {
	evt, err := v.store.LatestDefaultForLoan(ctx, loanID)
	if errors.Is(err, persistence.ErrNotFound) {
		return v.unobserved(ctx, loanID, policyID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("default for loan %s: %w", loanID, err)
	}

	p, err := v.store.GetPolicy(ctx, policyID)
	if errors.Is(err, persistence.ErrNotFound) {
		// Nothing to key a stored claim on.
		c := v.newClaim(evt, state.Policy{ID: policyID})
		c.Reject(state.RejectionStructural, ReasonInactivePolicy, v.now().UTC())
		v.record(c)
		return Result{Claim: c, Checkpoint: "policy-checked"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("policy %s: %w", policyID, err)
	}
	return v.ValidateDefault(ctx, evt, p)
}

// unobserved handles a claim for a loan with no recorded default.
func (v *Validator) unobserved(ctx context.Context, loanID string, policyID uuid.UUID) (Result, error) {
	loan, err := v.reader.Loan(ctx, loanID, 0)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return Result{}, fmt.Errorf("read loan %s: %w", loanID, err)
	}
	if loan.IsDefaulted() {
		return Result{}, fmt.Errorf("%w: loan %s", ErrDefaultNotObserved, loanID)
	}
	c := v.newClaim(event.DefaultEvent{LoanID: loanID}, state.Policy{ID: policyID})
	c.Reject(state.RejectionStructural, ReasonNotDefaulted, v.now().UTC())
	v.record(c)
	return Result{Claim: c, Checkpoint: "defaulted-checked"}, nil
}

// ValidateDefault runs the checkpoints for one policy against one default.
// The pair is idempotent: a live claim or a structural rejection is
// returned unchanged, a capacity rejection is evaluated again.
func (v *Validator) ValidateDefault(ctx context.Context, evt event.DefaultEvent, p state.Policy) (Result, error) {
	if !evt.Automatable() {
		return Result{}, fmt.Errorf("%w: tx %s computed loss %d, observed %d",
			ErrManualReview, evt.TxHash, evt.VaultLoss, evt.ObservedLoss)
	}

	if res, done, err := v.decided(ctx, p.ID, evt.TxHash); err != nil || done {
		return res, err
	}

	in, err := v.gather(ctx, evt, p)
	if err != nil {
		return Result{}, err
	}

	if failed := Run(in, Structural); failed != nil {
		return v.reject(ctx, evt, p, failed)
	}

	var (
		failed  *Checkpoint
		claim   state.Claim
		minimum = v.pools.MinRatioBps()
	)
	_, err = v.pools.Approve(ctx, p.PoolID, func(snapshot state.Pool) (*pool.Reservation, error) {
		// Claims and policy retirement on this pool serialize on its lock,
		// so the policy is read again here.
		if err := v.refreshPolicy(ctx, in); err != nil {
			return nil, err
		}
		if !PolicyChecked.Check(in) {
			failed = &PolicyChecked
			return nil, nil
		}
		in.Pool = snapshot
		in.MinRatioBps = minimum
		if failed = Run(in, Capacity); failed != nil {
			return nil, nil
		}
		claim = v.newClaim(evt, p)
		claim.Payout = in.Payout
		claim.Status = state.ClaimStatusApproved
		claim.ValidatedAt = in.Now
		return &pool.Reservation{
			Payout:   in.Payout,
			Coverage: p.CoverageAmount,
			Commit: func(ctx context.Context, _ state.Pool) error {
				return v.store.InsertClaim(ctx, claim)
			},
		}, nil
	})
	switch {
	case errors.Is(err, persistence.ErrDuplicate):
		// Either a concurrent validation of the same pair won, or another
		// default's claim already holds the policy.
		res, done, derr := v.decided(ctx, p.ID, evt.TxHash)
		if derr != nil || done {
			return res, derr
		}
		return v.reject(ctx, evt, p, &PolicyChecked)
	case err != nil:
		return Result{}, fmt.Errorf("approve claim for policy %s: %w", p.ID, err)
	case failed != nil:
		return v.reject(ctx, evt, p, failed)
	}

	v.record(claim)
	v.emit(event.EventTypeClaimApproved, claim, "")
	v.logger.Info().
		Str("claim_id", claim.ID.String()).
		Str("policy_id", p.ID.String()).
		Str("tx_hash", evt.TxHash).
		Int64("vault_loss", evt.VaultLoss).
		Int64("payout", claim.Payout).
		Msg("claim approved")
	return Result{Claim: claim, Approved: true, Checkpoint: "ratio-checked"}, nil
}

// decided returns the standing outcome for the pair, if there is one.
func (v *Validator) decided(ctx context.Context, policyID uuid.UUID, txHash string) (Result, bool, error) {
	existing, err := v.store.ClaimsForPair(ctx, policyID, txHash)
	if err != nil {
		return Result{}, false, fmt.Errorf("claims for policy %s tx %s: %w", policyID, txHash, err)
	}
	var structural *state.Claim
	for i := range existing {
		c := existing[i]
		if c.Status.Occupies() {
			return Result{Claim: c, Approved: c.Status != state.ClaimStatusCancelled, Existing: true}, true, nil
		}
		if c.RejectionKind == state.RejectionStructural && structural == nil {
			structural = &existing[i]
		}
	}
	if structural != nil {
		return Result{Claim: *structural, Existing: true}, true, nil
	}
	return Result{}, false, nil
}

// gather reads everything the checkpoints need. Records missing from the
// ledger are left zero so the matching checkpoint rejects them.
func (v *Validator) gather(ctx context.Context, evt event.DefaultEvent, p state.Policy) (*Input, error) {
	in := &Input{Event: evt, Policy: p, Now: v.now().UTC()}

	loan, err := v.reader.Loan(ctx, evt.LoanID, evt.LedgerSequence)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("read loan %s: %w", evt.LoanID, err)
	}
	in.Loan = loan

	tx, err := v.reader.Transaction(ctx, evt.TxHash)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("read tx %s: %w", evt.TxHash, err)
	}
	in.Tx = tx

	broker, err := v.reader.Broker(ctx, evt.BrokerID, evt.LedgerSequence)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("read broker %s: %w", evt.BrokerID, err)
	}
	in.Broker = broker

	if err := v.inFlightElsewhere(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// refreshPolicy reloads the policy status and its claims into in.
func (v *Validator) refreshPolicy(ctx context.Context, in *Input) error {
	p, err := v.store.GetPolicy(ctx, in.Policy.ID)
	if err != nil {
		return fmt.Errorf("policy %s: %w", in.Policy.ID, err)
	}
	in.Policy.Status = p.Status
	return v.inFlightElsewhere(ctx, in)
}

func (v *Validator) inFlightElsewhere(ctx context.Context, in *Input) error {
	claims, err := v.store.ClaimsForPolicy(ctx, in.Policy.ID)
	if err != nil {
		return fmt.Errorf("claims for policy %s: %w", in.Policy.ID, err)
	}
	in.OtherClaimInFlight = false
	for _, c := range claims {
		if c.DefaultTxHash != in.Event.TxHash && c.Status.InFlight() {
			in.OtherClaimInFlight = true
			break
		}
	}
	return nil
}

func (v *Validator) reject(ctx context.Context, evt event.DefaultEvent, p state.Policy, failed *Checkpoint) (Result, error) {
	c := v.newClaim(evt, p)
	c.Reject(failed.Kind, failed.Reason, v.now().UTC())
	if err := v.store.InsertClaim(ctx, c); err != nil {
		return Result{}, fmt.Errorf("record rejected claim: %w", err)
	}

	v.record(c)
	v.emit(event.EventTypeClaimRejected, c, failed.Reason)
	v.logger.Info().
		Str("claim_id", c.ID.String()).
		Str("policy_id", p.ID.String()).
		Str("tx_hash", evt.TxHash).
		Str("checkpoint", failed.Name).
		Str("reason", failed.Reason).
		Str("kind", failed.Kind.String()).
		Msg("claim rejected")
	return Result{Claim: c, Checkpoint: failed.Name}, nil
}

func (v *Validator) newClaim(evt event.DefaultEvent, p state.Policy) state.Claim {
	now := v.now().UTC()
	return state.Claim{
		ID:             uuid.New(),
		PolicyID:       p.ID,
		PoolID:         p.PoolID,
		VaultID:        p.VaultID,
		LoanID:         evt.LoanID,
		DefaultTxHash:  evt.TxHash,
		DefaultAmount:  evt.DefaultAmount,
		DefaultCovered: evt.DefaultCovered,
		VaultLoss:      evt.VaultLoss,
		CoverageAmount: p.CoverageAmount,
		Status:         state.ClaimStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (v *Validator) record(c state.Claim) {
	if v.metrics == nil {
		return
	}
	outcome := c.Status.String()
	v.metrics.ClaimsEvaluated.WithLabelValues(outcome, c.RejectionReason).Inc()
	if c.Status == state.ClaimStatusApproved {
		v.metrics.ClaimPayouts.Observe(float64(c.Payout))
	}
}

func (v *Validator) emit(kind event.EventType, c state.Claim, detail string) {
	evt := event.NewLifecycle(kind, c.UpdatedAt)
	evt.ClaimID = c.ID.String()
	evt.PolicyID = c.PolicyID.String()
	evt.PoolID = c.PoolID
	evt.VaultID = c.VaultID
	evt.TxHash = c.DefaultTxHash
	evt.Amount = c.Payout
	evt.Detail = detail
	v.emitter.Emit(evt)
}
