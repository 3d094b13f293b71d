package settlement

import (
	"WardProtocol/internal/event"
	fpmath "WardProtocol/internal/math"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownSigner = errors.New("settlement: signer not in signer set")
	ErrDisputed      = errors.New("settlement: claim is disputed")
	ErrNotDisputed   = errors.New("settlement: claim is not disputed")
	ErrInvalidState  = errors.New("settlement: claim not in a settleable state")
)

// Outcome is a signer's vote on a dispute.
type Outcome int32

const (
	OutcomeRelease Outcome = iota + 1
	OutcomeCancel
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRelease:
		return "release"
	case OutcomeCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ParseOutcome is the inverse of String.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "release":
		return OutcomeRelease, nil
	case "cancel":
		return OutcomeCancel, nil
	}
	return 0, fmt.Errorf("unknown dispute outcome %q", s)
}

type Config struct {
	Signers             []string
	Threshold           int
	LargeClaimBps       int64
	DisputeWindow       time.Duration
	CancelGrace         time.Duration
	FinalizeBase        time.Duration
	FinalizeCap         time.Duration
	MaxFinalizeAttempts int
	TickInterval        time.Duration
}

// DefaultConfig returns a 3-of-5 signer threshold, large claims above 10% of
// pool capital, a 48h dispute window and finalize retries from 5s to 10m.
func DefaultConfig() Config {
	return Config{
		Threshold:           3,
		LargeClaimBps:       1_000,
		DisputeWindow:       48 * time.Hour,
		CancelGrace:         72 * time.Hour,
		FinalizeBase:        5 * time.Second,
		FinalizeCap:         10 * time.Minute,
		MaxFinalizeAttempts: 8,
		TickInterval:        15 * time.Second,
	}
}

// Store persists claims.
type Store interface {
	GetClaim(ctx context.Context, id uuid.UUID) (state.Claim, error)
	UpdateClaim(ctx context.Context, c state.Claim) error
	ClaimsByStatus(ctx context.Context, statuses ...state.ClaimStatus) ([]state.Claim, error)
}

// PoolLedger is the subset of pool.Ledger that settlement moves.
type PoolLedger interface {
	Get(poolID string) (state.Pool, error)
	Settle(ctx context.Context, poolID string, payout int64) (state.Pool, error)
	Release(ctx context.Context, poolID string, payout, coverage int64) (bool, state.Pool, error)
}

// Policies is the subset of policy.Registry that settlement drives.
type Policies interface {
	Get(ctx context.Context, id uuid.UUID) (state.Policy, error)
	MarkClaimed(ctx context.Context, id uuid.UUID) error
	Void(ctx context.Context, id uuid.UUID, reason string) error
}

// Engine drives approved claims through escrow to settlement. Every claim
// is handled under its own lock; claims proceed independently.
type Engine struct {
	cfg       Config
	signers   map[string]struct{}
	store     Store
	pools     PoolLedger
	policies  Policies
	submitter Submitter
	emitter   event.Emitter
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *observability.Metrics

	locks sync.Map // uuid.UUID → *sync.Mutex
}

func NewEngine(cfg Config, store Store, pools PoolLedger, policies Policies, submitter Submitter, emitter event.Emitter, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.LargeClaimBps <= 0 {
		cfg.LargeClaimBps = def.LargeClaimBps
	}
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = def.DisputeWindow
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.FinalizeBase <= 0 {
		cfg.FinalizeBase = def.FinalizeBase
	}
	if cfg.FinalizeCap <= 0 {
		cfg.FinalizeCap = def.FinalizeCap
	}
	if cfg.MaxFinalizeAttempts <= 0 {
		cfg.MaxFinalizeAttempts = def.MaxFinalizeAttempts
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if emitter == nil {
		emitter = event.Discard
	}

	signers := make(map[string]struct{}, len(cfg.Signers))
	for _, s := range cfg.Signers {
		signers[s] = struct{}{}
	}
	return &Engine{
		cfg:       cfg,
		signers:   signers,
		store:     store,
		pools:     pools,
		policies:  policies,
		submitter: submitter,
		emitter:   emitter,
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) lock(id uuid.UUID) func() {
	m, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// RequiresApprovals reports whether payout exceeds the large-claim share of
// the pool's total capital.
func (e *Engine) RequiresApprovals(payout int64, p state.Pool) bool {
	return payout > fpmath.ApplyBps(p.TotalCapital, e.cfg.LargeClaimBps, fpmath.RoundDown)
}

// Submit hands an approved claim to settlement. Small claims go to escrow
// at once; large ones wait for signer approvals.
func (e *Engine) Submit(ctx context.Context, claimID uuid.UUID) (state.Claim, error) {
	defer e.lock(claimID)()

	c, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return state.Claim{}, err
	}
	if c.Status != state.ClaimStatusApproved {
		return c, fmt.Errorf("%w: claim %s is %s", ErrInvalidState, c.ID, c.Status)
	}
	return e.advanceApproved(ctx, c)
}

// advanceApproved creates the escrow when the claim has the approvals it
// needs. Must be called with the claim's lock held.
func (e *Engine) advanceApproved(ctx context.Context, c state.Claim) (state.Claim, error) {
	p, err := e.pools.Get(c.PoolID)
	if err != nil {
		return c, err
	}
	if e.RequiresApprovals(c.Payout, p) && len(c.Approvals) < e.cfg.Threshold {
		e.logger.Debug().
			Str("claim_id", c.ID.String()).
			Int64("payout", c.Payout).
			Int("approvals", len(c.Approvals)).
			Int("threshold", e.cfg.Threshold).
			Msg("large claim awaiting signer approvals")
		return c, nil
	}
	return e.createEscrow(ctx, c, p)
}

// Approve records a signer's approval of a large claim and creates the
// escrow once the threshold is reached.
func (e *Engine) Approve(ctx context.Context, claimID uuid.UUID, signer string) (state.Claim, error) {
	if _, ok := e.signers[signer]; !ok {
		return state.Claim{}, fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	defer e.lock(claimID)()

	c, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return state.Claim{}, err
	}
	switch c.Status {
	case state.ClaimStatusApproved:
	case state.ClaimStatusDisputed:
		return c, fmt.Errorf("%w: %s", ErrDisputed, c.ID)
	default:
		return c, fmt.Errorf("%w: claim %s is %s", ErrInvalidState, c.ID, c.Status)
	}

	if !c.HasApproval(signer) {
		c.Approvals = append(c.Approvals, signer)
		c.UpdatedAt = e.now().UTC()
		if err := e.store.UpdateClaim(ctx, c); err != nil {
			return c, fmt.Errorf("record approval: %w", err)
		}
		e.logger.Info().Str("claim_id", c.ID.String()).Str("signer", signer).
			Int("approvals", len(c.Approvals)).Msg("claim approval recorded")
	}
	return e.advanceApproved(ctx, c)
}

func (e *Engine) createEscrow(ctx context.Context, c state.Claim, p state.Pool) (state.Claim, error) {
	now := e.now().UTC()
	if !c.NextAttemptAt.IsZero() && now.Before(c.NextAttemptAt) {
		return c, nil
	}

	destination := c.VaultID
	if pol, err := e.policies.Get(ctx, c.PolicyID); err == nil && pol.InsuredParty != "" {
		destination = pol.InsuredParty
	}

	finishAfter := now.Add(e.cfg.DisputeWindow)
	receipt, err := e.submitter.CreateEscrow(ctx, EscrowCreate{
		ClaimID:     c.ID,
		PoolID:      c.PoolID,
		Source:      p.Account,
		Destination: destination,
		Amount:      c.Payout,
		FinishAfter: finishAfter,
		CancelAfter: finishAfter.Add(e.cfg.CancelGrace),
	})
	if err != nil {
		c.FinalizeAttempts++
		c.LastError = err.Error()
		c.NextAttemptAt = now.Add(e.backoff(c.FinalizeAttempts))
		c.UpdatedAt = now
		if uerr := e.store.UpdateClaim(ctx, c); uerr != nil {
			e.logger.Error().Err(uerr).Str("claim_id", c.ID.String()).Msg("failed to record escrow retry")
		}
		e.logger.Warn().Err(err).Str("claim_id", c.ID.String()).
			Time("next_attempt", c.NextAttemptAt).Msg("escrow creation failed; will retry")
		return c, nil
	}

	c.EscrowSequence = receipt.Sequence
	c.EscrowTxHash = receipt.TxHash
	c.FinishAfter = finishAfter
	c.CancelAfter = finishAfter.Add(e.cfg.CancelGrace)
	c.FinalizeAttempts = 0
	c.LastError = ""
	c.NextAttemptAt = finishAfter
	if err := c.Transition(state.ClaimStatusEscrowed, now); err != nil {
		return c, err
	}
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return c, fmt.Errorf("record escrow for claim %s: %w", c.ID, err)
	}

	e.transitioned(c, event.EventTypeClaimEscrowed, receipt.TxHash)
	e.logger.Info().
		Str("claim_id", c.ID.String()).
		Str("escrow_tx", receipt.TxHash).
		Int64("escrow_sequence", receipt.Sequence).
		Int64("amount", c.Payout).
		Time("finish_after", c.FinishAfter).
		Msg("escrow created")
	return c, nil
}

// RaiseDispute freezes a claim before settlement. It preempts a pending
// finalize however close the escrow is to maturity.
func (e *Engine) RaiseDispute(ctx context.Context, claimID uuid.UUID, reason string) (state.Claim, error) {
	defer e.lock(claimID)()

	c, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return state.Claim{}, err
	}
	if c.Status == state.ClaimStatusDisputed {
		return c, fmt.Errorf("%w: %s", ErrDisputed, c.ID)
	}
	if err := c.Transition(state.ClaimStatusDisputed, e.now().UTC()); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	c.DisputeReason = reason
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return c, fmt.Errorf("record dispute: %w", err)
	}

	e.transitioned(c, event.EventTypeClaimDisputed, reason)
	e.logger.Warn().Str("claim_id", c.ID.String()).Str("reason", reason).Msg("claim disputed")
	return c, nil
}

// ResolveDispute records a signer's vote. When one outcome reaches the
// threshold the dispute is closed: release puts the claim back on the
// settlement path, cancel unwinds the escrow and the pool reservation.
func (e *Engine) ResolveDispute(ctx context.Context, claimID uuid.UUID, outcome Outcome, signer string) (state.Claim, error) {
	if _, ok := e.signers[signer]; !ok {
		return state.Claim{}, fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	if outcome != OutcomeRelease && outcome != OutcomeCancel {
		return state.Claim{}, fmt.Errorf("resolve dispute: outcome %d", outcome)
	}
	defer e.lock(claimID)()

	c, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return state.Claim{}, err
	}
	if c.Status != state.ClaimStatusDisputed {
		return c, fmt.Errorf("%w: %s is %s", ErrNotDisputed, c.ID, c.Status)
	}

	tally := c.CastResolutionVote(outcome.String(), signer)
	c.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return c, fmt.Errorf("record dispute vote: %w", err)
	}
	e.logger.Info().
		Str("claim_id", c.ID.String()).
		Str("signer", signer).
		Str("outcome", outcome.String()).
		Int("tally", tally).
		Int("threshold", e.cfg.Threshold).
		Msg("dispute vote recorded")
	if tally < e.cfg.Threshold {
		return c, nil
	}

	// The resolving write clears the votes.
	c.ResolutionVotes = nil
	switch outcome {
	case OutcomeRelease:
		return e.release(ctx, c)
	default:
		return e.cancel(ctx, c)
	}
}

func (e *Engine) release(ctx context.Context, c state.Claim) (state.Claim, error) {
	now := e.now().UTC()
	if c.EscrowTxHash == "" {
		if err := c.Transition(state.ClaimStatusApproved, now); err != nil {
			return c, err
		}
		if err := e.store.UpdateClaim(ctx, c); err != nil {
			return c, fmt.Errorf("release claim %s: %w", c.ID, err)
		}
		e.logger.Info().Str("claim_id", c.ID.String()).Msg("dispute released before escrow")
		return e.advanceApproved(ctx, c)
	}

	if err := c.Transition(state.ClaimStatusEscrowed, now); err != nil {
		return c, err
	}
	c.NextAttemptAt = c.FinishAfter
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return c, fmt.Errorf("release claim %s: %w", c.ID, err)
	}
	e.transitioned(c, event.EventTypeClaimEscrowed, "dispute released")
	e.logger.Info().Str("claim_id", c.ID.String()).Time("finish_after", c.FinishAfter).Msg("dispute released")
	return c, nil
}

func (e *Engine) cancel(ctx context.Context, c state.Claim) (state.Claim, error) {
	if c.EscrowTxHash != "" {
		p, err := e.pools.Get(c.PoolID)
		if err != nil {
			return c, err
		}
		if _, err := e.submitter.CancelEscrow(ctx, EscrowRef{ClaimID: c.ID, Owner: p.Account, Sequence: c.EscrowSequence}); err != nil {
			return c, fmt.Errorf("cancel escrow for claim %s: %w", c.ID, err)
		}
	}

	now := e.now().UTC()
	if err := c.Transition(state.ClaimStatusCancelled, now); err != nil {
		return c, err
	}
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return c, fmt.Errorf("cancel claim %s: %w", c.ID, err)
	}

	restored, _, err := e.pools.Release(ctx, c.PoolID, c.Payout, c.CoverageAmount)
	if err != nil {
		e.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("pool release failed after claim cancel")
	} else if !restored {
		if err := e.policies.Void(ctx, c.PolicyID, "coverage not restorable after cancelled claim"); err != nil {
			e.logger.Error().Err(err).Str("policy_id", c.PolicyID.String()).Msg("failed to void policy")
		}
	}

	e.transitioned(c, event.EventTypeClaimCancelled, c.DisputeReason)
	e.logger.Info().Str("claim_id", c.ID.String()).Bool("coverage_restored", restored).Msg("claim cancelled")
	return c, nil
}

// Retry puts a settlement-failed claim back on the finalize path.
func (e *Engine) Retry(ctx context.Context, claimID uuid.UUID) (state.Claim, error) {
	defer e.lock(claimID)()

	c, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return state.Claim{}, err
	}
	now := e.now().UTC()
	if err := c.Transition(state.ClaimStatusEscrowed, now); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	c.FinalizeAttempts = 0
	c.NextAttemptAt = now
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return c, err
	}
	e.logger.Info().Str("claim_id", c.ID.String()).Msg("settlement retry requested")
	return c, nil
}

// ProcessDue advances every claim whose next step is due: escrow creation
// for approved claims and finalize for matured escrows. It returns the
// number of claims settled.
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	claims, err := e.store.ClaimsByStatus(ctx, state.ClaimStatusApproved, state.ClaimStatusEscrowed)
	if err != nil {
		return 0, fmt.Errorf("list open claims: %w", err)
	}

	now := e.now().UTC()
	settled, escrowed := 0, 0
	for _, c := range claims {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		switch c.Status {
		case state.ClaimStatusApproved:
			if !c.NextAttemptAt.IsZero() && now.Before(c.NextAttemptAt) {
				continue
			}
			if _, err := e.Submit(ctx, c.ID); err != nil && !errors.Is(err, ErrInvalidState) {
				e.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("escrow submission failed")
			}
		case state.ClaimStatusEscrowed:
			escrowed++
			if now.Before(c.FinishAfter) || now.Before(c.NextAttemptAt) {
				continue
			}
			ok, err := e.finalize(ctx, c.ID)
			if err != nil {
				e.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("finalize failed")
				continue
			}
			if ok {
				settled++
				escrowed--
			}
		}
	}
	if e.metrics != nil {
		e.metrics.EscrowsOpen.Set(float64(escrowed))
	}
	return settled, nil
}

// finalize submits the escrow finish. The claim is re-read under its lock
// so a dispute raised at any point before submission wins.
func (e *Engine) finalize(ctx context.Context, claimID uuid.UUID) (bool, error) {
	defer e.lock(claimID)()

	c, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return false, err
	}
	now := e.now().UTC()
	if c.Status != state.ClaimStatusEscrowed || now.Before(c.FinishAfter) || now.Before(c.NextAttemptAt) {
		return false, nil
	}

	p, err := e.pools.Get(c.PoolID)
	if err != nil {
		return false, err
	}
	receipt, err := e.submitter.FinishEscrow(ctx, EscrowRef{ClaimID: c.ID, Owner: p.Account, Sequence: c.EscrowSequence})
	if err != nil {
		return false, e.finalizeFailed(ctx, c, err, now)
	}

	c.SettlementTxHash = receipt.TxHash
	c.LastError = ""
	if err := c.Transition(state.ClaimStatusSettled, now); err != nil {
		return false, err
	}
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return false, fmt.Errorf("record settlement for claim %s: %w", c.ID, err)
	}

	if _, err := e.pools.Settle(ctx, c.PoolID, c.Payout); err != nil {
		e.logger.Error().Err(err).Str("claim_id", c.ID.String()).
			Msg("pool settle failed; reserved capital overstated")
	}
	if err := e.policies.MarkClaimed(ctx, c.PolicyID); err != nil {
		e.logger.Error().Err(err).Str("policy_id", c.PolicyID.String()).Msg("failed to mark policy claimed")
	}

	e.transitioned(c, event.EventTypeClaimSettled, receipt.TxHash)
	e.logger.Info().
		Str("claim_id", c.ID.String()).
		Str("settlement_tx", receipt.TxHash).
		Int64("payout", c.Payout).
		Msg("claim settled")
	return true, nil
}

func (e *Engine) finalizeFailed(ctx context.Context, c state.Claim, cause error, now time.Time) error {
	c.FinalizeAttempts++
	c.LastError = cause.Error()
	c.UpdatedAt = now

	if c.FinalizeAttempts >= e.cfg.MaxFinalizeAttempts {
		if err := c.Transition(state.ClaimStatusSettlementFailed, now); err != nil {
			return err
		}
		if err := e.store.UpdateClaim(ctx, c); err != nil {
			return fmt.Errorf("record settlement failure: %w", err)
		}
		e.transitioned(c, event.EventTypeClaimSettlementFailed, c.LastError)
		e.logger.Error().Err(cause).Str("claim_id", c.ID.String()).
			Int("attempts", c.FinalizeAttempts).
			Msg("finalize retries exhausted; claim needs manual intervention")
		return nil
	}

	c.NextAttemptAt = now.Add(e.backoff(c.FinalizeAttempts))
	if err := e.store.UpdateClaim(ctx, c); err != nil {
		return fmt.Errorf("record finalize retry: %w", err)
	}
	if e.metrics != nil {
		e.metrics.FinalizeRetries.Inc()
	}
	e.logger.Warn().Err(cause).Str("claim_id", c.ID.String()).
		Int("attempt", c.FinalizeAttempts).
		Time("next_attempt", c.NextAttemptAt).
		Msg("finalize failed; retrying")
	return nil
}

// backoff doubles from FinalizeBase per attempt, capped at FinalizeCap.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.FinalizeBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.FinalizeCap {
			return e.cfg.FinalizeCap
		}
	}
	return d
}

// Run processes due claims every tick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("tick", e.cfg.TickInterval).Msg("settlement engine started")
	for {
		if _, err := e.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("settlement tick failed")
		}
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("settlement engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) transitioned(c state.Claim, kind event.EventType, detail string) {
	if e.metrics != nil {
		e.metrics.SettlementTransitions.WithLabelValues(c.Status.String()).Inc()
	}
	evt := event.NewLifecycle(kind, c.UpdatedAt)
	evt.ClaimID = c.ID.String()
	evt.PolicyID = c.PolicyID.String()
	evt.PoolID = c.PoolID
	evt.VaultID = c.VaultID
	evt.TxHash = c.DefaultTxHash
	evt.Amount = c.Payout
	evt.Detail = detail
	e.emitter.Emit(evt)
}
