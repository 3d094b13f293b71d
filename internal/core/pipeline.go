package core

import (
	"WardProtocol/internal/claim"
	"WardProtocol/internal/event"
	"WardProtocol/internal/observability"
	"WardProtocol/internal/persistence"
	"WardProtocol/internal/state"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStore records observed defaults, one per transaction hash, and
// which of them have been evaluated against every policy on their vault.
type DefaultStore interface {
	InsertDefaultEvent(ctx context.Context, e event.DefaultEvent) error
	DefaultEvaluated(ctx context.Context, txHash string) (bool, error)
	MarkDefaultEvaluated(ctx context.Context, txHash string, at time.Time) error
	UnevaluatedDefaults(ctx context.Context, before time.Time, limit int) ([]event.DefaultEvent, error)
}

type PolicySource interface {
	ActiveByVault(ctx context.Context, vaultID string) ([]state.Policy, error)
}

type ClaimValidator interface {
	ValidateDefault(ctx context.Context, evt event.DefaultEvent, p state.Policy) (claim.Result, error)
}

type Settler interface {
	Submit(ctx context.Context, claimID uuid.UUID) (state.Claim, error)
}

type PipelineConfig struct {
	Workers     int
	ShardBuffer int
	// ValidateRetries bounds attempts per policy when validation fails on
	// a transient error.
	ValidateRetries int
	RetryBase       time.Duration
	// The sweep re-evaluates defaults recorded at least SweepGrace ago
	// that never reached a decision, SweepBatch at a time.
	SweepInterval time.Duration
	SweepGrace    time.Duration
	SweepBatch    int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Workers:         8,
		ShardBuffer:     64,
		ValidateRetries: 3,
		RetryBase:       200 * time.Millisecond,
		SweepInterval:   time.Minute,
		SweepGrace:      5 * time.Minute,
		SweepBatch:      100,
	}
}

// Pipeline turns detected defaults into claims. Events are sharded by loan
// so one loan's defaults are handled in ledger order by a single worker.
type Pipeline struct {
	cfg       PipelineConfig
	store     DefaultStore
	policies  PolicySource
	validator ClaimValidator
	settler   Settler
	emitter   event.Emitter

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPipeline(
	cfg PipelineConfig,
	store DefaultStore,
	policies PolicySource,
	validator ClaimValidator,
	settler Settler,
	emitter event.Emitter,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ShardBuffer <= 0 {
		cfg.ShardBuffer = def.ShardBuffer
	}
	if cfg.ValidateRetries <= 0 {
		cfg.ValidateRetries = def.ValidateRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = def.SweepGrace
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if emitter == nil {
		emitter = event.Discard
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		policies:  policies,
		validator: validator,
		settler:   settler,
		emitter:   emitter,
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Shard maps a loan to a worker index.
func Shard(loanID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(loanID))
	return int(h.Sum32() % uint32(workers))
}

// Run consumes in until it is closed or ctx is done, then waits for the
// workers to drain.
func (p *Pipeline) Run(ctx context.Context, in <-chan event.DefaultEvent) error {
	shards := make([]chan event.DefaultEvent, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan event.DefaultEvent, p.cfg.ShardBuffer)
		wg.Add(1)
		go func(ch <-chan event.DefaultEvent) {
			defer wg.Done()
			for evt := range ch {
				if err := p.Process(ctx, evt); err != nil && ctx.Err() == nil {
					p.logger.Error().Err(err).Str("tx_hash", evt.TxHash).Str("loan_id", evt.LoanID).Msg("default processing failed")
				}
			}
		}(shards[i])
	}

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
		p.logger.Info().Msg("claim pipeline stopped")
	}()

	p.logger.Info().Int("workers", p.cfg.Workers).Msg("claim pipeline started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case shards[Shard(evt.LoanID, p.cfg.Workers)] <- evt:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Process records one default and evaluates every active policy on its
// vault. A default already recorded and evaluated is dropped; one recorded
// but never evaluated is evaluated again.
func (p *Pipeline) Process(ctx context.Context, evt event.DefaultEvent) error {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
		}
	}()

	err := p.store.InsertDefaultEvent(ctx, evt)
	switch {
	case err == nil:
		p.emit(event.EventTypeDefaultDetected, evt, "")
	case errors.Is(err, persistence.ErrDuplicate):
		done, err := p.store.DefaultEvaluated(ctx, evt.TxHash)
		if err != nil {
			return fmt.Errorf("default %s: %w", evt.TxHash, err)
		}
		if done {
			if p.metrics != nil {
				p.metrics.EventsDeduplicated.WithLabelValues("pipeline").Inc()
			}
			p.logger.Debug().Str("tx_hash", evt.TxHash).Msg("default already recorded")
			return nil
		}
		p.logger.Info().Str("tx_hash", evt.TxHash).Msg("resuming evaluation of recorded default")
	default:
		return fmt.Errorf("record default %s: %w", evt.TxHash, err)
	}
	return p.evaluate(ctx, evt)
}

// Sweep evaluates again the recorded defaults that never reached a
// decision for every policy, and returns how many it completed.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	pending, err := p.store.UnevaluatedDefaults(ctx, p.now().Add(-p.cfg.SweepGrace), p.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	completed := 0
	var errs []error
	for _, evt := range pending {
		if err := p.evaluate(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("default %s: %w", evt.TxHash, err))
			continue
		}
		completed++
		if p.metrics != nil {
			p.metrics.DefaultsResumed.Inc()
		}
	}
	return completed, errors.Join(errs...)
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Int("completed", n).Msg("default sweep incomplete")
				continue
			}
			if n > 0 {
				p.logger.Info().Int("completed", n).Msg("default sweep evaluated recorded defaults")
			}
		}
	}
}

// evaluate decides every active policy on the default's vault and marks
// the default evaluated once none is left undecided.
func (p *Pipeline) evaluate(ctx context.Context, evt event.DefaultEvent) error {
	if !evt.Automatable() {
		if p.metrics != nil {
			p.metrics.ManualReviews.Inc()
		}
		p.emit(event.EventTypeDefaultInconsistent, evt,
			fmt.Sprintf("computed loss %d, observed %d", evt.VaultLoss, evt.ObservedLoss))
		p.logger.Warn().
			Str("tx_hash", evt.TxHash).
			Str("loan_id", evt.LoanID).
			Int64("vault_loss", evt.VaultLoss).
			Int64("observed_loss", evt.ObservedLoss).
			Msg("default held for manual review")
		return p.markEvaluated(ctx, evt)
	}

	policies, err := p.policies.ActiveByVault(ctx, evt.VaultID)
	if err != nil {
		return fmt.Errorf("policies for vault %s: %w", evt.VaultID, err)
	}
	if len(policies) == 0 {
		p.logger.Info().Str("vault_id", evt.VaultID).Str("tx_hash", evt.TxHash).Msg("no active policy on vault")
		return p.markEvaluated(ctx, evt)
	}

	var errs []error
	for _, pol := range policies {
		if err := p.claimPolicy(ctx, evt, pol); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return p.markEvaluated(ctx, evt)
}

func (p *Pipeline) markEvaluated(ctx context.Context, evt event.DefaultEvent) error {
	if err := p.store.MarkDefaultEvaluated(ctx, evt.TxHash, p.now()); err != nil {
		return fmt.Errorf("mark default %s evaluated: %w", evt.TxHash, err)
	}
	return nil
}

func (p *Pipeline) claimPolicy(ctx context.Context, evt event.DefaultEvent, pol state.Policy) error {
	res, err := p.validate(ctx, evt, pol)
	if err != nil {
		return fmt.Errorf("validate policy %s: %w", pol.ID, err)
	}
	if !res.Approved || res.Claim.Status != state.ClaimStatusApproved {
		return nil
	}
	if _, err := p.settler.Submit(ctx, res.Claim.ID); err != nil {
		return fmt.Errorf("submit claim %s: %w", res.Claim.ID, err)
	}
	return nil
}

func (p *Pipeline) validate(ctx context.Context, evt event.DefaultEvent, pol state.Policy) (claim.Result, error) {
	var err error
	for attempt := 0; attempt < p.cfg.ValidateRetries; attempt++ {
		if attempt > 0 {
			delay := p.cfg.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return claim.Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		var res claim.Result
		res, err = p.validator.ValidateDefault(ctx, evt, pol)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, claim.ErrManualReview) {
			return claim.Result{}, err
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Str("policy_id", pol.ID.String()).Msg("claim validation failed")
	}
	return claim.Result{}, err
}

func (p *Pipeline) emit(kind event.EventType, evt event.DefaultEvent, detail string) {
	l := event.NewLifecycle(kind, p.now())
	l.VaultID = evt.VaultID
	l.TxHash = evt.TxHash
	l.Amount = evt.VaultLoss
	l.Detail = detail
	if detail == "" {
		l.Detail = "loan " + evt.LoanID
	}
	p.emitter.Emit(l)
}
