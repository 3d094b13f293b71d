package monitor

import (
	"WardProtocol/internal/core"
	"WardProtocol/internal/event"
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/loss"
	"WardProtocol/internal/observability"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	sourceLive      = "live"
	sourceReconcile = "reconcile"
)

type Config struct {
	// Accounts scopes the feed subscription and the reconciliation queries.
	Accounts []string
	// Brokers limits which brokers' defaults are reported. Empty means all.
	Brokers []string

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	QueryTimeout  time.Duration
	QueryRetries  int
	QueryBackoff  time.Duration
	CursorName    string
	BufferSize    int
}

func DefaultConfig() Config {
	return Config{
		ReconnectBase: time.Second,
		ReconnectCap:  60 * time.Second,
		QueryTimeout:  10 * time.Second,
		QueryRetries:  5,
		QueryBackoff:  500 * time.Millisecond,
		CursorName:    "monitor",
		BufferSize:    256,
	}
}

// Cursor persists the last ledger sequence the monitor has handled.
type Cursor interface {
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, seq int64) error
}

// Monitor watches the ledger for loan defaults and publishes one
// DefaultEvent per default transaction on Events.
type Monitor struct {
	cfg    Config
	feed   Feed
	reader ledger.StateReader
	calc   *loss.Calculator
	dedupe *core.Deduper
	cursor Cursor

	out chan event.DefaultEvent

	mu      sync.RWMutex
	brokers map[string]struct{}

	seqMu   sync.Mutex
	lastSeq int64

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(cfg Config, feed Feed, reader ledger.StateReader, dedupe *core.Deduper, cursor Cursor, logger zerolog.Logger, metrics *observability.Metrics) *Monitor {
	def := DefaultConfig()
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = def.ReconnectCap
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.QueryRetries <= 0 {
		cfg.QueryRetries = def.QueryRetries
	}
	if cfg.QueryBackoff <= 0 {
		cfg.QueryBackoff = def.QueryBackoff
	}
	if cfg.CursorName == "" {
		cfg.CursorName = def.CursorName
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	m := &Monitor{
		cfg:     cfg,
		feed:    feed,
		reader:  reader,
		calc:    loss.NewCalculator(reader),
		dedupe:  dedupe,
		cursor:  cursor,
		out:     make(chan event.DefaultEvent, cfg.BufferSize),
		brokers: make(map[string]struct{}),
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
	for _, b := range cfg.Brokers {
		m.brokers[b] = struct{}{}
	}
	return m
}

// SetClock replaces the time source used for DetectedAt.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Events delivers detected defaults. It is closed when Run returns.
func (m *Monitor) Events() <-chan event.DefaultEvent { return m.out }

func (m *Monitor) AddBroker(id string) {
	m.mu.Lock()
	m.brokers[id] = struct{}{}
	m.mu.Unlock()
	m.logger.Info().Str("broker_id", id).Msg("broker added to watch list")
}

func (m *Monitor) RemoveBroker(id string) {
	m.mu.Lock()
	delete(m.brokers, id)
	m.mu.Unlock()
	m.logger.Info().Str("broker_id", id).Msg("broker removed from watch list")
}

// Brokers lists watched brokers; empty means every broker is watched.
func (m *Monitor) Brokers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.brokers))
	for b := range m.brokers {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) watching(brokerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.brokers) == 0 {
		return true
	}
	_, ok := m.brokers[brokerID]
	return ok
}

// LastSequence is the highest ledger whose transactions have all been
// handled.
func (m *Monitor) LastSequence() int64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	return m.lastSeq
}

// Run subscribes, reconciles and processes the feed until ctx is done,
// resubscribing with exponential backoff after every disconnect.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.out)

	seq, err := m.cursor.LoadCursor(ctx, m.cfg.CursorName)
	if err != nil {
		return fmt.Errorf("load monitor cursor: %w", err)
	}
	m.setLast(seq)

	attempt := 0
	for {
		connected, err := m.session(ctx)
		if ctx.Err() != nil {
			m.logger.Info().Int64("last_sequence", m.LastSequence()).Msg("monitor stopped")
			return nil
		}
		if connected {
			attempt = 0
		}

		delay := Backoff(attempt, m.cfg.ReconnectBase, m.cfg.ReconnectCap)
		attempt++
		if m.metrics != nil {
			m.metrics.FeedReconnects.WithLabelValues("ledger").Inc()
		}
		m.logger.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("ledger feed lost; resubscribing")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one subscription. connected reports whether the
// subscription and its reconciliation pass succeeded.
func (m *Monitor) session(ctx context.Context) (connected bool, err error) {
	sub, err := m.feed.Subscribe(ctx, m.cfg.Accounts)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	live := sub.Transactions()
	var buffered []ledger.Transaction

	// Buffer the live stream while missed ledgers are replayed.
	done := make(chan error, 1)
	go func() { done <- m.reconcile(ctx) }()

reconciling:
	for {
		select {
		case tx, ok := <-live:
			if !ok {
				<-done
				return false, streamErr(sub)
			}
			buffered = append(buffered, tx)
		case err := <-done:
			if err != nil {
				return false, fmt.Errorf("reconcile: %w", err)
			}
			break reconciling
		}
	}

	m.logger.Info().Int("buffered", len(buffered)).Int64("last_sequence", m.LastSequence()).Msg("ledger feed subscribed")
	for _, tx := range buffered {
		if err := m.handle(ctx, tx, sourceLive); err != nil {
			return true, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case tx, ok := <-live:
			if !ok {
				return true, streamErr(sub)
			}
			if err := m.handle(ctx, tx, sourceLive); err != nil {
				return true, err
			}
		}
	}
}

func streamErr(sub Subscription) error {
	if err := sub.Err(); err != nil {
		return err
	}
	return errors.New("feed closed")
}

// reconcile replays (lastSeq, latest] from account history. On first start,
// with no cursor, it begins at the current ledger.
func (m *Monitor) reconcile(ctx context.Context) error {
	var latest int64
	if err := m.query(ctx, "latest_sequence", func(ctx context.Context) (err error) {
		latest, err = m.reader.LatestSequence(ctx)
		return err
	}); err != nil {
		return err
	}

	from := m.LastSequence()
	if from == 0 {
		m.advance(ctx, latest)
		return nil
	}
	if latest <= from {
		return nil
	}

	seen := make(map[string]struct{})
	var missed []ledger.Transaction
	for _, account := range m.cfg.Accounts {
		var txs []ledger.Transaction
		if err := m.query(ctx, "account_tx", func(ctx context.Context) (err error) {
			txs, err = m.reader.AccountTransactions(ctx, account, from+1, latest)
			return err
		}); err != nil {
			return err
		}
		for _, tx := range txs {
			if _, dup := seen[tx.Hash]; dup {
				continue
			}
			seen[tx.Hash] = struct{}{}
			missed = append(missed, tx)
		}
	}
	ledger.SortTransactions(missed)

	for _, tx := range missed {
		if err := m.handle(ctx, tx, sourceReconcile); err != nil {
			return err
		}
	}
	if m.metrics != nil {
		m.metrics.ReconciledTxs.Add(float64(len(missed)))
	}
	m.advance(ctx, latest)
	m.logger.Info().Int64("from", from+1).Int64("to", latest).Int("transactions", len(missed)).Msg("reconciled missed ledgers")
	return nil
}

// handle processes one transaction. Errors are transient: the caller
// resubscribes and the cursor has not reached tx's ledger.
func (m *Monitor) handle(ctx context.Context, tx ledger.Transaction, source string) error {
	if !tx.IsLoanDefault() || !tx.Succeeded() {
		m.advanceBefore(ctx, tx)
		return nil
	}
	if m.dedupe.Seen(ctx, tx.Hash) {
		m.advanceBefore(ctx, tx)
		return nil
	}

	evt, ok, err := m.detect(ctx, tx)
	if err != nil {
		return fmt.Errorf("default tx %s: %w", tx.Hash, err)
	}
	if !ok {
		m.advanceBefore(ctx, tx)
		return nil
	}

	if m.metrics != nil {
		m.metrics.DefaultsDetected.WithLabelValues(source).Inc()
		if evt.Inconsistent {
			m.metrics.DefaultsInconsistent.Inc()
		}
	}

	select {
	case m.out <- evt:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.dedupe.MarkProcessed(tx.Hash)
	m.advanceBefore(ctx, tx)
	return nil
}

// detect builds the DefaultEvent for a LoanManage default transaction. ok is
// false when the transaction does not describe a default to report.
func (m *Monitor) detect(ctx context.Context, tx ledger.Transaction) (event.DefaultEvent, bool, error) {
	seq := tx.LedgerSequence

	var loan ledger.LoanRecord
	err := m.query(ctx, "loan", func(ctx context.Context) (err error) {
		loan, err = m.reader.Loan(ctx, tx.LoanID, seq)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		m.logger.Warn().Str("tx_hash", tx.Hash).Str("loan_id", tx.LoanID).Msg("default tx references unknown loan")
		return event.DefaultEvent{}, false, nil
	}
	if err != nil {
		return event.DefaultEvent{}, false, err
	}
	if !loan.IsDefaulted() {
		m.logger.Warn().Str("tx_hash", tx.Hash).Str("loan_id", loan.ID).Msg("default flag not set on loan; ignoring")
		m.dedupe.MarkProcessed(tx.Hash)
		return event.DefaultEvent{}, false, nil
	}
	if !m.watching(loan.BrokerID) {
		return event.DefaultEvent{}, false, nil
	}

	var broker ledger.BrokerRecord
	if err := m.query(ctx, "broker", func(ctx context.Context) (err error) {
		broker, err = m.reader.Broker(ctx, loan.BrokerID, seq)
		return err
	}); err != nil {
		return event.DefaultEvent{}, false, err
	}

	var a loss.Assessment
	if err := m.query(ctx, "assess", func(ctx context.Context) (err error) {
		a, err = m.calc.Assess(ctx, loan, broker, seq)
		return err
	}); err != nil {
		return event.DefaultEvent{}, false, err
	}

	evt := event.DefaultEvent{
		LoanID:         loan.ID,
		BrokerID:       broker.ID,
		VaultID:        broker.VaultID,
		TxHash:         tx.Hash,
		TxType:         tx.Type,
		LedgerSequence: seq,
		DefaultAmount:  a.DefaultAmount,
		MinimumCover:   a.MinimumCover,
		DefaultCovered: a.DefaultCovered,
		VaultLoss:      a.VaultLoss,
		ObservedLoss:   a.ObservedLoss,
		Inconsistent:   !a.Consistent,
		DetectedAt:     m.now().UTC(),
	}

	impact := loss.ShareImpact(a.VaultBefore, a.VaultLoss)
	log := m.logger.Info()
	if evt.Inconsistent {
		log = m.logger.Warn()
	}
	log.Str("tx_hash", tx.Hash).
		Str("loan_id", loan.ID).
		Str("broker_id", broker.ID).
		Str("vault_id", broker.VaultID).
		Int64("ledger_sequence", seq).
		Int64("default_amount", a.DefaultAmount).
		Int64("default_covered", a.DefaultCovered).
		Int64("vault_loss", a.VaultLoss).
		Int64("observed_loss", a.ObservedLoss).
		Bool("inconsistent", evt.Inconsistent).
		Str("share_value_before", impact.ShareValueBefore.String()).
		Str("share_value_after", impact.ShareValueAfter.String()).
		Int64("loss_bps", impact.LossBps).
		Msg("loan default detected")
	return evt, true, nil
}

// query runs fn with a per-call timeout, retrying transient failures with
// backoff. ErrNotFound is returned at once.
func (m *Monitor) query(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < m.cfg.QueryRetries; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
		err = fn(qctx)
		cancel()
		if err == nil || errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrInvalidRecord) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := Backoff(attempt, m.cfg.QueryBackoff, m.cfg.ReconnectCap)
		m.logger.Debug().Err(err).Str("query", name).Dur("retry_in", delay).Msg("ledger query failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", name, m.cfg.QueryRetries, err)
}

func (m *Monitor) setLast(seq int64) {
	m.seqMu.Lock()
	if seq > m.lastSeq {
		m.lastSeq = seq
	}
	m.seqMu.Unlock()
}

// advanceBefore moves the cursor to the ledger preceding tx. Later
// transactions of tx's own ledger may still be pending, so that ledger is
// only complete once a later ledger or a reconcile pass reaches it.
func (m *Monitor) advanceBefore(ctx context.Context, tx ledger.Transaction) {
	m.advance(ctx, tx.LedgerSequence-1)
}

// advance moves the cursor forward and persists it.
func (m *Monitor) advance(ctx context.Context, seq int64) {
	m.seqMu.Lock()
	if seq <= m.lastSeq {
		m.seqMu.Unlock()
		return
	}
	m.lastSeq = seq
	m.seqMu.Unlock()

	if m.metrics != nil {
		m.metrics.LastProcessedSeq.Set(float64(seq))
	}
	if err := m.cursor.SaveCursor(ctx, m.cfg.CursorName, seq); err != nil {
		m.logger.Warn().Err(err).Int64("sequence", seq).Msg("failed to persist monitor cursor")
	}
}
