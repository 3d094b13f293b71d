package persistence

import (
	"WardProtocol/internal/event"
	"WardProtocol/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BatchWriter persists a batch of lifecycle events.
type BatchWriter interface {
	WriteLifecycleBatch(ctx context.Context, events []event.Lifecycle) error
}

// AuditWorker drains the audit channel and batch-writes lifecycle events.
// Producers use blocking sends, so a stalled database back-pressures the
// pipeline instead of dropping audit records.
type AuditWorker struct {
	writer       BatchWriter
	input        <-chan event.Lifecycle
	batchSize    int
	flushTimeout time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewAuditWorker(
	writer BatchWriter,
	input <-chan event.Lifecycle,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *AuditWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 500 * time.Millisecond
	}
	return &AuditWorker{
		writer:       writer,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		retryBase:    100 * time.Millisecond,
		retryMax:     30 * time.Second,
		logger:       logger,
		metrics:      metrics,
	}
}

// SetRetryBackoff overrides the flush retry schedule.
func (w *AuditWorker) SetRetryBackoff(base, max time.Duration) {
	w.retryBase, w.retryMax = base, max
}

// Run batches incoming events and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or input is closed.
func (w *AuditWorker) Run(ctx context.Context) error {
	batch := make([]event.Lifecycle, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("final audit flush failed")
				}
			}
			return ctx.Err()

		case evt, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Int("events", len(batch)).Msg("final audit flush failed")
					}
				}
				return nil
			}

			batch = append(batch, evt)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("audit batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("audit timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries until the write succeeds or ctx is cancelled, in
// which case one last attempt is made with a background context.
func (w *AuditWorker) flushWithRetry(ctx context.Context, batch []event.Lifecycle) error {
	backoff := w.retryBase

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(batch)).Msg("audit flush retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.retryMax {
				backoff = w.retryMax
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("audit flush succeeded")
			}
			return nil
		}
		if w.metrics != nil {
			w.metrics.AuditErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *AuditWorker) flush(ctx context.Context, batch []event.Lifecycle) error {
	start := time.Now()
	if err := w.writer.WriteLifecycleBatch(ctx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.AuditErrors.WithLabelValues("write").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.AuditBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.AuditBatchSize.Observe(float64(len(batch)))
		w.metrics.AuditEventsWritten.Add(float64(len(batch)))
	}
	return nil
}
