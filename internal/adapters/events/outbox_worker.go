package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/metrics"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

// OutboxWorkerConfig tunes the relay loop. Zero values take defaults.
type OutboxWorkerConfig struct {
	Interval   time.Duration
	BatchSize  int
	ClaimTTL   time.Duration
	MaxRetries int
}

// OutboxWorker relays committed visit and reward events to the broker.
type OutboxWorker struct {
	logger    *slog.Logger
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	cfg       OutboxWorkerConfig
	now       func() time.Time
}

func NewOutboxWorker(logger *slog.Logger, outbox ports.OutboxRepository, publisher ports.EventPublisher, cfg OutboxWorkerConfig) *OutboxWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxWorker{
		logger:    logger.With("module", "events.outbox_worker", "layer", "adapter"),
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run relays batches until ctx is cancelled.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"operation", "outbox_process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// OutboxBatch counts what one relay pass did.
type OutboxBatch struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

// RunOnce claims one batch and publishes it. Records that already used up
// their retries are dead-lettered without another attempt.
func (w *OutboxWorker) RunOnce(ctx context.Context) (OutboxBatch, error) {
	claimToken := uuid.NewString()
	records, err := w.outbox.ClaimUnpublished(ctx, w.cfg.BatchSize, claimToken, w.now().Add(w.cfg.ClaimTTL))
	if err != nil {
		return OutboxBatch{}, err
	}

	batch := OutboxBatch{Claimed: len(records)}
	for _, rec := range records {
		now := w.now()
		if rec.RetryCount >= w.cfg.MaxRetries {
			batch.DeadLettered++
			w.mark(ctx, rec, "dead_lettered", w.outbox.MarkDeadLettered(ctx, rec.OutboxID, claimToken, "retry threshold reached before publish", now))
			continue
		}

		pubErr := w.publisher.Publish(ctx, rec.EventType, rec.Payload, rec.PartitionKey)
		if pubErr == nil {
			batch.Published++
			w.mark(ctx, rec, "published", w.outbox.MarkPublished(ctx, rec.OutboxID, claimToken, now))
			continue
		}

		batch.Failed++
		attempts := rec.RetryCount + 1
		if attempts >= w.cfg.MaxRetries {
			batch.DeadLettered++
			w.logger.ErrorContext(ctx, "outbox message moved to dlq",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", rec.OutboxID,
				"event_type", rec.EventType,
				"retry_count", attempts,
				"error", pubErr,
			)
			w.mark(ctx, rec, "dead_lettered", w.outbox.MarkDeadLettered(ctx, rec.OutboxID, claimToken, pubErr.Error(), now))
			continue
		}
		w.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
			"operation", "publish_event",
			"outcome", "failure",
			"outbox_id", rec.OutboxID,
			"event_type", rec.EventType,
			"retry_count", attempts,
			"error", pubErr,
		)
		w.mark(ctx, rec, "failed", w.outbox.MarkFailed(ctx, rec.OutboxID, claimToken, pubErr.Error(), now))
	}

	if batch.Claimed > 0 {
		w.logger.InfoContext(ctx, "outbox batch processed",
			"operation", "outbox_process_once",
			"outcome", "success",
			"batch_size", batch.Claimed,
			"published_count", batch.Published,
			"failed_count", batch.Failed,
			"dead_lettered_count", batch.DeadLettered,
		)
	}
	return batch, nil
}

func (w *OutboxWorker) mark(ctx context.Context, rec ports.OutboxRecord, result string, err error) {
	metrics.OutboxMessages.WithLabelValues(result).Inc()
	if err == nil {
		return
	}
	// The lease lapses on its own; the row is retried by a later pass.
	w.logger.WarnContext(ctx, "outbox state update failed",
		"operation", "mark_"+result,
		"outcome", "failure",
		"outbox_id", rec.OutboxID,
		"error", err,
	)
}
