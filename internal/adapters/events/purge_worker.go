package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
)

type identityPurger interface {
	PurgeExpiredIdentities(ctx context.Context) (application.PurgeReport, error)
}

// PurgeWorker enforces the identity history retention horizon on a schedule.
type PurgeWorker struct {
	logger   *slog.Logger
	purger   identityPurger
	interval time.Duration
}

func NewPurgeWorker(logger *slog.Logger, purger identityPurger, interval time.Duration) *PurgeWorker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeWorker{logger: logger, purger: purger, interval: interval}
}

// Run purges once immediately and then on every tick until ctx is done.
func (w *PurgeWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.purger.PurgeExpiredIdentities(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "identity purge iteration failed",
				"module", "events.purge_worker",
				"layer", "adapter",
				"operation", "purge_identity_history",
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
