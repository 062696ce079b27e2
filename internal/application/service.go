package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/metrics"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

type Service struct {
	cfg           Config
	policy        atomic.Pointer[domain.Policy]
	logger        *slog.Logger
	subjects      ports.ReferralSubjectRepository
	history       ports.IdentityHistoryRepository
	visits        ports.VisitRepository
	ledger        ports.RewardLedger
	outbox        ports.OutboxRepository
	identityCache ports.IdentityCache
	codeCache     ports.CodeCache
	counters      ports.CounterStore
	pending       ports.PendingRewardStore
	nowFn         func() time.Time
}

type Dependencies struct {
	Config        Config
	Policy        domain.Policy
	Logger        *slog.Logger
	Subjects      ports.ReferralSubjectRepository
	History       ports.IdentityHistoryRepository
	Visits        ports.VisitRepository
	Ledger        ports.RewardLedger
	Outbox        ports.OutboxRepository
	IdentityCache ports.IdentityCache
	CodeCache     ports.CodeCache
	Counters      ports.CounterStore
	Pending       ports.PendingRewardStore
	Now           func() time.Time
}

func NewService(deps Dependencies) (*Service, error) {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "M98-Referral-Click-Guard"
	}
	if cfg.PendingTokenTTL <= 0 {
		cfg.PendingTokenTTL = 10 * time.Minute
	}
	if cfg.IdentityCacheTTL <= 0 {
		cfg.IdentityCacheTTL = 24 * time.Hour
	}
	if cfg.CodeCacheTTL <= 0 {
		cfg.CodeCacheTTL = time.Hour
	}
	if cfg.RetentionHorizon <= 0 {
		cfg.RetentionHorizon = 90 * 24 * time.Hour
	}
	if cfg.HistoryScanLimit <= 0 {
		cfg.HistoryScanLimit = 200
	}
	if cfg.MultiDeviceThreshold <= 0 {
		cfg.MultiDeviceThreshold = 5
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		cfg:           cfg,
		logger:        logger,
		subjects:      deps.Subjects,
		history:       deps.History,
		visits:        deps.Visits,
		ledger:        deps.Ledger,
		outbox:        deps.Outbox,
		identityCache: deps.IdentityCache,
		codeCache:     deps.CodeCache,
		counters:      deps.Counters,
		pending:       deps.Pending,
		nowFn:         nowFn,
	}
	if err := s.SetPolicy(deps.Policy); err != nil {
		return nil, err
	}
	return s, nil
}

// Policy returns the decision policy currently in force.
func (s *Service) Policy() domain.Policy {
	return *s.policy.Load()
}

// SetPolicy swaps the decision policy. Invalid policies are refused and the
// previous one stays active.
func (s *Service) SetPolicy(p domain.Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	s.policy.Store(&p)
	return nil
}

// Platforms lists the configured confirmation destinations.
func (s *Service) Platforms() []domain.Platform {
	return s.cfg.Platforms.List()
}

// degraded records an infrastructure failure that was downgraded to absent
// evidence.
func (s *Service) degraded(ctx context.Context, store, operation string, err error) {
	metrics.Degraded.WithLabelValues(store).Inc()
	s.logger.WarnContext(ctx, "store unavailable; continuing without it",
		"service", s.cfg.ServiceName,
		"module", "application",
		"layer", "application",
		"operation", operation,
		"outcome", "degraded",
		"store", store,
		"error", err,
	)
}
