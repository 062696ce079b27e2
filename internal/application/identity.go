package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/metrics"
)

// RecordIdentity stores the signals of a successful login or registration.
// It is the only path that writes owner identity history; visits never do.
func (s *Service) RecordIdentity(ctx context.Context, ev IdentityEvent) error {
	subjectID := strings.TrimSpace(ev.SubjectID)
	if subjectID == "" {
		return fmt.Errorf("%w: subject id is required", domain.ErrInvalidInput)
	}
	now := s.nowFn()
	signals := ev.Signals.Normalize(now)
	if signals.IsEmpty() {
		return fmt.Errorf("%w: at least one identity signal is required", domain.ErrInvalidInput)
	}

	if strings.TrimSpace(ev.ReferralCode) != "" {
		code, err := domain.NormalizeReferralCode(ev.ReferralCode)
		if err != nil {
			return err
		}
		if err := s.subjects.Upsert(ctx, domain.ReferralSubject{
			SubjectID:    subjectID,
			ReferralCode: code,
			CreatedAt:    now,
		}); err != nil {
			return fmt.Errorf("upsert referral subject: %w", err)
		}
		if err := s.codeCache.Put(ctx, code, subjectID, s.cfg.CodeCacheTTL); err != nil {
			s.degraded(ctx, "code_cache", "cache_code", err)
		}
	}

	if err := s.history.Upsert(ctx, subjectID, signals); err != nil {
		return fmt.Errorf("upsert identity history: %w", err)
	}
	if err := s.identityCache.Refresh(ctx, subjectID, signals, s.cfg.IdentityCacheTTL); err != nil {
		s.degraded(ctx, "identity_cache", "refresh_identity_cache", err)
	}

	s.logger.InfoContext(ctx, "identity recorded",
		"service", s.cfg.ServiceName,
		"module", "application",
		"layer", "application",
		"operation", "record_identity",
		"outcome", "success",
		"subject_id", subjectID,
		"has_device_id", signals.DeviceID != "",
	)
	return nil
}

// PurgeExpiredIdentities deletes history rows older than the retention
// horizon and reports what is left.
func (s *Service) PurgeExpiredIdentities(ctx context.Context) (PurgeReport, error) {
	if s.cfg.RetentionHorizon <= 0 {
		return PurgeReport{}, fmt.Errorf("%w: retention horizon must be positive", domain.ErrInvalidInput)
	}
	now := s.nowFn()
	cutoff := now.Add(-s.cfg.RetentionHorizon)

	deleted, err := s.history.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return PurgeReport{}, fmt.Errorf("purge identity history: %w", err)
	}
	metrics.IdentityRowsPurged.Add(float64(deleted))

	report := PurgeReport{Cutoff: cutoff, Deleted: deleted}
	if report.Stats, err = s.history.Stats(ctx, now, cutoff); err != nil {
		return report, fmt.Errorf("identity history stats: %w", err)
	}
	if report.MultiDevice, err = s.history.MultiDeviceSubjects(ctx, s.cfg.MultiDeviceThreshold, 20); err != nil {
		return report, fmt.Errorf("multi-device subjects: %w", err)
	}

	s.logger.InfoContext(ctx, "identity history purged",
		"service", s.cfg.ServiceName,
		"module", "application",
		"layer", "application",
		"operation", "purge_identity_history",
		"outcome", "success",
		"cutoff", cutoff,
		"deleted", deleted,
		"total_rows", report.Stats.TotalRows,
		"distinct_subjects", report.Stats.DistinctSubjects,
		"active_7d", report.Stats.Active7d,
		"active_30d", report.Stats.Active30d,
		"multi_device_subjects", len(report.MultiDevice),
	)
	return report, nil
}
