package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/metrics"
)

// RecordVisit arbitrates one referral click: resolve the code, screen the
// request, look for the subject's own identity, persist the visit and issue
// the pending reward token. Steps run in that order.
func (s *Service) RecordVisit(ctx context.Context, req VisitRequest) (VisitResult, error) {
	started := time.Now()
	defer func() {
		metrics.ArbitrationDuration.Observe(float64(time.Since(started).Microseconds()) / 1000)
	}()

	now := s.nowFn()
	visitor := req.Visitor.Normalize(now)
	if visitor.SourceAddress == "" {
		return VisitResult{}, fmt.Errorf("%w: source address is required", domain.ErrInvalidInput)
	}
	policy := s.Policy()

	code, err := domain.NormalizeReferralCode(req.ReferralCode)
	if err != nil {
		return s.visitOutcome(domain.VisitNotFound), nil
	}
	subjectID, found, err := s.resolveCode(ctx, code)
	if err != nil {
		return VisitResult{}, err
	}
	if !found {
		return s.visitOutcome(domain.VisitNotFound), nil
	}

	screen := s.Screen(ctx, domain.ScreenRequest{
		ReferralCode:       code,
		SourceAddress:      visitor.SourceAddress,
		UserAgent:          req.UserAgent,
		DeviceID:           visitor.DeviceID,
		BrowserFingerprint: visitor.BrowserFingerprint,
		TimeOnPage:         req.TimeOnPage,
	})
	if screen.HardReject {
		metrics.VisitsRejected.WithLabelValues(screen.RejectReason).Inc()
		s.logger.WarnContext(ctx, "referral visit rejected",
			"service", s.cfg.ServiceName,
			"module", "application",
			"layer", "application",
			"operation", "record_visit",
			"outcome", string(domain.VisitHardRejected),
			"reason", screen.RejectReason,
			"referral_code", code,
			"source_address", visitor.SourceAddress,
			"user_agent", req.UserAgent,
		)
		return s.visitOutcome(domain.VisitHardRejected), nil
	}

	flags := append([]string(nil), screen.SoftFlags...)
	if visitor.DeviceID == "" {
		flags = append(flags, domain.FlagMissingDeviceID)
	}
	for _, f := range flags {
		metrics.SoftFlags.WithLabelValues(f).Inc()
	}

	if match, source, ok := s.detectSelfClick(ctx, subjectID, visitor, policy.Scoring, now); ok {
		metrics.SelfClicks.WithLabelValues(string(source)).Inc()
		flags = append(flags, domain.SelfClickFlag(source, match))
		s.logger.InfoContext(ctx, "self-click detected",
			"service", s.cfg.ServiceName,
			"module", "application",
			"layer", "application",
			"operation", "record_visit",
			"outcome", "self_click",
			"subject_id", subjectID,
			"evidence", string(source),
			"score", match.Score,
			"reasons", match.Reasons,
		)
	}
	flags = domain.UniqFlags(flags)
	if len(flags) == 0 && s.spendAddressReward(ctx, visitor.SourceAddress, policy.Screening) {
		metrics.SoftFlags.WithLabelValues(domain.FlagAddressRewardLimit).Inc()
		flags = append(flags, domain.FlagAddressRewardLimit)
	}
	eligible := len(flags) == 0

	visit := domain.Visit{
		VisitID:        uuid.New(),
		SubjectID:      subjectID,
		ReferralCode:   code,
		Visitor:        visitor,
		UserAgent:      req.UserAgent,
		Flags:          flags,
		RewardEligible: eligible,
		CreatedAt:      now,
	}
	event := newOutboxEvent(EventTypeVisitRecorded, subjectID, visitRecordedPayload{
		VisitID:        visit.VisitID,
		SubjectID:      subjectID,
		ReferralCode:   code,
		RewardEligible: eligible,
		Flags:          flags,
		SourceAddress:  visitor.SourceAddress,
		RecordedAt:     now,
	}, now)
	if err := s.visits.CreateWithOutbox(ctx, visit, event); err != nil {
		return VisitResult{}, fmt.Errorf("record visit: %w", err)
	}

	pending := false
	if visitor.DeviceID != "" {
		err := s.pending.Put(ctx, code, visitor.DeviceID, domain.PendingReward{
			VisitID:        visit.VisitID,
			SubjectID:      subjectID,
			ReferralCode:   code,
			RewardEligible: eligible,
			Flags:          flags,
			Visitor:        visitor,
			IssuedAt:       now,
		}, s.cfg.PendingTokenTTL)
		if err != nil {
			s.degraded(ctx, "pending_rewards", "issue_pending_reward", err)
		} else {
			pending = true
		}
	}

	res := s.visitOutcome(domain.VisitAccepted)
	res.VisitID = visit.VisitID
	res.RewardEligible = eligible
	res.Flags = flags
	res.PendingConfirmation = pending
	return res, nil
}

func (s *Service) visitOutcome(outcome domain.VisitOutcome) VisitResult {
	metrics.VisitsTotal.WithLabelValues(string(outcome)).Inc()
	return VisitResult{Outcome: outcome, Flags: []string{}}
}

// resolveCode maps a referral code to its subject, cache first. A durable
// hit populates the cache.
func (s *Service) resolveCode(ctx context.Context, code string) (string, bool, error) {
	subjectID, ok, err := s.codeCache.Get(ctx, code)
	if err != nil {
		s.degraded(ctx, "code_cache", "resolve_code", err)
	} else if ok {
		return subjectID, true, nil
	}

	subject, err := s.subjects.GetByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve referral code: %w", err)
	}
	if err := s.codeCache.Put(ctx, code, subject.SubjectID, s.cfg.CodeCacheTTL); err != nil {
		s.degraded(ctx, "code_cache", "cache_code", err)
	}
	return subject.SubjectID, true, nil
}

// detectSelfClick reads both identity sources, then scores the cached
// snapshot and the durable rows newest first, stopping at the first match.
// Unreadable sources count as empty.
func (s *Service) detectSelfClick(
	ctx context.Context,
	subjectID string,
	visitor domain.IdentitySignals,
	policy domain.ScoringPolicy,
	now time.Time,
) (domain.MatchScore, domain.EvidenceSource, bool) {
	cutoff := now.Add(-s.cfg.RetentionHorizon)

	snapshot, err := s.identityCache.Snapshot(ctx, subjectID)
	if err != nil {
		s.degraded(ctx, "identity_cache", "read_identity_cache", err)
	}
	rows, err := s.history.ListSince(ctx, subjectID, cutoff, s.cfg.HistoryScanLimit)
	if err != nil {
		s.degraded(ctx, "identity_history", "read_identity_history", err)
		rows = nil
	}

	if !snapshot.IsEmpty() {
		if m := domain.Score(visitor, snapshot, policy); m.IsSelfClick(policy) {
			return m, domain.EvidenceCache, true
		}
	}
	for _, row := range rows {
		if row.LastSeen.Before(cutoff) {
			continue
		}
		if m := domain.Score(visitor, row.Signals, policy); m.IsSelfClick(policy) {
			return m, domain.EvidenceHistory, true
		}
	}
	return domain.MatchScore{}, "", false
}
