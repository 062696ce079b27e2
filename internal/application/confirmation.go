package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/metrics"
)

// ConfirmReward redeems the pending reward token for (code, device id) at
// most once. The token is removed by an atomic take before any decision, so
// of two concurrent confirmations only one sees it.
func (s *Service) ConfirmReward(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	platform, err := s.cfg.Platforms.Lookup(req.Platform)
	if err != nil {
		return ConfirmResult{}, err
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	code, err := domain.NormalizeReferralCode(req.ReferralCode)
	if err != nil || deviceID == "" {
		return s.confirmOutcome(ctx, domain.ConfirmTokenMissing, nil, platform), nil
	}

	pending, err := s.pending.Take(ctx, code, deviceID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("take pending reward: %w", err)
	}
	if pending == nil {
		return s.confirmOutcome(ctx, domain.ConfirmTokenMissing, nil, platform), nil
	}

	now := s.nowFn()
	if !pending.MatchesClient(deviceID, strings.TrimSpace(req.DeviceFingerprint), strings.TrimSpace(req.BrowserFingerprint)) {
		s.enqueue(ctx, newOutboxEvent(EventTypeTokenMismatch, pending.SubjectID, tokenMismatchPayload{
			VisitID:      pending.VisitID,
			SubjectID:    pending.SubjectID,
			ReferralCode: code,
			DeviceID:     deviceID,
			OccurredAt:   now,
		}, now))
		return s.confirmOutcome(ctx, domain.ConfirmTokenMismatch, pending, platform), nil
	}

	payload := rewardPayload{
		VisitID:      pending.VisitID,
		SubjectID:    pending.SubjectID,
		ReferralCode: code,
		Platform:     platform.Name,
		Flags:        pending.Flags,
		OccurredAt:   now,
	}
	if !pending.RewardEligible {
		s.enqueue(ctx, newOutboxEvent(EventTypeRewardWithheld, pending.SubjectID, payload, now))
		return s.confirmOutcome(ctx, domain.ConfirmWithheld, pending, platform), nil
	}

	payload.Amount = 1
	err = s.ledger.Credit(ctx, domain.RewardCredit{
		CreditID:  uuid.New(),
		SubjectID: pending.SubjectID,
		VisitID:   pending.VisitID,
		Amount:    1,
		Platform:  platform.Name,
		CreatedAt: now,
	}, newOutboxEvent(EventTypeRewardGranted, pending.SubjectID, payload, now))
	if errors.Is(err, domain.ErrAlreadyCredited) {
		return s.confirmOutcome(ctx, domain.ConfirmTokenMissing, pending, platform), nil
	}
	if err != nil {
		s.restorePending(ctx, *pending)
		return ConfirmResult{}, fmt.Errorf("credit reward: %w", err)
	}
	return s.confirmOutcome(ctx, domain.ConfirmGranted, pending, platform), nil
}

// restorePending puts a taken token back for the rest of its lifetime so a
// failed ledger write can be retried by the client.
func (s *Service) restorePending(ctx context.Context, pending domain.PendingReward) {
	remaining := pending.IssuedAt.Add(s.cfg.PendingTokenTTL).Sub(s.nowFn())
	if remaining <= 0 {
		return
	}
	if err := s.pending.Put(ctx, pending.ReferralCode, pending.Visitor.DeviceID, pending, remaining); err != nil {
		s.degraded(ctx, "pending_rewards", "restore_pending_reward", err)
	}
}

func (s *Service) confirmOutcome(ctx context.Context, outcome domain.ConfirmOutcome, pending *domain.PendingReward, platform domain.Platform) ConfirmResult {
	metrics.Confirmations.WithLabelValues(string(outcome)).Inc()

	attrs := []any{
		"service", s.cfg.ServiceName,
		"module", "application",
		"layer", "application",
		"operation", "confirm_reward",
		"outcome", string(outcome),
		"platform", platform.Name,
	}
	if pending != nil {
		attrs = append(attrs, "visit_id", pending.VisitID, "subject_id", pending.SubjectID)
	}
	switch outcome {
	case domain.ConfirmTokenMismatch:
		s.logger.ErrorContext(ctx, "security event: pending reward redeemed by a different client", attrs...)
		return ConfirmResult{Outcome: outcome}
	case domain.ConfirmTokenMissing:
		s.logger.InfoContext(ctx, "no pending click to confirm", attrs...)
		return ConfirmResult{Outcome: outcome}
	}
	s.logger.InfoContext(ctx, "referral confirmed", attrs...)
	return ConfirmResult{
		Outcome:       outcome,
		RewardGranted: outcome == domain.ConfirmGranted,
		Platform:      platform.Name,
		RedirectURL:   platform.RedirectURL,
	}
}
