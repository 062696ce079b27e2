package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

const (
	// EventTypeVisitRecorded is emitted with every accepted visit.
	EventTypeVisitRecorded = "referral.visit.recorded"
	// EventTypeRewardGranted is emitted in the ledger transaction.
	EventTypeRewardGranted = "referral.reward.granted"
	EventTypeRewardWithheld = "referral.reward.withheld"
	// EventTypeTokenMismatch is a security event: a token was redeemed by a
	// client that did not produce it.
	EventTypeTokenMismatch = "referral.security.token_mismatch"
)

type visitRecordedPayload struct {
	VisitID        uuid.UUID `json:"visit_id"`
	SubjectID      string    `json:"subject_id"`
	ReferralCode   string    `json:"referral_code"`
	RewardEligible bool      `json:"reward_eligible"`
	Flags          []string  `json:"flags"`
	SourceAddress  string    `json:"source_address"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type rewardPayload struct {
	VisitID      uuid.UUID `json:"visit_id"`
	SubjectID    string    `json:"subject_id"`
	ReferralCode string    `json:"referral_code"`
	Platform     string    `json:"platform"`
	Amount       int64     `json:"amount,omitempty"`
	Flags        []string  `json:"flags,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type tokenMismatchPayload struct {
	VisitID      uuid.UUID `json:"visit_id"`
	SubjectID    string    `json:"subject_id"`
	ReferralCode string    `json:"referral_code"`
	DeviceID     string    `json:"device_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func newOutboxEvent(eventType, partitionKey string, payload any, at time.Time) ports.OutboxEvent {
	raw, _ := json.Marshal(payload)
	return ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    eventType,
		PartitionKey: partitionKey,
		Payload:      raw,
		OccurredAt:   at,
	}
}

// enqueue writes an event outside of any business transaction. Failures are
// logged, not returned.
func (s *Service) enqueue(ctx context.Context, event ports.OutboxEvent) {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Enqueue(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue outbox event",
			"service", s.cfg.ServiceName,
			"module", "application",
			"layer", "application",
			"operation", "enqueue_event",
			"outcome", "failure",
			"event_type", event.EventType,
			"error", err,
		)
	}
}
