package postgres

import (
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
	"gorm.io/gorm"
)

// Repositories bundles every durable store the service needs. They share one
// pool so visit and ledger writes can commit their outbox rows atomically.
type Repositories struct {
	Subjects ports.ReferralSubjectRepository
	History  ports.IdentityHistoryRepository
	Visits   ports.VisitRepository
	Ledger   ports.RewardLedger
	Outbox   ports.OutboxRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Subjects: &referralSubjectRepository{db: db},
		History:  &identityHistoryRepository{db: db},
		Visits:   &visitRepository{db: db},
		Ledger:   &rewardLedger{db: db},
		Outbox:   &outboxRepository{db: db},
	}
}

func outboxRow(event ports.OutboxEvent) referralOutboxModel {
	return referralOutboxModel{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      string(event.Payload),
		CreatedAt:    event.OccurredAt.UTC(),
	}
}
