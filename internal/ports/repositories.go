package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

// IdentityHistoryRepository is the durable source of truth for which devices
// belong to a subject. Rows are unique per (subject, device id).
type IdentityHistoryRepository interface {
	// Upsert refreshes signals and last_seen, keeping first_seen.
	Upsert(ctx context.Context, subjectID string, signals domain.IdentitySignals) error
	// ListSince returns rows seen at or after since, newest first.
	ListSince(ctx context.Context, subjectID string, since time.Time, limit int) ([]domain.IdentityHistory, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, now, cutoff time.Time) (domain.IdentityStats, error)
	MultiDeviceSubjects(ctx context.Context, moreThan, limit int) ([]domain.MultiDeviceSubject, error)
}

// ReferralSubjectRepository resolves referral codes to their owners.
type ReferralSubjectRepository interface {
	GetByCode(ctx context.Context, code string) (domain.ReferralSubject, error)
	Upsert(ctx context.Context, subject domain.ReferralSubject) error
}

// VisitRepository is the append-only visit log. The visit and its outbox
// event are written in one transaction.
type VisitRepository interface {
	CreateWithOutbox(ctx context.Context, visit domain.Visit, event OutboxEvent) error
}

// RewardLedger credits subjects. Credit returns domain.ErrAlreadyCredited
// when the visit was already rewarded.
type RewardLedger interface {
	Credit(ctx context.Context, credit domain.RewardCredit, event OutboxEvent) error
}

// OutboxEvent is the write-side event payload prior to storage.
type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

// OutboxRecord represents durable outbox state, including retry/error metadata.
type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	LastErrorAt    *time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository controls the publish-retry workflow for domain events.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
}
