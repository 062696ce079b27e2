package postgres

import (
	"time"

	"github.com/google/uuid"
)

type referralSubjectModel struct {
	SubjectID    string    `gorm:"column:subject_id;primaryKey"`
	ReferralCode string    `gorm:"column:referral_code"`
	Points       int64     `gorm:"column:points"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (referralSubjectModel) TableName() string { return "referral_subjects" }

type identityHistoryModel struct {
	SubjectID          string    `gorm:"column:subject_id;primaryKey"`
	DeviceID           string    `gorm:"column:device_id;primaryKey"`
	DeviceFingerprint  string    `gorm:"column:device_fingerprint"`
	BrowserFingerprint string    `gorm:"column:browser_fingerprint"`
	SourceAddress      string    `gorm:"column:source_address"`
	FirstSeen          time.Time `gorm:"column:first_seen"`
	LastSeen           time.Time `gorm:"column:last_seen"`
}

func (identityHistoryModel) TableName() string { return "identity_history" }

type referralVisitModel struct {
	VisitID            uuid.UUID `gorm:"column:visit_id;type:uuid;primaryKey"`
	SubjectID          string    `gorm:"column:subject_id"`
	ReferralCode       string    `gorm:"column:referral_code"`
	DeviceID           string    `gorm:"column:device_id"`
	DeviceFingerprint  string    `gorm:"column:device_fingerprint"`
	BrowserFingerprint string    `gorm:"column:browser_fingerprint"`
	SourceAddress      string    `gorm:"column:source_address"`
	UserAgent          string    `gorm:"column:user_agent"`
	Flags              string    `gorm:"column:flags;type:jsonb"`
	RewardEligible     bool      `gorm:"column:reward_eligible"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

func (referralVisitModel) TableName() string { return "referral_visits" }

type rewardLedgerModel struct {
	CreditID  uuid.UUID `gorm:"column:credit_id;type:uuid;primaryKey"`
	SubjectID string    `gorm:"column:subject_id"`
	VisitID   uuid.UUID `gorm:"column:visit_id;type:uuid"`
	Amount    int64     `gorm:"column:amount"`
	Platform  string    `gorm:"column:platform"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (rewardLedgerModel) TableName() string { return "reward_ledger" }

type referralOutboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (referralOutboxModel) TableName() string { return "referral_outbox" }
