package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VisitOutcome is the business result of recording a visit.
type VisitOutcome string

const (
	VisitAccepted     VisitOutcome = "accepted"
	VisitNotFound     VisitOutcome = "not_found"
	VisitHardRejected VisitOutcome = "hard_rejected"
)

// ConfirmOutcome is the business result of a platform confirmation.
type ConfirmOutcome string

const (
	ConfirmGranted       ConfirmOutcome = "granted"
	ConfirmWithheld      ConfirmOutcome = "withheld"
	ConfirmTokenMissing  ConfirmOutcome = "token_missing"
	ConfirmTokenMismatch ConfirmOutcome = "token_mismatch"
)

// EvidenceSource tells which identity store produced a self-click match.
type EvidenceSource string

const (
	EvidenceCache   EvidenceSource = "cache"
	EvidenceHistory EvidenceSource = "history"
)

// SelfClickFlag renders the flag stored on a visit detected as a self-click,
// e.g. "self_click(cache):device_id_match".
func SelfClickFlag(source EvidenceSource, match MatchScore) string {
	return fmt.Sprintf("self_click(%s):%s", source, match.String())
}

// Visit is immutable once written.
type Visit struct {
	VisitID        uuid.UUID
	SubjectID      string
	ReferralCode   string
	Visitor        IdentitySignals
	UserAgent      string
	Flags          []string
	RewardEligible bool
	CreatedAt      time.Time
}

// PendingReward bridges a recorded visit and its platform confirmation.
// It is keyed by (ReferralCode, Visitor.DeviceID) and consumed once.
type PendingReward struct {
	VisitID        uuid.UUID       `json:"visit_id"`
	SubjectID      string          `json:"subject_id"`
	ReferralCode   string          `json:"referral_code"`
	RewardEligible bool            `json:"reward_eligible"`
	Flags          []string        `json:"flags,omitempty"`
	Visitor        IdentitySignals `json:"visitor"`
	IssuedAt       time.Time       `json:"issued_at"`
}

// MatchesClient reports whether the signals presented at confirmation are
// exactly the ones that produced the visit.
func (p PendingReward) MatchesClient(deviceID, deviceFingerprint, browserFingerprint string) bool {
	return p.Visitor.DeviceID == deviceID &&
		p.Visitor.DeviceFingerprint == deviceFingerprint &&
		p.Visitor.BrowserFingerprint == browserFingerprint
}

// RewardCredit is one ledger entry. VisitID is unique in the ledger.
type RewardCredit struct {
	CreditID  uuid.UUID
	SubjectID string
	VisitID   uuid.UUID
	Amount    int64
	Platform  string
	CreatedAt time.Time
}
