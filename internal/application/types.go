package application

import (
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

type Config struct {
	ServiceName          string
	PendingTokenTTL      time.Duration
	IdentityCacheTTL     time.Duration
	CodeCacheTTL         time.Duration
	RetentionHorizon     time.Duration
	HistoryScanLimit     int
	MultiDeviceThreshold int
	Platforms            domain.Platforms
}

// VisitRequest is one click on a referral link.
type VisitRequest struct {
	ReferralCode string
	Visitor      domain.IdentitySignals
	UserAgent    string
	// TimeOnPage is how long the landing page was open before the click was
	// reported; zero when the client did not say.
	TimeOnPage time.Duration
}

// VisitResult carries the full verdict. Public transports only expose
// Outcome and PendingConfirmation.
type VisitResult struct {
	Outcome             domain.VisitOutcome `json:"outcome"`
	VisitID             uuid.UUID           `json:"visit_id,omitempty"`
	RewardEligible      bool                `json:"reward_eligible"`
	Flags               []string            `json:"flags"`
	PendingConfirmation bool                `json:"pending_confirmation"`
}

type ConfirmRequest struct {
	ReferralCode       string
	DeviceID           string
	DeviceFingerprint  string
	BrowserFingerprint string
	Platform           string
}

type ConfirmResult struct {
	Outcome       domain.ConfirmOutcome `json:"outcome"`
	RewardGranted bool                  `json:"reward_granted"`
	Platform      string                `json:"platform,omitempty"`
	RedirectURL   string                `json:"redirect_url,omitempty"`
}

// IdentityEvent is emitted by the auth flow after a successful login or
// registration. ReferralCode is set on registration.
type IdentityEvent struct {
	SubjectID    string                 `json:"subject_id"`
	ReferralCode string                 `json:"referral_code,omitempty"`
	Signals      domain.IdentitySignals `json:"signals"`
}

// PurgeReport summarizes one retention pass over the identity history.
type PurgeReport struct {
	Cutoff      time.Time                   `json:"cutoff"`
	Deleted     int64                       `json:"deleted"`
	Stats       domain.IdentityStats        `json:"stats"`
	MultiDevice []domain.MultiDeviceSubject `json:"multi_device"`
}
