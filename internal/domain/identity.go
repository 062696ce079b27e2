package domain

import (
	"strings"
	"time"
)

// IdentitySignals is one observation of a client. Everything except the
// source address and observation time is optional because the browser may
// refuse to compute it.
type IdentitySignals struct {
	DeviceID           string    `json:"device_id,omitempty"`
	DeviceFingerprint  string    `json:"device_fingerprint,omitempty"`
	BrowserFingerprint string    `json:"browser_fingerprint,omitempty"`
	SourceAddress      string    `json:"source_address"`
	ObservedAt         time.Time `json:"observed_at"`
}

// Normalize trims every field and stamps ObservedAt when it is missing.
func (s IdentitySignals) Normalize(now time.Time) IdentitySignals {
	out := IdentitySignals{
		DeviceID:           strings.TrimSpace(s.DeviceID),
		DeviceFingerprint:  strings.TrimSpace(s.DeviceFingerprint),
		BrowserFingerprint: strings.TrimSpace(s.BrowserFingerprint),
		SourceAddress:      strings.TrimSpace(s.SourceAddress),
		ObservedAt:         s.ObservedAt.UTC(),
	}
	if out.ObservedAt.IsZero() {
		out.ObservedAt = now.UTC()
	}
	return out
}

// IsEmpty reports whether no identifying signal is present.
func (s IdentitySignals) IsEmpty() bool {
	return s.DeviceID == "" && s.DeviceFingerprint == "" && s.BrowserFingerprint == "" && s.SourceAddress == ""
}

// IdentityHistory is the latest observation of one device for one subject.
// (SubjectID, DeviceID) is unique in the durable store.
type IdentityHistory struct {
	SubjectID string
	Signals   IdentitySignals
	FirstSeen time.Time
	LastSeen  time.Time
}

// IdentityStats summarizes the durable history for operators.
type IdentityStats struct {
	TotalRows        int64
	DistinctSubjects int64
	Active7d         int64
	Active30d        int64
	Expired          int64
}

// MultiDeviceSubject is a subject owning an unusually large number of devices.
type MultiDeviceSubject struct {
	SubjectID   string
	DeviceCount int64
}

// ReferralSubject is the owner of a referral code.
type ReferralSubject struct {
	SubjectID    string
	ReferralCode string
	Points       int64
	CreatedAt    time.Time
}
