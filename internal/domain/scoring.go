package domain

import (
	"fmt"
	"strings"
)

const (
	ReasonDeviceIDMatch           = "device_id_match"
	ReasonDeviceFingerprintMatch  = "device_fingerprint_match"
	ReasonBrowserFingerprintMatch = "browser_fingerprint_match"
	ReasonSourceAddressMatch      = "source_address_match"
)

// ScoringPolicy holds the tunable match weights. Magnitudes are policy, the
// ordering DeviceID > DeviceFingerprint > BrowserFingerprint > SourceAddress
// is not.
type ScoringPolicy struct {
	DeviceIDWeight           int `json:"device_id_weight" yaml:"device_id_weight"`
	DeviceFingerprintWeight  int `json:"device_fingerprint_weight" yaml:"device_fingerprint_weight"`
	BrowserFingerprintWeight int `json:"browser_fingerprint_weight" yaml:"browser_fingerprint_weight"`
	SourceAddressWeight      int `json:"source_address_weight" yaml:"source_address_weight"`
	SelfClickThreshold       int `json:"self_click_threshold" yaml:"self_click_threshold"`
}

func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		DeviceIDWeight:           100,
		DeviceFingerprintWeight:  50,
		BrowserFingerprintWeight: 30,
		SourceAddressWeight:      10,
		SelfClickThreshold:       80,
	}
}

// Validate enforces the weight ordering and the threshold band: both
// fingerprints together are a self-click with or without the address bonus,
// while one fingerprint plus the address bonus is not.
func (p ScoringPolicy) Validate() error {
	if p.SourceAddressWeight <= 0 {
		return fmt.Errorf("%w: source address weight must be positive", ErrInvalidPolicy)
	}
	if !(p.DeviceIDWeight > p.DeviceFingerprintWeight &&
		p.DeviceFingerprintWeight > p.BrowserFingerprintWeight &&
		p.BrowserFingerprintWeight > p.SourceAddressWeight) {
		return fmt.Errorf("%w: weights must be strictly ordered device_id > device_fp > browser_fp > address", ErrInvalidPolicy)
	}
	if p.SelfClickThreshold > p.DeviceIDWeight {
		return fmt.Errorf("%w: self click threshold must not exceed device_id_weight", ErrInvalidPolicy)
	}
	lower := max(p.DeviceFingerprintWeight, p.BrowserFingerprintWeight) + p.SourceAddressWeight
	upper := p.DeviceFingerprintWeight + p.BrowserFingerprintWeight
	if p.SelfClickThreshold <= lower || p.SelfClickThreshold > upper {
		return fmt.Errorf("%w: self click threshold must be in (%d, %d]", ErrInvalidPolicy, lower, upper)
	}
	return nil
}

// MatchScore is the result of comparing a visitor to one candidate observation.
type MatchScore struct {
	Score   int
	Reasons []string
}

// IsSelfClick reports whether the score is strong enough to treat the visit as
// the subject clicking their own link.
func (m MatchScore) IsSelfClick(p ScoringPolicy) bool {
	return m.Score > 0 && m.Score >= p.SelfClickThreshold
}

func (m MatchScore) String() string {
	return strings.Join(m.Reasons, "+")
}

type scoreRule struct {
	reason string
	// definitive rules end evaluation with their own weight.
	definitive bool
	// corroborating rules only count once something else already matched.
	corroborating bool
	weight        func(ScoringPolicy) int
	match         func(visitor, candidate IdentitySignals) bool
}

// scoreRules is evaluated in order; the order is the priority.
var scoreRules = []scoreRule{
	{
		reason:     ReasonDeviceIDMatch,
		definitive: true,
		weight:     func(p ScoringPolicy) int { return p.DeviceIDWeight },
		match: func(v, c IdentitySignals) bool {
			return sameToken(v.DeviceID, c.DeviceID)
		},
	},
	{
		reason: ReasonDeviceFingerprintMatch,
		weight: func(p ScoringPolicy) int { return p.DeviceFingerprintWeight },
		match: func(v, c IdentitySignals) bool {
			return sameToken(v.DeviceFingerprint, c.DeviceFingerprint)
		},
	},
	{
		reason: ReasonBrowserFingerprintMatch,
		weight: func(p ScoringPolicy) int { return p.BrowserFingerprintWeight },
		match: func(v, c IdentitySignals) bool {
			return sameToken(v.BrowserFingerprint, c.BrowserFingerprint)
		},
	},
	{
		reason:        ReasonSourceAddressMatch,
		corroborating: true,
		weight:        func(p ScoringPolicy) int { return p.SourceAddressWeight },
		match: func(v, c IdentitySignals) bool {
			return sameToken(v.SourceAddress, c.SourceAddress)
		},
	},
}

// Score compares a visitor with one historical observation of the subject.
// It has no side effects.
func Score(visitor, candidate IdentitySignals, policy ScoringPolicy) MatchScore {
	out := MatchScore{}
	for _, rule := range scoreRules {
		if !rule.match(visitor, candidate) {
			continue
		}
		if rule.corroborating && out.Score == 0 {
			continue
		}
		w := rule.weight(policy)
		if rule.definitive {
			return MatchScore{Score: w, Reasons: []string{rule.reason}}
		}
		out.Score += w
		out.Reasons = append(out.Reasons, rule.reason)
	}
	return out
}

func sameToken(a, b string) bool {
	return a != "" && a == b
}

func containsFlag(flags []string, target string) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}

// UniqFlags drops empty and repeated flags, keeping first-seen order.
func UniqFlags(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
