package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Soft flags suppress the reward but keep the visit.
const (
	FlagDuplicateClick   = "duplicate_click"
	FlagDuplicateDevice  = "duplicate_device"
	FlagDuplicateBrowser = "duplicate_browser"
	FlagFastPageLoad     = "fast_page_load"
	FlagMissingDeviceID  = "missing_device_id"

	// FlagAddressRewardLimit marks an otherwise eligible click from an address
	// that already used its eligible clicks for the window, across all codes.
	FlagAddressRewardLimit = "address_reward_limit"
)

// Hard reject reasons are logged and counted but never shown to the caller.
const (
	RejectAutomatedAgent = "automated_agent"
	RejectVelocity       = "too_many_clicks_per_minute"
	RejectMassFraud      = "mass_fraud"
)

// ScreeningPolicy configures the velocity and anomaly guard.
type ScreeningPolicy struct {
	VelocityLimit      int           `yaml:"velocity_limit"`
	VelocityWindow     time.Duration `yaml:"velocity_window"`
	DuplicateWindow    time.Duration `yaml:"duplicate_window"`
	BreadthWindow      time.Duration `yaml:"breadth_window"`
	BreadthLogLevel    int           `yaml:"breadth_log_level"`
	BreadthRejectLevel int           `yaml:"breadth_reject_level"`
	MinTimeOnPage      time.Duration `yaml:"min_time_on_page"`
	// MarkerMinTokenLength skips per-code device and browser markers for
	// tokens too short to be meaningful.
	MarkerMinTokenLength int `yaml:"marker_min_token_length"`

	// AddressRewardLimit caps eligible clicks per address per
	// AddressRewardWindow. Zero disables the cap.
	AddressRewardLimit  int           `yaml:"address_reward_limit"`
	AddressRewardWindow time.Duration `yaml:"address_reward_window"`
}

func DefaultScreeningPolicy() ScreeningPolicy {
	return ScreeningPolicy{
		VelocityLimit:        3,
		VelocityWindow:       time.Minute,
		DuplicateWindow:      24 * time.Hour,
		BreadthWindow:        time.Hour,
		BreadthLogLevel:      3,
		BreadthRejectLevel:   5,
		MinTimeOnPage:        time.Second,
		MarkerMinTokenLength: 10,
		AddressRewardLimit:   1,
		AddressRewardWindow:  time.Hour,
	}
}

func (p ScreeningPolicy) Validate() error {
	switch {
	case p.VelocityLimit <= 0:
		return fmt.Errorf("%w: velocity limit must be positive", ErrInvalidPolicy)
	case p.VelocityWindow <= 0 || p.DuplicateWindow <= 0 || p.BreadthWindow <= 0:
		return fmt.Errorf("%w: screening windows must be positive", ErrInvalidPolicy)
	case p.BreadthRejectLevel <= 0:
		return fmt.Errorf("%w: breadth reject level must be positive", ErrInvalidPolicy)
	case p.BreadthLogLevel < 0 || p.BreadthLogLevel > p.BreadthRejectLevel:
		return fmt.Errorf("%w: breadth log level must be between 0 and the reject level", ErrInvalidPolicy)
	case p.MinTimeOnPage < 0 || p.MarkerMinTokenLength < 0 || p.AddressRewardLimit < 0:
		return fmt.Errorf("%w: negative screening threshold", ErrInvalidPolicy)
	case p.AddressRewardLimit > 0 && p.AddressRewardWindow <= 0:
		return fmt.Errorf("%w: address reward window must be positive when the limit is set", ErrInvalidPolicy)
	}
	return nil
}

// Policy is the hot-reloadable decision policy of the service.
type Policy struct {
	Scoring   ScoringPolicy   `json:"scoring" yaml:"scoring"`
	Screening ScreeningPolicy `json:"screening" yaml:"screening"`
}

func DefaultPolicy() Policy {
	return Policy{Scoring: DefaultScoringPolicy(), Screening: DefaultScreeningPolicy()}
}

func (p Policy) Validate() error {
	if err := p.Scoring.Validate(); err != nil {
		return err
	}
	return p.Screening.Validate()
}

// ScreenRequest carries everything the guard looks at. TimeOnPage is zero
// when the client did not report it.
type ScreenRequest struct {
	ReferralCode       string
	SourceAddress      string
	UserAgent          string
	DeviceID           string
	BrowserFingerprint string
	TimeOnPage         time.Duration
}

// ScreenResult is the guard verdict. A hard reject wins over soft flags but
// every check still runs so counters stay accurate.
type ScreenResult struct {
	HardReject   bool
	RejectReason string
	SoftFlags    []string
	// DegradedChecks names counter checks skipped because the store failed.
	DegradedChecks []string
}

func (r *ScreenResult) Reject(reason string) {
	if r.HardReject {
		return
	}
	r.HardReject = true
	r.RejectReason = reason
}

func (r *ScreenResult) Flag(flag string) {
	if !containsFlag(r.SoftFlags, flag) {
		r.SoftFlags = append(r.SoftFlags, flag)
	}
}

var automatedAgentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)crawl`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)slurp`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)axios`),
}

// IsAutomatedAgent reports whether the user agent looks like a crawler or an
// HTTP library.
func IsAutomatedAgent(userAgent string) bool {
	ua := strings.TrimSpace(userAgent)
	for _, re := range automatedAgentPatterns {
		if re.MatchString(ua) {
			return true
		}
	}
	return mentionsJavaRuntime(ua)
}

// mentionsJavaRuntime matches "java" unless it is the start of "javascript".
func mentionsJavaRuntime(ua string) bool {
	lower := strings.ToLower(ua)
	for i := 0; ; {
		idx := strings.Index(lower[i:], "java")
		if idx < 0 {
			return false
		}
		pos := i + idx
		if !strings.HasPrefix(lower[pos:], "javascript") {
			return true
		}
		i = pos + len("java")
	}
}
