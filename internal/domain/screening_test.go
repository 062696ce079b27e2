package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

func TestIsAutomatedAgent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ua   string
		want bool
	}{
		{ua: "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", want: true},
		{ua: "curl/8.4.0", want: true},
		{ua: "python-requests/2.31.0", want: true},
		{ua: "Go-http-client/1.1", want: true},
		{ua: "axios/1.6.2", want: true},
		{ua: "Java/17.0.2", want: true},
		{ua: "Mozilla/5.0 (X11; Linux x86_64) javascript-enabled Firefox/120.0", want: false},
		{ua: "Mozilla/5.0 javascript java-agent", want: true},
		{ua: "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_1) AppleWebKit/605.1.15 Safari/605.1.15", want: false},
		{ua: "", want: false},
	}
	for _, tc := range cases {
		if got := domain.IsAutomatedAgent(tc.ua); got != tc.want {
			t.Fatalf("IsAutomatedAgent(%q) = %v, want %v", tc.ua, got, tc.want)
		}
	}
}

func TestScreenResultKeepsFirstRejectReason(t *testing.T) {
	t.Parallel()

	var r domain.ScreenResult
	r.Reject(domain.RejectAutomatedAgent)
	r.Reject(domain.RejectVelocity)
	r.Flag(domain.FlagDuplicateClick)
	r.Flag(domain.FlagDuplicateClick)

	if !r.HardReject || r.RejectReason != domain.RejectAutomatedAgent {
		t.Fatalf("expected first reject reason to win, got %+v", r)
	}
	if len(r.SoftFlags) != 1 {
		t.Fatalf("expected deduplicated flags, got %v", r.SoftFlags)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	if err := domain.DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy must be valid: %v", err)
	}
	p := domain.DefaultPolicy()
	p.Screening.BreadthLogLevel = 9
	if err := p.Validate(); !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy for log level above reject level, got %v", err)
	}
}

func TestScreeningPolicyAddressRewardLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		limit  int
		window time.Duration
		valid  bool
	}{
		{name: "default allowance", limit: 1, window: time.Hour, valid: true},
		{name: "disabled ignores window", limit: 0, window: 0, valid: true},
		{name: "negative limit", limit: -1, window: time.Hour, valid: false},
		{name: "limit without window", limit: 2, window: 0, valid: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := domain.DefaultScreeningPolicy()
			p.AddressRewardLimit = tc.limit
			p.AddressRewardWindow = tc.window
			err := p.Validate()
			if tc.valid && err != nil {
				t.Fatalf("expected valid policy, got %v", err)
			}
			if !tc.valid && !errors.Is(err, domain.ErrInvalidPolicy) {
				t.Fatalf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
}

func TestPlatformsLookup(t *testing.T) {
	t.Parallel()

	platforms := domain.Platforms{"youtube": "https://youtube.example/watch", "spotify": "https://spotify.example/show"}
	got, err := platforms.Lookup(" YouTube ")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Name != "youtube" || got.RedirectURL != "https://youtube.example/watch" {
		t.Fatalf("unexpected platform %+v", got)
	}
	if _, err := platforms.Lookup("myspace"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown platform, got %v", err)
	}
	list := platforms.List()
	if len(list) != 2 || list[0].Name != "spotify" {
		t.Fatalf("expected sorted platform list, got %+v", list)
	}
}

func TestNormalizeReferralCode(t *testing.T) {
	t.Parallel()

	if code, err := domain.NormalizeReferralCode("  V1StGXR8_Z  "); err != nil || code != "V1StGXR8_Z" {
		t.Fatalf("expected trimmed code, got %q %v", code, err)
	}
	for _, bad := range []string{"", "has space", "semi;colon"} {
		if _, err := domain.NormalizeReferralCode(bad); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %q, got %v", bad, err)
		}
	}
}

func TestPendingRewardMatchesClient(t *testing.T) {
	t.Parallel()

	p := domain.PendingReward{Visitor: domain.IdentitySignals{DeviceID: "d1", DeviceFingerprint: "hw", BrowserFingerprint: "sw"}}
	if !p.MatchesClient("d1", "hw", "sw") {
		t.Fatalf("expected exact signals to match")
	}
	if p.MatchesClient("d1", "hw", "other") {
		t.Fatalf("expected browser fingerprint mismatch to fail")
	}
	if p.MatchesClient("d1", "", "sw") {
		t.Fatalf("expected omitted device fingerprint to fail")
	}
}
