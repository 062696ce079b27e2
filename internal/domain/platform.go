package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Platform is a destination a visitor can pick after clicking a referral link.
type Platform struct {
	Name        string `json:"name"`
	RedirectURL string `json:"redirect_url"`
}

// Platforms maps a lower-case platform name to its redirect target.
type Platforms map[string]string

func (p Platforms) Lookup(name string) (Platform, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Platform{}, fmt.Errorf("%w: platform is required", ErrInvalidInput)
	}
	target, ok := p[key]
	if !ok || target == "" {
		return Platform{}, fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, key)
	}
	return Platform{Name: key, RedirectURL: target}, nil
}

// List returns platforms sorted by name.
func (p Platforms) List() []Platform {
	out := make([]Platform, 0, len(p))
	for name, target := range p {
		out = append(out, Platform{Name: name, RedirectURL: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var referralCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NormalizeReferralCode trims the code and checks it uses the url-safe
// alphabet referral codes are generated from.
func NormalizeReferralCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !referralCodePattern.MatchString(code) {
		return "", fmt.Errorf("%w: malformed referral code", ErrInvalidInput)
	}
	return code, nil
}
