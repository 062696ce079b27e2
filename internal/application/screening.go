package application

import (
	"context"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

func velocityKey(address string) string { return "velocity:" + address }

func duplicateKey(code, address string) string { return "fraud:" + code + ":" + address }

func deviceMarkerKey(code, deviceID string) string { return "device:" + code + ":" + deviceID }

func browserMarkerKey(code, fingerprint string) string { return "browser:" + code + ":" + fingerprint }

func breadthKey(address string) string { return "ipclicks:" + address }

func addressRewardKey(address string) string { return "rl:referral:" + address }

// Screen runs the velocity and anomaly guard. Every check runs even after a
// hard reject. A failing counter store skips that check.
func (s *Service) Screen(ctx context.Context, req domain.ScreenRequest) domain.ScreenResult {
	p := s.Policy().Screening
	var res domain.ScreenResult

	if domain.IsAutomatedAgent(req.UserAgent) {
		res.Reject(domain.RejectAutomatedAgent)
	}

	addr := req.SourceAddress
	count, err := s.counters.Incr(ctx, velocityKey(addr), p.VelocityWindow)
	switch {
	case err != nil:
		s.skipCheck(ctx, &res, "velocity", err)
	case count > int64(p.VelocityLimit):
		res.Reject(domain.RejectVelocity)
	}

	fresh, err := s.counters.SetIfAbsent(ctx, duplicateKey(req.ReferralCode, addr), "1", p.DuplicateWindow)
	switch {
	case err != nil:
		s.skipCheck(ctx, &res, "duplicate_click", err)
	case !fresh:
		res.Flag(domain.FlagDuplicateClick)
	}

	if len(req.DeviceID) > p.MarkerMinTokenLength {
		fresh, err := s.counters.SetIfAbsent(ctx, deviceMarkerKey(req.ReferralCode, req.DeviceID), addr, p.DuplicateWindow)
		switch {
		case err != nil:
			s.skipCheck(ctx, &res, "duplicate_device", err)
		case !fresh:
			res.Flag(domain.FlagDuplicateDevice)
		}
	}
	if len(req.BrowserFingerprint) > p.MarkerMinTokenLength {
		fresh, err := s.counters.SetIfAbsent(ctx, browserMarkerKey(req.ReferralCode, req.BrowserFingerprint), addr, p.DuplicateWindow)
		switch {
		case err != nil:
			s.skipCheck(ctx, &res, "duplicate_browser", err)
		case !fresh:
			res.Flag(domain.FlagDuplicateBrowser)
		}
	}

	breadth, err := s.counters.AddToSet(ctx, breadthKey(addr), req.ReferralCode, p.BreadthWindow)
	switch {
	case err != nil:
		s.skipCheck(ctx, &res, "breadth", err)
	case breadth > int64(p.BreadthRejectLevel):
		res.Reject(domain.RejectMassFraud)
	case breadth > int64(p.BreadthLogLevel):
		s.logger.WarnContext(ctx, "address is clicking many referral codes",
			"service", s.cfg.ServiceName,
			"module", "application",
			"layer", "application",
			"operation", "screen_visit",
			"outcome", "observed",
			"source_address", addr,
			"distinct_codes", breadth,
		)
	}

	if req.TimeOnPage > 0 && req.TimeOnPage < p.MinTimeOnPage {
		res.Flag(domain.FlagFastPageLoad)
	}
	return res
}

func (s *Service) skipCheck(ctx context.Context, res *domain.ScreenResult, check string, err error) {
	res.DegradedChecks = append(res.DegradedChecks, check)
	s.degraded(ctx, "counters", "screen_"+check, err)
}

// spendAddressReward counts an otherwise eligible click against the address
// allowance and reports whether the allowance was already used up.
func (s *Service) spendAddressReward(ctx context.Context, address string, p domain.ScreeningPolicy) bool {
	if p.AddressRewardLimit <= 0 {
		return false
	}
	count, err := s.counters.Incr(ctx, addressRewardKey(address), p.AddressRewardWindow)
	if err != nil {
		s.degraded(ctx, "counters", "screen_address_reward", err)
		return false
	}
	return count > int64(p.AddressRewardLimit)
}
