package http

import (
	"net/http"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

type identityEventRequest struct {
	SubjectID          string    `json:"subject_id"`
	ReferralCode       string    `json:"referral_code,omitempty"`
	DeviceID           string    `json:"device_id,omitempty"`
	DeviceFingerprint  string    `json:"device_fingerprint,omitempty"`
	BrowserFingerprint string    `json:"browser_fingerprint,omitempty"`
	SourceAddress      string    `json:"source_address"`
	ObservedAt         time.Time `json:"observed_at,omitempty"`
}

// recordIdentityEvent is called by the auth flow after a successful login or
// registration.
func (h *Handler) recordIdentityEvent(w http.ResponseWriter, r *http.Request) {
	const operation = "record_identity_event"
	var req identityEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeValidationError(r.Context(), w, operation, err)
		return
	}
	err := h.service.RecordIdentity(r.Context(), application.IdentityEvent{
		SubjectID:    req.SubjectID,
		ReferralCode: req.ReferralCode,
		Signals: domain.IdentitySignals{
			DeviceID:           req.DeviceID,
			DeviceFingerprint:  req.DeviceFingerprint,
			BrowserFingerprint: req.BrowserFingerprint,
			SourceAddress:      req.SourceAddress,
			ObservedAt:         req.ObservedAt,
		},
	})
	if err != nil {
		writeMappedError(r.Context(), w, operation, err)
		return
	}
	caller, _ := claimsFromContext(r.Context())
	httpLogger().InfoContext(r.Context(), "identity event accepted",
		"operation", operation,
		"outcome", "success",
		"caller", caller.Subject,
		"request_id", requestIDFromContext(r.Context()),
	)
	writeMessage(w, http.StatusAccepted, "recorded")
}

type screeningView struct {
	VelocityLimit        int    `json:"velocity_limit"`
	VelocityWindow       string `json:"velocity_window"`
	DuplicateWindow      string `json:"duplicate_window"`
	BreadthWindow        string `json:"breadth_window"`
	BreadthLogLevel      int    `json:"breadth_log_level"`
	BreadthRejectLevel   int    `json:"breadth_reject_level"`
	MinTimeOnPage        string `json:"min_time_on_page"`
	MarkerMinTokenLength int    `json:"marker_min_token_length"`
	AddressRewardLimit   int    `json:"address_reward_limit"`
	AddressRewardWindow  string `json:"address_reward_window"`
}

func (h *Handler) currentPolicy(w http.ResponseWriter, _ *http.Request) {
	p := h.service.Policy()
	sc := p.Screening
	writeSuccess(w, http.StatusOK, map[string]any{
		"scoring": p.Scoring,
		"screening": screeningView{
			VelocityLimit:        sc.VelocityLimit,
			VelocityWindow:       sc.VelocityWindow.String(),
			DuplicateWindow:      sc.DuplicateWindow.String(),
			BreadthWindow:        sc.BreadthWindow.String(),
			BreadthLogLevel:      sc.BreadthLogLevel,
			BreadthRejectLevel:   sc.BreadthRejectLevel,
			MinTimeOnPage:        sc.MinTimeOnPage.String(),
			MarkerMinTokenLength: sc.MarkerMinTokenLength,
			AddressRewardLimit:   sc.AddressRewardLimit,
			AddressRewardWindow:  sc.AddressRewardWindow.String(),
		},
	})
}

func (h *Handler) purgeIdentityHistory(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.PurgeExpiredIdentities(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "purge_identity_history", err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}
