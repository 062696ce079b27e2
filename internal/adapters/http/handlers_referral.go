package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

type visitResponse struct {
	Tracked             bool `json:"tracked"`
	PendingConfirmation bool `json:"pending_confirmation"`
}

type confirmRequest struct {
	Platform string `json:"platform"`
}

type confirmResponse struct {
	Platform    string `json:"platform"`
	RedirectURL string `json:"redirect_url"`
}

func (h *Handler) listPlatforms(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{"platforms": h.service.Platforms()})
}

// recordVisit never tells the visitor whether the click earned a reward.
func (h *Handler) recordVisit(w http.ResponseWriter, r *http.Request) {
	const operation = "record_visit"
	res, err := h.service.RecordVisit(r.Context(), application.VisitRequest{
		ReferralCode: chi.URLParam(r, "code"),
		Visitor:      h.clientSignals(r),
		UserAgent:    r.UserAgent(),
		TimeOnPage:   pageLoadTime(r),
	})
	if err != nil {
		writeMappedError(r.Context(), w, operation, err)
		return
	}

	switch res.Outcome {
	case domain.VisitNotFound:
		writeRejection(r.Context(), w, operation, http.StatusNotFound, "REFERRAL_CODE_NOT_FOUND", "referral code not found")
	case domain.VisitHardRejected:
		writeRejection(r.Context(), w, operation, http.StatusTooManyRequests, "SUSPICIOUS_ACTIVITY", "suspicious activity detected")
	default:
		writeSuccess(w, http.StatusAccepted, visitResponse{
			Tracked:             true,
			PendingConfirmation: res.PendingConfirmation,
		})
	}
}

func (h *Handler) confirmReward(w http.ResponseWriter, r *http.Request) {
	const operation = "confirm_reward"
	var body confirmRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeValidationError(r.Context(), w, operation, err)
		return
	}
	signals := h.clientSignals(r)
	res, err := h.service.ConfirmReward(r.Context(), application.ConfirmRequest{
		ReferralCode:       chi.URLParam(r, "code"),
		DeviceID:           signals.DeviceID,
		DeviceFingerprint:  signals.DeviceFingerprint,
		BrowserFingerprint: signals.BrowserFingerprint,
		Platform:           body.Platform,
	})
	if err != nil {
		writeMappedError(r.Context(), w, operation, err)
		return
	}

	switch res.Outcome {
	case domain.ConfirmTokenMissing:
		writeRejection(r.Context(), w, operation, http.StatusConflict, "NO_PENDING_CLICK", "no pending click; visit the referral link again")
	case domain.ConfirmTokenMismatch:
		writeRejection(r.Context(), w, operation, http.StatusConflict, "SESSION_VALIDATION_FAILED", "session validation failed")
	default:
		writeSuccess(w, http.StatusOK, confirmResponse{Platform: res.Platform, RedirectURL: res.RedirectURL})
	}
}
