package http

import (
	"net/http"
	"sort"
)

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failing := map[string]string{}
	for _, name := range names {
		if err := h.checks[name](r.Context()); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		logHTTPOperationError(r.Context(), "readiness", http.StatusServiceUnavailable, "NOT_READY", "dependency check failed", nil)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"code":    "NOT_READY",
			"failing": failing,
		})
		return
	}
	writeMessage(w, http.StatusOK, "ready")
}
