package http

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

const (
	headerDeviceID           = "X-Device-Id"
	headerDeviceFingerprint  = "X-Device-Fingerprint"
	headerBrowserFingerprint = "X-Browser-Fingerprint"
	headerPageLoadTime       = "X-Page-Load-Time"

	maxBodyBytes = 64 << 10
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

// clientSignals collects the identity signals a browser sends as headers.
// The source address never comes from a header the client controls.
func (h *Handler) clientSignals(r *http.Request) domain.IdentitySignals {
	return domain.IdentitySignals{
		DeviceID:           r.Header.Get(headerDeviceID),
		DeviceFingerprint:  r.Header.Get(headerDeviceFingerprint),
		BrowserFingerprint: r.Header.Get(headerBrowserFingerprint),
		SourceAddress:      clientIP(r, h.trustedProxyHops),
	}
}

// pageLoadTime reads the client's time-on-page in milliseconds. Missing or
// malformed values mean unknown.
func pageLoadTime(r *http.Request) time.Duration {
	raw := strings.TrimSpace(r.Header.Get(headerPageLoadTime))
	if raw == "" {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// clientIP returns the peer address, or with trustedHops > 0 the
// X-Forwarded-For entry that many hops from the right. Entries to the left of
// it were written by the client and are ignored.
func clientIP(r *http.Request, trustedHops int) string {
	peer := remoteHost(r.RemoteAddr)
	if trustedHops <= 0 {
		return peer
	}
	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				hops = append(hops, ip)
			}
		}
	}
	if len(hops) == 0 {
		return peer
	}
	idx := len(hops) - trustedHops
	if idx < 0 {
		idx = 0
	}
	return hops[idx]
}

func remoteHost(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
