package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	httpadapter "github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/http"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/memory"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/security"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/metrics"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

const (
	ownerID   = "owner-1"
	ownerCode = "OWNERCODE"
)

type fixture struct {
	router http.Handler
	repos  memory.Repositories
	signer *security.JWTSigner
}

func newFixture(t *testing.T, opts ...httpadapter.Option) *fixture {
	t.Helper()
	repos := memory.NewRepositories(nil)
	svc, err := application.NewService(application.Dependencies{
		Config: application.Config{
			Platforms: domain.Platforms{
				"youtube": "https://youtube.example/channel",
				"spotify": "https://spotify.example/artist",
			},
		},
		Policy:        domain.DefaultPolicy(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Subjects:      repos.Subjects,
		History:       repos.History,
		Visits:        repos.Visits,
		Ledger:        repos.Ledger,
		Outbox:        repos.Outbox,
		IdentityCache: memory.NewIdentityCache(nil),
		CodeCache:     memory.NewCodeCache(nil),
		Counters:      memory.NewCounterStore(nil),
		Pending:       memory.NewPendingRewardStore(nil),
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if err := repos.Subjects.Upsert(context.Background(), domain.ReferralSubject{SubjectID: ownerID, ReferralCode: ownerCode}); err != nil {
		t.Fatalf("seed subject: %v", err)
	}
	signer, err := security.NewEphemeralJWTSigner("test-key")
	if err != nil {
		t.Fatalf("NewEphemeralJWTSigner() error = %v", err)
	}
	// Clients below stand behind one proxy that writes X-Forwarded-For.
	opts = append([]httpadapter.Option{httpadapter.WithTrustedProxyHops(1)}, opts...)
	handler := httpadapter.NewHandler(svc, signer.Verifier(), opts...)
	return &fixture{router: httpadapter.NewRouter(handler), repos: repos, signer: signer}
}

func (f *fixture) token(t *testing.T, role string) string {
	t.Helper()
	now := time.Now().UTC()
	tok, err := f.signer.Sign(ports.ServiceClaims{Subject: "auth-service", Role: role, IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return tok
}

type client struct {
	ip, deviceID, deviceFP, browserFP, userAgent string
}

func (c client) apply(req *http.Request) {
	req.Header.Set("X-Forwarded-For", c.ip)
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	if c.deviceFP != "" {
		req.Header.Set("X-Device-Fingerprint", c.deviceFP)
	}
	if c.browserFP != "" {
		req.Header.Set("X-Browser-Fingerprint", c.browserFP)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) visit(code string, c client) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/referral/v1/codes/"+code+"/visits", nil)
	c.apply(req)
	return f.do(req)
}

func (f *fixture) confirm(code, platform string, c client) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"platform": platform})
	req := httptest.NewRequest(http.MethodPost, "/referral/v1/codes/"+code+"/confirm", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.apply(req)
	return f.do(req)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decode(t, rec)["code"].(string)
	return code
}

var visitor = client{
	ip:        "198.51.100.7",
	deviceID:  "visitor-device-0001",
	deviceFP:  "visitor-device-fp",
	browserFP: "visitor-browser-fp",
}

func TestVisitUnknownCodeReturns404(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.visit("NOSUCHCODE", visitor)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := errorCode(t, rec); got != "REFERRAL_CODE_NOT_FOUND" {
		t.Fatalf("code = %q", got)
	}
}

func TestVisitAcceptedHidesEligibility(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.visit(ownerCode, visitor)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "eligible") || strings.Contains(rec.Body.String(), "flags") {
		t.Fatalf("response leaks the verdict: %s", rec.Body.String())
	}
	data, _ := decode(t, rec)["data"].(map[string]any)
	if data["tracked"] != true || data["pending_confirmation"] != true {
		t.Fatalf("unexpected data %v", data)
	}
	if visits := f.repos.Visits.All(); len(visits) != 1 || !visits[0].RewardEligible {
		t.Fatalf("expected one eligible visit, got %+v", visits)
	}
}

func TestVisitFromAutomatedAgentIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	bot := visitor
	bot.userAgent = "curl/8.4.0"
	rec := f.visit(ownerCode, bot)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := errorCode(t, rec); got != "SUSPICIOUS_ACTIVITY" {
		t.Fatalf("code = %q", got)
	}
	if len(f.repos.Visits.All()) != 0 {
		t.Fatal("rejected visit must not be recorded")
	}
}

func TestVisitVelocityLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		if rec := f.visit(ownerCode, visitor); rec.Code != http.StatusAccepted {
			t.Fatalf("visit %d status = %d", i+1, rec.Code)
		}
	}
	if rec := f.visit(ownerCode, visitor); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th visit status = %d, want 429", rec.Code)
	}
}

func (f *fixture) visitFrom(remoteAddr, forwardedFor, deviceID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/referral/v1/codes/"+ownerCode+"/visits", nil)
	req.RemoteAddr = remoteAddr
	req.Header.Set("X-Forwarded-For", forwardedFor)
	req.Header.Set("X-Device-Id", deviceID)
	return f.do(req)
}

func TestForwardedForIgnoredWithoutTrustedProxies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, httpadapter.WithTrustedProxyHops(0))

	var accepted []string
	for i := 1; i <= 10; i++ {
		deviceID := fmt.Sprintf("rotating-device-%04d", i)
		rec := f.visitFrom("203.0.113.50:40000", fmt.Sprintf("10.0.0.%d", i), deviceID)
		switch {
		case i <= 3 && rec.Code != http.StatusAccepted:
			t.Fatalf("visit %d status = %d, want 202", i, rec.Code)
		case i > 3 && rec.Code != http.StatusTooManyRequests:
			t.Fatalf("visit %d status = %d, want 429", i, rec.Code)
		}
		if rec.Code == http.StatusAccepted {
			accepted = append(accepted, deviceID)
		}
	}

	for _, deviceID := range accepted {
		f.confirm(ownerCode, "youtube", client{ip: "198.51.100.1", deviceID: deviceID})
	}
	if got := f.repos.Subjects.Points(ownerID); got != 1 {
		t.Fatalf("points = %d, want 1 (repeat clicks from one peer are not eligible)", got)
	}
}

func TestForwardedForUsesEntryAppendedByTrustedProxy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := 1; i <= 4; i++ {
		spoofed := fmt.Sprintf("10.0.0.%d, 198.51.100.20", i)
		rec := f.visitFrom("192.0.2.10:443", spoofed, fmt.Sprintf("spoofing-device-%04d", i))
		if i <= 3 && rec.Code != http.StatusAccepted {
			t.Fatalf("visit %d status = %d, want 202", i, rec.Code)
		}
		if i == 4 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("visit 4 status = %d, want 429", rec.Code)
		}
	}
}

func TestConfirmGrantsOnceThenNoPendingClick(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if rec := f.visit(ownerCode, visitor); rec.Code != http.StatusAccepted {
		t.Fatalf("visit status = %d", rec.Code)
	}
	rec := f.confirm(ownerCode, "YouTube", visitor)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body.String())
	}
	data, _ := decode(t, rec)["data"].(map[string]any)
	if data["redirect_url"] != "https://youtube.example/channel" {
		t.Fatalf("redirect = %v", data["redirect_url"])
	}
	if got := f.repos.Subjects.Points(ownerID); got != 1 {
		t.Fatalf("points = %d, want 1", got)
	}

	again := f.confirm(ownerCode, "youtube", visitor)
	if again.Code != http.StatusConflict || errorCode(t, again) != "NO_PENDING_CLICK" {
		t.Fatalf("second confirm = %d %s", again.Code, again.Body.String())
	}
	if got := f.repos.Subjects.Points(ownerID); got != 1 {
		t.Fatalf("points after replay = %d, want 1", got)
	}
}

func TestConfirmFromDifferentBrowserFailsValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_ = f.visit(ownerCode, visitor)
	hijacker := visitor
	hijacker.browserFP = "another-browser"
	rec := f.confirm(ownerCode, "spotify", hijacker)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "SESSION_VALIDATION_FAILED" {
		t.Fatalf("confirm = %d %s", rec.Code, rec.Body.String())
	}
	if f.repos.Ledger.Credits() != 0 {
		t.Fatal("mismatch must not credit")
	}
}

func TestConfirmUnknownPlatformIsBadRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_ = f.visit(ownerCode, visitor)
	rec := f.confirm(ownerCode, "myspace", visitor)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	// The token survives a rejected platform.
	if ok := f.confirm(ownerCode, "spotify", visitor); ok.Code != http.StatusOK {
		t.Fatalf("retry with a valid platform = %d %s", ok.Code, ok.Body.String())
	}
}

func TestConfirmRejectsMalformedBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/referral/v1/codes/"+ownerCode+"/confirm", strings.NewReader(`{"platform":"youtube","extra":1}`))
	visitor.apply(req)
	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func postIdentityEvent(f *fixture, token string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/identity-events", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return f.do(req)
}

func TestIdentityEventAuthorization(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	event := map[string]any{"subject_id": ownerID, "device_id": "owner-device", "source_address": "203.0.113.9"}

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{name: "missing token", token: "", want: http.StatusUnauthorized},
		{name: "garbage token", token: "abc.def.ghi", want: http.StatusUnauthorized},
		{name: "end user role", token: f.token(t, "user"), want: http.StatusForbidden},
		{name: "service role", token: f.token(t, "service"), want: http.StatusAccepted},
		{name: "admin role", token: f.token(t, "admin"), want: http.StatusAccepted},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if rec := postIdentityEvent(f, tc.token, event); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestOwnerClickingOwnLinkIsNotEligible(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	owner := client{ip: "203.0.113.9", deviceID: "owner-device-0001", browserFP: "owner-browser"}
	rec := postIdentityEvent(f, f.token(t, "service"), map[string]any{
		"subject_id":          ownerID,
		"device_id":           owner.deviceID,
		"browser_fingerprint": owner.browserFP,
		"source_address":      owner.ip,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("identity event status = %d %s", rec.Code, rec.Body.String())
	}

	if rec := f.visit(ownerCode, owner); rec.Code != http.StatusAccepted {
		t.Fatalf("visit status = %d", rec.Code)
	}
	visits := f.repos.Visits.All()
	if len(visits) != 1 || visits[0].RewardEligible {
		t.Fatalf("self-click must be recorded as ineligible, got %+v", visits)
	}

	if rec := f.confirm(ownerCode, "youtube", owner); rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d", rec.Code)
	}
	if got := f.repos.Subjects.Points(ownerID); got != 0 {
		t.Fatalf("self-click credited %d points", got)
	}
}

func TestRegistrationEventMakesCodeResolvable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := postIdentityEvent(f, f.token(t, "service"), map[string]any{
		"subject_id":     "new-subject",
		"referral_code":  "FRESHCODE",
		"device_id":      "new-subject-device",
		"source_address": "192.0.2.50",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("identity event status = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.visit("FRESHCODE", visitor); rec.Code != http.StatusAccepted {
		t.Fatalf("visit status = %d", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/v1/policy", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "service"))
	if rec := f.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("service role reading policy = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/v1/policy", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "admin"))
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("policy status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"velocity_window":"1m0s"`) {
		t.Fatalf("policy body = %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/v1/identity-history/purge", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "admin"))
	if rec := f.do(req); rec.Code != http.StatusOK {
		t.Fatalf("purge status = %d %s", rec.Code, rec.Body.String())
	}
}

func TestPlatformsHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/referral/v1/platforms", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"spotify"`) {
		t.Fatalf("platforms = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	t.Parallel()
	f := newFixture(t, httpadapter.WithReadinessCheck("postgres", func(context.Context) error {
		return errors.New("connection refused")
	}))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	counter := metrics.HTTPRequests.WithLabelValues("/referral/v1/codes/{code}/visits", "4xx")
	before := testutil.ToFloat64(counter)

	rec := f.visit("NOSUCHCODE", client{ip: "198.51.100.80", deviceID: "metrics-device-1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if delta := testutil.ToFloat64(counter) - before; delta < 1 {
		t.Fatalf("route counter delta = %v, want >= 1", delta)
	}
}
