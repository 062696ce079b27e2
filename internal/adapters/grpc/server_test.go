package grpc_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	grpcadapter "github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/grpc"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/memory"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/security"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

const method = "/viralforge.referral.v1.ReferralGuardInternalService/"

type fixture struct {
	conn   *grpc.ClientConn
	signer *security.JWTSigner
	repos  memory.Repositories
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repos := memory.NewRepositories(nil)
	svc, err := application.NewService(application.Dependencies{
		Config:        application.Config{Platforms: domain.Platforms{"apple": "https://music.apple.example/artist"}},
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
	signer, err := security.NewEphemeralJWTSigner("grpc-test")
	if err != nil {
		t.Fatalf("NewEphemeralJWTSigner() error = %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv, _ := grpcadapter.NewServer(svc, signer.Verifier())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{conn: conn, signer: signer, repos: repos}
}

func (f *fixture) authed(t *testing.T, role string) context.Context {
	t.Helper()
	now := time.Now().UTC()
	tok, err := f.signer.Sign(ports.ServiceClaims{Subject: "auth-service", Role: role, IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
}

func (f *fixture) call(ctx context.Context, name string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	err = f.conn.Invoke(ctx, method+name, req, resp)
	return resp, err
}

func TestRecordVisitReturnsFullVerdictForOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := f.authed(t, "service")

	_, err := f.call(ctx, "RecordIdentity", map[string]any{
		"subject_id":     "owner-1",
		"referral_code":  "OWNER1",
		"device_id":      "owner-device-0001",
		"source_address": "203.0.113.1",
	})
	if err != nil {
		t.Fatalf("RecordIdentity() error = %v", err)
	}

	resp, err := f.call(ctx, "RecordVisit", map[string]any{
		"referral_code":   "OWNER1",
		"device_id":       "owner-device-0001",
		"source_address":  "203.0.113.1",
		"time_on_page_ms": 4000,
	})
	if err != nil {
		t.Fatalf("RecordVisit() error = %v", err)
	}
	fields := resp.GetFields()
	if got := fields["outcome"].GetStringValue(); got != string(domain.VisitAccepted) {
		t.Fatalf("outcome = %q", got)
	}
	if fields["reward_eligible"].GetBoolValue() {
		t.Fatal("owner visit must not be eligible")
	}
	flags := fields["flags"].GetListValue().GetValues()
	if len(flags) != 1 || flags[0].GetStringValue() != "self_click(cache):device_id_match" {
		t.Fatalf("flags = %v", flags)
	}
}

func TestConfirmRewardOverGRPC(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := f.authed(t, "admin")

	if _, err := f.call(ctx, "RecordIdentity", map[string]any{
		"subject_id":     "owner-2",
		"referral_code":  "OWNER2",
		"device_id":      "owner-device-0002",
		"source_address": "203.0.113.2",
	}); err != nil {
		t.Fatalf("RecordIdentity() error = %v", err)
	}
	visitor := map[string]any{
		"referral_code":       "OWNER2",
		"device_id":           "fan-device-000001",
		"browser_fingerprint": "fan-browser",
		"source_address":      "198.51.100.20",
	}
	if _, err := f.call(ctx, "RecordVisit", visitor); err != nil {
		t.Fatalf("RecordVisit() error = %v", err)
	}

	confirm := map[string]any{
		"referral_code":       "OWNER2",
		"device_id":           "fan-device-000001",
		"browser_fingerprint": "fan-browser",
		"platform":            "apple",
	}
	resp, err := f.call(ctx, "ConfirmReward", confirm)
	if err != nil {
		t.Fatalf("ConfirmReward() error = %v", err)
	}
	if !resp.GetFields()["reward_granted"].GetBoolValue() {
		t.Fatalf("expected reward, got %v", resp.AsMap())
	}
	resp, err = f.call(ctx, "ConfirmReward", confirm)
	if err != nil {
		t.Fatalf("second ConfirmReward() error = %v", err)
	}
	if got := resp.GetFields()["outcome"].GetStringValue(); got != string(domain.ConfirmTokenMissing) {
		t.Fatalf("second outcome = %q", got)
	}
	if got := f.repos.Subjects.Points("owner-2"); got != 1 {
		t.Fatalf("points = %d", got)
	}
}

func TestAuthInterceptor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.call(ctx, "RecordVisit", map[string]any{"referral_code": "X", "source_address": "1.2.3.4"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("unauthenticated call = %v", err)
	}

	_, err = f.call(f.authed(t, "user"), "RecordVisit", map[string]any{"referral_code": "X", "source_address": "1.2.3.4"})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("user role call = %v", err)
	}

	_, err = f.call(f.authed(t, "service"), "RecordIdentity", map[string]any{"subject_id": ""})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("invalid identity = %v", err)
	}

	health, err := healthpb.NewHealthClient(f.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check without token error = %v", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v", health.GetStatus())
	}
}
