package grpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

const serviceName = "viralforge.referral.v1.ReferralGuardInternalService"

// ReferralGuardInternal is the internal surface trusted services call. Unlike
// the public HTTP routes, RecordVisit returns the full verdict.
type ReferralGuardInternal interface {
	RecordIdentity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordVisit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmReward(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type ReferralGuardServer struct {
	service *application.Service
}

func NewReferralGuardServer(service *application.Service) *ReferralGuardServer {
	return &ReferralGuardServer{service: service}
}

// NewServer builds a gRPC server with the referral service, the standard
// health service and service-token authentication on every referral call.
func NewServer(service *application.Service, verifier ports.TokenVerifier, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(AuthInterceptor(verifier)))
	srv := grpc.NewServer(opts...)
	Register(srv, NewReferralGuardServer(service))

	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func Register(server grpc.ServiceRegistrar, svc ReferralGuardInternal) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*ReferralGuardInternal)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "RecordIdentity", Handler: unaryHandler("RecordIdentity", svc.RecordIdentity)},
			{MethodName: "RecordVisit", Handler: unaryHandler("RecordVisit", svc.RecordVisit)},
			{MethodName: "ConfirmReward", Handler: unaryHandler("ConfirmReward", svc.ConfirmReward)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "referral/v1/referral_guard_internal",
	}, svc)
}

func (s *ReferralGuardServer) RecordIdentity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	observedAt, err := timeField(req, "observed_at")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	err = s.service.RecordIdentity(ctx, application.IdentityEvent{
		SubjectID:    stringField(req, "subject_id"),
		ReferralCode: stringField(req, "referral_code"),
		Signals: domain.IdentitySignals{
			DeviceID:           stringField(req, "device_id"),
			DeviceFingerprint:  stringField(req, "device_fingerprint"),
			BrowserFingerprint: stringField(req, "browser_fingerprint"),
			SourceAddress:      stringField(req, "source_address"),
			ObservedAt:         observedAt,
		},
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"recorded": true})
}

func (s *ReferralGuardServer) RecordVisit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	timeOnPage := time.Duration(numberField(req, "time_on_page_ms") * float64(time.Millisecond))
	res, err := s.service.RecordVisit(ctx, application.VisitRequest{
		ReferralCode: stringField(req, "referral_code"),
		Visitor: domain.IdentitySignals{
			DeviceID:           stringField(req, "device_id"),
			DeviceFingerprint:  stringField(req, "device_fingerprint"),
			BrowserFingerprint: stringField(req, "browser_fingerprint"),
			SourceAddress:      stringField(req, "source_address"),
		},
		UserAgent:  stringField(req, "user_agent"),
		TimeOnPage: timeOnPage,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	flags := make([]any, 0, len(res.Flags))
	for _, f := range res.Flags {
		flags = append(flags, f)
	}
	out := map[string]any{
		"outcome":              string(res.Outcome),
		"reward_eligible":      res.RewardEligible,
		"flags":                flags,
		"pending_confirmation": res.PendingConfirmation,
	}
	if res.Outcome == domain.VisitAccepted {
		out["visit_id"] = res.VisitID.String()
	}
	return newStruct(out)
}

func (s *ReferralGuardServer) ConfirmReward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.service.ConfirmReward(ctx, application.ConfirmRequest{
		ReferralCode:       stringField(req, "referral_code"),
		DeviceID:           stringField(req, "device_id"),
		DeviceFingerprint:  stringField(req, "device_fingerprint"),
		BrowserFingerprint: stringField(req, "browser_fingerprint"),
		Platform:           stringField(req, "platform"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"outcome":        string(res.Outcome),
		"reward_granted": res.RewardGranted,
		"platform":       res.Platform,
		"redirect_url":   res.RedirectURL,
	})
}

type unaryMethod func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidPolicy):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, "resource not found")
	case errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "invalid or missing credentials")
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, "caller role not allowed")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func numberField(req *structpb.Struct, name string) float64 {
	v := req.GetFields()[name].GetNumberValue()
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func timeField(req *structpb.Struct, name string) (time.Time, error) {
	raw := stringField(req, name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", name, err)
	}
	return t, nil
}
