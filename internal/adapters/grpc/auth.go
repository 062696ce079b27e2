package grpc

import (
	"context"
	"slices"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

var allowedRoles = []string{"service", "admin"}

// AuthInterceptor requires a service bearer token on referral methods. Other
// services registered on the same server (health) pass through.
func AuthInterceptor(verifier ports.TokenVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+serviceName+"/") {
			return handler(ctx, req)
		}
		if verifier == nil {
			return nil, status.Error(codes.Unauthenticated, "service authentication is not configured")
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		raw, ok := strings.CutPrefix(values[0], "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		claims, err := verifier.Verify(strings.TrimSpace(raw))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if !slices.Contains(allowedRoles, claims.Role) {
			return nil, status.Error(codes.PermissionDenied, "caller role not allowed")
		}
		return handler(ctx, req)
	}
}
