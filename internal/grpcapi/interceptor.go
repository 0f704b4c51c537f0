package grpcapi

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const (
	mdAuthorization = "authorization"
	mdTenant        = "x-tenant-id"
	mdRequestID     = "x-request-id"

	healthPrefix = "/grpc.health.v1.Health/"
)

type authorizer interface {
	Authorize(ctx context.Context, op auth.Operation, req auth.Request) auth.Decision
}

// UnaryAuthInterceptor runs the gate for every call. Methods missing from
// ops are refused, health checks are always public.
func UnaryAuthInterceptor(a authorizer, ops map[string]auth.Operation) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		op, ok := ops[info.FullMethod]
		if !ok {
			return nil, status.Errorf(codes.PermissionDenied, "no operation registered for %s", info.FullMethod)
		}
		d := a.Authorize(ctx, op, auth.Request{
			Authorization: firstMD(ctx, mdAuthorization),
			TargetTenant:  firstMD(ctx, mdTenant),
		})
		if !d.Accepted() {
			return nil, rejectionStatus(d.Rejection)
		}
		ctx = auth.ContextWithDecision(ctx, d)
		if d.Principal != nil {
			ctx = audit.WithActor(ctx, audit.Actor{UserID: d.Principal.UserID, TenantID: d.Tenant.TenantID})
		}
		return handler(ctx, req)
	}
}

// UnaryLoggingInterceptor writes one grpc_request_complete entry per call.
func UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		if rid := firstMD(ctx, mdRequestID); rid != "" {
			ctx = audit.WithRequestID(ctx, rid)
		}
		resp, err := handler(ctx, req)
		obs.Info("grpc_request_complete", map[string]any{
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  audit.RequestIDFromContext(ctx),
		})
		return resp, err
	}
}

func rejectionStatus(rej *auth.Rejection) error {
	code := codes.PermissionDenied
	if rej.Status == auth.StatusUnauthenticated {
		code = codes.Unauthenticated
	}
	return status.Error(code, rej.Reason)
}

func firstMD(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
