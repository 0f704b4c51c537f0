// Package grpcapi exposes login, refresh and session introspection over gRPC.
// Messages are JSON encoded; every method is authorized by UnaryAuthInterceptor.
package grpcapi

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const (
	ServiceName = "tenantgate.v1.AuthService"

	MethodLogin   = "/" + ServiceName + "/Login"
	MethodRefresh = "/" + ServiceName + "/Refresh"
	MethodLogout  = "/" + ServiceName + "/Logout"
	MethodMe      = "/" + ServiceName + "/Me"
	MethodCheck   = "/" + ServiceName + "/Check"
)

// Operations maps full method names to the gate operation guarding them.
var Operations = map[string]auth.Operation{
	MethodLogin:   {Name: "auth.login", Public: true},
	MethodRefresh: {Name: "auth.refresh", Public: true},
	MethodLogout:  {Name: "auth.logout"},
	MethodMe:      {Name: "auth.me"},
	MethodCheck:   {Name: "auth.check"},
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// AuthServer implements tenantgate.v1.AuthService.
type AuthServer struct {
	svc *auth.Service
}

func NewAuthServer(svc *auth.Service) *AuthServer {
	return &AuthServer{svc: svc}
}

func (s *AuthServer) Login(ctx context.Context, req *LoginRequest) (*TokenResponse, error) {
	pair, p, err := s.svc.Login(ctx, auth.Credentials{Email: req.Email, Password: req.Password}, clientInfo(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return &TokenResponse{TokenPair: pair, Principal: p}, nil
}

func (s *AuthServer) Refresh(ctx context.Context, req *RefreshRequest) (*TokenResponse, error) {
	pair, p, err := s.svc.Refresh(ctx, req.RefreshToken, clientInfo(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return &TokenResponse{TokenPair: pair, Principal: p}, nil
}

func (s *AuthServer) Logout(ctx context.Context, req *LogoutRequest) (*Empty, error) {
	scope, err := auth.ParseLogoutScope(req.Scope)
	if err != nil {
		return nil, toStatus(err)
	}
	p, _ := auth.PrincipalFromContext(ctx)
	raw, _ := auth.TokenFromContext(ctx)
	if err := s.svc.Logout(ctx, p, raw, scope); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *AuthServer) Me(ctx context.Context, _ *Empty) (*MeResponse, error) {
	p, _ := auth.PrincipalFromContext(ctx)
	t, _ := auth.TenantFromContext(ctx)
	return &MeResponse{Principal: p, Tenant: t}, nil
}

func (s *AuthServer) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	p, _ := auth.PrincipalFromContext(ctx)
	resp := &CheckResponse{Allowed: true}
	if p.IsSuperAdmin() {
		return resp, nil
	}
	for _, perm := range req.Permissions {
		if !p.HasPermission(perm) {
			resp.Allowed = false
			resp.Missing = append(resp.Missing, perm)
		}
	}
	return resp, nil
}

// HealthServer answers grpc.health.v1 checks from the readiness probe.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	return &HealthServer{Server: health.NewServer(), readiness: r}
}

func (h *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if h.readiness != nil {
		if err := h.readiness.Check(ctx); err != nil {
			obs.SetReady(false)
			h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
		}
	}
	obs.SetReady(true)
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h.Server.Check(ctx, req)
}

// NewServer builds a grpc.Server with the auth interceptor, the auth
// service and the health service registered.
func NewServer(svc *auth.Service, readiness readinessChecker, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		UnaryLoggingInterceptor(),
		UnaryAuthInterceptor(svc, Operations),
	))
	srv := grpc.NewServer(opts...)
	RegisterAuthServer(srv, NewAuthServer(svc))
	healthpb.RegisterHealthServer(srv, NewHealthServer(readiness))
	return srv
}

func clientInfo(ctx context.Context) auth.ClientInfo {
	var info auth.ClientInfo
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("user-agent"); len(v) > 0 {
			info.UserAgent = v[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		host, _, err := net.SplitHostPort(p.Addr.String())
		if err != nil {
			host = p.Addr.String()
		}
		info.IP = host
	}
	return info
}

func toStatus(err error) error {
	var rl *auth.RateLimitError
	switch {
	case errors.As(err, &rl):
		return status.Errorf(codes.ResourceExhausted, "rate_limited: retry after %s", rl.RetryAfter)
	case errors.Is(err, auth.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid_credentials")
	case errors.Is(err, auth.ErrReuseDetected):
		return status.Error(codes.Unauthenticated, "refresh_token_reused")
	case errors.Is(err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "invalid_refresh_token")
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, auth.ErrMaxDevicesExceeded):
		return status.Error(codes.FailedPrecondition, "max_devices_exceeded")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, auth.ErrConflict):
		return status.Error(codes.AlreadyExists, "conflict")
	case errors.Is(err, auth.ErrRevocationUnavailable):
		return status.Error(codes.Unavailable, "revocation_unavailable")
	default:
		obs.Error("grpc handler error", map[string]any{"error": err})
		return status.Error(codes.Internal, "internal error")
	}
}
