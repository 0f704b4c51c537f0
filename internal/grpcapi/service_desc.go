package grpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// AuthService is the server API of tenantgate.v1.AuthService.
type AuthService interface {
	Login(context.Context, *LoginRequest) (*TokenResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokenResponse, error)
	Logout(context.Context, *LogoutRequest) (*Empty, error)
	Me(context.Context, *Empty) (*MeResponse, error)
	Check(context.Context, *CheckRequest) (*CheckResponse, error)
}

var _ AuthService = (*AuthServer)(nil)

func RegisterAuthServer(s grpc.ServiceRegistrar, srv AuthService) {
	s.RegisterService(&authServiceDesc, srv)
}

func unary[Req any, Resp any](method string, call func(AuthService, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuthService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuthService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var authServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unary(MethodLogin, AuthService.Login)},
		{MethodName: "Refresh", Handler: unary(MethodRefresh, AuthService.Refresh)},
		{MethodName: "Logout", Handler: unary(MethodLogout, AuthService.Logout)},
		{MethodName: "Me", Handler: unary(MethodMe, AuthService.Me)},
		{MethodName: "Check", Handler: unary(MethodCheck, AuthService.Check)},
	},
	Metadata: "tenantgate/v1/auth.proto",
}

// Client calls tenantgate.v1.AuthService with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *Client) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	out := new(TokenResponse)
	return out, c.invoke(ctx, MethodLogin, in, out, opts...)
}

func (c *Client) Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	out := new(TokenResponse)
	return out, c.invoke(ctx, MethodRefresh, in, out, opts...)
}

func (c *Client) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, MethodLogout, in, out, opts...)
}

func (c *Client) Me(ctx context.Context, opts ...grpc.CallOption) (*MeResponse, error) {
	out := new(MeResponse)
	return out, c.invoke(ctx, MethodMe, &Empty{}, out, opts...)
}

func (c *Client) Check(ctx context.Context, in *CheckRequest, opts ...grpc.CallOption) (*CheckResponse, error) {
	out := new(CheckResponse)
	return out, c.invoke(ctx, MethodCheck, in, out, opts...)
}
