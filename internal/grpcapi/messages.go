package grpcapi

import "tenantgate.org/internal/auth"

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	Scope string `json:"scope,omitempty"`
}

type Empty struct{}

type TokenResponse struct {
	auth.TokenPair
	Principal auth.Principal `json:"principal"`
}

type MeResponse struct {
	Principal auth.Principal     `json:"principal"`
	Tenant    auth.TenantContext `json:"tenant"`
}

// CheckRequest asks whether the caller holds every listed permission.
type CheckRequest struct {
	Permissions []string `json:"permissions"`
}

type CheckResponse struct {
	Allowed bool     `json:"allowed"`
	Missing []string `json:"missing,omitempty"`
}
