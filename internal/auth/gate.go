package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tenantgate.org/internal/obs"
)

// Operation declares what a protected entry point requires. Permissions are
// ANDed, TenantRoles are ORed. Resource and Action, when set, are checked
// against the live policy engine on top of the token's permission claims.
type Operation struct {
	Name        string
	Public      bool
	MinRole     SystemRole
	Permissions []string
	Resource    string
	Action      string
	TenantRoles []string
}

// Status is the transport-neutral outcome class of a decision.
type Status int

const (
	StatusAccepted Status = iota
	StatusUnauthenticated
	StatusForbidden
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Rejection reasons. They are stable and safe to return to clients.
const (
	ReasonMissingToken          = "missing_token"
	ReasonMalformedHeader       = "malformed_authorization_header"
	ReasonInvalidToken          = "invalid_token"
	ReasonTokenExpired          = "token_expired"
	ReasonIssuerMismatch        = "issuer_mismatch"
	ReasonTokenRevoked          = "token_revoked"
	ReasonRevocationUnavailable = "revocation_unavailable"
	ReasonInsufficientRole      = "insufficient_role"
	ReasonNoTenant              = "no_tenant_context"
	ReasonTenantMismatch        = "tenant_mismatch"
	ReasonPermissionDenied      = "missing_permission"
	ReasonPolicyDenied          = "policy_denied"
	ReasonTenantRoleRequired    = "tenant_role_required"
)

// Rejection is a short-circuit result of one gate stage.
type Rejection struct {
	Stage  int
	Status Status
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("stage %d %s: %s: %v", r.Stage, r.Status, r.Reason, r.Err)
	}
	return fmt.Sprintf("stage %d %s: %s", r.Stage, r.Status, r.Reason)
}

func (r *Rejection) Unwrap() error {
	switch r.Status {
	case StatusUnauthenticated:
		return ErrUnauthenticated
	case StatusForbidden:
		return ErrForbidden
	default:
		return nil
	}
}

// TenantContext is the tenant a request is scoped to. Global is only ever
// set for SUPERADMIN principals that did not select a tenant.
type TenantContext struct {
	TenantID string `json:"tenant_id,omitempty"`
	Global   bool   `json:"global"`
}

// Request is the transport-neutral input of the gate.
type Request struct {
	// Authorization is the raw Authorization header value.
	Authorization string
	// TargetTenant is the tenant selected by the caller; only SUPERADMIN
	// may select a tenant other than its own.
	TargetTenant string
}

// Decision is the outcome of Gate.Authorize.
type Decision struct {
	Operation string
	Principal *Principal
	Token     string
	Tenant    TenantContext
	Rejection *Rejection
}

// Accepted reports whether the request may proceed.
func (d Decision) Accepted() bool { return d.Rejection == nil }

// Status reports the outcome class.
func (d Decision) Status() Status {
	if d.Rejection == nil {
		return StatusAccepted
	}
	return d.Rejection.Status
}

// Reason returns the rejection reason or "".
func (d Decision) Reason() string {
	if d.Rejection == nil {
		return ""
	}
	return d.Rejection.Reason
}

// Verifier validates a raw access token.
type Verifier interface {
	Verify(raw string) (Principal, error)
}

// RevocationChecker consults the shared blacklist.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, rawToken string, p Principal) (bool, error)
}

// Enforcer answers live policy questions.
type Enforcer interface {
	Enforce(tenantID, subject, resource, action string) bool
}

// Gate runs the ordered authorization pipeline. Each stage either passes
// or returns a terminal Rejection; no stage runs once an earlier one failed.
type Gate struct {
	verifier Verifier
	revoked  RevocationChecker
	enforcer Enforcer
}

// NewGate wires the pipeline. enforcer may be nil when no operation uses
// Resource/Action checks.
func NewGate(verifier Verifier, revoked RevocationChecker, enforcer Enforcer) (*Gate, error) {
	if verifier == nil || revoked == nil {
		return nil, errors.New("auth: gate requires a verifier and a revocation checker")
	}
	return &Gate{verifier: verifier, revoked: revoked, enforcer: enforcer}, nil
}

// Authorize evaluates op for req.
func (g *Gate) Authorize(ctx context.Context, op Operation, req Request) Decision {
	d := g.evaluate(ctx, op, req)
	outcome := d.Status().String()
	if d.Accepted() && d.Principal == nil {
		outcome = "public"
	}
	obs.ObserveDecision(op.Name, outcome, d.Reason())
	return d
}

func (g *Gate) evaluate(ctx context.Context, op Operation, req Request) Decision {
	d := Decision{Operation: op.Name}

	// 1. Public operations skip everything else.
	if op.Public {
		return d
	}

	// 2. Authentication: header, signature, claims, revocation.
	principal, token, rej := g.authenticate(ctx, req)
	if rej != nil {
		d.Rejection = rej
		return d
	}
	d.Principal = &principal
	d.Token = token

	if principal.IsSuperAdmin() {
		d.Tenant = superAdminTenant(req.TargetTenant)
		return d
	}

	// 3. System role.
	if !principal.SystemRole.AtLeast(op.MinRole) {
		d.Rejection = forbid(3, ReasonInsufficientRole, fmt.Errorf("requires %s, has %s", op.MinRole, principal.SystemRole))
		return d
	}

	// 4. Tenant context.
	tenant, rej := resolveTenant(principal, req.TargetTenant)
	if rej != nil {
		d.Rejection = rej
		return d
	}
	d.Tenant = tenant

	// 5. Permissions.
	if rej := g.checkPermissions(principal, tenant, op); rej != nil {
		d.Rejection = rej
		return d
	}

	// 6. Tenant roles.
	if len(op.TenantRoles) > 0 && !principal.HasAnyRole(op.TenantRoles) {
		d.Rejection = forbid(6, ReasonTenantRoleRequired, fmt.Errorf("requires one of %v", op.TenantRoles))
		return d
	}
	return d
}

func (g *Gate) authenticate(ctx context.Context, req Request) (Principal, string, *Rejection) {
	token, reason := bearerToken(req.Authorization)
	if reason != "" {
		return Principal{}, "", unauthenticated(reason, nil)
	}
	principal, err := g.verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			return Principal{}, "", unauthenticated(ReasonTokenExpired, err)
		case errors.Is(err, ErrIssuerMismatch):
			return Principal{}, "", unauthenticated(ReasonIssuerMismatch, err)
		default:
			return Principal{}, "", unauthenticated(ReasonInvalidToken, err)
		}
	}
	revoked, err := g.revoked.IsRevoked(ctx, token, principal)
	if err != nil {
		return Principal{}, "", unauthenticated(ReasonRevocationUnavailable, err)
	}
	if revoked {
		return Principal{}, "", unauthenticated(ReasonTokenRevoked, ErrTokenRevoked)
	}
	return principal, token, nil
}

func (g *Gate) checkPermissions(p Principal, tenant TenantContext, op Operation) *Rejection {
	for _, perm := range op.Permissions {
		if !p.HasPermission(perm) {
			return forbid(5, ReasonPermissionDenied, fmt.Errorf("missing %s", perm))
		}
	}
	if op.Resource == "" {
		return nil
	}
	if g.enforcer == nil || !g.enforcer.Enforce(tenant.TenantID, p.UserID, op.Resource, op.Action) {
		return forbid(5, ReasonPolicyDenied, fmt.Errorf("policy denies %s", PermissionName(op.Resource, op.Action)))
	}
	return nil
}

func resolveTenant(p Principal, target string) (TenantContext, *Rejection) {
	if p.TenantID == "" {
		return TenantContext{}, forbid(4, ReasonNoTenant, nil)
	}
	if target = strings.TrimSpace(target); target != "" && target != p.TenantID {
		return TenantContext{}, forbid(4, ReasonTenantMismatch, nil)
	}
	return TenantContext{TenantID: p.TenantID}, nil
}

func superAdminTenant(target string) TenantContext {
	if target = strings.TrimSpace(target); target != "" {
		return TenantContext{TenantID: target}
	}
	return TenantContext{Global: true}
}

// bearerToken extracts the credential from an Authorization header value.
func bearerToken(header string) (string, string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ReasonMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ReasonMalformedHeader
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ReasonMalformedHeader
	}
	return token, ""
}

func unauthenticated(reason string, err error) *Rejection {
	return &Rejection{Stage: 2, Status: StatusUnauthenticated, Reason: reason, Err: err}
}

func forbid(stage int, reason string, err error) *Rejection {
	return &Rejection{Stage: stage, Status: StatusForbidden, Reason: reason, Err: err}
}
