package httpapi

import (
	"net/http"
	"strings"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	tenantHeader = "X-Tenant-ID"
	tenantQuery  = "tenant_id"
)

// handle registers h behind the gate for op.
func (a *API) handle(pattern string, op auth.Operation, h http.HandlerFunc) {
	a.routes = append(a.routes, Route{Pattern: pattern, Operation: op})
	a.mux.Handle(pattern, a.guard(op, h))
}

func (a *API) guard(op auth.Operation, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := a.svc.Authorize(r.Context(), op, auth.Request{
			Authorization: r.Header.Get(authHeader),
			TargetTenant:  targetTenant(r),
		})
		if !d.Accepted() {
			writeRejection(w, r, d.Rejection)
			return
		}
		ctx := auth.ContextWithDecision(r.Context(), d)
		if d.Principal != nil {
			ctx = audit.WithActor(ctx, audit.Actor{UserID: d.Principal.UserID, TenantID: d.Tenant.TenantID})
		}
		next(w, r.WithContext(ctx))
	})
}

// targetTenant reads X-Tenant-ID, then ?tenant_id=.
func targetTenant(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(tenantHeader)); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get(tenantQuery))
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

// scopedTenant returns the tenant the request runs in. SUPERADMIN callers
// without X-Tenant-ID are global and must pick a tenant for scoped routes.
func scopedTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	t, _ := auth.TenantFromContext(r.Context())
	if t.TenantID == "" {
		writeErrorReason(w, r, http.StatusBadRequest, "tenant scope required: set "+tenantHeader+" or ?"+tenantQuery, auth.ReasonNoTenant)
		return "", false
	}
	return t.TenantID, true
}
