package httpapi

import (
	"net/http"
	"time"

	"tenantgate.org/internal/auth"
)

var (
	opLogin      = auth.Operation{Name: "auth.login", Public: true}
	opRefresh    = auth.Operation{Name: "auth.refresh", Public: true}
	opLogout     = auth.Operation{Name: "auth.logout"}
	opMe         = auth.Operation{Name: "auth.me"}
	opOwnDevices = auth.Operation{Name: "auth.devices"}
	opUserDevice = auth.Operation{Name: "users.devices.read", Permissions: []string{auth.PermDevicesReadOthers}}
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,max=1024"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type logoutRequest struct {
	Scope string `json:"scope" validate:"omitempty,oneof=token device all"`
}

type tokenResponse struct {
	auth.TokenPair
	ExpiresIn int64          `json:"expires_in"`
	Principal auth.Principal `json:"principal"`
}

func newTokenResponse(pair auth.TokenPair, p auth.Principal) tokenResponse {
	return tokenResponse{
		TokenPair: pair,
		ExpiresIn: int64(time.Until(pair.AccessExpiresAt).Round(time.Second) / time.Second),
		Principal: p,
	}
}

func (a *API) registerAuthRoutes() {
	a.handle("POST /v1/auth/login", opLogin, a.login)
	a.handle("POST /v1/auth/refresh", opRefresh, a.refresh)
	a.handle("POST /v1/auth/logout", opLogout, a.logout)
	a.handle("GET /v1/auth/me", opMe, a.me)
	a.handle("GET /v1/auth/devices", opOwnDevices, a.listOwnDevices)
	a.handle("DELETE /v1/auth/devices/{id}", opOwnDevices, a.deactivateOwnDevice)
	a.handle("GET /v1/users/{id}/devices", opUserDevice, a.listUserDevices)
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{UserAgent: r.UserAgent(), IP: clientIP(r)}
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !bind(w, r, &req) {
		return
	}
	pair, p, err := a.svc.Login(r.Context(), auth.Credentials{Email: req.Email, Password: req.Password}, clientInfo(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, p))
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !bind(w, r, &req) {
		return
	}
	pair, p, err := a.svc.Refresh(r.Context(), req.RefreshToken, clientInfo(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair, p))
}

// logout accepts the scope either as ?scope= or as a JSON body.
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	req := logoutRequest{Scope: r.URL.Query().Get("scope")}
	if r.ContentLength > 0 {
		if !bind(w, r, &req) {
			return
		}
	}
	scope, err := auth.ParseLogoutScope(req.Scope)
	if err != nil {
		handleError(w, r, err)
		return
	}
	raw, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), principal(r), raw, scope); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"principal": principal(r),
		"tenant":    tenant,
	})
}

func (a *API) listOwnDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.svc.Devices(r.Context(), principal(r).UserID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *API) deactivateOwnDevice(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeactivateDevice(r.Context(), principal(r).UserID, r.PathValue("id")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listUserDevices(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	u, err := a.rbac.GetUser(r.Context(), tenant.TenantID, r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	devices, err := a.svc.Devices(r.Context(), u.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": u.ID, "devices": devices})
}
