package httpapi

import (
	"net/http"
	"strconv"

	"tenantgate.org/internal/auth"
)

var (
	opTenants         = auth.Operation{Name: "tenants.manage", MinRole: auth.RoleSuperAdmin}
	opUsersRead       = auth.Operation{Name: "users.read", Permissions: []string{auth.PermUsersRead}}
	opUsersWrite      = auth.Operation{Name: "users.write", Permissions: []string{auth.PermUsersWrite}}
	opUsersDelete     = auth.Operation{Name: "users.delete", Permissions: []string{auth.PermUsersDelete}, Resource: "users", Action: "delete"}
	opRolesRead       = auth.Operation{Name: "roles.read", Permissions: []string{auth.PermRolesRead}}
	opRolesWrite      = auth.Operation{Name: "roles.write", Permissions: []string{auth.PermRolesWrite}}
	opPermissionsRead = auth.Operation{Name: "permissions.read", Permissions: []string{auth.PermPermissionsRead}}
	opPermissionsEdit = auth.Operation{Name: "permissions.write", Permissions: []string{auth.PermPermissionsWrite}}
	opUserRoles       = auth.Operation{Name: "users.roles.assign", Permissions: []string{auth.PermUserRolesAssign}}
)

type createTenantRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type createUserRequest struct {
	Email      string `json:"email" validate:"required,email,max=320"`
	Name       string `json:"name" validate:"max=200"`
	Password   string `json:"password" validate:"required,min=8,max=1024"`
	SystemRole string `json:"system_role" validate:"omitempty,oneof=SUPERADMIN ADMIN MODERATOR USER"`
}

type userStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active disabled"`
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type roleUpdateRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

type permissionRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=500"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id" validate:"required"`
}

func (a *API) registerRBACRoutes() {
	a.handle("POST /v1/tenants", opTenants, a.createTenant)
	a.handle("GET /v1/tenants", opTenants, a.listTenants)

	a.handle("POST /v1/users", opUsersWrite, a.createUser)
	a.handle("GET /v1/users", opUsersRead, a.listUsers)
	a.handle("GET /v1/users/{id}", opUsersRead, a.getUser)
	a.handle("PATCH /v1/users/{id}/status", opUsersWrite, a.setUserStatus)
	a.handle("DELETE /v1/users/{id}", opUsersDelete, a.deleteUser)

	a.handle("GET /v1/users/{id}/roles", opUsersRead, a.listUserRoles)
	a.handle("POST /v1/users/{id}/roles", opUserRoles, a.assignRole)
	a.handle("DELETE /v1/users/{id}/roles/{roleID}", opUserRoles, a.unassignRole)

	a.handle("POST /v1/roles", opRolesWrite, a.createRole)
	a.handle("GET /v1/roles", opRolesRead, a.listRoles)
	a.handle("GET /v1/roles/{id}", opRolesRead, a.getRole)
	a.handle("PATCH /v1/roles/{id}", opRolesWrite, a.updateRole)
	a.handle("DELETE /v1/roles/{id}", opRolesWrite, a.deleteRole)
	a.handle("PUT /v1/roles/{id}/permissions/{permissionID}", opRolesWrite, a.grantPermission)
	a.handle("DELETE /v1/roles/{id}/permissions/{permissionID}", opRolesWrite, a.revokePermission)

	a.handle("POST /v1/permissions", opPermissionsEdit, a.createPermission)
	a.handle("GET /v1/permissions", opPermissionsRead, a.listPermissions)
	a.handle("DELETE /v1/permissions/{id}", opPermissionsEdit, a.deletePermission)
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !bind(w, r, &req) {
		return
	}
	t, err := a.rbac.CreateTenant(r.Context(), req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.rbac.ListTenants(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

// createUser refuses to mint a system role above the caller's own.
func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !bind(w, r, &req) {
		return
	}
	role := auth.RoleUser
	if req.SystemRole != "" {
		parsed, err := auth.ParseSystemRole(req.SystemRole)
		if err != nil {
			handleError(w, r, err)
			return
		}
		role = parsed
	}
	caller := principal(r)
	if !caller.SystemRole.AtLeast(role) {
		writeErrorReason(w, r, http.StatusForbidden, "cannot grant a system role above your own", auth.ReasonInsufficientRole)
		return
	}
	tenant, _ := auth.TenantFromContext(r.Context())
	tenantID := tenant.TenantID
	if role == auth.RoleSuperAdmin {
		tenantID = ""
	}
	u, err := a.rbac.CreateUser(r.Context(), tenantID, req.Email, req.Name, req.Password, role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	users, err := a.rbac.ListUsers(r.Context(), tenantID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	u, err := a.rbac.GetUser(r.Context(), tenant.TenantID, r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) setUserStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	var req userStatusRequest
	if !bind(w, r, &req) {
		return
	}
	u, err := a.rbac.SetUserStatus(r.Context(), tenantID, r.PathValue("id"), req.Status)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	if err := a.rbac.DeleteUser(r.Context(), tenantID, r.PathValue("id")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listUserRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	roles, err := a.rbac.ListUserRoles(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !bind(w, r, &req) {
		return
	}
	ur, err := a.rbac.AssignRole(r.Context(), tenantID, r.PathValue("id"), req.RoleID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ur)
}

func (a *API) unassignRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	if err := a.rbac.UnassignRole(r.Context(), tenantID, r.PathValue("id"), r.PathValue("roleID")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !bind(w, r, &req) {
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), tenantID, req.Name, req.Description)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	roles, err := a.rbac.ListRoles(r.Context(), tenantID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	role, err := a.rbac.GetRole(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	var req roleUpdateRequest
	if !bind(w, r, &req) {
		return
	}
	role, err := a.rbac.UpdateRole(r.Context(), tenantID, r.PathValue("id"), auth.RoleUpdate{Name: req.Name, Description: req.Description})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	if err := a.rbac.DeleteRole(r.Context(), tenantID, r.PathValue("id")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) grantPermission(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	if err := a.rbac.GrantPermission(r.Context(), tenantID, r.PathValue("id"), r.PathValue("permissionID")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) revokePermission(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	if err := a.rbac.RevokePermission(r.Context(), tenantID, r.PathValue("id"), r.PathValue("permissionID")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createPermission(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	var req permissionRequest
	if !bind(w, r, &req) {
		return
	}
	p, err := a.rbac.CreatePermission(r.Context(), tenantID, req.Name, req.Description)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context(), tenantID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// deletePermission refuses while roles still grant it unless ?force=true.
func (a *API) deletePermission(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := scopedTenant(w, r)
	if !ok {
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}
	if err := a.rbac.DeletePermission(r.Context(), tenantID, r.PathValue("id"), force); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
