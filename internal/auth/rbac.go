package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tenantgate.org/internal/audit"
)

// SessionInvalidator forces affected users back through refresh so their
// next access token carries the current permission set.
type SessionInvalidator interface {
	InvalidateUsers(ctx context.Context, userIDs []string, reason string) error
}

// RBACService is the tenant-scoped administration surface. Every mutation
// that can change a flattened permission set rebuilds the policy snapshot
// and invalidates exactly the users it affects.
type RBACService struct {
	store       RBACStore
	sync        *PolicySync
	invalidator SessionInvalidator
}

func NewRBACService(store RBACStore, sync *PolicySync, invalidator SessionInvalidator) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &RBACService{store: store, sync: sync, invalidator: invalidator}, nil
}

// CreateTenant creates a tenant and seeds the builtin permission catalog.
func (s *RBACService) CreateTenant(ctx context.Context, name string) (Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name is required", ErrInvalidInput)
	}
	tenant, err := s.store.CreateTenant(ctx, name)
	if err != nil {
		return Tenant{}, err
	}
	for _, perm := range BuiltinPermissions {
		if _, err := s.store.CreatePermission(ctx, tenant.ID, perm.Name, perm.Description); err != nil && !errors.Is(err, ErrConflict) {
			return Tenant{}, fmt.Errorf("seed permission %s: %w", perm.Name, err)
		}
	}
	return tenant, nil
}

func (s *RBACService) ListTenants(ctx context.Context) ([]Tenant, error) {
	return s.store.ListTenants(ctx)
}

// CreateUser hashes password and stores a new account. Every role except
// SUPERADMIN must belong to a tenant.
func (s *RBACService) CreateUser(ctx context.Context, tenantID, email, name, password string, role SystemRole) (User, error) {
	tenantID = strings.TrimSpace(tenantID)
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return User{}, fmt.Errorf("%w: unknown system role %q", ErrInvalidInput, role)
	}
	if role != RoleSuperAdmin && tenantID == "" {
		return User{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	return s.store.CreateUser(ctx, User{
		TenantID:     tenantID,
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		SystemRole:   role,
		Status:       UserStatusActive,
	})
}

// GetUser returns userID when it belongs to tenantID. An empty tenantID is
// the global scope and matches any user.
func (s *RBACService) GetUser(ctx context.Context, tenantID, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if tenantID != "" && u.TenantID != tenantID {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *RBACService) ListUsers(ctx context.Context, tenantID string) ([]User, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.ListUsers(ctx, tenantID)
}

// SetUserStatus enables or disables a user. Disabling kills live sessions.
func (s *RBACService) SetUserStatus(ctx context.Context, tenantID, userID, status string) (User, error) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status != UserStatusActive && status != UserStatusDisabled {
		return User{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	if _, err := s.GetUser(ctx, tenantID, userID); err != nil {
		return User{}, err
	}
	u, err := s.store.SetUserStatus(ctx, userID, status)
	if err != nil {
		return User{}, err
	}
	if status == UserStatusDisabled {
		return u, s.propagate(ctx, tenantID, "user.disabled", []string{userID}, false)
	}
	return u, nil
}

// DeleteUser removes a user; its devices and refresh tokens go with it.
func (s *RBACService) DeleteUser(ctx context.Context, tenantID, userID string) error {
	if _, err := s.GetUser(ctx, tenantID, userID); err != nil {
		return err
	}
	if err := s.propagate(ctx, tenantID, "user.deleted", []string{userID}, false); err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	return s.resync(ctx)
}

func (s *RBACService) CreateRole(ctx context.Context, tenantID, name, description string) (Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Role{}, err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role, err := s.store.CreateRole(ctx, tenantID, name, strings.TrimSpace(description))
	if err != nil {
		return Role{}, err
	}
	return role, s.resync(ctx)
}

func (s *RBACService) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return s.store.ListRoles(ctx, tenantID)
}

func (s *RBACService) GetRole(ctx context.Context, tenantID, roleID string) (Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Role{}, err
	}
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, tenantID, roleID)
}

// UpdateRole renames or redescribes a role. A rename changes the roles
// claim of every holder, so holders are invalidated.
func (s *RBACService) UpdateRole(ctx context.Context, tenantID, roleID string, upd RoleUpdate) (Role, error) {
	if _, err := s.GetRole(ctx, tenantID, roleID); err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.ToLower(strings.TrimSpace(*upd.Name))
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	role, err := s.store.UpdateRole(ctx, tenantID, roleID, upd)
	if err != nil {
		return Role{}, err
	}
	if upd.Name == nil {
		return role, nil
	}
	users, err := s.store.UsersWithRole(ctx, tenantID, roleID)
	if err != nil {
		return role, err
	}
	return role, s.propagate(ctx, tenantID, "role.renamed", users, true)
}

// DeleteRole removes a role with its grants and assignments.
func (s *RBACService) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	if _, err := s.GetRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	users, err := s.store.UsersWithRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	return s.propagate(ctx, tenantID, "role.deleted", users, true)
}

func (s *RBACService) CreatePermission(ctx context.Context, tenantID, name, description string) (Permission, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Permission{}, err
	}
	name, err = NormalizePermission(name)
	if err != nil {
		return Permission{}, err
	}
	return s.store.CreatePermission(ctx, tenantID, name, strings.TrimSpace(description))
}

func (s *RBACService) ListPermissions(ctx context.Context, tenantID string) ([]Permission, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return s.store.ListPermissions(ctx, tenantID)
}

// DeletePermission removes a permission. Without force it refuses while any
// role still grants it.
func (s *RBACService) DeletePermission(ctx context.Context, tenantID, permissionID string, force bool) error {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return err
	}
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	roles, err := s.store.RolesWithPermission(ctx, tenantID, permissionID)
	if err != nil {
		return err
	}
	if len(roles) > 0 && !force {
		return fmt.Errorf("%w: permission is granted to %d role(s)", ErrConflict, len(roles))
	}
	users, err := s.store.UsersWithPermission(ctx, tenantID, permissionID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePermission(ctx, tenantID, permissionID); err != nil {
		return err
	}
	return s.propagate(ctx, tenantID, "permission.deleted", users, true)
}

func (s *RBACService) GrantPermission(ctx context.Context, tenantID, roleID, permissionID string) error {
	return s.changeGrant(ctx, tenantID, roleID, permissionID, true)
}

func (s *RBACService) RevokePermission(ctx context.Context, tenantID, roleID, permissionID string) error {
	return s.changeGrant(ctx, tenantID, roleID, permissionID, false)
}

func (s *RBACService) changeGrant(ctx context.Context, tenantID, roleID, permissionID string, grant bool) error {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return err
	}
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	reason := "permission.granted"
	if grant {
		err = s.store.GrantPermission(ctx, tenantID, roleID, permissionID)
	} else {
		reason = "permission.revoked"
		err = s.store.RevokePermission(ctx, tenantID, roleID, permissionID)
	}
	if err != nil {
		return err
	}
	users, err := s.store.UsersWithRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	return s.propagate(ctx, tenantID, reason, users, true)
}

func (s *RBACService) AssignRole(ctx context.Context, tenantID, userID, roleID string) (UserRole, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return UserRole{}, err
	}
	if _, err := s.GetUser(ctx, tenantID, userID); err != nil {
		return UserRole{}, err
	}
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return UserRole{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	link, err := s.store.AssignRole(ctx, tenantID, userID, roleID)
	if err != nil {
		return UserRole{}, err
	}
	return link, s.propagate(ctx, tenantID, "role.assigned", []string{userID}, true)
}

func (s *RBACService) UnassignRole(ctx context.Context, tenantID, userID, roleID string) error {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.UnassignRole(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	return s.propagate(ctx, tenantID, "role.unassigned", []string{userID}, true)
}

func (s *RBACService) ListUserRoles(ctx context.Context, tenantID, userID string) ([]Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetUser(ctx, tenantID, userID); err != nil {
		return nil, err
	}
	return s.store.ListUserRoles(ctx, tenantID, userID)
}

// propagate rebuilds policies (when resync is set) and invalidates users.
// Both steps always run; their errors are joined.
func (s *RBACService) propagate(ctx context.Context, tenantID, event string, users []string, resync bool) error {
	var errs []error
	if resync {
		errs = append(errs, s.resync(ctx))
	}
	if len(users) > 0 && s.invalidator != nil {
		errs = append(errs, s.invalidator.InvalidateUsers(ctx, users, event))
	}
	audit.LogEvent(ctx, "rbac."+event, map[string]any{"tenant_id": tenantID, "affected_users": len(users)})
	return errors.Join(errs...)
}

func (s *RBACService) resync(ctx context.Context) error {
	if s.sync == nil {
		return nil
	}
	return s.sync.SyncPolicies(ctx)
}

func requireTenant(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return tenantID, nil
}
