package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

func (s *Store) CreateRole(ctx context.Context, tenantID, name, description string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return auth.Role{}, fmt.Errorf("%w: tenant %s", auth.ErrNotFound, tenantID)
	}
	for _, r := range s.roles {
		if r.TenantID == tenantID && r.Name == name {
			return auth.Role{}, fmt.Errorf("%w: role %q exists", auth.ErrConflict, name)
		}
	}
	now := s.stamp()
	role := auth.Role{ID: ids.New(), TenantID: tenantID, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	s.roles[role.ID] = role
	return role, nil
}

func (s *Store) GetRole(ctx context.Context, tenantID, roleID string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roleLocked(tenantID, roleID)
}

func (s *Store) roleLocked(tenantID, roleID string) (auth.Role, error) {
	role, ok := s.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return auth.Role{}, auth.ErrNotFound
	}
	return role, nil
}

func (s *Store) permissionLocked(tenantID, permissionID string) (auth.Permission, error) {
	perm, ok := s.permissions[permissionID]
	if !ok || perm.TenantID != tenantID {
		return auth.Permission{}, auth.ErrNotFound
	}
	return perm, nil
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for _, r := range s.roles {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateRole(ctx context.Context, tenantID, roleID string, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, err := s.roleLocked(tenantID, roleID)
	if err != nil {
		return auth.Role{}, err
	}
	if upd.Name != nil {
		for _, r := range s.roles {
			if r.ID != roleID && r.TenantID == tenantID && r.Name == *upd.Name {
				return auth.Role{}, fmt.Errorf("%w: role %q exists", auth.ErrConflict, *upd.Name)
			}
		}
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	role.UpdatedAt = s.stamp()
	s.roles[roleID] = role
	return role, nil
}

func (s *Store) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.roleLocked(tenantID, roleID); err != nil {
		return err
	}
	delete(s.roles, roleID)
	delete(s.grants, roleID)
	for _, roles := range s.members {
		delete(roles, roleID)
	}
	return nil
}

func (s *Store) CreatePermission(ctx context.Context, tenantID, name, description string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return auth.Permission{}, fmt.Errorf("%w: tenant %s", auth.ErrNotFound, tenantID)
	}
	for _, p := range s.permissions {
		if p.TenantID == tenantID && p.Name == name {
			return auth.Permission{}, fmt.Errorf("%w: permission %q exists", auth.ErrConflict, name)
		}
	}
	perm := auth.Permission{ID: ids.New(), TenantID: tenantID, Name: name, Description: description, CreatedAt: s.stamp()}
	s.permissions[perm.ID] = perm
	return perm, nil
}

func (s *Store) ListPermissions(ctx context.Context, tenantID string) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Permission
	for _, p := range s.permissions {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeletePermission(ctx context.Context, tenantID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.permissionLocked(tenantID, permissionID); err != nil {
		return err
	}
	delete(s.permissions, permissionID)
	for _, perms := range s.grants {
		delete(perms, permissionID)
	}
	return nil
}

func (s *Store) GrantPermission(ctx context.Context, tenantID, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.roleLocked(tenantID, roleID); err != nil {
		return err
	}
	if _, err := s.permissionLocked(tenantID, permissionID); err != nil {
		return err
	}
	perms, ok := s.grants[roleID]
	if !ok {
		perms = make(map[string]struct{})
		s.grants[roleID] = perms
	}
	perms[permissionID] = struct{}{}
	return nil
}

func (s *Store) RevokePermission(ctx context.Context, tenantID, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.roleLocked(tenantID, roleID); err != nil {
		return err
	}
	if _, ok := s.grants[roleID][permissionID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.grants[roleID], permissionID)
	return nil
}

func (s *Store) AssignRole(ctx context.Context, tenantID, userID, roleID string) (auth.UserRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.roleLocked(tenantID, roleID); err != nil {
		return auth.UserRole{}, err
	}
	u, ok := s.users[userID]
	if !ok || u.TenantID != tenantID {
		return auth.UserRole{}, auth.ErrNotFound
	}
	roles, ok := s.members[userID]
	if !ok {
		roles = make(map[string]time.Time)
		s.members[userID] = roles
	}
	at, exists := roles[roleID]
	if !exists {
		at = s.stamp()
		roles[roleID] = at
	}
	return auth.UserRole{UserID: userID, RoleID: roleID, TenantID: tenantID, CreatedAt: at}, nil
}

func (s *Store) UnassignRole(ctx context.Context, tenantID, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.roleLocked(tenantID, roleID); err != nil {
		return err
	}
	if _, ok := s.members[userID][roleID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.members[userID], roleID)
	return nil
}

func (s *Store) ListUserRoles(ctx context.Context, tenantID, userID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for roleID := range s.members[userID] {
		if role, err := s.roleLocked(tenantID, roleID); err == nil {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UsersWithRole(ctx context.Context, tenantID, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usersWithAnyRoleLocked(tenantID, map[string]struct{}{roleID: {}}), nil
}

func (s *Store) RolesWithPermission(ctx context.Context, tenantID, permissionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for roleID, perms := range s.grants {
		if _, ok := perms[permissionID]; !ok {
			continue
		}
		if _, err := s.roleLocked(tenantID, roleID); err == nil {
			out = append(out, roleID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UsersWithPermission(ctx context.Context, tenantID, permissionID string) ([]string, error) {
	roles, _ := s.RolesWithPermission(ctx, tenantID, permissionID)
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usersWithAnyRoleLocked(tenantID, set), nil
}

func (s *Store) usersWithAnyRoleLocked(tenantID string, roleIDs map[string]struct{}) []string {
	var out []string
	for userID, roles := range s.members {
		if u, ok := s.users[userID]; !ok || u.TenantID != tenantID {
			continue
		}
		for roleID := range roles {
			if _, ok := roleIDs[roleID]; ok {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// LoadPolicyRows flattens every grant and membership by role name.
func (s *Store) LoadPolicyRows(ctx context.Context) (auth.PolicyRows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows auth.PolicyRows
	for roleID, perms := range s.grants {
		role, ok := s.roles[roleID]
		if !ok {
			continue
		}
		for permID := range perms {
			if perm, ok := s.permissions[permID]; ok {
				rows.Grants = append(rows.Grants, auth.RoleGrant{TenantID: role.TenantID, Role: role.Name, Permission: perm.Name})
			}
		}
	}
	for userID, roles := range s.members {
		for roleID := range roles {
			if role, ok := s.roles[roleID]; ok {
				rows.Members = append(rows.Members, auth.RoleMember{TenantID: role.TenantID, UserID: userID, Role: role.Name})
			}
		}
	}
	return rows, nil
}
