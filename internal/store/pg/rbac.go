package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

const roleColumns = `id, tenant_id, name, description, created_at, updated_at`

func scanRole(row rowScanner) (auth.Role, error) {
	var role auth.Role
	err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return role, err
}

func (s *Store) CreateRole(ctx context.Context, tenantID, name, description string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	now := s.stamp()
	role, err := scanRole(s.db.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name, description, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5)
		returning `+roleColumns, ids.New(), tenantID, name, description, now))
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return auth.Role{}, mapWriteError(err, fmt.Sprintf("role %q", name))
	}
	return role, err
}

func (s *Store) GetRole(ctx context.Context, tenantID, roleID string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	return scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles
		where id = $1 and tenant_id = $2
	`, roleID, tenantID))
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles
		where tenant_id = $1
		order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectRoles(rows)
}

func collectRoles(rows *sql.Rows) ([]auth.Role, error) {
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, tenantID, roleID string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, *upd.Description)
		idx++
	}
	if len(sets) == 0 {
		return s.GetRole(ctx, tenantID, roleID)
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", idx))
	args = append(args, s.stamp(), roleID, tenantID)
	query := fmt.Sprintf(`update roles set %s where id = $%d and tenant_id = $%d returning %s`,
		strings.Join(sets, ", "), idx+1, idx+2, roleColumns)
	role, err := scanRole(s.db.QueryRowContext(ctx, query, args...))
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return auth.Role{}, mapWriteError(err, "role name")
	}
	return role, err
}

// DeleteRole cascades to grants and memberships.
func (s *Store) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1 and tenant_id = $2`, roleID, tenantID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) CreatePermission(ctx context.Context, tenantID, name, description string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errNoDB
	}
	var perm auth.Permission
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, tenant_id, name, description, created_at)
		values ($1, $2, $3, $4, $5)
		returning id, tenant_id, name, description, created_at
	`, ids.New(), tenantID, name, description, s.stamp()).
		Scan(&perm.ID, &perm.TenantID, &perm.Name, &perm.Description, &perm.CreatedAt)
	if err != nil {
		return auth.Permission{}, mapWriteError(err, fmt.Sprintf("permission %q", name))
	}
	return perm, nil
}

func (s *Store) ListPermissions(ctx context.Context, tenantID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, name, description, created_at
		from permissions
		where tenant_id = $1
		order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePermission(ctx context.Context, tenantID, permissionID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from permissions where id = $1 and tenant_id = $2`, permissionID, tenantID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) error {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return err
}

// GrantPermission is idempotent. Role and permission must both belong to tenantID.
func (s *Store) GrantPermission(ctx context.Context, tenantID, roleID, permissionID string) error {
	if s.db == nil {
		return errNoDB
	}
	if err := s.exists(ctx, `select 1 from roles where id = $1 and tenant_id = $2`, roleID, tenantID); err != nil {
		return err
	}
	if err := s.exists(ctx, `select 1 from permissions where id = $1 and tenant_id = $2`, permissionID, tenantID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id, created_at)
		values ($1, $2, $3)
		on conflict (role_id, permission_id) do nothing
	`, roleID, permissionID, s.stamp())
	return mapWriteError(err, "grant")
}

func (s *Store) RevokePermission(ctx context.Context, tenantID, roleID, permissionID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from role_permissions rp
		using roles r
		where rp.role_id = r.id and r.tenant_id = $1 and rp.role_id = $2 and rp.permission_id = $3
	`, tenantID, roleID, permissionID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) AssignRole(ctx context.Context, tenantID, userID, roleID string) (auth.UserRole, error) {
	if s.db == nil {
		return auth.UserRole{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.UserRole{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1 and tenant_id = $2`, roleID, tenantID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.UserRole{}, auth.ErrNotFound
		}
		return auth.UserRole{}, err
	}
	if err := tx.QueryRowContext(ctx, `select 1 from users where id = $1 and tenant_id = $2`, userID, tenantID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.UserRole{}, auth.ErrNotFound
		}
		return auth.UserRole{}, err
	}

	assignment := auth.UserRole{UserID: userID, RoleID: roleID, TenantID: tenantID}
	err = tx.QueryRowContext(ctx, `
		insert into user_roles (user_id, role_id, tenant_id, created_at)
		values ($1, $2, $3, $4)
		on conflict (user_id, role_id) do update set tenant_id = excluded.tenant_id
		returning created_at
	`, userID, roleID, tenantID, s.stamp()).Scan(&assignment.CreatedAt)
	if err != nil {
		return auth.UserRole{}, mapWriteError(err, "assignment")
	}
	if err := tx.Commit(); err != nil {
		return auth.UserRole{}, err
	}
	return assignment, nil
}

func (s *Store) UnassignRole(ctx context.Context, tenantID, userID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where tenant_id = $1 and user_id = $2 and role_id = $3
	`, tenantID, userID, roleID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) ListUserRoles(ctx context.Context, tenantID, userID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.tenant_id, r.name, r.description, r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.tenant_id = $1 and ur.user_id = $2 and r.tenant_id = $1
		order by r.name
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return collectRoles(rows)
}

func (s *Store) UsersWithRole(ctx context.Context, tenantID, roleID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id from user_roles
		where tenant_id = $1 and role_id = $2
		order by user_id
	`, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *Store) UsersWithPermission(ctx context.Context, tenantID, permissionID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct ur.user_id
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		where ur.tenant_id = $1 and rp.permission_id = $2
		order by ur.user_id
	`, tenantID, permissionID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (s *Store) RolesWithPermission(ctx context.Context, tenantID, permissionID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select rp.role_id
		from role_permissions rp
		join roles r on r.id = rp.role_id
		where r.tenant_id = $1 and rp.permission_id = $2
		order by rp.role_id
	`, tenantID, permissionID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// LoadPolicyRows returns every grant and membership keyed by role name.
func (s *Store) LoadPolicyRows(ctx context.Context) (auth.PolicyRows, error) {
	if s.db == nil {
		return auth.PolicyRows{}, errNoDB
	}
	var out auth.PolicyRows
	grants, err := s.db.QueryContext(ctx, `
		select r.tenant_id, r.name, p.name
		from role_permissions rp
		join roles r on r.id = rp.role_id
		join permissions p on p.id = rp.permission_id
	`)
	if err != nil {
		return auth.PolicyRows{}, fmt.Errorf("load grants: %w", err)
	}
	defer grants.Close()
	for grants.Next() {
		var g auth.RoleGrant
		if err := grants.Scan(&g.TenantID, &g.Role, &g.Permission); err != nil {
			return auth.PolicyRows{}, err
		}
		out.Grants = append(out.Grants, g)
	}
	if err := grants.Err(); err != nil {
		return auth.PolicyRows{}, err
	}

	members, err := s.db.QueryContext(ctx, `
		select ur.tenant_id, ur.user_id, r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
	`)
	if err != nil {
		return auth.PolicyRows{}, fmt.Errorf("load memberships: %w", err)
	}
	defer members.Close()
	for members.Next() {
		var m auth.RoleMember
		if err := members.Scan(&m.TenantID, &m.UserID, &m.Role); err != nil {
			return auth.PolicyRows{}, err
		}
		out.Members = append(out.Members, m)
	}
	return out, members.Err()
}
