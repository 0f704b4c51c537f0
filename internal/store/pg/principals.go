package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

const userColumns = `id, tenant_id, email, name, password_hash, system_role, status, created_at, updated_at`

func scanUser(row rowScanner) (auth.User, error) {
	var (
		u      auth.User
		tenant sql.NullString
		role   string
	)
	if err := row.Scan(&u.ID, &tenant, &u.Email, &u.Name, &u.PasswordHash, &role, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.User{}, auth.ErrNotFound
		}
		return auth.User{}, err
	}
	u.TenantID = tenant.String
	u.SystemRole = auth.SystemRole(role)
	return u, nil
}

func (s *Store) CreateTenant(ctx context.Context, name string) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errNoDB
	}
	var t auth.Tenant
	err := s.db.QueryRowContext(ctx, `
		insert into tenants (id, name, created_at)
		values ($1, $2, $3)
		returning id, name, created_at
	`, ids.New(), name, s.stamp()).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return auth.Tenant{}, mapWriteError(err, fmt.Sprintf("tenant %q", name))
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]auth.Tenant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, name, created_at from tenants order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Tenant
	for rows.Next() {
		var t auth.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.stamp()
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, tenant_id, email, name, password_hash, system_role, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		returning `+userColumns,
		u.ID, nullIfEmpty(u.TenantID), u.Email, u.Name, u.PasswordHash, string(u.SystemRole), u.Status, now)
	created, err := scanUser(row)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.User{}, err
		}
		return auth.User{}, mapWriteError(err, "email")
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, userID))
}

func (s *Store) ListUsers(ctx context.Context, tenantID string) ([]auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+` from users
		where tenant_id is not distinct from $1
		order by id
	`, nullIfEmpty(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SetUserStatus(ctx context.Context, userID, status string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		update users set status = $2, updated_at = $3
		where id = $1
		returning `+userColumns, userID, status, s.stamp()))
}

// DeleteUser relies on cascading foreign keys for memberships, devices and refresh tokens.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	email = strings.ToLower(strings.TrimSpace(email))
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
}

// FindPrincipalContext reads the user plus the flattened role and
// permission names of the memberships inside the user's own tenant.
func (s *Store) FindPrincipalContext(ctx context.Context, userID string) (auth.PrincipalContext, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return auth.PrincipalContext{}, err
	}
	pc := auth.PrincipalContext{User: u, TenantID: u.TenantID, SystemRole: u.SystemRole}
	if u.TenantID == "" {
		return pc, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.name, coalesce(p.name, '')
		from user_roles ur
		join roles r on r.id = ur.role_id and r.tenant_id = ur.tenant_id
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where ur.user_id = $1 and ur.tenant_id = $2
	`, userID, u.TenantID)
	if err != nil {
		return auth.PrincipalContext{}, fmt.Errorf("load principal roles: %w", err)
	}
	defer rows.Close()
	roles := make(map[string]struct{})
	perms := make(map[string]struct{})
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return auth.PrincipalContext{}, err
		}
		roles[role] = struct{}{}
		if perm != "" {
			perms[perm] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return auth.PrincipalContext{}, err
	}
	pc.Roles = sortedKeys(roles)
	pc.Permissions = sortedKeys(perms)
	return pc, nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
