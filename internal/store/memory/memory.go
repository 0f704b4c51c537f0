// Package memory implements every auth repository on process-local maps.
// It backs unit tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
)

var (
	_ auth.PrincipalSource        = (*Store)(nil)
	_ auth.RefreshTokenRepository = (*Store)(nil)
	_ auth.DeviceRepository       = (*Store)(nil)
	_ auth.PolicySource           = (*Store)(nil)
	_ auth.RBACStore              = (*Store)(nil)
)

// Store keeps all auth state in memory behind one RWMutex.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	tenants     map[string]auth.Tenant
	users       map[string]auth.User
	roles       map[string]auth.Role
	permissions map[string]auth.Permission
	grants      map[string]map[string]struct{}  // role -> permissions
	members     map[string]map[string]time.Time // user -> role -> assigned at
	refresh     map[string]*auth.RefreshToken
	refreshHash map[string]string
	devices     map[string]map[string]auth.Device // user -> device
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		tenants:     make(map[string]auth.Tenant),
		users:       make(map[string]auth.User),
		roles:       make(map[string]auth.Role),
		permissions: make(map[string]auth.Permission),
		grants:      make(map[string]map[string]struct{}),
		members:     make(map[string]map[string]time.Time),
		refresh:     make(map[string]*auth.RefreshToken),
		refreshHash: make(map[string]string),
		devices:     make(map[string]map[string]auth.Device),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stamp() time.Time { return s.now().UTC() }

// Tenants and users.

func (s *Store) CreateTenant(ctx context.Context, name string) (auth.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if strings.EqualFold(t.Name, name) {
			return auth.Tenant{}, fmt.Errorf("%w: tenant %q exists", auth.ErrConflict, name)
		}
	}
	t := auth.Tenant{ID: ids.New(), Name: name, CreatedAt: s.stamp()}
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]auth.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.TenantID != "" {
		if _, ok := s.tenants[u.TenantID]; !ok {
			return auth.User{}, fmt.Errorf("%w: tenant %s", auth.ErrNotFound, u.TenantID)
		}
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return auth.User{}, fmt.Errorf("%w: email already registered", auth.ErrConflict)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.stamp()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context, tenantID string) ([]auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.User
	for _, u := range s.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetUserStatus(ctx context.Context, userID, status string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = s.stamp()
	s.users[userID] = u
	return u, nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	delete(s.users, userID)
	delete(s.members, userID)
	delete(s.devices, userID)
	for id, tok := range s.refresh {
		if tok.UserID == userID {
			delete(s.refreshHash, tok.TokenHash)
			delete(s.refresh, id)
		}
	}
	return nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) FindPrincipalContext(ctx context.Context, userID string) (auth.PrincipalContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.PrincipalContext{}, auth.ErrNotFound
	}
	pc := auth.PrincipalContext{User: u, TenantID: u.TenantID, SystemRole: u.SystemRole}
	seen := make(map[string]struct{})
	for roleID := range s.members[userID] {
		role, ok := s.roles[roleID]
		if !ok || role.TenantID != u.TenantID {
			continue
		}
		pc.Roles = append(pc.Roles, role.Name)
		for permID := range s.grants[roleID] {
			if perm, ok := s.permissions[permID]; ok {
				if _, dup := seen[perm.Name]; !dup {
					seen[perm.Name] = struct{}{}
					pc.Permissions = append(pc.Permissions, perm.Name)
				}
			}
		}
	}
	sort.Strings(pc.Roles)
	sort.Strings(pc.Permissions)
	return pc, nil
}
