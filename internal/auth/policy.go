package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tenantgate.org/internal/kv"
	"tenantgate.org/internal/obs"
)

const keyPolicyVersion = "policy:version"

type policySnapshot struct {
	// tenant -> role -> permission patterns
	grants map[string]map[string][]string
	// tenant -> user -> roles
	members map[string]map[string][]string
	rules   int
	version int64
}

// PolicyEngine answers (tenant, subject, resource, action) questions from an
// immutable in-memory snapshot. Readers never block on a rebuild.
type PolicyEngine struct {
	snap atomic.Pointer[policySnapshot]
}

// NewPolicyEngine returns an engine that denies everything until loaded.
func NewPolicyEngine() *PolicyEngine { return &PolicyEngine{} }

// Loaded reports whether at least one snapshot has been installed.
func (e *PolicyEngine) Loaded() bool { return e.snap.Load() != nil }

// Version returns the version stamp of the installed snapshot.
func (e *PolicyEngine) Version() int64 {
	if s := e.snap.Load(); s != nil {
		return s.version
	}
	return 0
}

// Load replaces the snapshot with rows and returns the rule count.
func (e *PolicyEngine) Load(rows PolicyRows, version int64) int {
	s := &policySnapshot{
		grants:  make(map[string]map[string][]string),
		members: make(map[string]map[string][]string),
		version: version,
	}
	for _, g := range rows.Grants {
		role := strings.ToLower(g.Role)
		byRole, ok := s.grants[g.TenantID]
		if !ok {
			byRole = make(map[string][]string)
			s.grants[g.TenantID] = byRole
		}
		byRole[role] = append(byRole[role], strings.ToLower(g.Permission))
		s.rules++
	}
	for _, m := range rows.Members {
		byUser, ok := s.members[m.TenantID]
		if !ok {
			byUser = make(map[string][]string)
			s.members[m.TenantID] = byUser
		}
		byUser[m.UserID] = append(byUser[m.UserID], strings.ToLower(m.Role))
		s.rules++
	}
	e.snap.Store(s)
	return s.rules
}

// Enforce reports whether subject may perform action on resource inside tenantID.
func (e *PolicyEngine) Enforce(tenantID, subject, resource, action string) bool {
	s := e.snap.Load()
	if s == nil || tenantID == "" {
		return false
	}
	required := PermissionName(resource, action)
	grants := s.grants[tenantID]
	for _, role := range s.members[tenantID][subject] {
		for _, granted := range grants[role] {
			if PermissionCovers(granted, required) {
				return true
			}
		}
	}
	return false
}

// PolicySync rebuilds the engine from persistence. A version stamp in the
// shared store lets every instance notice rebuilds triggered elsewhere.
type PolicySync struct {
	source  PolicySource
	engine  *PolicyEngine
	store   kv.Store
	timeout time.Duration
	mu      sync.Mutex
}

// NewPolicySync wires source into engine. store may be nil for
// single-instance deployments.
func NewPolicySync(source PolicySource, engine *PolicyEngine, store kv.Store) (*PolicySync, error) {
	if source == nil || engine == nil {
		return nil, errors.New("auth: policy source and engine are required")
	}
	return &PolicySync{source: source, engine: engine, store: store, timeout: defaultKVTimeout}, nil
}

// Engine returns the engine kept in sync.
func (s *PolicySync) Engine() *PolicyEngine { return s.engine }

// SyncPolicies rebuilds the snapshot and publishes a new version stamp.
func (s *PolicySync) SyncPolicies(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.engine.Version() + 1
	if s.store != nil {
		kctx, cancel := kv.WithTimeout(ctx, s.timeout)
		n, err := s.store.Incr(kctx, keyPolicyVersion, 0)
		cancel()
		if err != nil {
			obs.Warn("policy version bump failed", map[string]any{"error": err})
		} else {
			version = n
		}
	}
	return s.rebuild(ctx, version)
}

// ResyncIfStale rebuilds only when the shared version moved past the local
// one, or when nothing has been loaded yet.
func (s *PolicySync) ResyncIfStale(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return s.rebuild(ctx, s.engine.Version()+1)
	}
	kctx, cancel := kv.WithTimeout(ctx, s.timeout)
	raw, found, err := s.store.Get(kctx, keyPolicyVersion)
	cancel()
	if err != nil {
		// Without the stamp the only safe choice is a full rebuild.
		return s.rebuild(ctx, s.engine.Version())
	}
	var shared int64
	if found {
		shared, _ = strconv.ParseInt(raw, 10, 64)
	}
	if s.engine.Loaded() && shared <= s.engine.Version() {
		return nil
	}
	return s.rebuild(ctx, shared)
}

func (s *PolicySync) rebuild(ctx context.Context, version int64) error {
	rows, err := s.source.LoadPolicyRows(ctx)
	if err != nil {
		obs.ObservePolicySync("error", -1)
		return fmt.Errorf("auth: load policy rows: %w", err)
	}
	rules := s.engine.Load(rows, version)
	obs.ObservePolicySync("ok", rules)
	return nil
}
