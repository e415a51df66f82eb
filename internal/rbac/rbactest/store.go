// Package rbactest provides an in-memory rbac.Store for tests.
package rbactest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// Store is a concurrency-safe in-memory rbac.Store. Unique names, unique
// grant triples and role membership are enforced like the PostgreSQL schema.
type Store struct {
	mu          sync.Mutex
	nextID      int64
	entities    []rbac.Entity
	permissions []rbac.Permission
	roles       map[int64]rbac.Role
	grants      map[rbac.Grant]struct{}
	members     map[int64]int64 // user id -> role id

	// Err, when set, is returned by every method.
	Err error
	// CatalogLoads counts ListEntities calls.
	CatalogLoads int
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		roles:   make(map[int64]rbac.Role),
		grants:  make(map[rbac.Grant]struct{}),
		members: make(map[int64]int64),
	}
}

// Seeded returns a store holding the users/products/roles entities, the four
// permissions and the three reserved roles.
func Seeded() *Store {
	s := New()
	ctx := context.Background()
	for _, name := range []string{"Users", "Products", "Roles"} {
		_, _ = s.CreateEntity(ctx, name, rbac.Slugify(name))
	}
	for _, name := range []string{"Create", "Edit", "Delete", "View Reports"} {
		_, _ = s.CreatePermission(ctx, name, rbac.Slugify(name))
	}
	_, _ = s.CreateRole(ctx, rbac.Role{Name: "Superadmin", Slug: rbac.SlugSuperadmin, Kind: rbac.KindUniversal}, nil)
	_, _ = s.CreateRole(ctx, rbac.Role{Name: "Auditor", Slug: rbac.SlugAuditor, Kind: rbac.KindRegular}, nil)
	_, _ = s.CreateRole(ctx, rbac.Role{Name: "Registrar", Slug: rbac.SlugRegistrar, Kind: rbac.KindRegular}, nil)
	return s
}

// AssignUser records userID as a member of roleID. A zero roleID removes the
// assignment.
func (s *Store) AssignUser(userID, roleID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roleID == 0 {
		delete(s.members, userID)
		return
	}
	s.members[userID] = roleID
}

// GrantCount returns the number of stored grants.
func (s *Store) GrantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// MustRole returns the role with slug or panics.
func (s *Store) MustRole(slug string) rbac.Role {
	role, err := s.GetRoleBySlug(context.Background(), slug)
	if err != nil {
		panic("rbactest: role " + slug + " not found")
	}
	return role
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// ListEntities implements rbac.Store.
func (s *Store) ListEntities(context.Context) ([]rbac.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.CatalogLoads++
	out := append([]rbac.Entity(nil), s.entities...)
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// ListPermissions implements rbac.Store.
func (s *Store) ListPermissions(context.Context) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]rbac.Permission(nil), s.permissions...), nil
}

// CreateEntity implements rbac.Store.
func (s *Store) CreateEntity(_ context.Context, name, slug string) (rbac.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return rbac.Entity{}, s.Err
	}
	for i, e := range s.entities {
		if e.Slug == slug {
			s.entities[i].Name = name
			return s.entities[i], nil
		}
	}
	e := rbac.Entity{ID: s.id(), Name: name, Slug: slug}
	s.entities = append(s.entities, e)
	return e, nil
}

// CreatePermission implements rbac.Store.
func (s *Store) CreatePermission(_ context.Context, name, slug string) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return rbac.Permission{}, s.Err
	}
	for i, p := range s.permissions {
		if p.Slug == slug {
			s.permissions[i].Name = name
			return s.permissions[i], nil
		}
	}
	p := rbac.Permission{ID: s.id(), Name: name, Slug: slug}
	s.permissions = append(s.permissions, p)
	return p, nil
}

// GrantExists implements rbac.Store.
func (s *Store) GrantExists(_ context.Context, roleID, entityID, permissionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.grants[rbac.Grant{RoleID: roleID, EntityID: entityID, PermissionID: permissionID}]
	return ok, nil
}

// RoleHasEntity implements rbac.Store.
func (s *Store) RoleHasEntity(_ context.Context, roleID, entityID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	for g := range s.grants {
		if g.RoleID == roleID && g.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

// RoleEntities implements rbac.Store.
func (s *Store) RoleEntities(_ context.Context, roleID int64) ([]rbac.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	ids := make(map[int64]struct{})
	for g := range s.grants {
		if g.RoleID == roleID {
			ids[g.EntityID] = struct{}{}
		}
	}
	var out []rbac.Entity
	for _, e := range s.entities {
		if _, ok := ids[e.ID]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// RolePermissionsForEntity implements rbac.Store.
func (s *Store) RolePermissionsForEntity(_ context.Context, roleID, entityID int64) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []rbac.Permission
	for _, p := range s.permissions {
		if _, ok := s.grants[rbac.Grant{RoleID: roleID, EntityID: entityID, PermissionID: p.ID}]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// AddGrant implements rbac.Store.
func (s *Store) AddGrant(_ context.Context, grant rbac.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.grants[grant]; ok {
		return shared.ErrDuplicateGrant
	}
	s.grants[grant] = struct{}{}
	return nil
}

// ListRoles implements rbac.Store.
func (s *Store) ListRoles(context.Context) ([]rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetRole implements rbac.Store.
func (s *Store) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return rbac.Role{}, s.Err
	}
	role, ok := s.roles[id]
	if !ok {
		return rbac.Role{}, shared.ErrNotFound
	}
	return role, nil
}

// GetRoleBySlug implements rbac.Store.
func (s *Store) GetRoleBySlug(_ context.Context, slug string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return rbac.Role{}, s.Err
	}
	for _, r := range s.roles {
		if r.Slug == slug {
			return r, nil
		}
	}
	return rbac.Role{}, shared.ErrNotFound
}

// CreateRole implements rbac.Store.
func (s *Store) CreateRole(_ context.Context, role rbac.Role, grants []rbac.Grant) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return rbac.Role{}, s.Err
	}
	for _, r := range s.roles {
		if r.Name == role.Name || r.Slug == role.Slug {
			return rbac.Role{}, shared.ErrDuplicateName
		}
	}
	seen := make(map[rbac.Grant]struct{}, len(grants))
	for _, g := range grants {
		g.RoleID = 0
		if _, ok := seen[g]; ok {
			return rbac.Role{}, shared.ErrDuplicateGrant
		}
		seen[g] = struct{}{}
	}
	if role.Kind == "" {
		role.Kind = rbac.KindRegular
	}
	now := time.Now()
	role.ID = s.id()
	role.CreatedAt, role.UpdatedAt = now, now
	s.roles[role.ID] = role
	for g := range seen {
		g.RoleID = role.ID
		s.grants[g] = struct{}{}
	}
	return role, nil
}

// ReplaceGrants implements rbac.Store.
func (s *Store) ReplaceGrants(_ context.Context, roleID int64, entityIDs []int64, grants []rbac.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	role, ok := s.roles[roleID]
	if !ok {
		return shared.ErrNotFound
	}
	scope := make(map[int64]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		scope[id] = struct{}{}
	}
	next := make(map[rbac.Grant]struct{}, len(s.grants))
	for g := range s.grants {
		if _, drop := scope[g.EntityID]; drop && g.RoleID == roleID {
			continue
		}
		next[g] = struct{}{}
	}
	for _, g := range grants {
		if _, ok := next[g]; ok {
			return shared.ErrDuplicateGrant
		}
		next[g] = struct{}{}
	}
	s.grants = next
	role.UpdatedAt = time.Now()
	s.roles[roleID] = role
	return nil
}

// DeleteRole implements rbac.Store.
func (s *Store) DeleteRole(_ context.Context, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.roles[roleID]; !ok {
		return shared.ErrNotFound
	}
	for _, rid := range s.members {
		if rid == roleID {
			return shared.ErrRoleInUse
		}
	}
	delete(s.roles, roleID)
	for g := range s.grants {
		if g.RoleID == roleID {
			delete(s.grants, g)
		}
	}
	return nil
}

// CountRoleMembers implements rbac.Store.
func (s *Store) CountRoleMembers(_ context.Context, roleID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	n := 0
	for _, rid := range s.members {
		if rid == roleID {
			n++
		}
	}
	return n, nil
}

var _ rbac.Store = (*Store)(nil)
