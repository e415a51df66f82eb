package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

var (
	// ErrUnknownEntity indicates a grant names an entity missing from the catalog.
	ErrUnknownEntity = fmt.Errorf("%w: unknown entity", shared.ErrValidation)
	// ErrUnknownPermission indicates a grant names a permission missing from the catalog.
	ErrUnknownPermission = fmt.Errorf("%w: unknown permission", shared.ErrValidation)
	// ErrRoleNameRequired indicates an empty role name.
	ErrRoleNameRequired = fmt.Errorf("%w: role name required", shared.ErrValidation)
	// ErrRoleNameInvalid indicates a role name with no letters or digits.
	ErrRoleNameInvalid = fmt.Errorf("%w: role name must contain letters or digits", shared.ErrValidation)
	// ErrReservedRoleKind rejects grant edits on the universal role.
	ErrReservedRoleKind = fmt.Errorf("%w: universal role grants are implicit", shared.ErrReservedRole)
)

// Service orchestrates role evaluation and role administration.
type Service struct {
	store   Store
	catalog *Catalog
	logger  *slog.Logger
}

// NewService constructs a Service. A nil catalog disables catalog caching.
func NewService(store Store, catalog *Catalog, logger *slog.Logger) *Service {
	if catalog == nil {
		catalog = NewCatalog(store, 0)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, catalog: catalog, logger: logger}
}

// RoleHasPermission reports whether role may perform permSlug on entitySlug.
// Unknown slugs evaluate to false.
func (s *Service) RoleHasPermission(ctx context.Context, role *Role, permSlug, entitySlug string) (bool, error) {
	if role == nil {
		return false, nil
	}
	if role.IsUniversal() {
		return true, nil
	}
	entity, ok, err := s.catalog.Entity(ctx, entitySlug)
	if err != nil || !ok {
		return false, err
	}
	perm, ok, err := s.catalog.Permission(ctx, permSlug)
	if err != nil || !ok {
		return false, err
	}
	return s.store.GrantExists(ctx, role.ID, entity.ID, perm.ID)
}

// HasPermission is the principal facade; a principal without a role holds
// no permissions.
func (s *Service) HasPermission(ctx context.Context, p *Principal, permSlug, entitySlug string) (bool, error) {
	if p == nil || p.Role == nil {
		return false, nil
	}
	return s.RoleHasPermission(ctx, p.Role, permSlug, entitySlug)
}

// HasRole matches identifier against the principal's role ignoring case and
// separators.
func (s *Service) HasRole(p *Principal, identifier string) bool {
	if p == nil {
		return false
	}
	return ParseRoleIdentifier(identifier).Matches(p.Role)
}

// CanAccess reports whether the principal's role holds any grant on the
// entity. It drives visibility only and must not authorize writes.
func (s *Service) CanAccess(ctx context.Context, p *Principal, entitySlug string) (bool, error) {
	if p == nil || p.Role == nil {
		return false, nil
	}
	if p.Role.IsUniversal() {
		return true, nil
	}
	entity, ok, err := s.catalog.Entity(ctx, entitySlug)
	if err != nil || !ok {
		return false, err
	}
	return s.store.RoleHasEntity(ctx, p.Role.ID, entity.ID)
}

// UserHasAccess is CanAccess for templates and menus: store failures are
// logged and treated as no access.
func (s *Service) UserHasAccess(ctx context.Context, p *Principal, entitySlug string) bool {
	ok, err := s.CanAccess(ctx, p, entitySlug)
	if err != nil {
		s.logger.Error("rbac user has access", slog.String("entity", entitySlug), slog.Any("error", err))
		return false
	}
	return ok
}

// UserCan is HasPermission for templates: store failures are logged and
// treated as denied.
func (s *Service) UserCan(ctx context.Context, p *Principal, permSlug, entitySlug string) bool {
	ok, err := s.HasPermission(ctx, p, permSlug, entitySlug)
	if err != nil {
		s.logger.Error("rbac user can", slog.String("permission", permSlug), slog.String("entity", entitySlug), slog.Any("error", err))
		return false
	}
	return ok
}

// Entities returns the distinct entities the role holds grants on.
func (s *Service) Entities(ctx context.Context, role *Role) ([]Entity, error) {
	if role == nil {
		return nil, nil
	}
	return s.store.RoleEntities(ctx, role.ID)
}

// PermissionsForEntity returns the permissions granted to role on entityID.
func (s *Service) PermissionsForEntity(ctx context.Context, role *Role, entityID int64) ([]Permission, error) {
	if role == nil {
		return nil, nil
	}
	return s.store.RolePermissionsForEntity(ctx, role.ID, entityID)
}

// Matrix returns the role's permissions grouped by entity. Universal roles
// report the full catalog.
func (s *Service) Matrix(ctx context.Context, role *Role) ([]EntityPermissions, error) {
	if role == nil {
		return nil, nil
	}
	if role.IsUniversal() {
		entities, err := s.catalog.Entities(ctx)
		if err != nil {
			return nil, err
		}
		perms, err := s.catalog.Permissions(ctx)
		if err != nil {
			return nil, err
		}
		matrix := make([]EntityPermissions, 0, len(entities))
		for _, e := range entities {
			matrix = append(matrix, EntityPermissions{Entity: e, Permissions: perms})
		}
		return matrix, nil
	}
	entities, err := s.Entities(ctx, role)
	if err != nil {
		return nil, err
	}
	matrix := make([]EntityPermissions, 0, len(entities))
	for _, e := range entities {
		perms, err := s.PermissionsForEntity(ctx, role, e.ID)
		if err != nil {
			return nil, err
		}
		matrix = append(matrix, EntityPermissions{Entity: e, Permissions: perms})
	}
	return matrix, nil
}

// CreateRole inserts a regular role together with its grants.
func (s *Service) CreateRole(ctx context.Context, name string, grants GrantSet) (Role, error) {
	name = strings.TrimSpace(name)
	slug := Slugify(name)
	if name == "" {
		return Role{}, ErrRoleNameRequired
	}
	if slug == "" {
		return Role{}, ErrRoleNameInvalid
	}
	resolved, _, err := s.resolveGrants(ctx, grants)
	if err != nil {
		return Role{}, err
	}
	return s.store.CreateRole(ctx, Role{Name: name, Slug: slug, Kind: KindRegular}, resolved)
}

// UpdateRolePermissions replaces the role's grants for every entity named in
// grants. Entities absent from grants keep their current grants; an entity
// mapped to an empty list loses all of them.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID int64, grants GrantSet) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsUniversal() {
		return ErrReservedRoleKind
	}
	resolved, entityIDs, err := s.resolveGrants(ctx, grants)
	if err != nil {
		return err
	}
	for i := range resolved {
		resolved[i].RoleID = role.ID
	}
	return s.store.ReplaceGrants(ctx, role.ID, entityIDs, resolved)
}

// DeleteRole removes a role that no user references. A referenced role fails
// with shared.ErrRoleInUse whether or not it is reserved; an unreferenced
// reserved role fails with shared.ErrReservedRole.
func (s *Service) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	members, err := s.store.CountRoleMembers(ctx, roleID)
	if err != nil {
		return err
	}
	if members > 0 {
		return shared.ErrRoleInUse
	}
	if role.Reserved() {
		return shared.ErrReservedRole
	}
	return s.store.DeleteRole(ctx, roleID)
}

// EnsureRole returns the role with slug, creating it with kind and grants
// when it does not exist yet. Existing roles are left untouched.
func (s *Service) EnsureRole(ctx context.Context, name, slug string, kind RoleKind, grants GrantSet) (Role, error) {
	slug = ParseRoleIdentifier(slug).String()
	if slug == "" {
		slug = Slugify(name)
	}
	role, err := s.store.GetRoleBySlug(ctx, slug)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Role{}, err
	}
	resolved, _, err := s.resolveGrants(ctx, grants)
	if err != nil {
		return Role{}, err
	}
	return s.store.CreateRole(ctx, Role{Name: strings.TrimSpace(name), Slug: slug, Kind: kind}, resolved)
}

// AddGrant adds a single grant. Duplicates fail with shared.ErrDuplicateGrant.
func (s *Service) AddGrant(ctx context.Context, roleID int64, entitySlug, permSlug string) error {
	entity, ok, err := s.catalog.Entity(ctx, entitySlug)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownEntity, entitySlug)
	}
	perm, ok, err := s.catalog.Permission(ctx, permSlug)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownPermission, permSlug)
	}
	return s.store.AddGrant(ctx, Grant{RoleID: roleID, EntityID: entity.ID, PermissionID: perm.ID})
}

// EnsureEntity upserts a catalog entity.
func (s *Service) EnsureEntity(ctx context.Context, name string) (Entity, error) {
	name = strings.TrimSpace(name)
	slug := Slugify(name)
	if slug == "" {
		return Entity{}, fmt.Errorf("%w: entity name required", shared.ErrValidation)
	}
	entity, err := s.store.CreateEntity(ctx, name, slug)
	if err != nil {
		return Entity{}, err
	}
	s.catalog.Invalidate()
	return entity, nil
}

// EnsurePermission upserts a catalog permission.
func (s *Service) EnsurePermission(ctx context.Context, name string) (Permission, error) {
	name = strings.TrimSpace(name)
	slug := Slugify(name)
	if slug == "" {
		return Permission{}, fmt.Errorf("%w: permission name required", shared.ErrValidation)
	}
	perm, err := s.store.CreatePermission(ctx, name, slug)
	if err != nil {
		return Permission{}, err
	}
	s.catalog.Invalidate()
	return perm, nil
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// GetRoleBySlug fetches a role by slug or display name.
func (s *Service) GetRoleBySlug(ctx context.Context, identifier string) (Role, error) {
	return s.store.GetRoleBySlug(ctx, ParseRoleIdentifier(identifier).String())
}

// CountRoleMembers counts the users assigned to a role.
func (s *Service) CountRoleMembers(ctx context.Context, roleID int64) (int, error) {
	return s.store.CountRoleMembers(ctx, roleID)
}

// CatalogEntities lists the entity catalog for forms.
func (s *Service) CatalogEntities(ctx context.Context) ([]Entity, error) {
	return s.catalog.Entities(ctx)
}

// CatalogPermissions lists the permission catalog for forms.
func (s *Service) CatalogPermissions(ctx context.Context) ([]Permission, error) {
	return s.catalog.Permissions(ctx)
}

// resolveGrants turns a GrantSet into grant rows and the ids of every entity
// it names. Permission slugs are deduplicated.
func (s *Service) resolveGrants(ctx context.Context, grants GrantSet) ([]Grant, []int64, error) {
	slugs := make([]string, 0, len(grants))
	for slug := range grants {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	var rows []Grant
	entityIDs := make([]int64, 0, len(slugs))
	seenEntity := make(map[int64]struct{}, len(slugs))
	seenGrant := make(map[Grant]struct{})
	for _, entitySlug := range slugs {
		entity, ok, err := s.catalog.Entity(ctx, entitySlug)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w %q", ErrUnknownEntity, entitySlug)
		}
		if _, dup := seenEntity[entity.ID]; !dup {
			seenEntity[entity.ID] = struct{}{}
			entityIDs = append(entityIDs, entity.ID)
		}
		for _, permSlug := range grants[entitySlug] {
			if strings.TrimSpace(permSlug) == "" {
				continue
			}
			perm, ok, err := s.catalog.Permission(ctx, permSlug)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				return nil, nil, fmt.Errorf("%w %q", ErrUnknownPermission, permSlug)
			}
			grant := Grant{EntityID: entity.ID, PermissionID: perm.ID}
			if _, dup := seenGrant[grant]; dup {
				continue
			}
			seenGrant[grant] = struct{}{}
			rows = append(rows, grant)
		}
	}
	return rows, entityIDs, nil
}
