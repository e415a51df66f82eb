package rbac

import "context"

// CatalogSource lists the static entity and permission reference data.
type CatalogSource interface {
	ListEntities(ctx context.Context) ([]Entity, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Store persists the catalog, roles and the grant matrix. Lookups for a
// missing record return shared.ErrNotFound.
type Store interface {
	CatalogSource
	CreateEntity(ctx context.Context, name, slug string) (Entity, error)
	CreatePermission(ctx context.Context, name, slug string) (Permission, error)

	GrantExists(ctx context.Context, roleID, entityID, permissionID int64) (bool, error)
	RoleHasEntity(ctx context.Context, roleID, entityID int64) (bool, error)
	RoleEntities(ctx context.Context, roleID int64) ([]Entity, error)
	RolePermissionsForEntity(ctx context.Context, roleID, entityID int64) ([]Permission, error)
	AddGrant(ctx context.Context, grant Grant) error

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleBySlug(ctx context.Context, slug string) (Role, error)
	// CreateRole inserts the role and its grants atomically. Grant.RoleID is
	// ignored and filled in with the new role id.
	CreateRole(ctx context.Context, role Role, grants []Grant) (Role, error)
	// ReplaceGrants drops every grant the role holds on entityIDs and inserts
	// grants in one transaction.
	ReplaceGrants(ctx context.Context, roleID int64, entityIDs []int64, grants []Grant) error
	// DeleteRole removes the role and, by cascade, its grants. It returns
	// shared.ErrRoleInUse while users still reference the role.
	DeleteRole(ctx context.Context, roleID int64) error
	CountRoleMembers(ctx context.Context, roleID int64) (int, error)
}
