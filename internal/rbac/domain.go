package rbac

import "time"

// Reserved role slugs seeded with the application.
const (
	SlugSuperadmin = "superadmin"
	SlugAuditor    = "auditor"
	SlugRegistrar  = "registrar"
)

// Permission slugs of the fixed action catalog.
const (
	PermCreate      = "create"
	PermEdit        = "edit"
	PermDelete      = "delete"
	PermViewReports = "view-reports"
)

// Entity slugs protected by the application.
const (
	EntityUsers    = "users"
	EntityProducts = "products"
	EntityRoles    = "roles"
)

// Entity is a protected resource category.
type Entity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Permission is an action that can be granted on an entity.
type Permission struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Grant is one role/entity/permission triple.
type Grant struct {
	RoleID       int64
	EntityID     int64
	PermissionID int64
}

// GrantSet maps entity slugs to the permission slugs granted on them.
type GrantSet map[string][]string

// RoleKind tags roles that bypass the grant store.
type RoleKind string

const (
	// KindRegular roles are evaluated against their grants.
	KindRegular RoleKind = "regular"
	// KindUniversal roles pass every permission check.
	KindUniversal RoleKind = "universal"
)

// Role is a named bundle of grants.
type Role struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Kind      RoleKind  `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsUniversal reports whether the role bypasses grant evaluation.
func (r Role) IsUniversal() bool {
	return r.Kind == KindUniversal
}

// Reserved reports whether the role is one of the seeded system roles.
func (r Role) Reserved() bool {
	switch r.Slug {
	case SlugSuperadmin, SlugAuditor, SlugRegistrar:
		return true
	}
	return r.IsUniversal()
}

// Principal is the authenticated user resolved for a request.
type Principal struct {
	UserID      int64
	Username    string
	Role        *Role
	LastLoginAt *time.Time
}

// HasRole matches identifier against the role slug or its display name,
// exactly as written.
func (p Principal) HasRole(identifier string) bool {
	if p.Role == nil || identifier == "" {
		return false
	}
	return p.Role.Slug == identifier || p.Role.Name == identifier
}

// EntityPermissions is one row of a role's permission matrix.
type EntityPermissions struct {
	Entity      Entity       `json:"entity"`
	Permissions []Permission `json:"permissions"`
}
