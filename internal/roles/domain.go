package roles

import "github.com/odyssey-erp/odyssey-admin/internal/rbac"

// RoleSummary is one row of the role list.
type RoleSummary struct {
	Role    rbac.Role `json:"role"`
	Members int       `json:"members"`
}

// Catalog lists every entity and permission that can be granted.
type Catalog struct {
	Entities    []rbac.Entity     `json:"entities"`
	Permissions []rbac.Permission `json:"permissions"`
}
