package roles

import (
	"context"
	"io"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// Service handles role administration and records an audit trail for it.
type Service struct {
	rbac   *rbac.Service
	audit  shared.AuditRecorder
	logger *slog.Logger
}

// NewService builds Service instance. audit may be nil.
func NewService(authz *rbac.Service, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{rbac: authz, audit: audit, logger: logger}
}

// ListRoles returns all roles with their member counts.
func (s *Service) ListRoles(ctx context.Context) ([]RoleSummary, error) {
	roles, err := s.rbac.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RoleSummary, 0, len(roles))
	for _, role := range roles {
		n, err := s.rbac.CountRoleMembers(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, RoleSummary{Role: role, Members: n})
	}
	return out, nil
}

// Catalog returns the grantable entities and permissions.
func (s *Service) Catalog(ctx context.Context) (Catalog, error) {
	entities, err := s.rbac.CatalogEntities(ctx)
	if err != nil {
		return Catalog{}, err
	}
	perms, err := s.rbac.CatalogPermissions(ctx)
	if err != nil {
		return Catalog{}, err
	}
	return Catalog{Entities: entities, Permissions: perms}, nil
}

// Grants returns the role and its current grants keyed by entity slug.
func (s *Service) Grants(ctx context.Context, roleID int64) (rbac.Role, rbac.GrantSet, error) {
	role, err := s.rbac.GetRole(ctx, roleID)
	if err != nil {
		return rbac.Role{}, nil, err
	}
	matrix, err := s.rbac.Matrix(ctx, &role)
	if err != nil {
		return rbac.Role{}, nil, err
	}
	grants := make(rbac.GrantSet, len(matrix))
	for _, row := range matrix {
		for _, perm := range row.Permissions {
			grants[row.Entity.Slug] = append(grants[row.Entity.Slug], perm.Slug)
		}
	}
	return role, grants, nil
}

// Create adds a regular role with grants.
func (s *Service) Create(ctx context.Context, actorID int64, name string, grants rbac.GrantSet) (rbac.Role, error) {
	role, err := s.rbac.CreateRole(ctx, name, grants)
	if err != nil {
		return rbac.Role{}, err
	}
	s.record(ctx, actorID, shared.AuditRoleCreated, role.ID, map[string]any{"name": role.Name, "grants": grants})
	return role, nil
}

// UpdatePermissions replaces the grants of the entities present in grants.
func (s *Service) UpdatePermissions(ctx context.Context, actorID, roleID int64, grants rbac.GrantSet) error {
	if err := s.rbac.UpdateRolePermissions(ctx, roleID, grants); err != nil {
		return err
	}
	s.record(ctx, actorID, shared.AuditRoleUpdated, roleID, map[string]any{"grants": grants})
	return nil
}

// Delete removes an unused, non-reserved role.
func (s *Service) Delete(ctx context.Context, actorID, roleID int64) error {
	if err := s.rbac.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.record(ctx, actorID, shared.AuditRoleDeleted, roleID, nil)
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, roleID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{ActorID: actorID, Action: action, Entity: rbac.EntityRoles, EntityID: strconv.FormatInt(roleID, 10), Meta: meta}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit role change", slog.String("action", action), slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}
