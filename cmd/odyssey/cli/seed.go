package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/users"
)

// Catalog is the part of rbac.Service the seeder drives.
type Catalog interface {
	EnsureEntity(ctx context.Context, name string) (rbac.Entity, error)
	EnsurePermission(ctx context.Context, name string) (rbac.Permission, error)
	EnsureRole(ctx context.Context, name, slug string, kind rbac.RoleKind, grants rbac.GrantSet) (rbac.Role, error)
}

// Registrar creates the bootstrap account.
type Registrar interface {
	CountUsers(ctx context.Context) (int, error)
	Register(ctx context.Context, actorID int64, in users.RegisterInput) (users.User, error)
}

// SeedConfig names the initial superadmin account. An empty username skips
// account creation.
type SeedConfig struct {
	AdminUsername string
	AdminPassword string
}

var (
	seedEntities    = []string{"Users", "Products", "Roles"}
	seedPermissions = []string{"Create", "Edit", "Delete", "View Reports"}
)

type seedRole struct {
	name   string
	slug   string
	kind   rbac.RoleKind
	grants rbac.GrantSet
}

var seedRoles = []seedRole{
	{name: "Superadmin", slug: rbac.SlugSuperadmin, kind: rbac.KindUniversal},
	{name: "Auditor", slug: rbac.SlugAuditor, kind: rbac.KindRegular, grants: rbac.GrantSet{
		rbac.EntityUsers:    {rbac.PermViewReports},
		rbac.EntityProducts: {rbac.PermViewReports},
	}},
	{name: "Registrar", slug: rbac.SlugRegistrar, kind: rbac.KindRegular, grants: rbac.GrantSet{
		rbac.EntityUsers:    {rbac.PermCreate, rbac.PermEdit},
		rbac.EntityProducts: {rbac.PermCreate, rbac.PermEdit},
	}},
}

// Seeder bootstraps the catalog, the reserved roles and the first account.
// Running it twice leaves the database unchanged.
type Seeder struct {
	catalog Catalog
	users   Registrar
	logger  *slog.Logger
}

// NewSeeder constructs a Seeder.
func NewSeeder(catalog Catalog, registrar Registrar, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{catalog: catalog, users: registrar, logger: logger}
}

// Seed runs every bootstrap step.
func (s *Seeder) Seed(ctx context.Context, cfg SeedConfig) error {
	if s == nil || s.catalog == nil {
		return errors.New("seed: catalog not configured")
	}
	for _, name := range seedEntities {
		if _, err := s.catalog.EnsureEntity(ctx, name); err != nil {
			return fmt.Errorf("seed: entity %s: %w", name, err)
		}
	}
	for _, name := range seedPermissions {
		if _, err := s.catalog.EnsurePermission(ctx, name); err != nil {
			return fmt.Errorf("seed: permission %s: %w", name, err)
		}
	}
	var superadmin rbac.Role
	for _, r := range seedRoles {
		role, err := s.catalog.EnsureRole(ctx, r.name, r.slug, r.kind, r.grants)
		if err != nil {
			return fmt.Errorf("seed: role %s: %w", r.slug, err)
		}
		if r.slug == rbac.SlugSuperadmin {
			superadmin = role
		}
		s.logger.Info("role ready", slog.String("slug", role.Slug), slog.Int64("role_id", role.ID))
	}

	if cfg.AdminUsername == "" || s.users == nil {
		return nil
	}
	count, err := s.users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("seed: count users: %w", err)
	}
	if count > 0 {
		s.logger.Info("users present, skipping superadmin account", slog.Int("users", count))
		return nil
	}
	roleID := superadmin.ID
	user, err := s.users.Register(ctx, 0, users.RegisterInput{
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
		RoleID:   &roleID,
	})
	if err != nil {
		return fmt.Errorf("seed: superadmin account: %w", err)
	}
	s.logger.Info("superadmin account created", slog.String("username", user.Username), slog.Int64("user_id", user.ID))
	return nil
}
