package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-admin/internal/platform/db"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

const (
	constraintRoleName  = "roles_name_key"
	constraintRoleSlug  = "roles_slug_key"
	constraintGrantPKey = "role_entity_permissions_pkey"
	constraintUserRole  = "users_role_id_fkey"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ListEntities returns the entity catalog ordered by slug.
func (s *PGStore) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug FROM entities ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list entities: %w", err)
	}
	return pgx.CollectRows(rows, scanEntity)
}

// ListPermissions returns the permission catalog ordered by id.
func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug FROM permissions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	return pgx.CollectRows(rows, scanPermission)
}

// CreateEntity inserts an entity or returns the existing one with that slug.
func (s *PGStore) CreateEntity(ctx context.Context, name, slug string) (Entity, error) {
	var e Entity
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entities (name, slug) VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, slug`, name, slug).Scan(&e.ID, &e.Name, &e.Slug)
	if err != nil {
		return Entity{}, fmt.Errorf("rbac: create entity: %w", err)
	}
	return e, nil
}

// CreatePermission inserts a permission or returns the existing one with that slug.
func (s *PGStore) CreatePermission(ctx context.Context, name, slug string) (Permission, error) {
	var p Permission
	err := s.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, slug) VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, slug`, name, slug).Scan(&p.ID, &p.Name, &p.Slug)
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: create permission: %w", err)
	}
	return p, nil
}

// GrantExists checks the grant matrix for one triple.
func (s *PGStore) GrantExists(ctx context.Context, roleID, entityID, permissionID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_entity_permissions
			WHERE role_id = $1 AND entity_id = $2 AND permission_id = $3
		)`, roleID, entityID, permissionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("rbac: grant exists: %w", err)
	}
	return exists, nil
}

// RoleHasEntity reports whether the role holds any grant on the entity.
func (s *PGStore) RoleHasEntity(ctx context.Context, roleID, entityID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_entity_permissions WHERE role_id = $1 AND entity_id = $2
		)`, roleID, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("rbac: role has entity: %w", err)
	}
	return exists, nil
}

// RoleEntities returns the distinct entities referenced by the role's grants.
func (s *PGStore) RoleEntities(ctx context.Context, roleID int64) ([]Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT e.id, e.name, e.slug
		FROM role_entity_permissions rep
		JOIN entities e ON e.id = rep.entity_id
		WHERE rep.role_id = $1
		ORDER BY e.slug`, roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac: role entities: %w", err)
	}
	return pgx.CollectRows(rows, scanEntity)
}

// RolePermissionsForEntity returns the permissions granted to the role on entityID.
func (s *PGStore) RolePermissionsForEntity(ctx context.Context, roleID, entityID int64) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name, p.slug
		FROM role_entity_permissions rep
		JOIN permissions p ON p.id = rep.permission_id
		WHERE rep.role_id = $1 AND rep.entity_id = $2
		ORDER BY p.id`, roleID, entityID)
	if err != nil {
		return nil, fmt.Errorf("rbac: role permissions: %w", err)
	}
	return pgx.CollectRows(rows, scanPermission)
}

// AddGrant inserts a single grant.
func (s *PGStore) AddGrant(ctx context.Context, grant Grant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO role_entity_permissions (role_id, entity_id, permission_id)
		VALUES ($1, $2, $3)`, grant.RoleID, grant.EntityID, grant.PermissionID)
	if err != nil {
		return fmt.Errorf("rbac: add grant: %w", translate(err))
	}
	return nil
}

// ListRoles returns all roles ordered by name.
func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug, kind, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	return pgx.CollectRows(rows, scanRole)
}

// GetRole fetches a role by ID.
func (s *PGStore) GetRole(ctx context.Context, id int64) (Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug, kind, created_at, updated_at FROM roles WHERE id = $1`, id)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: get role: %w", err)
	}
	return collectOneRole(rows)
}

// GetRoleBySlug fetches a role by its canonical slug.
func (s *PGStore) GetRoleBySlug(ctx context.Context, slug string) (Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug, kind, created_at, updated_at FROM roles WHERE slug = $1`, slug)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: get role by slug: %w", err)
	}
	return collectOneRole(rows)
}

// CreateRole inserts the role and its grants in one transaction.
func (s *PGStore) CreateRole(ctx context.Context, role Role, grants []Grant) (Role, error) {
	if role.Kind == "" {
		role.Kind = KindRegular
	}
	var created Role
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			INSERT INTO roles (name, slug, kind, created_at, updated_at)
			VALUES ($1, $2, $3, NOW(), NOW())
			RETURNING id, name, slug, kind, created_at, updated_at`, role.Name, role.Slug, string(role.Kind))
		if err != nil {
			return err
		}
		created, err = collectOneRole(rows)
		if err != nil {
			return err
		}
		for i := range grants {
			grants[i].RoleID = created.ID
		}
		return insertGrants(ctx, tx, grants)
	})
	if err != nil {
		return Role{}, fmt.Errorf("rbac: create role: %w", translate(err))
	}
	return created, nil
}

// ReplaceGrants swaps the role's grants on entityIDs for grants.
func (s *PGStore) ReplaceGrants(ctx context.Context, roleID int64, entityIDs []int64, grants []Grant) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if len(entityIDs) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM role_entity_permissions WHERE role_id = $1 AND entity_id = ANY($2)`, roleID, entityIDs); err != nil {
				return err
			}
		}
		if err := insertGrants(ctx, tx, grants); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		return err
	})
	if err != nil {
		return fmt.Errorf("rbac: replace grants: %w", translate(err))
	}
	return nil
}

// DeleteRole removes a role unless users still reference it.
func (s *PGStore) DeleteRole(ctx context.Context, roleID int64) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var members int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role_id = $1`, roleID).Scan(&members); err != nil {
			return err
		}
		if members > 0 {
			return shared.ErrRoleInUse
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rbac: delete role: %w", translate(err))
	}
	return nil
}

// CountRoleMembers counts users referencing the role.
func (s *PGStore) CountRoleMembers(ctx context.Context, roleID int64) (int, error) {
	var members int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role_id = $1`, roleID).Scan(&members); err != nil {
		return 0, fmt.Errorf("rbac: count role members: %w", err)
	}
	return members, nil
}

func insertGrants(ctx context.Context, tx pgx.Tx, grants []Grant) error {
	if len(grants) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, g := range grants {
		batch.Queue(`INSERT INTO role_entity_permissions (role_id, entity_id, permission_id) VALUES ($1, $2, $3)`, g.RoleID, g.EntityID, g.PermissionID)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if name, ok := db.UniqueViolation(err); ok {
		switch name {
		case constraintGrantPKey:
			return shared.ErrDuplicateGrant
		case constraintRoleName, constraintRoleSlug:
			return shared.ErrDuplicateName
		}
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == constraintUserRole {
		return shared.ErrRoleInUse
	}
	return err
}

func collectOneRole(rows pgx.Rows) (Role, error) {
	role, err := pgx.CollectOneRow(rows, scanRole)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

func scanEntity(row pgx.CollectableRow) (Entity, error) {
	var e Entity
	err := row.Scan(&e.ID, &e.Name, &e.Slug)
	return e, err
}

func scanPermission(row pgx.CollectableRow) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.Slug)
	return p, err
}

func scanRole(row pgx.CollectableRow) (Role, error) {
	var r Role
	var kind string
	err := row.Scan(&r.ID, &r.Name, &r.Slug, &kind, &r.CreatedAt, &r.UpdatedAt)
	r.Kind = RoleKind(kind)
	return r, err
}

var _ Store = (*PGStore)(nil)
