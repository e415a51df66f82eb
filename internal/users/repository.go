package users

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-admin/internal/platform/db"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `u.id, u.username, u.is_active, u.role_id, COALESCE(r.name, ''), u.last_login_at, u.created_at, u.updated_at`

// ListUsers returns all users with their role names.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+`
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		ORDER BY u.username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser fetches one user.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+`
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, shared.ErrNotFound
	}
	return user, err
}

// CountUsers returns the number of accounts.
func (r *Repository) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

// CreateUser inserts an account with an already hashed password.
func (r *Repository) CreateUser(ctx context.Context, username, passwordHash string, roleID *int64) (User, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, is_active, role_id)
		VALUES ($1, $2, TRUE, $3)
		RETURNING id`, username, passwordHash, roleID).Scan(&id)
	if err != nil {
		return User{}, translate(err)
	}
	return r.GetUser(ctx, id)
}

// AssignRole sets or clears the role of a user.
func (r *Repository) AssignRole(ctx context.Context, userID int64, roleID *int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET role_id = $2, updated_at = NOW() WHERE id = $1`, userID, roleID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteUser removes the account and its session records.
func (r *Repository) DeleteUser(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// LoadPrincipal resolves an active user and its role. Unknown or deactivated
// users yield shared.ErrNotFound.
func (r *Repository) LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error) {
	var (
		p         rbac.Principal
		lastLogin pgtype.Timestamptz
		roleID    pgtype.Int8
		roleName  pgtype.Text
		roleSlug  pgtype.Text
		roleKind  pgtype.Text
		roleAt    pgtype.Timestamptz
		roleUpdAt pgtype.Timestamptz
	)
	err := r.pool.QueryRow(ctx, `
		SELECT u.id, u.username, u.last_login_at, r.id, r.name, r.slug, r.kind, r.created_at, r.updated_at
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.id = $1 AND u.is_active`, userID).
		Scan(&p.UserID, &p.Username, &lastLogin, &roleID, &roleName, &roleSlug, &roleKind, &roleAt, &roleUpdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		at := lastLogin.Time
		p.LastLoginAt = &at
	}
	if roleID.Valid {
		p.Role = &rbac.Role{
			ID:        roleID.Int64,
			Name:      roleName.String,
			Slug:      roleSlug.String,
			Kind:      rbac.RoleKind(roleKind.String),
			CreatedAt: roleAt.Time,
			UpdatedAt: roleUpdAt.Time,
		}
	}
	return &p, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user      User
		roleID    pgtype.Int8
		lastLogin pgtype.Timestamptz
	)
	if err := row.Scan(&user.ID, &user.Username, &user.IsActive, &roleID, &user.RoleName, &lastLogin, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	if roleID.Valid {
		id := roleID.Int64
		user.RoleID = &id
	}
	if lastLogin.Valid {
		at := lastLogin.Time.In(time.UTC)
		user.LastLoginAt = &at
	}
	return user, nil
}

func translate(err error) error {
	if constraint, ok := db.UniqueViolation(err); ok && constraint == "users_username_key" {
		return shared.FieldErrors{"Username": "username is already taken"}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" && pgErr.ConstraintName == "users_role_id_fkey" {
		return shared.FieldErrors{"RoleID": "role does not exist"}
	}
	return err
}

var (
	_ RepositoryPort       = (*Repository)(nil)
	_ rbac.PrincipalLoader = (*Repository)(nil)
)
