package users

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, username, passwordHash string, roleID *int64) (User, error)
	AssignRole(ctx context.Context, userID int64, roleID *int64) error
	DeleteUser(ctx context.Context, id int64) error
	LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error)
}

// RoleLookup resolves roles offered in the user forms.
type RoleLookup interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
}

// Service handles user business logic.
type Service struct {
	repo      RepositoryPort
	roles     RoleLookup
	audit     shared.AuditRecorder
	logger    *slog.Logger
	validator *validator.Validate
	cost      int
}

// NewService builds Service instance. audit may be nil.
func NewService(repo RepositoryPort, roles RoleLookup, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		repo:      repo,
		roles:     roles,
		audit:     audit,
		logger:    logger,
		validator: validator.New(),
		cost:      bcrypt.DefaultCost,
	}
}

// WithHashCost overrides the bcrypt cost, used by tests and the seeder.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// CountUsers returns the number of accounts.
func (s *Service) CountUsers(ctx context.Context) (int, error) {
	return s.repo.CountUsers(ctx)
}

// ListRoles returns the roles a user can be assigned.
func (s *Service) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.roles.ListRoles(ctx)
}

// LoadPrincipal resolves the principal of an active user.
func (s *Service) LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error) {
	return s.repo.LoadPrincipal(ctx, userID)
}

// Register validates input, hashes the password and stores the account.
func (s *Service) Register(ctx context.Context, actorID int64, in RegisterInput) (User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := shared.ValidateStruct(s.validator, in); err != nil {
		return User{}, err
	}
	if err := s.checkRole(ctx, in.RoleID); err != nil {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	user, err := s.repo.CreateUser(ctx, in.Username, string(hash), in.RoleID)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, actorID, shared.AuditUserCreated, user.ID, map[string]any{"username": user.Username, "role_id": in.RoleID})
	return user, nil
}

// AssignRole sets the role of a user; nil clears it.
func (s *Service) AssignRole(ctx context.Context, actorID, userID int64, roleID *int64) error {
	if err := s.checkRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.record(ctx, actorID, shared.AuditUserRoleChanged, userID, map[string]any{"role_id": roleID})
	return nil
}

// Delete removes targetID. Users cannot delete their own account.
func (s *Service) Delete(ctx context.Context, actorID, targetID int64) error {
	if actorID == targetID {
		return shared.ErrSelfDeletion
	}
	if err := s.repo.DeleteUser(ctx, targetID); err != nil {
		return err
	}
	s.record(ctx, actorID, shared.AuditUserDeleted, targetID, nil)
	return nil
}

func (s *Service) checkRole(ctx context.Context, roleID *int64) error {
	if roleID == nil {
		return nil
	}
	if _, err := s.roles.GetRole(ctx, *roleID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.FieldErrors{"RoleID": "role does not exist"}
		}
		return err
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, userID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{ActorID: actorID, Action: action, Entity: rbac.EntityUsers, EntityID: strconv.FormatInt(userID, 10), Meta: meta}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit user change", slog.String("action", action), slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
