package users_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac/rbactest"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
	"github.com/odyssey-erp/odyssey-admin/internal/users"
)

type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*users.User
	hashes map[int64]string
	roles  *rbactest.Store
}

func newMemoryRepo(roles *rbactest.Store) *memoryRepo {
	return &memoryRepo{users: make(map[int64]*users.User), hashes: make(map[int64]string), roles: roles}
}

func (m *memoryRepo) ListUsers(ctx context.Context) ([]users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]users.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, m.withRole(ctx, *u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *memoryRepo) GetUser(ctx context.Context, id int64) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	return m.withRole(ctx, *u), nil
}

func (m *memoryRepo) CountUsers(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *memoryRepo) CreateUser(_ context.Context, username, passwordHash string, roleID *int64) (users.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return users.User{}, shared.FieldErrors{"Username": "username is already taken"}
		}
	}
	m.nextID++
	u := &users.User{ID: m.nextID, Username: username, IsActive: true, RoleID: roleID, CreatedAt: time.Now()}
	m.users[u.ID] = u
	m.hashes[u.ID] = passwordHash
	if roleID != nil {
		m.roles.AssignUser(u.ID, *roleID)
	}
	return *u, nil
}

func (m *memoryRepo) AssignRole(_ context.Context, userID int64, roleID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.RoleID = roleID
	if roleID == nil {
		m.roles.AssignUser(userID, 0)
	} else {
		m.roles.AssignUser(userID, *roleID)
	}
	return nil
}

func (m *memoryRepo) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.users, id)
	m.roles.AssignUser(id, 0)
	return nil
}

func (m *memoryRepo) LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || !u.IsActive {
		return nil, shared.ErrNotFound
	}
	p := &rbac.Principal{UserID: u.ID, Username: u.Username}
	if u.RoleID != nil {
		role, err := m.roles.GetRole(ctx, *u.RoleID)
		if err != nil {
			return nil, err
		}
		p.Role = &role
	}
	return p, nil
}

func (m *memoryRepo) withRole(ctx context.Context, u users.User) users.User {
	if u.RoleID != nil {
		if role, err := m.roles.GetRole(ctx, *u.RoleID); err == nil {
			u.RoleName = role.Name
		}
	}
	return u
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
	err     error
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return a.err
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	service *users.Service
	repo    *memoryRepo
	roles   *rbactest.Store
	audit   *memoryAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := rbactest.Seeded()
	repo := newMemoryRepo(store)
	audit := &memoryAudit{}
	authz := rbac.NewService(store, nil, nil)
	service := users.NewService(repo, authz, audit, nil).WithHashCost(bcrypt.MinCost)
	return &fixture{service: service, repo: repo, roles: store, audit: audit}
}

func (f *fixture) register(t *testing.T, username string, roleSlug string) users.User {
	t.Helper()
	in := users.RegisterInput{Username: username, Password: "s3cret-pass"}
	if roleSlug != "" {
		id := f.roles.MustRole(roleSlug).ID
		in.RoleID = &id
	}
	user, err := f.service.Register(context.Background(), 0, in)
	require.NoError(t, err)
	return user
}

func TestRegisterHashesPassword(t *testing.T) {
	f := newFixture(t)

	user := f.register(t, "  carol ", rbac.SlugAuditor)

	assert.Equal(t, "carol", user.Username)
	hash := f.repo.hashes[user.ID]
	assert.NotEqual(t, "s3cret-pass", hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret-pass")))
	assert.Equal(t, []string{shared.AuditUserCreated}, f.audit.actions())
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, 0, users.RegisterInput{Username: "ab", Password: "short"})

	var fields shared.FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Contains(t, fields, "Username")
	assert.Contains(t, fields, "Password")

	_, err = f.service.Register(ctx, 0, users.RegisterInput{Username: "with space", Password: "longenough"})
	require.ErrorAs(t, err, &fields)
	assert.Equal(t, "must not contain spaces", fields["Username"])
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	f := newFixture(t)
	missing := int64(999)

	_, err := f.service.Register(context.Background(), 0, users.RegisterInput{Username: "dave", Password: "longenough", RoleID: &missing})

	var fields shared.FieldErrors
	require.ErrorAs(t, err, &fields)
	assert.Contains(t, fields, "RoleID")
}

func TestAssignRoleAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "erin", "")
	registrar := f.roles.MustRole(rbac.SlugRegistrar)

	require.NoError(t, f.service.AssignRole(ctx, 1, user.ID, &registrar.ID))
	p, err := f.service.LoadPrincipal(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Role)
	assert.Equal(t, rbac.SlugRegistrar, p.Role.Slug)

	require.NoError(t, f.service.AssignRole(ctx, 1, user.ID, nil))
	p, err = f.service.LoadPrincipal(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, p.Role)
}

func TestDeleteRejectsSelf(t *testing.T) {
	f := newFixture(t)
	user := f.register(t, "frank", rbac.SlugSuperadmin)

	err := f.service.Delete(context.Background(), user.ID, user.ID)

	assert.ErrorIs(t, err, shared.ErrSelfDeletion)
	_, err = f.service.GetUser(context.Background(), user.ID)
	assert.NoError(t, err)
}

func TestDeleteReleasesRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.register(t, "root", rbac.SlugSuperadmin)
	clerk := f.register(t, "gina", rbac.SlugAuditor)
	auditor := f.roles.MustRole(rbac.SlugAuditor)

	n, err := f.roles.CountRoleMembers(ctx, auditor.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.service.Delete(ctx, admin.ID, clerk.ID))

	n, err = f.roles.CountRoleMembers(ctx, auditor.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, f.audit.actions(), shared.AuditUserDeleted)
}

func TestAuditFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("audit table missing")

	_, err := f.service.Register(context.Background(), 0, users.RegisterInput{Username: "hank", Password: "longenough"})

	assert.NoError(t, err)
}
