package roles_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac/rbactest"
	"github.com/odyssey-erp/odyssey-admin/internal/roles"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
	_ "github.com/odyssey-erp/odyssey-admin/internal/testing/guard"
	"github.com/odyssey-erp/odyssey-admin/internal/view"
)

type principals map[int64]*rbac.Principal

func (p principals) LoadPrincipal(_ context.Context, userID int64) (*rbac.Principal, error) {
	if principal, ok := p[userID]; ok {
		return principal, nil
	}
	return nil, shared.ErrNotFound
}

type recordingAudit struct {
	entries []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.entries = append(a.entries, log)
	return nil
}

type harness struct {
	router   chi.Router
	store    *rbactest.Store
	authz    *rbac.Service
	audit    *recordingAudit
	sessions *shared.SessionManager
	lastSess *shared.Session
}

const (
	rootID    = int64(100)
	auditorID = int64(101)
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := rbactest.Seeded()
	authz := rbac.NewService(store, rbac.NewCatalog(store, time.Minute), nil)
	super := store.MustRole(rbac.SlugSuperadmin)
	auditor := store.MustRole(rbac.SlugAuditor)
	store.AssignUser(rootID, super.ID)
	store.AssignUser(auditorID, auditor.ID)
	loader := principals{
		rootID:    {UserID: rootID, Username: "root", Role: &super},
		auditorID: {UserID: auditorID, Username: "alice", Role: &auditor},
	}

	templates, err := view.NewEngine()
	require.NoError(t, err)
	mw := rbac.Middleware{Authorizer: rbac.NewAuthorizer(authz, rbac.DefaultPolicy(), nil), Principals: loader}
	audit := &recordingAudit{}
	h := &harness{
		store:    store,
		authz:    authz,
		audit:    audit,
		sessions: shared.NewSessionManager(client, "test_session", "secret", time.Hour, false),
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := h.sessions.Load(r.Context(), r)
			require.NoError(t, err)
			if raw := r.Header.Get("X-Test-User"); raw != "" {
				id, _ := strconv.ParseInt(raw, 10, 64)
				sess.SetUser(id)
			}
			h.lastSess = sess
			next.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
		})
	})
	router.Use(mw.Authenticate, mw.RequireSession)
	service := roles.NewService(authz, audit, nil)
	router.Route("/roles", roles.NewHandler(nil, service, templates, shared.NewCSRFManager("secret"), mw).MountRoutes)
	h.router = router
	return h
}

func (h *harness) do(t *testing.T, method, target string, as int64, form url.Values, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	body := ""
	if form != nil {
		body = form.Encode()
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if as != 0 {
		req.Header.Set("X-Test-User", strconv.FormatInt(as, 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	h.router.ServeHTTP(res, req)
	return res
}

func (h *harness) has(t *testing.T, roleSlug, perm, entity string) bool {
	t.Helper()
	role := h.store.MustRole(roleSlug)
	ok, err := h.authz.RoleHasPermission(context.Background(), &role, perm, entity)
	require.NoError(t, err)
	return ok
}

func (h *harness) flash(t *testing.T) string {
	t.Helper()
	msg := h.lastSess.PopFlash()
	require.NotNil(t, msg)
	return msg.Message
}

func TestRolesRequireSuperadmin(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodGet, "/roles/", auditorID, nil)

	assert.Equal(t, http.StatusFound, res.Code)
	assert.Equal(t, "/dashboard", res.Header().Get("Location"))

	res = h.do(t, http.MethodGet, "/roles/", auditorID, nil, "Accept", "application/json")
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestListRoles(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodGet, "/roles/", rootID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := res.Body.String()
	assert.Contains(t, body, "Superadmin")
	assert.Contains(t, body, "Registrar")

	res = h.do(t, http.MethodGet, "/roles/", rootID, nil, "Accept", "application/json")
	require.Equal(t, http.StatusOK, res.Code)
	var payload struct {
		Roles []roles.RoleSummary `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Len(t, payload.Roles, 3)
	members := map[string]int{}
	for _, r := range payload.Roles {
		members[r.Role.Slug] = r.Members
	}
	assert.Equal(t, 1, members[rbac.SlugAuditor])
	assert.Equal(t, 0, members[rbac.SlugRegistrar])
}

func TestCreateRoleWithGrants(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodGet, "/roles/new", rootID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `name="grant.products"`)

	res = h.do(t, http.MethodPost, "/roles/", rootID, url.Values{
		"name":           {"Stock Clerk"},
		"entities":       {"users", "products", "roles"},
		"grant.products": {"create", "edit"},
	})
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "Role Stock Clerk created.", h.flash(t))

	assert.True(t, h.has(t, "stock-clerk", rbac.PermCreate, rbac.EntityProducts))
	assert.True(t, h.has(t, "stock-clerk", rbac.PermEdit, rbac.EntityProducts))
	assert.False(t, h.has(t, "stock-clerk", rbac.PermDelete, rbac.EntityProducts))
	assert.False(t, h.has(t, "stock-clerk", rbac.PermCreate, rbac.EntityUsers))
	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, shared.AuditRoleCreated, h.audit.entries[0].Action)
	assert.Equal(t, rootID, h.audit.entries[0].ActorID)
}

func TestCreateRoleRejectsDuplicateAndBlankNames(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodPost, "/roles/", rootID, url.Values{"name": {"auditor"}})
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Contains(t, res.Body.String(), "A role with this name already exists.")

	res = h.do(t, http.MethodPost, "/roles/", rootID, url.Values{"name": {"   "}})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Contains(t, res.Body.String(), "Name is required.")

	res = h.do(t, http.MethodPost, "/roles/", rootID, url.Values{"name": {"???"}})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Contains(t, res.Body.String(), "Name must contain letters or digits.")
	assert.Empty(t, h.audit.entries)
}

func TestCreateRoleRejectsUnknownPermission(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodPost, "/roles/", rootID, url.Values{
		"name":           {"Clerk"},
		"entities":       {"products"},
		"grant.products": {"approve"},
	}, "Accept", "application/json")

	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
	_, err := h.authz.GetRoleBySlug(context.Background(), "clerk")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdatePermissionsReplacesSubmittedEntities(t *testing.T) {
	h := newHarness(t)
	auditor := h.store.MustRole(rbac.SlugAuditor)
	require.NoError(t, h.authz.UpdateRolePermissions(context.Background(), auditor.ID, rbac.GrantSet{
		rbac.EntityUsers: {rbac.PermCreate},
		rbac.EntityRoles: {rbac.PermEdit},
	}))
	target := "/roles/" + strconv.FormatInt(auditor.ID, 10)

	res := h.do(t, http.MethodGet, target+"/edit", rootID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `name="grant.users" value="create" checked`)

	res = h.do(t, http.MethodPost, target, rootID, url.Values{
		"entities":       {"users", "products"},
		"grant.products": {"view-reports"},
	})
	require.Equal(t, http.StatusSeeOther, res.Code)

	assert.True(t, h.has(t, rbac.SlugAuditor, rbac.PermViewReports, rbac.EntityProducts))
	assert.False(t, h.has(t, rbac.SlugAuditor, rbac.PermCreate, rbac.EntityUsers))
	assert.True(t, h.has(t, rbac.SlugAuditor, rbac.PermEdit, rbac.EntityRoles), "entities not submitted keep their grants")
}

func TestUniversalRoleCannotBeEdited(t *testing.T) {
	h := newHarness(t)
	super := h.store.MustRole(rbac.SlugSuperadmin)
	target := "/roles/" + strconv.FormatInt(super.ID, 10)

	res := h.do(t, http.MethodGet, target+"/edit", rootID, nil)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "System roles cannot be changed this way.", h.flash(t))

	res = h.do(t, http.MethodPost, target, rootID, url.Values{"entities": {"users"}}, "Accept", "application/json")
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Zero(t, h.store.GrantCount())
}

func TestDeleteRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	auditor := h.store.MustRole(rbac.SlugAuditor)
	registrar := h.store.MustRole(rbac.SlugRegistrar)
	clerk, err := h.authz.CreateRole(ctx, "Clerk", nil)
	require.NoError(t, err)
	busy, err := h.authz.CreateRole(ctx, "Busy", nil)
	require.NoError(t, err)
	h.store.AssignUser(500, busy.ID)

	res := h.do(t, http.MethodPost, "/roles/"+strconv.FormatInt(registrar.ID, 10)+"/delete", rootID, nil)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "System roles cannot be changed this way.", h.flash(t))

	res = h.do(t, http.MethodPost, "/roles/"+strconv.FormatInt(auditor.ID, 10)+"/delete", rootID, nil)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "This role is still assigned to users and cannot be deleted.", h.flash(t))

	res = h.do(t, http.MethodPost, "/roles/"+strconv.FormatInt(busy.ID, 10)+"/delete", rootID, nil)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "This role is still assigned to users and cannot be deleted.", h.flash(t))

	res = h.do(t, http.MethodPost, "/roles/"+strconv.FormatInt(clerk.ID, 10)+"/delete", rootID, nil)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "Role deleted.", h.flash(t))
	_, err = h.authz.GetRole(ctx, clerk.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	res = h.do(t, http.MethodPost, "/roles/9999/delete", rootID, nil, "Accept", "application/json")
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestCatalogPage(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, http.MethodGet, "/roles/catalog", rootID, nil)

	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "View Reports")
	assert.Contains(t, res.Body.String(), "<code>products</code>")
}
