package view

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/shared"
)

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine()
	assert.NoError(t, err, "Templates should parse without error")
	assert.NotNil(t, engine)
}

func TestPageBuildsLayoutData(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)
	engine.WithNavigator(func(r *http.Request) []NavItem {
		return []NavItem{{Label: "Products", Href: "/products", Active: r.URL.Path == "/products"}}
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	sess, err := sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.AddFlash(shared.FlashMessage{Kind: shared.FlashSuccess, Message: "Saved."})

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	ctx := shared.ContextWithSession(req.Context(), sess)
	ctx = rbac.ContextWithPrincipal(ctx, &rbac.Principal{
		UserID:   1,
		Username: "root",
		Role:     &rbac.Role{Name: "Superadmin", Slug: rbac.SlugSuperadmin, Kind: rbac.KindUniversal},
	})
	req = req.WithContext(ctx)

	td := engine.Page(req, shared.NewCSRFManager("secret"), "Products", nil)

	assert.Equal(t, "Products", td.Title)
	assert.NotEmpty(t, td.CSRFToken)
	require.NotNil(t, td.Flash)
	assert.Equal(t, "Saved.", td.Flash.Message)
	require.NotNil(t, td.Viewer)
	assert.True(t, td.Viewer.Admin)
	require.Len(t, td.Nav, 1)
	assert.True(t, td.Nav[0].Active)

	res := httptest.NewRecorder()
	require.NoError(t, engine.Render(res, "pages/home.html", td))
	body := res.Body.String()
	assert.Contains(t, body, "Saved.")
	assert.True(t, strings.Contains(body, `href="/products"`))
}

func TestPageAnonymousHasNoNavigation(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)
	engine.WithNavigator(func(*http.Request) []NavItem {
		t.Fatal("navigator must not run for anonymous requests")
		return nil
	})

	td := engine.Page(httptest.NewRequest(http.MethodGet, "/login", nil), nil, "Sign in", nil)

	assert.Nil(t, td.Viewer)
	assert.Empty(t, td.Nav)
	assert.Empty(t, td.CSRFToken)
}
