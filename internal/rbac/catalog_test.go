package rbac_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-admin/internal/rbac"
	"github.com/odyssey-erp/odyssey-admin/internal/rbac/rbactest"
)

func TestCatalogCachesUntilInvalidated(t *testing.T) {
	store := rbactest.Seeded()
	catalog := rbac.NewCatalog(store, time.Hour)
	svc := rbac.NewService(store, catalog, nil)
	ctx := context.Background()

	_, ok, err := catalog.Entity(ctx, rbac.EntityProducts)
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = catalog.Permission(ctx, rbac.PermEdit)
	require.NoError(t, err)
	assert.Equal(t, 1, store.CatalogLoads)

	_, ok, err = catalog.Entity(ctx, "invoices")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.EnsureEntity(ctx, "Invoices")
	require.NoError(t, err)

	e, ok, err := catalog.Entity(ctx, "invoices")
	require.NoError(t, err)
	require.True(t, ok, "mutation must invalidate the cache")
	assert.Equal(t, "Invoices", e.Name)
	assert.Equal(t, 2, store.CatalogLoads)
}

func TestCatalogLookupIsCaseInsensitive(t *testing.T) {
	catalog := rbac.NewCatalog(rbactest.Seeded(), time.Hour)

	_, ok, err := catalog.Permission(context.Background(), " View-Reports ")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCatalogConcurrentReadsShareOneLoad(t *testing.T) {
	store := rbactest.Seeded()
	catalog := rbac.NewCatalog(store, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = catalog.Entity(ctx, rbac.EntityUsers)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, store.CatalogLoads, 16)
	_, ok, err := catalog.Entity(ctx, rbac.EntityUsers)
	require.NoError(t, err)
	assert.True(t, ok)
}
