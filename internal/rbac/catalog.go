package rbac

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Catalog caches the entity and permission reference data. Grants are never
// cached here so permission checks always observe committed writes.
type Catalog struct {
	source CatalogSource
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	loadedAt    time.Time
	entities    map[string]Entity
	permissions map[string]Permission
	entityList  []Entity
	permList    []Permission
}

// NewCatalog constructs a Catalog. A non-positive ttl disables caching.
func NewCatalog(source CatalogSource, ttl time.Duration) *Catalog {
	return &Catalog{source: source, ttl: ttl, now: time.Now}
}

// Entity resolves an entity by slug.
func (c *Catalog) Entity(ctx context.Context, slug string) (Entity, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return Entity{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[normalizeSlug(slug)]
	return e, ok, nil
}

// Permission resolves a permission by slug.
func (c *Catalog) Permission(ctx context.Context, slug string) (Permission, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return Permission{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.permissions[normalizeSlug(slug)]
	return p, ok, nil
}

// Entities returns every known entity.
func (c *Catalog) Entities(ctx context.Context) ([]Entity, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entity, len(c.entityList))
	copy(out, c.entityList)
	return out, nil
}

// Permissions returns every known permission.
func (c *Catalog) Permissions(ctx context.Context) ([]Permission, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Permission, len(c.permList))
	copy(out, c.permList)
	return out, nil
}

// Invalidate forces the next lookup to reload from the source.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) ensure(ctx context.Context) error {
	c.mu.RLock()
	fresh := !c.loadedAt.IsZero() && c.ttl > 0 && c.now().Sub(c.loadedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	_, err, _ := c.group.Do("catalog", func() (any, error) {
		return nil, c.reload(ctx)
	})
	return err
}

func (c *Catalog) reload(ctx context.Context) error {
	entities, err := c.source.ListEntities(ctx)
	if err != nil {
		return err
	}
	perms, err := c.source.ListPermissions(ctx)
	if err != nil {
		return err
	}
	byEntity := make(map[string]Entity, len(entities))
	for _, e := range entities {
		byEntity[normalizeSlug(e.Slug)] = e
	}
	byPerm := make(map[string]Permission, len(perms))
	for _, p := range perms {
		byPerm[normalizeSlug(p.Slug)] = p
	}

	c.mu.Lock()
	c.entities = byEntity
	c.permissions = byPerm
	c.entityList = entities
	c.permList = perms
	c.loadedAt = c.now()
	c.mu.Unlock()
	return nil
}
