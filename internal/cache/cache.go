// Package cache keeps a short-lived snapshot of active templates in front of
// a TemplateStore.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/store"
)

// CachedStore wraps a TemplateStore and caches ListActiveTemplates per
// category. Writes that change the active set flush the cache; usage events
// do not, so counters in a snapshot may lag by up to the TTL.
type CachedStore struct {
	store.TemplateStore
	cache *gocache.Cache
}

// New creates a CachedStore with the given snapshot TTL.
func New(inner store.TemplateStore, ttl time.Duration) *CachedStore {
	return &CachedStore{
		TemplateStore: inner,
		cache:         gocache.New(ttl, 2*ttl),
	}
}

func key(category string) string { return "active:" + category }

// ListActiveTemplates returns the cached snapshot for the category, loading
// it from the wrapped store on a miss.
func (c *CachedStore) ListActiveTemplates(ctx context.Context, category string) ([]model.Template, error) {
	if v, ok := c.cache.Get(key(category)); ok {
		return clone(v.([]model.Template)), nil
	}

	templates, err := c.TemplateStore.ListActiveTemplates(ctx, category)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key(category), templates)
	zap.L().Debug("cache: loaded active templates",
		zap.String("category", category),
		zap.Int("count", len(templates)),
	)
	return clone(templates), nil
}

func (c *CachedStore) CreateTemplate(ctx context.Context, t model.Template) (*model.Template, error) {
	created, err := c.TemplateStore.CreateTemplate(ctx, t)
	if err == nil {
		c.Invalidate()
	}
	return created, err
}

func (c *CachedStore) CreateVersion(ctx context.Context, t model.Template) (*model.Template, error) {
	created, err := c.TemplateStore.CreateVersion(ctx, t)
	if err == nil {
		c.Invalidate()
	}
	return created, err
}

func (c *CachedStore) SetActive(ctx context.Context, templateID string, active bool) error {
	err := c.TemplateStore.SetActive(ctx, templateID, active)
	if err == nil {
		c.Invalidate()
	}
	return err
}

// Invalidate drops every cached snapshot.
func (c *CachedStore) Invalidate() {
	c.cache.Flush()
}

// clone copies the slice header so callers can reorder their snapshot.
func clone(in []model.Template) []model.Template {
	return append([]model.Template(nil), in...)
}
