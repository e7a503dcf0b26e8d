package plans

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/kantong-id/kantong/pkg/observability"
)

const listKey = "list"

// CachedCatalog fronts another catalog with an expiring LRU. Concurrent
// misses for the same key share a single load.
type CachedCatalog struct {
	next    Catalog
	plans   *lru.LRU[string, *Plan]
	list    *lru.LRU[string, []*Plan]
	group   singleflight.Group
	metrics *observability.Metrics
}

// NewCachedCatalog wraps next. metrics may be nil.
func NewCachedCatalog(next Catalog, size int, ttl time.Duration, metrics *observability.Metrics) *CachedCatalog {
	if size < 1 {
		size = 1
	}
	return &CachedCatalog{
		next:    next,
		plans:   lru.NewLRU[string, *Plan](size, nil, ttl),
		list:    lru.NewLRU[string, []*Plan](1, nil, ttl),
		metrics: metrics,
	}
}

func (c *CachedCatalog) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	return c.getPlan(fmt.Sprintf("id:%d", id), func() (*Plan, error) {
		return c.next.GetPlan(ctx, id)
	})
}

func (c *CachedCatalog) GetPlanBySlug(ctx context.Context, slug string) (*Plan, error) {
	return c.getPlan("slug:"+slug, func() (*Plan, error) {
		return c.next.GetPlanBySlug(ctx, slug)
	})
}

func (c *CachedCatalog) getPlan(key string, load func() (*Plan, error)) (*Plan, error) {
	if p, ok := c.plans.Get(key); ok {
		c.metrics.ObserveCache("plans", true)
		return p, nil
	}
	c.metrics.ObserveCache("plans", false)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if p, ok := c.plans.Get(key); ok {
			return p, nil
		}
		p, err := load()
		if err != nil {
			return nil, err
		}
		c.plans.Add(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan), nil
}

func (c *CachedCatalog) ListPlans(ctx context.Context) ([]*Plan, error) {
	if plans, ok := c.list.Get(listKey); ok {
		c.metrics.ObserveCache("plans", true)
		return plans, nil
	}
	c.metrics.ObserveCache("plans", false)

	v, err, _ := c.group.Do(listKey, func() (interface{}, error) {
		if plans, ok := c.list.Get(listKey); ok {
			return plans, nil
		}
		plans, err := c.next.ListPlans(ctx)
		if err != nil {
			return nil, err
		}
		c.list.Add(listKey, plans)
		return plans, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Plan), nil
}

// Purge drops every cached entry, e.g. after seeding
func (c *CachedCatalog) Purge() {
	c.plans.Purge()
	c.list.Purge()
}
