// Package plans holds the subscription tier catalog and the immutable
// lookup tables that tie features and modules to plans.
package plans

import (
	"context"
	"errors"
	"sort"
)

// ErrPlanNotFound is returned when no plan matches the lookup
var ErrPlanNotFound = errors.New("plan not found")

// Catalog is read-only access to plan definitions. Returned plans are
// shared and must not be mutated by callers.
type Catalog interface {
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*Plan, error)
	// ListPlans returns every plan ordered by rank, lowest first
	ListPlans(ctx context.Context) ([]*Plan, error)
}

// StaticCatalog is an in-memory catalog
type StaticCatalog struct {
	plans  []*Plan
	byID   map[int64]*Plan
	bySlug map[string]*Plan
}

// NewStaticCatalog builds a catalog from plans. Plans without an ID are
// numbered by their position.
func NewStaticCatalog(plans ...*Plan) *StaticCatalog {
	c := &StaticCatalog{
		plans:  make([]*Plan, 0, len(plans)),
		byID:   make(map[int64]*Plan, len(plans)),
		bySlug: make(map[string]*Plan, len(plans)),
	}
	for i, p := range plans {
		if p.ID == 0 {
			p.ID = int64(i + 1)
		}
		c.plans = append(c.plans, p)
		c.byID[p.ID] = p
		c.bySlug[p.Slug] = p
	}
	sortByRank(c.plans)
	return c
}

func (c *StaticCatalog) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	if p, ok := c.byID[id]; ok {
		return p, nil
	}
	return nil, ErrPlanNotFound
}

func (c *StaticCatalog) GetPlanBySlug(ctx context.Context, slug string) (*Plan, error) {
	if p, ok := c.bySlug[slug]; ok {
		return p, nil
	}
	return nil, ErrPlanNotFound
}

func (c *StaticCatalog) ListPlans(ctx context.Context) ([]*Plan, error) {
	out := make([]*Plan, len(c.plans))
	copy(out, c.plans)
	return out, nil
}

func sortByRank(plans []*Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].Rank != plans[j].Rank {
			return plans[i].Rank < plans[j].Rank
		}
		return plans[i].ID < plans[j].ID
	})
}
