package plans

import (
	"context"
	"fmt"

	"github.com/kantong-id/kantong/pkg/observability"
)

// Suggester produces the human-readable upgrade hint attached to module
// and limit denials. An empty string means there is nothing to suggest.
type Suggester interface {
	ForModule(ctx context.Context, current *Plan, module string) string
	ForFeature(ctx context.Context, current *Plan, limitKey string, needed int64) string
}

// CatalogSuggester names the lowest-ranked plan above the current one that
// would have passed the failed check.
type CatalogSuggester struct {
	catalog Catalog
	rules   Rules
}

// NewCatalogSuggester creates a suggester over catalog and rules
func NewCatalogSuggester(catalog Catalog, rules Rules) *CatalogSuggester {
	return &CatalogSuggester{catalog: catalog, rules: rules}
}

func (s *CatalogSuggester) ForModule(ctx context.Context, current *Plan, module string) string {
	next := s.firstAbove(ctx, current, func(p *Plan) bool {
		return s.rules.ModuleAllowed(module, p.Slug)
	})
	if next == nil {
		return ""
	}
	return fmt.Sprintf("Upgrade to %s to unlock %s", next.Name, module)
}

func (s *CatalogSuggester) ForFeature(ctx context.Context, current *Plan, limitKey string, needed int64) string {
	next := s.firstAbove(ctx, current, func(p *Plan) bool {
		limit := p.Features.GetFeature(limitKey, 0)
		return limit == Unlimited || limit >= needed
	})
	if next == nil {
		return ""
	}
	if next.Features.GetFeature(limitKey, 0) == Unlimited {
		return fmt.Sprintf("Upgrade to %s for unlimited %s", next.Name, limitKey)
	}
	return fmt.Sprintf("Upgrade to %s to raise %s to %d", next.Name, limitKey, next.Features.GetFeature(limitKey, 0))
}

func (s *CatalogSuggester) firstAbove(ctx context.Context, current *Plan, ok func(*Plan) bool) *Plan {
	all, err := s.catalog.ListPlans(ctx)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to list plans for upgrade suggestion")
		return nil
	}
	rank := 0
	if current != nil {
		rank = current.Rank
	}
	for _, p := range all {
		if p.Rank > rank && ok(p) {
			return p
		}
	}
	return nil
}
