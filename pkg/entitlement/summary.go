package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kantong-id/kantong/pkg/billing"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/plans"
)

// FeatureUsage is one metered feature in a Summary. Remaining is nil for
// unlimited features.
type FeatureUsage struct {
	Feature   string `json:"feature"`
	LimitKey  string `json:"limit_key"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining *int64 `json:"remaining"`
}

// ModuleAccess is one gated module in a Summary
type ModuleAccess struct {
	Module        string   `json:"module"`
	Allowed       bool     `json:"allowed"`
	RequiredPlans []string `json:"required_plans"`
}

// Summary is the household's entitlement snapshot for dashboards
type Summary struct {
	SubscriptionStatus string         `json:"subscription_status"`
	Active             bool           `json:"active"`
	Plan               *plans.Plan    `json:"plan"`
	ExpiresAt          *time.Time     `json:"expires_at"`
	Features           []FeatureUsage `json:"features"`
	Modules            []ModuleAccess `json:"modules"`
}

// Summary reports usage against limits for every known feature and access
// to every gated module. A household without a subscription gets status
// "none" and no access.
func (g *Gate) Summary(ctx context.Context, household *households.Household) (*Summary, error) {
	if household == nil {
		return nil, NoHousehold(Subscription(OpRead)).Err()
	}

	s := &Summary{
		SubscriptionStatus: "none",
		Features:           []FeatureUsage{},
		Modules:            []ModuleAccess{},
	}

	sub, err := g.subs.CurrentSubscription(ctx, household.ID)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}

	now := g.now()
	var plan *plans.Plan
	if sub != nil {
		s.SubscriptionStatus = string(sub.EffectiveStatus(now))
		s.Active = sub.IsActive(now)
		s.ExpiresAt = sub.ExpiresAt
		plan, err = g.catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
		}
		s.Plan = plan
	}

	for _, feature := range g.rules.Features() {
		fu := FeatureUsage{Feature: feature, LimitKey: g.rules.LimitKey(feature)}
		if plan != nil {
			fu.Limit = plan.Features.GetFeature(fu.LimitKey, 0)
		}
		fu.Used, err = g.usage.MonthlyUsage(ctx, household.ID, feature, now)
		if err != nil {
			return nil, err
		}
		if fu.Limit != plans.Unlimited {
			fu.Remaining = int64Ptr(max(fu.Limit-fu.Used, 0))
		}
		s.Features = append(s.Features, fu)
	}

	for _, module := range g.rules.Modules() {
		required, err := g.planNames(ctx, g.rules.QualifyingPlans(module))
		if err != nil {
			return nil, err
		}
		s.Modules = append(s.Modules, ModuleAccess{
			Module:        module,
			Allowed:       s.Active && g.rules.ModuleAllowed(module, plan.Slug),
			RequiredPlans: required,
		})
	}
	return s, nil
}
