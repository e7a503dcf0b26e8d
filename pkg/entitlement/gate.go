package entitlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kantong-id/kantong/pkg/billing"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/usage"
)

// SubscriptionSource returns the subscription that decides a household's
// access, or billing.ErrSubscriptionNotFound
type SubscriptionSource interface {
	CurrentSubscription(ctx context.Context, householdID int64) (*billing.Subscription, error)
}

// Gate evaluates capabilities against subscriptions, plans and usage
type Gate struct {
	subs      SubscriptionSource
	catalog   plans.Catalog
	usage     usage.Counter
	rules     plans.Rules
	suggester plans.Suggester
	now       func() time.Time
}

// NewGate creates a gate
func NewGate(subs SubscriptionSource, catalog plans.Catalog, counter usage.Counter, rules plans.Rules, suggester plans.Suggester) *Gate {
	return &Gate{
		subs:      subs,
		catalog:   catalog,
		usage:     counter,
		rules:     rules,
		suggester: suggester,
		now:       time.Now,
	}
}

// Rules exposes the lookup tables the gate was built with
func (g *Gate) Rules() plans.Rules {
	return g.rules
}

// Evaluate decides whether household may exercise a capability. Errors are reserved
// for failures to reach the data; denials come back as decisions.
func (g *Gate) Evaluate(ctx context.Context, household *households.Household, want Capability) (Decision, error) {
	if household == nil {
		return NoHousehold(want), nil
	}

	sub, err := g.subs.CurrentSubscription(ctx, household.ID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return noSubscription(want), nil
	}
	if err != nil {
		return Decision{}, err
	}

	now := g.now()
	if !sub.IsActive(now) {
		status := string(sub.EffectiveStatus(now))
		if want.Kind != KindModule && want.Operation == OpRead {
			d := allow(want)
			d.SubscriptionStatus = status
			return d, nil
		}
		return inactiveSubscription(want, status), nil
	}

	plan, err := g.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
	}

	var d Decision
	switch want.Kind {
	case KindModule:
		d, err = g.evaluateModule(ctx, plan, want)
	case KindFeature:
		d, err = g.evaluateFeature(ctx, household.ID, plan, want)
	default:
		d = allow(want)
	}
	if err != nil {
		return Decision{}, err
	}
	d.SubscriptionStatus = string(sub.Status)
	d.CurrentPlan = plan.Name
	return d, nil
}

func (g *Gate) evaluateModule(ctx context.Context, plan *plans.Plan, want Capability) (Decision, error) {
	if g.rules.ModuleAllowed(want.Name, plan.Slug) {
		return allow(want), nil
	}

	required, err := g.planNames(ctx, g.rules.QualifyingPlans(want.Name))
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Status:         http.StatusForbidden,
		Reason:         ReasonModuleNotInPlan,
		Action:         ActionUpgradePlan,
		Message:        fmt.Sprintf("The %s module is not included in the %s plan.", want.Name, plan.Name),
		Capability:     want,
		RequiredPlans:  required,
		UpgradeMessage: stringPtr(g.suggester.ForModule(ctx, plan, want.Name)),
	}, nil
}

func (g *Gate) evaluateFeature(ctx context.Context, householdID int64, plan *plans.Plan, want Capability) (Decision, error) {
	key := g.rules.LimitKey(want.Name)
	limit := plan.Features.GetFeature(key, 0)
	if limit == plans.Unlimited {
		d := allow(want)
		d.Limit = int64Ptr(limit)
		return d, nil
	}
	// Reads do not consume, so there is nothing to cap
	if want.Operation == OpRead {
		d := allow(want)
		d.Limit = int64Ptr(limit)
		return d, nil
	}

	used, err := g.usage.MonthlyUsage(ctx, householdID, want.Name, g.now())
	if err != nil {
		return Decision{}, err
	}
	if used >= limit {
		return Decision{
			Status:         http.StatusTooManyRequests,
			Reason:         ReasonLimitReached,
			Action:         ActionUpgradePlan,
			Message:        fmt.Sprintf("You have reached the %s limit of your %s plan.", want.Name, plan.Name),
			Capability:     want,
			CurrentUsage:   int64Ptr(used),
			Limit:          int64Ptr(limit),
			Remaining:      int64Ptr(0),
			UpgradeMessage: stringPtr(g.suggester.ForFeature(ctx, plan, key, used+1)),
		}, nil
	}

	d := allow(want)
	d.CurrentUsage = int64Ptr(used)
	d.Limit = int64Ptr(limit)
	d.Remaining = int64Ptr(limit - used)
	return d, nil
}

func (g *Gate) planNames(ctx context.Context, slugs []string) ([]string, error) {
	names := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		p, err := g.catalog.GetPlanBySlug(ctx, slug)
		if errors.Is(err, plans.ErrPlanNotFound) {
			names = append(names, slug)
			continue
		}
		if err != nil {
			return nil, err
		}
		names = append(names, p.Name)
	}
	return names, nil
}

// FeatureLimit returns the limit that applies to feature for an active
// subscription. Inactive or missing subscriptions come back as a
// *DenialError.
func (g *Gate) FeatureLimit(ctx context.Context, household *households.Household, feature string) (int64, error) {
	if household == nil {
		return 0, NoHousehold(Feature(feature, OpWrite)).Err()
	}
	sub, err := g.subs.CurrentSubscription(ctx, household.ID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return 0, noSubscription(Feature(feature, OpWrite)).Err()
	}
	if err != nil {
		return 0, err
	}
	now := g.now()
	if !sub.IsActive(now) {
		return 0, inactiveSubscription(Feature(feature, OpWrite), string(sub.EffectiveStatus(now))).Err()
	}
	plan, err := g.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return 0, fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
	}
	return plan.Features.GetFeature(g.rules.LimitKey(feature), 0), nil
}

// LimitDecision turns a consume-time limit error into the same denial the
// gate produces, so handlers answer races exactly like pre-checks.
func (g *Gate) LimitDecision(ctx context.Context, household *households.Household, lerr *usage.LimitExceededError) Decision {
	want := Feature(lerr.Feature, OpWrite)
	d := Decision{
		Status:       http.StatusTooManyRequests,
		Reason:       ReasonLimitReached,
		Action:       ActionUpgradePlan,
		Message:      fmt.Sprintf("You have reached the %s limit of your plan.", lerr.Feature),
		Capability:   want,
		CurrentUsage: int64Ptr(lerr.Current),
		Limit:        int64Ptr(lerr.Limit),
		Remaining:    int64Ptr(0),
	}
	if household == nil {
		return d
	}
	sub, err := g.subs.CurrentSubscription(ctx, household.ID)
	if err != nil {
		return d
	}
	plan, err := g.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return d
	}
	d.CurrentPlan = plan.Name
	d.Message = fmt.Sprintf("You have reached the %s limit of your %s plan.", lerr.Feature, plan.Name)
	d.UpgradeMessage = stringPtr(g.suggester.ForFeature(ctx, plan, g.rules.LimitKey(lerr.Feature), lerr.Current+1))
	return d
}
