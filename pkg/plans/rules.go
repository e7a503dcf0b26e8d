package plans

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// DefaultFeatureLimitKeys maps metered features to the plan limit keys
// whose names don't follow the max_<feature>s_per_month pattern.
func DefaultFeatureLimitKeys() map[string]string {
	return map[string]string{
		"transaction": "max_transactions_per_month",
		"ai_scan":     "max_ai_scans_per_month",
		"storage":     "storage_mb",
	}
}

// Rules holds the feature→limit-key and module→plan lookup tables. Rules is
// immutable after construction; every accessor returns copies.
type Rules struct {
	featureLimitKeys map[string]string
	modulePlans      map[string][]string
}

// NewRules copies both tables. Plan slugs are matched exactly.
func NewRules(featureLimitKeys map[string]string, modulePlans map[string][]string) Rules {
	keys := make(map[string]string, len(featureLimitKeys))
	for k, v := range featureLimitKeys {
		keys[k] = v
	}
	modules := make(map[string][]string, len(modulePlans))
	for m, slugs := range modulePlans {
		modules[m] = lo.Uniq(slugs)
	}
	return Rules{featureLimitKeys: keys, modulePlans: modules}
}

// LimitKey resolves a feature name to the plan limit key that caps it
func (r Rules) LimitKey(feature string) string {
	if key, ok := r.featureLimitKeys[feature]; ok {
		return key
	}
	return fmt.Sprintf("max_%ss_per_month", feature)
}

// QualifyingPlans returns the slugs of plans that unlock module. Unknown
// modules qualify no plan.
func (r Rules) QualifyingPlans(module string) []string {
	slugs, ok := r.modulePlans[module]
	if !ok {
		return []string{}
	}
	out := make([]string, len(slugs))
	copy(out, slugs)
	return out
}

// ModuleAllowed reports whether the plan with slug unlocks module
func (r Rules) ModuleAllowed(module, slug string) bool {
	return lo.Contains(r.modulePlans[module], slug)
}

// HasModule reports whether module is gated at all
func (r Rules) HasModule(module string) bool {
	_, ok := r.modulePlans[module]
	return ok
}

// Modules lists every gated module, sorted
func (r Rules) Modules() []string {
	modules := lo.Keys(r.modulePlans)
	sort.Strings(modules)
	return modules
}

// Features lists every feature with an explicit limit key, sorted
func (r Rules) Features() []string {
	features := lo.Keys(r.featureLimitKeys)
	sort.Strings(features)
	return features
}
