package middleware

import (
	"net/http"

	"github.com/kantong-id/kantong/pkg/entitlement"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/observability"
)

// EntitlementMiddleware turns gate decisions into HTTP responses
type EntitlementMiddleware struct {
	gate    *entitlement.Gate
	metrics *observability.Metrics
}

// NewEntitlementMiddleware creates the middleware. metrics may be nil.
func NewEntitlementMiddleware(gate *entitlement.Gate, metrics *observability.Metrics) *EntitlementMiddleware {
	return &EntitlementMiddleware{gate: gate, metrics: metrics}
}

// CheckSubscription requires a subscription. Inactive ones keep read access.
func (m *EntitlementMiddleware) CheckSubscription(next http.Handler) http.Handler {
	return m.check(next, func(r *http.Request) entitlement.Capability {
		return entitlement.Subscription(entitlement.OperationForMethod(r.Method))
	})
}

// CheckFeatureLimit denies writes once the household used up this month's
// allowance of feature
func (m *EntitlementMiddleware) CheckFeatureLimit(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.check(next, func(r *http.Request) entitlement.Capability {
			return entitlement.Feature(feature, entitlement.OperationForMethod(r.Method))
		})
	}
}

// CheckModuleAccess requires an active plan that includes module
func (m *EntitlementMiddleware) CheckModuleAccess(module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.check(next, func(*http.Request) entitlement.Capability {
			return entitlement.Module(module)
		})
	}
}

func (m *EntitlementMiddleware) check(next http.Handler, capability func(*http.Request) entitlement.Capability) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			writeDecision(w, entitlement.Unauthenticated())
			return
		}

		c := capability(r)
		d, err := m.gate.Evaluate(r.Context(), authCtx.Household, c)
		if err != nil {
			httputil.WriteInternalError(w, r, err)
			return
		}
		m.metrics.ObserveDecision(string(c.Kind), d.Allowed, string(d.Reason))

		if !d.Allowed {
			observability.FromContext(r.Context()).WithFields(map[string]interface{}{
				"capability": c.Name,
				"reason":     string(d.Reason),
			}).Info("entitlement denied")
			writeDecision(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}
