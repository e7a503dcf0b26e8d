package api

import (
	"errors"
	"net/http"

	"github.com/kantong-id/kantong/pkg/entitlement"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/usage"
)

// writeEntitlementError answers consume-time denials with the same body
// the middleware produces. Anything else is a 500.
func (s *Server) writeEntitlementError(w http.ResponseWriter, r *http.Request, household *households.Household, err error) bool {
	var lerr *usage.LimitExceededError
	if errors.As(err, &lerr) {
		d := s.cfg.Gate.LimitDecision(r.Context(), household, lerr)
		s.cfg.Metrics.ObserveDecision(string(entitlement.KindFeature), false, string(d.Reason))
		observability.FromContext(r.Context()).WithFields(map[string]interface{}{
			"feature": lerr.Feature,
			"current": lerr.Current,
			"limit":   lerr.Limit,
		}).Info("limit reached at consume")
		httputil.WriteJSON(w, d.Status, d.Body())
		return true
	}
	if d, ok := entitlement.AsDecision(err); ok {
		s.cfg.Metrics.ObserveDecision(string(d.Capability.Kind), false, string(d.Reason))
		httputil.WriteJSON(w, d.Status, d.Body())
		return true
	}
	return false
}
