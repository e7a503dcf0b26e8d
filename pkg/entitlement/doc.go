// Package entitlement decides whether a household may use a module or a
// metered feature.
//
// A Gate combines the household's current subscription, its plan and the
// month's usage into a Decision. Decisions are pure: evaluating one never
// records usage. Callers that go on to consume a feature do so through the
// usage package's atomic ConsumeTx so concurrent requests cannot overshoot
// the limit that the gate checked.
//
//	d, err := gate.Evaluate(ctx, household, entitlement.Feature("transaction", entitlement.OpWrite))
//	if err != nil {
//		return err
//	}
//	if !d.Allowed {
//		httputil.WriteJSON(w, d.Status, d.Body())
//	}
package entitlement
