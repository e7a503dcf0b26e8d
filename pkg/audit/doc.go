// Package audit records who changed a household's billing state and how.
//
// Checkouts, cancellations and payment reconciliations (gateway callbacks
// and admin overrides) each produce one Event. Events are append-only and
// queryable by household, actor, action or resource.
//
// Log an event:
//
//	ev := audit.NewEvent(ctx, audit.ActionPaymentOverride, audit.StatusSuccess)
//	ev.ActorID = &admin.ID
//	ev.Resource(audit.ResourcePayment, paymentID)
//	logger.Log(ctx, ev)
//
// Search:
//
//	events, err := store.Search(ctx, audit.Filter{HouseholdID: &hhID, Limit: 50})
package audit
