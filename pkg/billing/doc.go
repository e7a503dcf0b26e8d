// Package billing owns the subscription ledger and the payment flow that
// feeds it.
//
// # Subscriptions
//
// A subscription moves through a closed set of states. Every write is
// checked against the transition table:
//
//	pending  -> active, expired
//	active   -> active (renewal), expired, canceled
//	canceled -> active, expired
//	expired  -> active
//
// Whether a subscription grants access is derived on read: it must be
// active and its expires_at, when set, must lie in the future. ExpireLapsed
// flips lapsed rows to expired for reporting; nothing depends on it having
// run.
//
// # Payments
//
// Checkout creates a pending payment against a subscription and a hosted
// invoice at the gateway. Reconciler applies the gateway's verdict in a
// single transaction that locks the payment row, so duplicate callbacks
// serialise and only the first one has side effects.
//
//	rec, err := reconciler.Reconcile(ctx, paymentID, "paid", billing.SourceGateway)
//	if errors.Is(err, billing.ErrDuplicateReconciliation) {
//		// already applied
//	}
package billing
