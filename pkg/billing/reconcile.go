package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kantong-id/kantong/pkg/database"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/webhooks"
)

// Source identifies who asked for a reconciliation
type Source string

const (
	SourceGateway Source = "gateway"
	SourceAdmin   Source = "admin"
)

// Publisher receives billing events after they commit
type Publisher interface {
	Publish(ctx context.Context, eventType webhooks.EventType, data map[string]interface{})
}

// Reconciliation is the state left behind by a successful Reconcile
type Reconciliation struct {
	Payment      *Payment      `json:"payment"`
	Subscription *Subscription `json:"subscription"`
	Invoice      *Invoice      `json:"invoice,omitempty"`
}

// Reconciler applies payment outcomes to the ledger
type Reconciler struct {
	db        *sql.DB
	catalog   plans.Catalog
	publisher Publisher
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewReconciler creates a reconciler. publisher and metrics may be nil.
func NewReconciler(db *sql.DB, catalog plans.Catalog, publisher Publisher, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		db:        db,
		catalog:   catalog,
		publisher: publisher,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Reconcile moves a payment to newStatus and applies the consequences to
// its subscription in one transaction. Replaying an outcome that was
// already applied returns ErrDuplicateReconciliation and changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, paymentID int64, newStatus string, source Source) (*Reconciliation, error) {
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"payment_id": paymentID,
		"status":     newStatus,
		"source":     string(source),
	})

	target, err := ParsePaymentStatus(newStatus)
	if err == nil && target == PaymentPending {
		err = fmt.Errorf("%w: payments cannot return to pending", ErrInvalidStatusTransition)
	}
	if err != nil {
		r.reject(ctx, logger, paymentID, newStatus, source, err)
		return nil, err
	}

	var rec *Reconciliation
	err = database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		rec, err = r.apply(ctx, tx, paymentID, target)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateReconciliation):
		r.metrics.ObserveReconciliation(newStatus, "duplicate")
		logger.Info("payment already reconciled")
		return nil, err
	case errors.Is(err, ErrInvalidStatusTransition):
		r.reject(ctx, logger, paymentID, newStatus, source, err)
		return nil, err
	case errors.Is(err, ErrPaymentNotFound):
		logger.Warn("reconciliation for unknown payment")
		return nil, err
	default:
		r.metrics.ObserveReconciliation(newStatus, "error")
		logger.WithError(err).Error("reconciliation failed")
		return nil, err
	}

	r.metrics.ObserveReconciliation(newStatus, "applied")
	logger.WithFields(map[string]interface{}{
		"household_id":    rec.Payment.HouseholdID,
		"subscription_id": rec.Subscription.ID,
	}).Info("payment reconciled")
	r.publish(ctx, rec)
	return rec, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *sql.Tx, paymentID int64, target PaymentStatus) (*Reconciliation, error) {
	payment, err := getPayment(ctx, tx, `WHERE id = $1 FOR UPDATE`, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == target {
		return nil, ErrDuplicateReconciliation
	}
	if !CanTransitionPayment(payment.Status, target) {
		return nil, fmt.Errorf("%w: payment %s -> %s", ErrInvalidStatusTransition, payment.Status, target)
	}

	sub, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, payment.SubscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	now := r.now().UTC()
	rec := &Reconciliation{Payment: payment, Subscription: sub}
	if target == PaymentPaid {
		err = r.applyPaid(ctx, tx, rec, now)
	} else {
		err = r.applyFailed(ctx, tx, rec, now)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Reconciler) applyPaid(ctx context.Context, tx *sql.Tx, rec *Reconciliation, now time.Time) error {
	payment, sub := rec.Payment, rec.Subscription
	if err := checkTransition(sub.Status, SubscriptionActive); err != nil {
		return err
	}

	plan, err := r.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, paid_at = $2, updated_at = $2 WHERE id = $3
	`, string(PaymentPaid), now, payment.ID); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	payment.Status = PaymentPaid
	payment.PaidAt = &now
	payment.UpdatedAt = now

	// A renewal of a running period stacks on its current expiry. Anything
	// else starts a fresh period now.
	running := sub
	if !sub.IsActive(now) {
		running, err = runningSubscription(ctx, tx, sub, now)
		if err != nil {
			return err
		}
	}
	base, startedAt := now, &now
	if running != nil {
		startedAt = running.StartedAt
		if running.ExpiresAt != nil {
			base = *running.ExpiresAt
		}
	}
	expiresAt := plan.Interval.Extend(base)

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, started_at = $2, expires_at = $3, canceled_at = NULL, updated_at = $4
		WHERE id = $5
	`, string(SubscriptionActive), startedAt, expiresAt, now, sub.ID); err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	sub.Status = SubscriptionActive
	sub.StartedAt = startedAt
	sub.ExpiresAt = expiresAt
	sub.CanceledAt = nil
	sub.UpdatedAt = now

	// One household, one active subscription. A plan change supersedes
	// the row it replaces.
	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, canceled_at = $2, updated_at = $2
		WHERE household_id = $3 AND id <> $4 AND status = $5
	`, string(SubscriptionCanceled), now, sub.HouseholdID, sub.ID, string(SubscriptionActive)); err != nil {
		return fmt.Errorf("failed to supersede subscriptions: %w", err)
	}

	inv, err := issueInvoice(ctx, tx, payment, now)
	if err != nil {
		return err
	}
	rec.Invoice = inv
	return nil
}

func (r *Reconciler) applyFailed(ctx context.Context, tx *sql.Tx, rec *Reconciliation, now time.Time) error {
	payment, sub := rec.Payment, rec.Subscription
	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3
	`, string(PaymentFailed), now, payment.ID); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	payment.Status = PaymentFailed
	payment.UpdatedAt = now

	if sub.Status == SubscriptionExpired {
		return nil
	}
	if err := checkTransition(sub.Status, SubscriptionExpired); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = $2 WHERE id = $3
	`, string(SubscriptionExpired), now, sub.ID); err != nil {
		return fmt.Errorf("failed to expire subscription: %w", err)
	}
	sub.Status = SubscriptionExpired
	sub.UpdatedAt = now
	return nil
}

// runningSubscription returns the household's other active subscription on
// the same plan, or nil when the payment does not renew a running period
func runningSubscription(ctx context.Context, tx *sql.Tx, sub *Subscription, now time.Time) (*Subscription, error) {
	running, err := scanSubscription(tx.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE household_id = $1 AND id <> $2 AND status = $3
		ORDER BY expires_at DESC NULLS LAST, id DESC
		LIMIT 1
		FOR UPDATE
	`, sub.HouseholdID, sub.ID, string(SubscriptionActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock running subscription: %w", err)
	}
	if running.PlanID != sub.PlanID || !running.IsActive(now) {
		return nil, nil
	}
	return running, nil
}

// InvoiceNumber derives the human-facing invoice number from the payment
func InvoiceNumber(paymentID int64, issuedAt time.Time) string {
	return fmt.Sprintf("INV-%s-%06d", issuedAt.UTC().Format("200601"), paymentID)
}

func issueInvoice(ctx context.Context, tx *sql.Tx, payment *Payment, now time.Time) (*Invoice, error) {
	inv, err := scanInvoice(tx.QueryRowContext(ctx, `
		INSERT INTO invoices (payment_id, household_id, number, amount, currency, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING `+invoiceColumns,
		payment.ID, payment.HouseholdID, InvoiceNumber(payment.ID, now), payment.Amount, payment.Currency, now))
	if errors.Is(err, sql.ErrNoRows) {
		inv, err = scanInvoice(tx.QueryRowContext(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE payment_id = $1`, payment.ID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to issue invoice: %w", err)
	}
	return inv, nil
}

func (r *Reconciler) reject(ctx context.Context, logger *observability.Logger, paymentID int64, status string, source Source, err error) {
	r.metrics.ObserveReconciliation(status, "invalid")
	logger.WithError(err).Error("rejected payment status transition")
	if r.publisher != nil {
		r.publisher.Publish(ctx, webhooks.EventReconciliationRejected, map[string]interface{}{
			"payment_id": paymentID,
			"status":     status,
			"source":     string(source),
			"error":      err.Error(),
		})
	}
}

func (r *Reconciler) publish(ctx context.Context, rec *Reconciliation) {
	if r.publisher == nil {
		return
	}
	data := map[string]interface{}{
		"payment_id":      rec.Payment.ID,
		"household_id":    rec.Payment.HouseholdID,
		"subscription_id": rec.Subscription.ID,
		"amount":          rec.Payment.Amount.String(),
		"currency":        rec.Payment.Currency,
	}
	if rec.Payment.Status == PaymentPaid {
		data["plan_id"] = rec.Subscription.PlanID
		data["expires_at"] = rec.Subscription.ExpiresAt
		if rec.Invoice != nil {
			data["invoice_number"] = rec.Invoice.Number
		}
		r.publisher.Publish(ctx, webhooks.EventSubscriptionActivated, data)
		return
	}
	r.publisher.Publish(ctx, webhooks.EventPaymentFailed, data)
}
