package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kantong-id/kantong/pkg/auth"
	"github.com/kantong-id/kantong/pkg/database"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/xendit"
)

// ErrGatewayFailed wraps errors from the payment gateway. The payment is
// marked failed and the subscription is left untouched.
var ErrGatewayFailed = errors.New("payment gateway request failed")

// Gateway creates hosted invoices
type Gateway interface {
	CreateInvoice(ctx context.Context, req xendit.CreateInvoiceRequest) (*xendit.Invoice, error)
}

// CheckoutResult is what a client needs to send the user to pay
type CheckoutResult struct {
	Plan         *plans.Plan   `json:"plan"`
	Subscription *Subscription `json:"subscription"`
	Payment      *Payment      `json:"payment"`
}

// Checkout starts payments for plan purchases and renewals
type Checkout struct {
	db      *sql.DB
	catalog plans.Catalog
	gateway Gateway
	metrics *observability.Metrics
	now     func() time.Time
}

// NewCheckout creates a checkout flow. With a nil gateway payments stay
// pending without a checkout URL until an admin reconciles them.
func NewCheckout(db *sql.DB, catalog plans.Catalog, gateway Gateway, metrics *observability.Metrics) *Checkout {
	return &Checkout{
		db:      db,
		catalog: catalog,
		gateway: gateway,
		metrics: metrics,
		now:     time.Now,
	}
}

// Start records a pending payment for planSlug and opens a hosted invoice
// for it. Every purchase, renewals included, goes through the household's
// pending subscription row. Access under the current subscription continues
// until the payment is reconciled, and a failed payment only expires the
// pending row.
func (c *Checkout) Start(ctx context.Context, user *auth.User, household *households.Household, planSlug, method string) (*CheckoutResult, error) {
	plan, err := c.catalog.GetPlanBySlug(ctx, planSlug)
	if err != nil {
		c.metrics.ObserveCheckout(planSlug, false)
		return nil, err
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	result := &CheckoutResult{Plan: plan}

	err = database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		// Serialise checkouts per household
		if _, err := tx.ExecContext(ctx, `SELECT id FROM households WHERE id = $1 FOR UPDATE`, household.ID); err != nil {
			return fmt.Errorf("failed to lock household: %w", err)
		}

		now := c.now().UTC()
		sub, err := pendingSubscription(ctx, tx, household.ID, plan.ID, now)
		if err != nil {
			return err
		}
		result.Subscription = sub

		payment, err := scanPayment(tx.QueryRowContext(ctx, `
			INSERT INTO payments (user_id, household_id, subscription_id, amount, currency, status, payment_method, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING `+paymentColumns,
			user.ID, household.ID, sub.ID, plan.Price, plan.Currency, string(PaymentPending), method, now))
		if err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		result.Payment = payment
		return nil
	})
	if err != nil {
		c.metrics.ObserveCheckout(plan.Slug, false)
		return nil, err
	}

	if c.gateway != nil {
		if err := c.openInvoice(ctx, user, household, plan, result.Payment); err != nil {
			c.metrics.ObserveCheckout(plan.Slug, false)
			return nil, err
		}
	}

	c.metrics.ObserveCheckout(plan.Slug, true)
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"household_id": household.ID,
		"payment_id":   result.Payment.ID,
		"plan":         plan.Slug,
	}).Info("checkout started")
	return result, nil
}

func pendingSubscription(ctx context.Context, tx *sql.Tx, householdID, planID int64, now time.Time) (*Subscription, error) {
	pending, err := scanSubscription(tx.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE household_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, householdID, string(SubscriptionPending)))
	switch {
	case err == nil:
		if pending.PlanID != planID {
			if _, err := tx.ExecContext(ctx, `
				UPDATE subscriptions SET plan_id = $1, updated_at = $2 WHERE id = $3
			`, planID, now, pending.ID); err != nil {
				return nil, fmt.Errorf("failed to update pending subscription: %w", err)
			}
			pending.PlanID = planID
			pending.UpdatedAt = now
		}
		return pending, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to get pending subscription: %w", err)
	}

	sub, err := scanSubscription(tx.QueryRowContext(ctx, `
		INSERT INTO subscriptions (household_id, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING `+subscriptionColumns,
		householdID, planID, string(SubscriptionPending), now))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

func (c *Checkout) openInvoice(ctx context.Context, user *auth.User, household *households.Household, plan *plans.Plan, payment *Payment) error {
	externalID := fmt.Sprintf("kantong-%d-%s", payment.ID, uuid.NewString())
	req := xendit.CreateInvoiceRequest{
		ExternalID:  externalID,
		Amount:      payment.Amount.InexactFloat64(),
		Currency:    payment.Currency,
		PayerEmail:  user.Email,
		Description: fmt.Sprintf("Kantong %s for %s", plan.Name, household.Name),
	}
	if payment.PaymentMethod != "" {
		req.PaymentMethods = []string{payment.PaymentMethod}
	}

	invoice, err := c.gateway.CreateInvoice(ctx, req)
	if err != nil {
		c.failPayment(ctx, payment)
		return fmt.Errorf("%w: %v", ErrGatewayFailed, err)
	}

	_, err = c.db.ExecContext(ctx, `
		UPDATE payments SET external_id = $1, checkout_url = $2, updated_at = $3 WHERE id = $4
	`, externalID, invoice.InvoiceURL, c.now().UTC(), payment.ID)
	if err != nil {
		return fmt.Errorf("failed to store checkout url: %w", err)
	}
	payment.ExternalID = externalID
	payment.CheckoutURL = invoice.InvoiceURL
	return nil
}

func (c *Checkout) failPayment(ctx context.Context, payment *Payment) {
	now := c.now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`, string(PaymentFailed), now, payment.ID, string(PaymentPending))
	if err != nil {
		observability.FromContext(ctx).WithError(err).WithField("payment_id", payment.ID).
			Error("failed to mark payment failed after gateway error")
		return
	}
	payment.Status = PaymentFailed
	payment.UpdatedAt = now
}
