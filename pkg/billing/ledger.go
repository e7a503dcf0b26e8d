package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kantong-id/kantong/pkg/database"
	"github.com/kantong-id/kantong/pkg/observability"
)

// Ledger reads and mutates subscriptions and their payment history
type Ledger interface {
	CurrentSubscription(ctx context.Context, householdID int64) (*Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	Cancel(ctx context.Context, householdID int64) (*Subscription, error)
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
	Invoices(ctx context.Context, householdID int64, limit int) ([]*Invoice, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	PaymentByExternalID(ctx context.Context, externalID string) (*Payment, error)
}

// PostgresLedger implements Ledger using PostgreSQL
type PostgresLedger struct {
	db      *sql.DB
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger. metrics may be nil.
func NewPostgresLedger(db *sql.DB, metrics *observability.Metrics) *PostgresLedger {
	return &PostgresLedger{db: db, metrics: metrics, now: time.Now}
}

const subscriptionColumns = `id, household_id, plan_id, status, started_at, expires_at, canceled_at, created_at, updated_at`

// The active row wins over newer pending checkouts so that starting an
// upgrade does not hide the subscription that is still paid for.
const currentSubscriptionOrder = `ORDER BY (status = 'active') DESC, created_at DESC, id DESC LIMIT 1`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub                              Subscription
		status                           string
		startedAt, expiresAt, canceledAt sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.HouseholdID, &sub.PlanID, &status,
		&startedAt, &expiresAt, &canceledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = SubscriptionStatus(status)
	sub.StartedAt = nullTimePtr(startedAt)
	sub.ExpiresAt = nullTimePtr(expiresAt)
	sub.CanceledAt = nullTimePtr(canceledAt)
	return &sub, nil
}

func currentSubscription(ctx context.Context, q database.DBTX, householdID int64, forUpdate bool) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE household_id = $1 ` + currentSubscriptionOrder
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sub, err := scanSubscription(q.QueryRowContext(ctx, query, householdID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// CurrentSubscription returns the subscription that decides the household's
// access, or ErrSubscriptionNotFound
func (l *PostgresLedger) CurrentSubscription(ctx context.Context, householdID int64) (*Subscription, error) {
	return currentSubscription(ctx, l.db, householdID, false)
}

func (l *PostgresLedger) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(l.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Cancel moves the household's current subscription to canceled. Access
// ends immediately.
func (l *PostgresLedger) Cancel(ctx context.Context, householdID int64) (*Subscription, error) {
	var sub *Subscription
	err := database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		sub, err = currentSubscription(ctx, tx, householdID, true)
		if err != nil {
			return err
		}
		if err := checkTransition(sub.Status, SubscriptionCanceled); err != nil {
			return err
		}

		now := l.now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET status = $1, canceled_at = $2, updated_at = $2
			WHERE id = $3
		`, string(SubscriptionCanceled), now, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
		sub.Status = SubscriptionCanceled
		sub.CanceledAt = &now
		sub.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ExpireLapsed marks every active subscription whose expiry has passed as
// expired and returns how many rows changed. Entitlement checks derive the
// same answer on read, so running this is optional.
func (l *PostgresLedger) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = $2
		WHERE status = $3 AND expires_at IS NOT NULL AND expires_at <= $2
	`, string(SubscriptionExpired), now.UTC(), string(SubscriptionActive))
	if err != nil {
		return 0, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	l.metrics.ObserveExpired(n)
	return n, nil
}

const invoiceColumns = `id, payment_id, household_id, number, amount, currency, issued_at`

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	if err := row.Scan(&inv.ID, &inv.PaymentID, &inv.HouseholdID, &inv.Number,
		&inv.Amount, &inv.Currency, &inv.IssuedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Invoices lists the household's invoices, newest first
func (l *PostgresLedger) Invoices(ctx context.Context, householdID int64, limit int) ([]*Invoice, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE household_id = $1
		ORDER BY issued_at DESC, id DESC
		LIMIT $2
	`, householdID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	invoices := []*Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

const paymentColumns = `id, user_id, household_id, subscription_id, amount, currency, status, payment_method,
	external_id, checkout_url, paid_at, created_at, updated_at`

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p          Payment
		status     string
		externalID sql.NullString
		paidAt     sql.NullTime
	)
	err := row.Scan(&p.ID, &p.UserID, &p.HouseholdID, &p.SubscriptionID, &p.Amount, &p.Currency,
		&status, &p.PaymentMethod, &externalID, &p.CheckoutURL, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.ExternalID = externalID.String
	p.PaidAt = nullTimePtr(paidAt)
	return &p, nil
}

func (l *PostgresLedger) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	return getPayment(ctx, l.db, `WHERE id = $1`, id)
}

// PaymentByExternalID resolves a gateway reference to a payment
func (l *PostgresLedger) PaymentByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	return getPayment(ctx, l.db, `WHERE external_id = $1`, externalID)
}

func getPayment(ctx context.Context, q database.DBTX, where string, arg interface{}) (*Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
