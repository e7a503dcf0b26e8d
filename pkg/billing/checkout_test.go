package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kantong-id/kantong/pkg/auth"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/xendit"
)

type fakeGateway struct {
	requests []xendit.CreateInvoiceRequest
	err      error
}

func (g *fakeGateway) CreateInvoice(ctx context.Context, req xendit.CreateInvoiceRequest) (*xendit.Invoice, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &xendit.Invoice{ID: "inv-1", ExternalID: req.ExternalID, Status: "PENDING", InvoiceURL: "https://checkout.xendit.co/web/inv-1"}, nil
}

var (
	testUser      = &auth.User{ID: 5, Name: "Sari", Email: "sari@example.com"}
	testHousehold = &households.Household{ID: 10, Name: "Rumah Sari", OwnerID: 5}
)

func newMockCheckout(t *testing.T, gateway Gateway) (*Checkout, sqlmock.Sqlmock) {
	db, mock := newMockDB(t)
	c := NewCheckout(db, testCatalog(), gateway, newMetrics())
	c.now = func() time.Time { return fixedNow }
	return c, mock
}

func expectHouseholdLock(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT id FROM households WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectPaymentInsert(mock sqlmock.Sqlmock, subscriptionID int64) {
	mock.ExpectQuery("INSERT INTO payments").
		WithArgs(int64(5), int64(10), subscriptionID, sqlmock.AnyArg(), "IDR", "pending", "QRIS", fixedNow).
		WillReturnRows(paymentRow(7, subscriptionID, PaymentPending))
}

func TestCheckout_NewSubscription(t *testing.T) {
	gw := &fakeGateway{}
	c, mock := newMockCheckout(t, gw)

	expectHouseholdLock(mock)
	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE household_id = \\$1 AND status = \\$2").
		WithArgs(int64(10), "pending").
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns))
	mock.ExpectQuery("INSERT INTO subscriptions").
		WithArgs(int64(10), int64(2), "pending", fixedNow).
		WillReturnRows(subscriptionRow(3, 10, 2, SubscriptionPending, nil, nil))
	expectPaymentInsert(mock, 3)
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE payments SET external_id = \\$1, checkout_url = \\$2").
		WithArgs(sqlmock.AnyArg(), "https://checkout.xendit.co/web/inv-1", fixedNow, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := c.Start(context.Background(), testUser, testHousehold, "pertamax", " qris ")
	require.NoError(t, err)

	assert.Equal(t, "pertamax", res.Plan.Slug)
	assert.Equal(t, SubscriptionPending, res.Subscription.Status)
	assert.Equal(t, "https://checkout.xendit.co/web/inv-1", res.Payment.CheckoutURL)
	assert.Regexp(t, "^kantong-7-", res.Payment.ExternalID)

	require.Len(t, gw.requests, 1)
	req := gw.requests[0]
	assert.Equal(t, res.Payment.ExternalID, req.ExternalID)
	assert.Equal(t, float64(50000), req.Amount)
	assert.Equal(t, "sari@example.com", req.PayerEmail)
	assert.Equal(t, []string{"QRIS"}, req.PaymentMethods)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.CheckoutsTotal.WithLabelValues("pertamax", "success")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckout_RenewalOpensPendingRow(t *testing.T) {
	c, mock := newMockCheckout(t, nil)

	expectHouseholdLock(mock)
	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE household_id = \\$1 AND status = \\$2").
		WithArgs(int64(10), "pending").
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns))
	mock.ExpectQuery("INSERT INTO subscriptions").
		WithArgs(int64(10), int64(2), "pending", fixedNow).
		WillReturnRows(subscriptionRow(4, 10, 2, SubscriptionPending, nil, nil))
	expectPaymentInsert(mock, 4)
	mock.ExpectCommit()

	res, err := c.Start(context.Background(), testUser, testHousehold, "pertamax", "QRIS")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Subscription.ID)
	assert.Equal(t, SubscriptionPending, res.Subscription.Status)
	assert.Empty(t, res.Payment.CheckoutURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckout_PlanChangeReusesPendingRow(t *testing.T) {
	c, mock := newMockCheckout(t, nil)

	expectHouseholdLock(mock)
	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE household_id = \\$1 AND status = \\$2").
		WillReturnRows(subscriptionRow(4, 10, 3, SubscriptionPending, nil, nil))
	mock.ExpectExec("UPDATE subscriptions SET plan_id = \\$1").
		WithArgs(int64(2), fixedNow, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectPaymentInsert(mock, 4)
	mock.ExpectCommit()

	res, err := c.Start(context.Background(), testUser, testHousehold, "pertamax", "QRIS")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Subscription.ID)
	assert.Equal(t, int64(2), res.Subscription.PlanID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckout_GatewayFailureFailsPaymentOnly(t *testing.T) {
	gw := &fakeGateway{err: &xendit.APIError{StatusCode: 400, ErrorCode: "API_VALIDATION_ERROR", Message: "bad amount"}}
	c, mock := newMockCheckout(t, gw)

	expectHouseholdLock(mock)
	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE household_id = \\$1 AND status = \\$2").
		WillReturnRows(subscriptionRow(3, 10, 2, SubscriptionPending, nil, nil))
	expectPaymentInsert(mock, 3)
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE payments SET status = \\$1, updated_at = \\$2 WHERE id = \\$3 AND status = \\$4").
		WithArgs("failed", fixedNow, int64(7), "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := c.Start(context.Background(), testUser, testHousehold, "pertamax", "QRIS")
	assert.ErrorIs(t, err, ErrGatewayFailed)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.CheckoutsTotal.WithLabelValues("pertamax", "failure")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckout_UnknownPlan(t *testing.T) {
	c, mock := newMockCheckout(t, nil)

	_, err := c.Start(context.Background(), testUser, testHousehold, "diesel", "")
	assert.ErrorIs(t, err, plans.ErrPlanNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckout_RollsBackOnInsertError(t *testing.T) {
	c, mock := newMockCheckout(t, &fakeGateway{})

	expectHouseholdLock(mock)
	mock.ExpectQuery("SELECT (.+) FROM subscriptions WHERE household_id = \\$1 AND status = \\$2").
		WillReturnRows(subscriptionRow(3, 10, 2, SubscriptionPending, nil, nil))
	mock.ExpectQuery("INSERT INTO payments").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := c.Start(context.Background(), testUser, testHousehold, "pertamax", "QRIS")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create payment")
	assert.NoError(t, mock.ExpectationsWereMet())
}
