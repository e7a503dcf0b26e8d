package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kantong-id/kantong/pkg/audit"
	"github.com/kantong-id/kantong/pkg/auth"
	"github.com/kantong-id/kantong/pkg/billing"
	"github.com/kantong-id/kantong/pkg/entitlement"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/receipts"
	"github.com/kantong-id/kantong/pkg/transactions"
	"github.com/kantong-id/kantong/pkg/usage"
	"github.com/kantong-id/kantong/pkg/webhooks"
)

const callbackToken = "cb-secret"

type fakeAuthenticator map[string]*auth.AuthContext

func (f fakeAuthenticator) Authenticate(ctx context.Context, token string) (*auth.AuthContext, error) {
	if authCtx, ok := f[token]; ok {
		return authCtx, nil
	}
	return nil, auth.ErrInvalidToken
}

type mockHouseholds struct {
	createFunc      func(ownerID int64, name string) (*households.Household, error)
	listMembersFunc func(householdID int64) ([]*households.Member, error)
}

func (m *mockHouseholds) Create(ctx context.Context, ownerID int64, name string) (*households.Household, error) {
	if m.createFunc != nil {
		return m.createFunc(ownerID, name)
	}
	return nil, errors.New("not implemented")
}

func (m *mockHouseholds) ListMembers(ctx context.Context, householdID int64) ([]*households.Member, error) {
	if m.listMembersFunc != nil {
		return m.listMembersFunc(householdID)
	}
	return nil, errors.New("not implemented")
}

type mockLedger struct {
	sub                     *billing.Subscription
	cancelFunc              func(householdID int64) (*billing.Subscription, error)
	invoicesFunc            func(householdID int64, limit int) ([]*billing.Invoice, error)
	paymentByExternalIDFunc func(externalID string) (*billing.Payment, error)
}

func (m *mockLedger) CurrentSubscription(ctx context.Context, householdID int64) (*billing.Subscription, error) {
	if m.sub == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return m.sub, nil
}

func (m *mockLedger) GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error) {
	return m.CurrentSubscription(ctx, 0)
}

func (m *mockLedger) Cancel(ctx context.Context, householdID int64) (*billing.Subscription, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(householdID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockLedger) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *mockLedger) Invoices(ctx context.Context, householdID int64, limit int) ([]*billing.Invoice, error) {
	if m.invoicesFunc != nil {
		return m.invoicesFunc(householdID, limit)
	}
	return nil, errors.New("not implemented")
}

func (m *mockLedger) GetPayment(ctx context.Context, id int64) (*billing.Payment, error) {
	return nil, billing.ErrPaymentNotFound
}

func (m *mockLedger) PaymentByExternalID(ctx context.Context, externalID string) (*billing.Payment, error) {
	if m.paymentByExternalIDFunc != nil {
		return m.paymentByExternalIDFunc(externalID)
	}
	return nil, billing.ErrPaymentNotFound
}

type checkoutFunc func(user *auth.User, household *households.Household, planSlug, method string) (*billing.CheckoutResult, error)

func (f checkoutFunc) Start(ctx context.Context, user *auth.User, household *households.Household, planSlug, method string) (*billing.CheckoutResult, error) {
	return f(user, household, planSlug, method)
}

type reconcileCall struct {
	paymentID int64
	status    string
	source    billing.Source
}

type mockReconciler struct {
	calls []reconcileCall
	err   error
}

func (m *mockReconciler) Reconcile(ctx context.Context, paymentID int64, newStatus string, source billing.Source) (*billing.Reconciliation, error) {
	m.calls = append(m.calls, reconcileCall{paymentID, newStatus, source})
	if m.err != nil {
		return nil, m.err
	}
	return &billing.Reconciliation{
		Payment:      &billing.Payment{ID: paymentID, Status: billing.PaymentStatus(newStatus)},
		Subscription: &billing.Subscription{ID: 3, Status: billing.SubscriptionActive},
	}, nil
}

type mockTransactions struct {
	createFunc func(household *households.Household, userID int64, in transactions.CreateInput) (*transactions.Transaction, error)
	reportAt   time.Time
}

func (m *mockTransactions) Create(ctx context.Context, household *households.Household, userID int64, in transactions.CreateInput) (*transactions.Transaction, error) {
	if m.createFunc != nil {
		return m.createFunc(household, userID, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockTransactions) Get(ctx context.Context, householdID, id int64) (*transactions.Transaction, error) {
	if id == 1 {
		return &transactions.Transaction{ID: 1, HouseholdID: householdID, Kind: transactions.KindIncome}, nil
	}
	return nil, transactions.ErrTransactionNotFound
}

func (m *mockTransactions) List(ctx context.Context, householdID int64, limit int) ([]*transactions.Transaction, error) {
	return []*transactions.Transaction{{ID: 1, HouseholdID: householdID}}, nil
}

func (m *mockTransactions) MonthlyReport(ctx context.Context, householdID int64, at time.Time) (*transactions.MonthlyReport, error) {
	m.reportAt = at
	return &transactions.MonthlyReport{Month: at.Format("2006-01")}, nil
}

type mockReceipts struct {
	uploadFunc func(household *households.Household, transactionID int64, contentType string, body []byte) (*receipts.Receipt, error)
	deleted    []int64
}

func (m *mockReceipts) Upload(ctx context.Context, household *households.Household, transactionID int64, contentType string, body []byte) (*receipts.Receipt, error) {
	if m.uploadFunc != nil {
		return m.uploadFunc(household, transactionID, contentType, body)
	}
	return nil, errors.New("not implemented")
}

func (m *mockReceipts) List(ctx context.Context, householdID, transactionID int64) ([]*receipts.Receipt, error) {
	return []*receipts.Receipt{}, nil
}

func (m *mockReceipts) Open(ctx context.Context, householdID, receiptID int64) (*receipts.Receipt, io.ReadCloser, error) {
	if receiptID != 4 {
		return nil, nil, receipts.ErrReceiptNotFound
	}
	r := &receipts.Receipt{ID: 4, ContentType: "application/pdf", SizeBytes: 4}
	return r, io.NopCloser(strings.NewReader("%PDF")), nil
}

func (m *mockReceipts) Delete(ctx context.Context, householdID, receiptID int64) error {
	m.deleted = append(m.deleted, receiptID)
	return nil
}

func (m *mockReceipts) MaxBytes() int64 { return 16 }

type publishedEvent struct {
	eventType webhooks.EventType
	data      map[string]interface{}
}

type recordingPublisher struct{ events []publishedEvent }

func (p *recordingPublisher) Publish(ctx context.Context, eventType webhooks.EventType, data map[string]interface{}) {
	p.events = append(p.events, publishedEvent{eventType, data})
}

type memoryAudit struct {
	events  []*audit.Event
	filters []audit.Filter
}

func (m *memoryAudit) Log(ctx context.Context, event *audit.Event) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memoryAudit) Search(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	m.filters = append(m.filters, filter)
	return m.events, nil
}

type stubCounter int64

func (c stubCounter) MonthlyUsage(ctx context.Context, householdID int64, feature string, at time.Time) (int64, error) {
	return int64(c), nil
}

type testEnv struct {
	server       *Server
	ledger       *mockLedger
	households   *mockHouseholds
	reconciler   *mockReconciler
	transactions *mockTransactions
	receipts     *mockReceipts
	publisher    *recordingPublisher
	audit        *memoryAudit
	checkout     checkoutFunc
}

var household = &households.Household{ID: 10, Name: "Rumah", OwnerID: 5}

func verifiedUser(id int64) *auth.User {
	verified := time.Now().Add(-time.Hour)
	return &auth.User{ID: id, Name: "Sari", Email: "sari@example.com", EmailVerifiedAt: &verified}
}

func activeSubscription(planID int64) *billing.Subscription {
	expires := time.Now().Add(24 * time.Hour)
	return &billing.Subscription{ID: 3, HouseholdID: 10, PlanID: planID, Status: billing.SubscriptionActive, ExpiresAt: &expires}
}

// newTestEnv builds a server whose gate sees sub and used transactions
func newTestEnv(t *testing.T, sub *billing.Subscription, used int64) *testEnv {
	t.Helper()
	catalog := plans.NewStaticCatalog(
		&plans.Plan{ID: 1, Slug: "pertalite", Name: "Pertalite", Rank: 1, Price: decimal.NewFromInt(15000), Currency: "IDR",
			Features: plans.FeatureSet{{Key: "max_transactions_per_month", Limit: 50}, {Key: "storage_mb", Limit: 100}}},
		&plans.Plan{ID: 3, Slug: "turbo", Name: "Turbo", Rank: 3, Price: decimal.NewFromInt(50000), Currency: "IDR",
			Features: plans.FeatureSet{{Key: "max_transactions_per_month", Limit: -1}, {Key: "storage_mb", Limit: 1000}}},
	)
	rules := plans.NewRules(plans.DefaultFeatureLimitKeys(), map[string][]string{
		"investments": {"turbo"},
		"reports":     {"pertalite", "turbo"},
	})

	env := &testEnv{
		ledger:       &mockLedger{sub: sub},
		households:   &mockHouseholds{},
		reconciler:   &mockReconciler{},
		transactions: &mockTransactions{},
		receipts:     &mockReceipts{},
		publisher:    &recordingPublisher{},
		audit:        &memoryAudit{},
	}
	env.checkout = func(user *auth.User, hh *households.Household, planSlug, method string) (*billing.CheckoutResult, error) {
		return nil, errors.New("not implemented")
	}

	admin := verifiedUser(1)
	admin.IsAdmin = true
	authn := fakeAuthenticator{
		"kt_member":     {User: verifiedUser(5), Household: household},
		"kt_homeless":   {User: verifiedUser(6)},
		"kt_unverified": {User: &auth.User{ID: 7, Email: "budi@example.com"}},
		"kt_admin":      {User: admin, Household: household},
	}

	gate := entitlement.NewGate(env.ledger, catalog, stubCounter(used), rules, plans.NewCatalogSuggester(catalog, rules))
	env.server = NewServer(Config{
		Authenticator: authn,
		Households:    env.households,
		Catalog:       catalog,
		Ledger:        env.ledger,
		Checkout: checkoutFunc(func(user *auth.User, hh *households.Household, planSlug, method string) (*billing.CheckoutResult, error) {
			return env.checkout(user, hh, planSlug, method)
		}),
		Reconciler:    env.reconciler,
		Gate:          gate,
		Transactions:  env.transactions,
		Receipts:      env.receipts,
		Publisher:     env.publisher,
		Audit:         env.audit,
		AuditStore:    env.audit,
		Metrics:       observability.NewMetrics(prometheus.NewRegistry()),
		CallbackToken: callbackToken,
	})
	return env
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestListPlans(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	rec := env.do(http.MethodGet, "/api/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PlansResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Plans, 2)
	assert.Equal(t, "pertalite", resp.Plans[0].Slug)
	assert.Equal(t, []string{"turbo"}, resp.Modules["investments"])
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	rec := env.do(http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthenticated.", decodeBody(t, rec)["message"])

	rec = env.do(http.MethodGet, "/api/v1/me", "kt_nope", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/me", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, int64(5), me.User.ID)
	assert.Equal(t, int64(10), me.Household.ID)
}

func TestCreateHousehold(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.households.createFunc = func(ownerID int64, name string) (*households.Household, error) {
		if ownerID == 5 {
			return nil, households.ErrAlreadyInHousehold
		}
		return &households.Household{ID: 11, Name: name, OwnerID: ownerID}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/households", "kt_homeless", CreateHouseholdRequest{Name: "  Rumah Baru "})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Rumah Baru", decodeBody(t, rec)["name"])

	rec = env.do(http.MethodPost, "/api/v1/households", "kt_member", CreateHouseholdRequest{Name: "Again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/households", "kt_unverified", CreateHouseholdRequest{Name: "Rumah"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "verify_email", body["action"])
	assert.Equal(t, "budi@example.com", body["email"])

	rec = env.do(http.MethodPost, "/api/v1/households", "kt_homeless", `{"name":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/households", "kt_homeless", CreateHouseholdRequest{Name: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHousehold(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.households.listMembersFunc = func(householdID int64) ([]*households.Member, error) {
		return []*households.Member{{UserID: 5, Name: "Sari", IsOwner: true}}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/household", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Rumah", body["name"])
	assert.Len(t, body["members"], 1)

	rec = env.do(http.MethodGet, "/api/v1/household", "kt_homeless", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetSubscription(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	rec := env.do(http.MethodGet, "/api/v1/subscription", "kt_member", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	lapsed := time.Now().Add(-time.Hour)
	env = newTestEnv(t, &billing.Subscription{ID: 3, PlanID: 1, Status: billing.SubscriptionActive, ExpiresAt: &lapsed}, 0)
	rec = env.do(http.MethodGet, "/api/v1/subscription", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "expired", body["effective_status"])
	assert.Equal(t, false, body["active"])
}

func TestCheckout(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.checkout = func(user *auth.User, hh *households.Household, planSlug, method string) (*billing.CheckoutResult, error) {
		switch planSlug {
		case "unknown":
			return nil, plans.ErrPlanNotFound
		case "down":
			return nil, billing.ErrGatewayFailed
		}
		assert.Equal(t, "invoice", method)
		return &billing.CheckoutResult{
			Plan:         &plans.Plan{ID: 3, Slug: planSlug},
			Subscription: &billing.Subscription{ID: 4, Status: billing.SubscriptionPending},
			Payment:      &billing.Payment{ID: 9, Status: billing.PaymentPending, CheckoutURL: "https://pay.example/inv"},
		}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/subscription/checkout", "kt_member", CheckoutRequest{Plan: "turbo"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "https://pay.example/inv", decodeBody(t, rec)["checkout_url"])

	rec = env.do(http.MethodPost, "/api/v1/subscription/checkout", "kt_member", CheckoutRequest{Plan: "unknown"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/subscription/checkout", "kt_member", CheckoutRequest{Plan: "down"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/subscription/checkout", "kt_homeless", CheckoutRequest{Plan: "turbo"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelSubscription(t *testing.T) {
	env := newTestEnv(t, activeSubscription(1), 0)
	env.ledger.cancelFunc = func(householdID int64) (*billing.Subscription, error) {
		now := time.Now()
		return &billing.Subscription{ID: 3, HouseholdID: householdID, PlanID: 1, Status: billing.SubscriptionCanceled, CanceledAt: &now}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/subscription/cancel", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "canceled", decodeBody(t, rec)["status"])
	require.Len(t, env.publisher.events, 1)
	assert.Equal(t, webhooks.EventSubscriptionCanceled, env.publisher.events[0].eventType)
	assert.Equal(t, int64(10), env.publisher.events[0].data["household_id"])

	env.ledger.cancelFunc = func(householdID int64) (*billing.Subscription, error) {
		return nil, billing.ErrInvalidStatusTransition
	}
	rec = env.do(http.MethodPost, "/api/v1/subscription/cancel", "kt_member", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, env.publisher.events, 1)
}

func TestEntitlements(t *testing.T) {
	env := newTestEnv(t, activeSubscription(1), 12)

	rec := env.do(http.MethodGet, "/api/v1/entitlements", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "active", body["subscription_status"])
	assert.Equal(t, true, body["active"])
}

func TestListInvoices(t *testing.T) {
	env := newTestEnv(t, activeSubscription(1), 0)
	env.ledger.invoicesFunc = func(householdID int64, limit int) ([]*billing.Invoice, error) {
		assert.Equal(t, 100, limit)
		return []*billing.Invoice{{ID: 1, Number: "INV-202603-000009"}}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/invoices?limit=500", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = env.do(http.MethodGet, "/api/v1/invoices?limit=abc", "kt_member", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactions(t *testing.T) {
	t.Run("no subscription blocks reads", func(t *testing.T) {
		env := newTestEnv(t, nil, 0)
		rec := env.do(http.MethodGet, "/api/v1/transactions", "kt_member", nil)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "subscribe", decodeBody(t, rec)["action"])
	})

	t.Run("lapsed subscription keeps reads", func(t *testing.T) {
		lapsed := time.Now().Add(-time.Hour)
		env := newTestEnv(t, &billing.Subscription{ID: 3, PlanID: 1, Status: billing.SubscriptionActive, ExpiresAt: &lapsed}, 0)

		rec := env.do(http.MethodGet, "/api/v1/transactions", "kt_member", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(http.MethodPost, "/api/v1/transactions", "kt_member", map[string]interface{}{"kind": "income", "amount": "10", "category": "Makan"})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "renew", decodeBody(t, rec)["action"])
	})

	t.Run("create", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 10)
		env.transactions.createFunc = func(hh *households.Household, userID int64, in transactions.CreateInput) (*transactions.Transaction, error) {
			assert.Equal(t, int64(10), hh.ID)
			assert.Equal(t, int64(5), userID)
			return &transactions.Transaction{ID: 8, Kind: in.Kind, Amount: in.Amount}, nil
		}

		rec := env.do(http.MethodPost, "/api/v1/transactions", "kt_member", map[string]interface{}{"kind": "expense", "amount": "12500.50", "category": "Makan"})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "12500.5", decodeBody(t, rec)["amount"])
	})

	t.Run("limit reached at pre-check", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 50)
		rec := env.do(http.MethodPost, "/api/v1/transactions", "kt_member", map[string]interface{}{"kind": "expense", "amount": "1", "category": "Makan"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("limit reached at consume", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 49)
		env.transactions.createFunc = func(hh *households.Household, userID int64, in transactions.CreateInput) (*transactions.Transaction, error) {
			return nil, &usage.LimitExceededError{Feature: transactions.FeatureName, Current: 50, Limit: 50}
		}

		rec := env.do(http.MethodPost, "/api/v1/transactions", "kt_member", map[string]interface{}{"kind": "expense", "amount": "1", "category": "Makan"})
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(50), body["current_usage"])
		assert.Equal(t, float64(50), body["limit"])
		assert.Equal(t, float64(0), body["remaining"])
		assert.Equal(t, "upgrade_plan", body["action"])
		assert.Equal(t, "Upgrade to Turbo for unlimited max_transactions_per_month", body["upgrade_message"])
	})

	t.Run("invalid input", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 0)
		env.transactions.createFunc = func(hh *households.Household, userID int64, in transactions.CreateInput) (*transactions.Transaction, error) {
			return nil, transactions.ErrInvalidTransaction
		}
		rec := env.do(http.MethodPost, "/api/v1/transactions", "kt_member", map[string]interface{}{"kind": "gift", "amount": "1", "category": "Makan"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 0)
		assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/transactions/1", "kt_member", nil).Code)
		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/transactions/2", "kt_member", nil).Code)
	})
}

func TestReceipts(t *testing.T) {
	t.Run("upload", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 0)
		env.receipts.uploadFunc = func(hh *households.Household, transactionID int64, contentType string, body []byte) (*receipts.Receipt, error) {
			assert.Equal(t, int64(1), transactionID)
			assert.Equal(t, "image/png", contentType)
			return &receipts.Receipt{ID: 2, TransactionID: transactionID, ContentType: contentType, SizeBytes: int64(len(body))}, nil
		}

		req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/1/receipt", strings.NewReader("\x89PNG"))
		req.Header.Set("Authorization", "Bearer kt_member")
		req.Header.Set("Content-Type", "image/png")
		rec := httptest.NewRecorder()
		env.server.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, float64(4), decodeBody(t, rec)["size_bytes"])
	})

	t.Run("too large", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 0)
		rec := env.do(http.MethodPost, "/api/v1/transactions/1/receipt", "kt_member", strings.Repeat("x", 17))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("unsupported type", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 0)
		env.receipts.uploadFunc = func(hh *households.Household, transactionID int64, contentType string, body []byte) (*receipts.Receipt, error) {
			return nil, receipts.ErrUnsupportedType
		}
		rec := env.do(http.MethodPost, "/api/v1/transactions/1/receipt", "kt_member", "hello")
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("storage limit reached at consume", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 0)
		env.receipts.uploadFunc = func(hh *households.Household, transactionID int64, contentType string, body []byte) (*receipts.Receipt, error) {
			return nil, &usage.LimitExceededError{Feature: receipts.FeatureName, Current: 100, Limit: 100}
		}
		rec := env.do(http.MethodPost, "/api/v1/transactions/1/receipt", "kt_member", "hello")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, float64(100), decodeBody(t, rec)["limit"])
	})

	t.Run("download and delete", func(t *testing.T) {
		env := newTestEnv(t, activeSubscription(1), 0)

		rec := env.do(http.MethodGet, "/api/v1/receipts/4", "kt_member", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
		assert.Equal(t, "%PDF", rec.Body.String())

		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/receipts/5", "kt_member", nil).Code)

		rec = env.do(http.MethodDelete, "/api/v1/receipts/4", "kt_member", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []int64{4}, env.receipts.deleted)
	})
}

func TestModules(t *testing.T) {
	env := newTestEnv(t, activeSubscription(1), 0)

	rec := env.do(http.MethodGet, "/api/v1/modules/investments", "kt_member", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Pertalite", body["current_plan"])
	assert.Equal(t, []interface{}{"Turbo"}, body["required_plans"])
	assert.Equal(t, "upgrade_plan", body["action"])

	rec = env.do(http.MethodGet, "/api/v1/modules/reports", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reports", decodeBody(t, rec)["module"])

	rec = env.do(http.MethodGet, "/api/v1/modules/reports/monthly?month=2026-02", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-02", decodeBody(t, rec)["month"])
	assert.Equal(t, time.February, env.transactions.reportAt.Month())

	rec = env.do(http.MethodGet, "/api/v1/modules/reports/monthly?month=feb", "kt_member", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/modules/unknown", "kt_member", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestXenditCallback(t *testing.T) {
	callback := func(env *testEnv, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/xendit", strings.NewReader(body))
		req.Header.Set("X-Callback-Token", token)
		rec := httptest.NewRecorder()
		env.server.ServeHTTP(rec, req)
		return rec
	}
	paid := `{"id":"inv_1","external_id":"kantong-9","status":"PAID","amount":50000}`

	env := newTestEnv(t, nil, 0)
	env.ledger.paymentByExternalIDFunc = func(externalID string) (*billing.Payment, error) {
		if externalID == "kantong-9" {
			return &billing.Payment{ID: 9, ExternalID: externalID}, nil
		}
		return nil, billing.ErrPaymentNotFound
	}

	rec := callback(env, "wrong", paid)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.reconciler.calls)

	rec = callback(env, callbackToken, `{"status":"PAID"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = callback(env, callbackToken, `{"external_id":"kantong-404","status":"PAID"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = callback(env, callbackToken, paid)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.reconciler.calls, 1)
	assert.Equal(t, reconcileCall{9, "paid", billing.SourceGateway}, env.reconciler.calls[0])

	env.reconciler.err = billing.ErrDuplicateReconciliation
	rec = callback(env, callbackToken, paid)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Already processed.", decodeBody(t, rec)["message"])

	env.reconciler.err = billing.ErrInvalidStatusTransition
	rec = callback(env, callbackToken, `{"external_id":"kantong-9","status":"PENDING"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminPaymentStatus(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	rec := env.do(http.MethodPost, "/api/v1/admin/payments/9/status", "kt_member", PaymentStatusRequest{Status: "paid"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.reconciler.calls)

	rec = env.do(http.MethodPost, "/api/v1/admin/payments/9/status", "kt_admin", PaymentStatusRequest{Status: " PAID "})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.reconciler.calls, 1)
	assert.Equal(t, reconcileCall{9, "paid", billing.SourceAdmin}, env.reconciler.calls[0])

	require.Len(t, env.audit.events, 1)
	ev := env.audit.events[0]
	assert.Equal(t, audit.ActionPaymentOverride, ev.Action)
	assert.Equal(t, audit.StatusSuccess, ev.Status)
	assert.Equal(t, "9", ev.ResourceID)
	assert.Equal(t, "admin", ev.Source)
	require.NotNil(t, ev.ActorID)
	assert.Equal(t, int64(1), *ev.ActorID)

	env.reconciler.err = billing.ErrInvalidStatusTransition
	rec = env.do(http.MethodPost, "/api/v1/admin/payments/9/status", "kt_admin", PaymentStatusRequest{Status: "refunded"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Len(t, env.audit.events, 2)
	assert.Equal(t, audit.StatusDenied, env.audit.events[1].Status)

	env.reconciler.err = billing.ErrPaymentNotFound
	rec = env.do(http.MethodPost, "/api/v1/admin/payments/9/status", "kt_admin", PaymentStatusRequest{Status: "failed"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, env.audit.events, 2)
}

func TestAuditLog(t *testing.T) {
	env := newTestEnv(t, activeSubscription(1), 0)

	env.ledger.cancelFunc = func(householdID int64) (*billing.Subscription, error) {
		return &billing.Subscription{ID: 3, HouseholdID: householdID, PlanID: 1, Status: billing.SubscriptionCanceled}, nil
	}
	rec := env.do(http.MethodPost, "/api/v1/subscription/cancel", "kt_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.audit.events, 1)
	assert.Equal(t, audit.ActionSubscriptionCancel, env.audit.events[0].Action)
	require.NotNil(t, env.audit.events[0].HouseholdID)
	assert.Equal(t, int64(10), *env.audit.events[0].HouseholdID)

	rec = env.do(http.MethodGet, "/api/v1/admin/audit?household_id=10&action=subscription.cancel,payment.override&limit=5", "kt_member", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/admin/audit?household_id=10&action=subscription.cancel,payment.override&limit=5", "kt_admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.audit.filters, 1)
	f := env.audit.filters[0]
	require.NotNil(t, f.HouseholdID)
	assert.Equal(t, int64(10), *f.HouseholdID)
	assert.Equal(t, []audit.Action{audit.ActionSubscriptionCancel, audit.ActionPaymentOverride}, f.Actions)
	assert.Equal(t, 5, f.Limit)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rec = env.do(http.MethodGet, "/api/v1/admin/audit?household_id=abc", "kt_admin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.server = NewServer(Config{
		Authenticator: env.server.cfg.Authenticator,
		Households:    env.households,
		Gate:          env.server.cfg.Gate,
		MaxBodyBytes:  8,
	})
	env.households.createFunc = func(ownerID int64, name string) (*households.Household, error) {
		return &households.Household{ID: 11, Name: name}, nil
	}

	rec := env.do(http.MethodPost, "/api/v1/households", "kt_homeless", CreateHouseholdRequest{Name: "A very long household name"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
