package billing

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/webhooks"
)

var fixedNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

var (
	subscriptionRowColumns = []string{"id", "household_id", "plan_id", "status", "started_at", "expires_at", "canceled_at", "created_at", "updated_at"}
	paymentRowColumns      = []string{"id", "user_id", "household_id", "subscription_id", "amount", "currency", "status", "payment_method", "external_id", "checkout_url", "paid_at", "created_at", "updated_at"}
	invoiceRowColumns      = []string{"id", "payment_id", "household_id", "number", "amount", "currency", "issued_at"}
)

func testCatalog() *plans.StaticCatalog {
	return plans.NewStaticCatalog(
		&plans.Plan{ID: 1, Slug: "pertalite", Name: "Pertalite", Rank: 1, Price: decimal.NewFromInt(25000), Currency: "IDR", Interval: plans.IntervalMonthly},
		&plans.Plan{ID: 2, Slug: "pertamax", Name: "Pertamax", Rank: 2, Price: decimal.NewFromInt(50000), Currency: "IDR", Interval: plans.IntervalMonthly},
		&plans.Plan{ID: 3, Slug: "turbo", Name: "Turbo", Rank: 3, Price: decimal.NewFromInt(500000), Currency: "IDR", Interval: plans.IntervalAnnual},
	)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func subscriptionRow(id, householdID, planID int64, status SubscriptionStatus, startedAt, expiresAt interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(subscriptionRowColumns).
		AddRow(id, householdID, planID, string(status), startedAt, expiresAt, nil, fixedNow.Add(-24*time.Hour), fixedNow.Add(-24*time.Hour))
}

func paymentRow(id, subscriptionID int64, status PaymentStatus) *sqlmock.Rows {
	return sqlmock.NewRows(paymentRowColumns).
		AddRow(id, int64(5), int64(10), subscriptionID, "50000.00", "IDR", string(status), "QRIS", nil, "", nil, fixedNow.Add(-time.Hour), fixedNow.Add(-time.Hour))
}

type publishedEvent struct {
	Type webhooks.EventType
	Data map[string]interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, eventType webhooks.EventType, data map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Data: data})
}

func (p *recordingPublisher) types() []webhooks.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webhooks.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
