package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Entitlement metrics
	EntitlementDecisionsTotal *prometheus.CounterVec

	// Usage metrics
	UsageConsumedTotal *prometheus.CounterVec

	// Billing metrics
	ReconciliationsTotal      *prometheus.CounterVec
	CheckoutsTotal            *prometheus.CounterVec
	SubscriptionsExpiredTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Outbound webhook metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kantong_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		EntitlementDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_entitlement_decisions_total",
				Help: "Entitlement gate decisions by check kind and outcome",
			},
			[]string{"kind", "result", "reason"},
		),
		UsageConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_usage_consume_total",
				Help: "Atomic usage check-and-record attempts",
			},
			[]string{"feature", "result"},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_payment_reconciliations_total",
				Help: "Payment status reconciliations by target status and outcome",
			},
			[]string{"status", "result"},
		),
		CheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_checkouts_total",
				Help: "Checkout attempts by plan and outcome",
			},
			[]string{"plan", "result"},
		),
		SubscriptionsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kantong_subscriptions_expired_total",
				Help: "Subscriptions flipped to expired by the sweep",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kantong_webhook_deliveries_total",
				Help: "Outbound webhook deliveries by event type and outcome",
			},
			[]string{"event", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EntitlementDecisionsTotal,
		m.UsageConsumedTotal,
		m.ReconciliationsTotal,
		m.CheckoutsTotal,
		m.SubscriptionsExpiredTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.WebhookDeliveriesTotal,
	)

	return m
}

// The helpers below are nil-safe so components can run without metrics in tests.

// ObserveDecision counts one entitlement decision
func (m *Metrics) ObserveDecision(kind string, allowed bool, reason string) {
	if m == nil {
		return
	}
	m.EntitlementDecisionsTotal.WithLabelValues(kind, result(allowed), reason).Inc()
}

// ObserveConsume counts one usage consumption attempt
func (m *Metrics) ObserveConsume(feature string, allowed bool) {
	if m == nil {
		return
	}
	m.UsageConsumedTotal.WithLabelValues(feature, result(allowed)).Inc()
}

// ObserveReconciliation counts one reconciliation with outcome applied, duplicate, invalid or error
func (m *Metrics) ObserveReconciliation(status, outcome string) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.WithLabelValues(status, outcome).Inc()
}

// ObserveCheckout counts one checkout attempt
func (m *Metrics) ObserveCheckout(plan string, ok bool) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.WithLabelValues(plan, outcome(ok)).Inc()
}

// ObserveExpired adds n to the expired-subscription counter
func (m *Metrics) ObserveExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SubscriptionsExpiredTotal.Add(float64(n))
}

// ObserveCache counts a cache hit or miss
func (m *Metrics) ObserveCache(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// ObserveWebhook counts one outbound webhook delivery
func (m *Metrics) ObserveWebhook(event string, ok bool) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(event, outcome(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// The route label is the mux path template so IDs in paths don't explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
