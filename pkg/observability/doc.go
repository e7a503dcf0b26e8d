// Package observability provides structured logging, Prometheus metrics,
// health probes and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("household_id", 42).Info("subscription activated")
//
// Request-scoped logging picks up request, user and household IDs:
//
//	observability.FromContext(r.Context()).Warn("limit reached")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveDecision("feature", false, "limit_reached")
//
// The Observe* helpers are nil-safe.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	router.HandleFunc("/healthz", checker.Liveness)
//	router.HandleFunc("/readyz", checker.Readiness)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging and recovery middleware
package observability
