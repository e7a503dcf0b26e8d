// Package middleware provides the HTTP middleware that authenticates
// requests and enforces household entitlements.
//
// # Ordering
//
// Entitlement middleware reads the auth context, so it must run inside
// AuthMiddleware:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(authMiddleware.Handler)
//	api.Handle("/transactions", ent.CheckFeatureLimit("transaction")(create)).Methods("POST")
//
// Without an auth context every check answers 401.
//
// # Rate limiting
//
// RateLimitMiddleware counts requests per user, or per client IP for
// anonymous requests, in fixed one-minute windows. With Redis configured
// the counters are shared across instances; otherwise each instance keeps
// its own token buckets. Redis errors fail open.
package middleware
