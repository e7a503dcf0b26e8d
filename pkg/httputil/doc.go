// Package httputil provides HTTP utilities for standardized request/response handling.
//
// Every error body has a "message" key so clients can render it directly;
// entitlement denials add more keys on top (see pkg/entitlement).
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteBadRequest(w, "amount is required")
//	httputil.WriteInternalError(w, r, err) // logs err, hides it from the client
//
// # Request Parsing
//
//	var req CreateTransactionRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 20, 100)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Authentication and entitlement middleware
package httputil
