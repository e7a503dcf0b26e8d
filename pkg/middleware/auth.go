package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kantong-id/kantong/pkg/auth"
	"github.com/kantong-id/kantong/pkg/contextkeys"
	"github.com/kantong-id/kantong/pkg/entitlement"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/observability"
)

// AuthMiddleware authenticates bearer tokens
type AuthMiddleware struct {
	authenticator auth.Authenticator
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// Handler rejects requests without a valid "Authorization: Bearer <token>"
// header and stores the auth context for the rest of the chain
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeDecision(w, entitlement.Unauthenticated())
			return
		}

		authCtx, err := m.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) {
				observability.FromContext(r.Context()).WithError(err).Error("authentication failed")
			}
			writeDecision(w, entitlement.Unauthenticated())
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(authCtx.User.ID, 10))
		logger := observability.FromContext(ctx).WithField("user_id", authCtx.User.ID)
		if authCtx.Household != nil {
			ctx = contextkeys.WithHouseholdID(ctx, strconv.FormatInt(authCtx.Household.ID, 10))
			logger = logger.WithField("household_id", authCtx.Household.ID)
		}
		ctx = observability.WithLogger(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireHousehold answers 403 for users that have no household yet
func RequireHousehold(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			writeDecision(w, entitlement.Unauthenticated())
			return
		}
		if authCtx.Household == nil {
			writeDecision(w, entitlement.NoHousehold(entitlement.Subscription(entitlement.OperationForMethod(r.Method))))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireVerifiedEmail answers 403 with a verify_email action for users
// whose email address is unverified
func RequireVerifiedEmail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			writeDecision(w, entitlement.Unauthenticated())
			return
		}
		if !authCtx.User.IsVerified() {
			writeDecision(w, entitlement.UnverifiedEmail(authCtx.User.Email))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin answers 403 for everyone but administrators
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			writeDecision(w, entitlement.Unauthenticated())
			return
		}
		if !authCtx.User.IsAdmin {
			httputil.WriteForbidden(w, "This action requires an administrator.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeDecision(w http.ResponseWriter, d entitlement.Decision) {
	httputil.WriteJSON(w, d.Status, d.Body())
}
