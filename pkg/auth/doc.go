// Package auth provides users, API tokens and the bearer-token
// authenticator that resolves a request to a user and its household.
//
// Tokens have the form kt_<base64url(32 random bytes)>. Only the SHA-256
// hash is stored; the plaintext is returned once when the token is issued.
//
//	authn := auth.NewPostgresAuthenticator(db)
//	authCtx, err := authn.Authenticate(ctx, bearer)
//	if errors.Is(err, auth.ErrInvalidToken) {
//		// 401
//	}
package auth
