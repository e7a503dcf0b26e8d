package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/observability"
)

// Authenticator resolves a bearer token to the caller
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
}

// PostgresAuthenticator looks tokens up in the api_tokens table and also
// manages the users that own them
type PostgresAuthenticator struct {
	db        *sql.DB
	generator *TokenGenerator
	now       func() time.Time
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator
func NewPostgresAuthenticator(db *sql.DB) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		db:        db,
		generator: NewTokenGenerator(),
		now:       time.Now,
	}
}

// Authenticate validates token and loads its user and household. Every
// failure to identify the caller is reported as ErrInvalidToken.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	if err := a.generator.ValidateTokenFormat(token); err != nil {
		return nil, ErrInvalidToken
	}

	var (
		t  APIToken
		u  User
		hh struct {
			id        sql.NullInt64
			name      sql.NullString
			ownerID   sql.NullInt64
			createdAt sql.NullTime
			updatedAt sql.NullTime
		}
		verifiedAt  sql.NullTime
		householdID sql.NullInt64
		expiresAt   sql.NullTime
		revokedAt   sql.NullTime
	)

	err := a.db.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, t.name, t.token_prefix, t.expires_at, t.revoked_at, t.created_at,
		       u.name, u.email, u.email_verified_at, u.is_admin, u.household_id, u.created_at, u.updated_at,
		       h.id, h.name, h.owner_id, h.created_at, h.updated_at
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		LEFT JOIN households h ON h.id = u.household_id
		WHERE t.token_hash = $1
	`, a.generator.HashToken(token)).Scan(
		&t.ID, &t.UserID, &t.Name, &t.TokenPrefix, &expiresAt, &revokedAt, &t.CreatedAt,
		&u.Name, &u.Email, &verifiedAt, &u.IsAdmin, &householdID, &u.CreatedAt, &u.UpdatedAt,
		&hh.id, &hh.name, &hh.ownerID, &hh.createdAt, &hh.updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	t.ExpiresAt = timePtr(expiresAt)
	t.RevokedAt = timePtr(revokedAt)
	if !t.Usable(a.now()) {
		return nil, ErrInvalidToken
	}

	u.ID = t.UserID
	u.EmailVerifiedAt = timePtr(verifiedAt)
	if householdID.Valid {
		id := householdID.Int64
		u.HouseholdID = &id
	}

	authCtx := &AuthContext{User: &u, Token: &t}
	if hh.id.Valid {
		authCtx.Household = &households.Household{
			ID:        hh.id.Int64,
			Name:      hh.name.String,
			OwnerID:   hh.ownerID.Int64,
			CreatedAt: hh.createdAt.Time,
			UpdatedAt: hh.updatedAt.Time,
		}
	}

	if _, err := a.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at = NOW() WHERE id = $1`, t.ID); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to update token last_used_at")
	}

	return authCtx, nil
}

// IssueToken creates a token for userID. The plaintext token is returned
// once and never stored. A zero ttl issues a token that does not expire.
func (a *PostgresAuthenticator) IssueToken(ctx context.Context, userID int64, name string, ttl time.Duration) (string, *APIToken, error) {
	token, hash, prefix, err := a.generator.GenerateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}

	t := &APIToken{UserID: userID, TokenHash: hash, TokenPrefix: prefix, Name: name}
	if ttl > 0 {
		exp := a.now().Add(ttl)
		t.ExpiresAt = &exp
	}

	err = a.db.QueryRowContext(ctx, `
		INSERT INTO api_tokens (user_id, name, token_hash, token_prefix, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, t.UserID, t.Name, t.TokenHash, t.TokenPrefix, t.ExpiresAt).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return token, t, nil
}

// RevokeToken marks a token of userID as revoked
func (a *PostgresAuthenticator) RevokeToken(ctx context.Context, userID, tokenID int64) error {
	result, err := a.db.ExecContext(ctx, `
		UPDATE api_tokens SET revoked_at = NOW()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL
	`, tokenID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrInvalidToken
	}
	return nil
}

// CreateUser inserts a new user
func (a *PostgresAuthenticator) CreateUser(ctx context.Context, name, email string, isAdmin bool) (*User, error) {
	u := &User{
		Name:    strings.TrimSpace(name),
		Email:   strings.ToLower(strings.TrimSpace(email)),
		IsAdmin: isAdmin,
	}
	if u.Name == "" || u.Email == "" {
		return nil, fmt.Errorf("name and email are required")
	}

	err := a.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, is_admin)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, u.Name, u.Email, u.IsAdmin).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// MarkEmailVerified records that userID confirmed their email address
func (a *PostgresAuthenticator) MarkEmailVerified(ctx context.Context, userID int64) error {
	result, err := a.db.ExecContext(ctx, `
		UPDATE users SET email_verified_at = COALESCE(email_verified_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to verify email: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
