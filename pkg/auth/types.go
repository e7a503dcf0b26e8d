package auth

import (
	"errors"
	"time"

	"github.com/kantong-id/kantong/pkg/households"
)

var (
	// ErrInvalidToken covers malformed, unknown, revoked and expired tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrUserNotFound is returned when no user matches the lookup
	ErrUserNotFound = errors.New("user not found")
)

// User is an account that authenticates with API tokens
type User struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	IsAdmin         bool       `json:"is_admin"`
	HouseholdID     *int64     `json:"household_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsVerified reports whether the user confirmed their email address
func (u *User) IsVerified() bool {
	return u.EmailVerifiedAt != nil
}

// APIToken is the stored side of a bearer token
type APIToken struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"`
	Name        string     `json:"name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Usable reports whether the token is neither revoked nor expired at now
func (t *APIToken) Usable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// AuthContext is what an authenticated request carries. Household is nil
// for users that have not created or joined one yet.
type AuthContext struct {
	User      *User                 `json:"user"`
	Token     *APIToken             `json:"-"`
	Household *households.Household `json:"household"`
}
