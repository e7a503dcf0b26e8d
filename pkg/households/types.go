package households

import (
	"errors"
	"time"
)

var (
	// ErrHouseholdNotFound is returned when no household matches the lookup
	ErrHouseholdNotFound = errors.New("household not found")
	// ErrAlreadyInHousehold is returned when attaching a user that already
	// belongs to a household
	ErrAlreadyInHousehold = errors.New("user already belongs to a household")
	// ErrUserNotFound is returned when the user to attach does not exist
	ErrUserNotFound = errors.New("user not found")
)

// Household groups users that share a subscription
type Household struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Member is a user attached to a household
type Member struct {
	UserID  int64  `json:"user_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	IsOwner bool   `json:"is_owner"`
}
