package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Unlimited is the limit value that disables the check
const Unlimited int64 = -1

// ErrLimitExceeded is matched by every *LimitExceededError
var ErrLimitExceeded = errors.New("feature limit exceeded")

// LimitExceededError reports a denied consumption
type LimitExceededError struct {
	Feature string
	Current int64
	Limit   int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("feature limit exceeded: %s usage %d of %d", e.Feature, e.Current, e.Limit)
}

func (e *LimitExceededError) Unwrap() error {
	return ErrLimitExceeded
}

// Log is one consumption event
type Log struct {
	ID          int64     `json:"id"`
	HouseholdID int64     `json:"household_id"`
	Feature     string    `json:"feature"`
	Quantity    int64     `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// MonthWindow returns the UTC calendar month containing t. Both bounds are
// inclusive; end is the last microsecond of the month.
func MonthWindow(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0).Add(-time.Microsecond)
	return start, end
}

// Counter reports monthly usage
type Counter interface {
	MonthlyUsage(ctx context.Context, householdID int64, feature string, at time.Time) (int64, error)
}

// Meter consumes usage inside a caller-owned transaction. Invalidate is
// called once that transaction commits.
type Meter interface {
	Counter
	ConsumeTx(ctx context.Context, tx *sql.Tx, householdID int64, feature string, qty, limit int64) (int64, error)
	ReleaseTx(ctx context.Context, tx *sql.Tx, householdID int64, feature string, qty int64, consumedAt time.Time) error
	Invalidate(ctx context.Context, householdID int64, feature string)
}

// releaseTime picks the timestamp of a negative entry so that it lands in
// the month the units were consumed in
func releaseTime(now, consumedAt time.Time) time.Time {
	start, _ := MonthWindow(now)
	if !consumedAt.IsZero() && consumedAt.Before(start) {
		return consumedAt
	}
	return now
}

func normalizeQty(qty int64) int64 {
	if qty <= 0 {
		return 1
	}
	return qty
}
