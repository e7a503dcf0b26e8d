package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kantong-id/kantong/pkg/database"
	"github.com/kantong-id/kantong/pkg/observability"
)

// PostgresCounter implements Meter on the usage_logs table
type PostgresCounter struct {
	db      *sql.DB
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPostgresCounter creates a new PostgresCounter. metrics may be nil.
func NewPostgresCounter(db *sql.DB, metrics *observability.Metrics) *PostgresCounter {
	return &PostgresCounter{db: db, metrics: metrics, now: time.Now}
}

// MonthlyUsage sums the quantities recorded in the month containing at
func (c *PostgresCounter) MonthlyUsage(ctx context.Context, householdID int64, feature string, at time.Time) (int64, error) {
	return monthlyUsage(ctx, c.db, householdID, feature, at)
}

func monthlyUsage(ctx context.Context, q database.DBTX, householdID int64, feature string, at time.Time) (int64, error) {
	start, end := MonthWindow(at)

	var total int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_logs
		WHERE household_id = $1 AND feature = $2 AND created_at BETWEEN $3 AND $4
	`, householdID, feature, start, end).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// Record appends a usage entry without checking any limit
func (c *PostgresCounter) Record(ctx context.Context, householdID int64, feature string, qty int64) (*Log, error) {
	return insertLog(ctx, c.db, householdID, feature, normalizeQty(qty), c.now())
}

func insertLog(ctx context.Context, q database.DBTX, householdID int64, feature string, qty int64, at time.Time) (*Log, error) {
	l := &Log{HouseholdID: householdID, Feature: feature, Quantity: qty, CreatedAt: at.UTC()}
	err := q.QueryRowContext(ctx, `
		INSERT INTO usage_logs (household_id, feature, quantity, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, l.HouseholdID, l.Feature, l.Quantity, l.CreatedAt).Scan(&l.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	return l, nil
}

// Consume checks the limit and records qty units in one transaction. It
// returns the usage after recording.
func (c *PostgresCounter) Consume(ctx context.Context, householdID int64, feature string, qty, limit int64) (int64, error) {
	var total int64
	err := database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		total, err = c.ConsumeTx(ctx, tx, householdID, feature, qty, limit)
		return err
	})
	return total, err
}

// ConsumeTx is Consume inside a caller-owned transaction. The advisory
// lock is held until tx ends.
func (c *PostgresCounter) ConsumeTx(ctx context.Context, tx *sql.Tx, householdID int64, feature string, qty, limit int64) (int64, error) {
	qty = normalizeQty(qty)
	now := c.now()

	if err := lock(ctx, tx, householdID, feature); err != nil {
		return 0, err
	}

	current, err := monthlyUsage(ctx, tx, householdID, feature, now)
	if err != nil {
		return 0, err
	}

	if limit != Unlimited && current+qty > limit {
		c.metrics.ObserveConsume(feature, false)
		return current, &LimitExceededError{Feature: feature, Current: current, Limit: limit}
	}

	if _, err := insertLog(ctx, tx, householdID, feature, qty, now); err != nil {
		return 0, err
	}
	c.metrics.ObserveConsume(feature, true)
	return current + qty, nil
}

// ReleaseTx returns qty units consumed at consumedAt by appending a negative
// entry, e.g. when the operation that consumed them failed afterwards. Units
// of an earlier month are credited to that month and leave the current
// total alone.
func (c *PostgresCounter) ReleaseTx(ctx context.Context, tx *sql.Tx, householdID int64, feature string, qty int64, consumedAt time.Time) error {
	if err := lock(ctx, tx, householdID, feature); err != nil {
		return err
	}
	_, err := insertLog(ctx, tx, householdID, feature, -normalizeQty(qty), releaseTime(c.now(), consumedAt))
	return err
}

// Invalidate is a no-op; PostgresCounter keeps no cache
func (c *PostgresCounter) Invalidate(ctx context.Context, householdID int64, feature string) {}

func lock(ctx context.Context, tx *sql.Tx, householdID int64, feature string) error {
	key := fmt.Sprintf("usage:%d:%s", householdID, feature)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("failed to lock usage counter: %w", err)
	}
	return nil
}
