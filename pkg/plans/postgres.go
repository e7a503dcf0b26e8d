package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kantong-id/kantong/pkg/database"
)

const planColumns = `id, slug, name, rank, features, price, currency, billing_interval, created_at, updated_at`

// PostgresCatalog reads plans from the plans table
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a new PostgreSQL-backed catalog
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var p Plan
	var interval string
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Rank, &p.Features, &p.Price,
		&p.Currency, &interval, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Interval, err = ParseBillingInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.Slug, err)
	}
	return &p, nil
}

// GetPlan retrieves a plan by ID
func (c *PostgresCatalog) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	p, err := scanPlan(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// GetPlanBySlug retrieves a plan by slug
func (c *PostgresCatalog) GetPlanBySlug(ctx context.Context, slug string) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE slug = $1`
	p, err := scanPlan(c.db.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan by slug: %w", err)
	}
	return p, nil
}

// ListPlans lists every plan ordered by rank
func (c *PostgresCatalog) ListPlans(ctx context.Context) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY rank, id`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return out, nil
}

// SeedResult reports what Seed did per slug
type SeedResult struct {
	Inserted []string
	Updated  []string
	// Skipped plans are referenced by an active subscription and were left untouched
	Skipped []string
}

// Seed upserts plans by slug in one transaction and fills in their IDs.
// A plan that an active subscription still references is not modified, so
// catalog edits only ever apply to new subscriptions.
func (c *PostgresCatalog) Seed(ctx context.Context, plans []*Plan) (*SeedResult, error) {
	result := &SeedResult{}

	upsert := `
		INSERT INTO plans (slug, name, rank, features, price, currency, billing_interval)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			rank = EXCLUDED.rank,
			features = EXCLUDED.features,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			updated_at = NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM subscriptions s
			WHERE s.plan_id = plans.id AND s.status = 'active'
		)
		RETURNING id, (xmax = 0) AS inserted
	`

	err := database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		for _, p := range plans {
			var inserted bool
			err := tx.QueryRowContext(ctx, upsert,
				p.Slug, p.Name, p.Rank, p.Features, p.Price, p.Currency, string(p.Interval),
			).Scan(&p.ID, &inserted)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				if err := tx.QueryRowContext(ctx, `SELECT id FROM plans WHERE slug = $1`, p.Slug).Scan(&p.ID); err != nil {
					return fmt.Errorf("failed to load locked plan %s: %w", p.Slug, err)
				}
				result.Skipped = append(result.Skipped, p.Slug)
			case err != nil:
				return fmt.Errorf("failed to seed plan %s: %w", p.Slug, err)
			case inserted:
				result.Inserted = append(result.Inserted, p.Slug)
			default:
				result.Updated = append(result.Updated, p.Slug)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
