// Package transactions stores household income and expense entries. Each
// created entry consumes one unit of the metered "transaction" feature in the
// same database transaction as the insert, so the monthly limit holds under
// concurrent requests.
package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kantong-id/kantong/pkg/database"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/usage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxNoteLength    = 500
)

const columns = `id, household_id, user_id, kind, amount, category, note, occurred_at, created_at`

// Service stores transactions in PostgreSQL
type Service struct {
	db     *sql.DB
	meter  usage.Meter
	limits LimitSource
	now    func() time.Time
}

// NewService creates a new Service
func NewService(db *sql.DB, meter usage.Meter, limits LimitSource) *Service {
	return &Service{db: db, meter: meter, limits: limits, now: time.Now}
}

// Create records a transaction for household on behalf of userID. A
// household over its monthly allowance gets a *usage.LimitExceededError and
// nothing is written.
func (s *Service) Create(ctx context.Context, household *households.Household, userID int64, in CreateInput) (*Transaction, error) {
	if err := validate(&in); err != nil {
		return nil, err
	}

	limit, err := s.limits.FeatureLimit(ctx, household, FeatureName)
	if err != nil {
		return nil, err
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	t := &Transaction{}
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := s.meter.ConsumeTx(ctx, tx, household.ID, FeatureName, 1, limit); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			INSERT INTO transactions (household_id, user_id, kind, amount, category, note, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+columns,
			household.ID, userID, string(in.Kind), in.Amount, in.Category, in.Note, occurredAt.UTC(),
		)
		if err := scan(row, t); err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.meter.Invalidate(ctx, household.ID, FeatureName)

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"household_id":   household.ID,
		"transaction_id": t.ID,
	}).Debug("transaction created")
	return t, nil
}

// Get returns one transaction of the household
func (s *Service) Get(ctx context.Context, householdID, id int64) (*Transaction, error) {
	t := &Transaction{}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+columns+`
		FROM transactions
		WHERE id = $1 AND household_id = $2
	`, id, householdID)
	err := scan(row, t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// List returns the household's newest transactions first
func (s *Service) List(ctx context.Context, householdID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM transactions
		WHERE household_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, householdID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	list := []*Transaction{}
	for rows.Next() {
		t := &Transaction{}
		if err := scan(rows, t); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return list, nil
}

// MonthlyReport totals the household's transactions in the UTC calendar
// month containing at
func (s *Service) MonthlyReport(ctx context.Context, householdID int64, at time.Time) (*MonthlyReport, error) {
	start, end := usage.MonthWindow(at)

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, category, SUM(amount), COUNT(*)
		FROM transactions
		WHERE household_id = $1 AND occurred_at BETWEEN $2 AND $3
		GROUP BY kind, category
		ORDER BY kind, SUM(amount) DESC, category
	`, householdID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to build monthly report: %w", err)
	}
	defer rows.Close()

	report := &MonthlyReport{Month: start.Format("2006-01"), Categories: []*CategoryTotal{}}
	for rows.Next() {
		var kind string
		ct := &CategoryTotal{}
		if err := rows.Scan(&kind, &ct.Category, &ct.Total, &ct.Count); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		ct.Kind = Kind(kind)
		switch ct.Kind {
		case KindIncome:
			report.Income = report.Income.Add(ct.Total)
		case KindExpense:
			report.Expense = report.Expense.Add(ct.Total)
		}
		report.Categories = append(report.Categories, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to build monthly report: %w", err)
	}
	report.Net = report.Income.Sub(report.Expense)
	return report, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scan(row rowScanner, t *Transaction) error {
	var kind string
	if err := row.Scan(&t.ID, &t.HouseholdID, &t.UserID, &kind, &t.Amount,
		&t.Category, &t.Note, &t.OccurredAt, &t.CreatedAt); err != nil {
		return err
	}
	t.Kind = Kind(kind)
	return nil
}

func validate(in *CreateInput) error {
	in.Kind = Kind(strings.ToLower(strings.TrimSpace(string(in.Kind))))
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: kind must be income or expense", ErrInvalidTransaction)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if !in.Amount.Equal(in.Amount.Round(2)) {
		return fmt.Errorf("%w: amount has more than two decimal places", ErrInvalidTransaction)
	}
	in.Category = strings.TrimSpace(in.Category)
	if in.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidTransaction)
	}
	in.Note = strings.TrimSpace(in.Note)
	if len(in.Note) > maxNoteLength {
		return fmt.Errorf("%w: note is longer than %d characters", ErrInvalidTransaction, maxNoteLength)
	}
	return nil
}
