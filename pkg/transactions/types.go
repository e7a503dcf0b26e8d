package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kantong-id/kantong/pkg/households"
)

// FeatureName is the metered feature every created transaction consumes
const FeatureName = "transaction"

var (
	// ErrInvalidTransaction is returned when create input fails validation
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrTransactionNotFound is returned when no transaction of the
	// household matches the id
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Kind separates money in from money out
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindIncome || k == KindExpense
}

// Transaction is one entry in a household ledger
type Transaction struct {
	ID          int64           `json:"id"`
	HouseholdID int64           `json:"household_id"`
	UserID      int64           `json:"user_id"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Note        string          `json:"note"`
	OccurredAt  time.Time       `json:"occurred_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CreateInput is the payload for Service.Create. A zero OccurredAt means now.
type CreateInput struct {
	Kind       Kind            `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	Note       string          `json:"note"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// CategoryTotal sums one kind and category over a period
type CategoryTotal struct {
	Kind     Kind            `json:"kind"`
	Category string          `json:"category"`
	Total    decimal.Decimal `json:"total"`
	Count    int64           `json:"count"`
}

// MonthlyReport aggregates a household's transactions of one calendar month
type MonthlyReport struct {
	Month      string           `json:"month"`
	Income     decimal.Decimal  `json:"income"`
	Expense    decimal.Decimal  `json:"expense"`
	Net        decimal.Decimal  `json:"net"`
	Categories []*CategoryTotal `json:"categories"`
}

// LimitSource resolves the current plan limit of a metered feature
type LimitSource interface {
	FeatureLimit(ctx context.Context, household *households.Household, feature string) (int64, error)
}
