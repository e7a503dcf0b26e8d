package xendit

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidCallbackToken is returned when the x-callback-token header
// does not match the configured token
var ErrInvalidCallbackToken = errors.New("invalid callback token")

// CallbackTokenHeader carries the shared verification token
const CallbackTokenHeader = "X-Callback-Token"

// Callback is the invoice callback payload
type Callback struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

// ParseCallback decodes and sanity-checks a callback body
func ParseCallback(body []byte) (*Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("failed to decode callback: %w", err)
	}
	if cb.ExternalID == "" {
		return nil, fmt.Errorf("callback has no external_id")
	}
	if cb.Status == "" {
		return nil, fmt.Errorf("callback has no status")
	}
	return &cb, nil
}

// VerifyCallbackToken compares the header value with the expected token
// in constant time. An empty expected token rejects everything.
func VerifyCallbackToken(header, expected string) error {
	if expected == "" || subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
		return ErrInvalidCallbackToken
	}
	return nil
}

// NormalizeStatus maps gateway statuses onto payment statuses. Unknown
// values pass through lowercased so reconciliation rejects them.
func NormalizeStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "SETTLED":
		return "paid"
	case "EXPIRED", "FAILED":
		return "failed"
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}
