package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidStatusTransition is returned for unknown statuses and for
	// moves the transition tables do not allow. Nothing is written.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	// ErrDuplicateReconciliation reports that the payment already has the
	// requested status. It is a no-op, not a failure.
	ErrDuplicateReconciliation = errors.New("payment already reconciled")
	// ErrSubscriptionNotFound is returned when a household has no subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrPaymentNotFound is returned when no payment matches the lookup
	ErrPaymentNotFound = errors.New("payment not found")
)

// SubscriptionStatus is the stored lifecycle state of a subscription
type SubscriptionStatus string

const (
	SubscriptionPending  SubscriptionStatus = "pending"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionPending:  {SubscriptionActive, SubscriptionExpired},
	SubscriptionActive:   {SubscriptionActive, SubscriptionExpired, SubscriptionCanceled},
	SubscriptionCanceled: {SubscriptionActive, SubscriptionExpired},
	SubscriptionExpired:  {SubscriptionActive},
}

// ParseSubscriptionStatus rejects anything outside the closed set
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(s)
	if _, ok := subscriptionTransitions[status]; !ok {
		return "", fmt.Errorf("%w: unknown subscription status %q", ErrInvalidStatusTransition, s)
	}
	return status, nil
}

// CanTransition reports whether a subscription may move from one status to another
func CanTransition(from, to SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to SubscriptionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: subscription %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	return nil
}

// Subscription binds a household to a plan
type Subscription struct {
	ID          int64              `json:"id"`
	HouseholdID int64              `json:"household_id"`
	PlanID      int64              `json:"plan_id"`
	Status      SubscriptionStatus `json:"status"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	CanceledAt  *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// IsActive reports whether the subscription grants access at now. A nil
// ExpiresAt never lapses.
func (s *Subscription) IsActive(now time.Time) bool {
	if s == nil || s.Status != SubscriptionActive {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// EffectiveStatus is Status with lapsed active rows reported as expired
func (s *Subscription) EffectiveStatus(now time.Time) SubscriptionStatus {
	if s.Status == SubscriptionActive && !s.IsActive(now) {
		return SubscriptionExpired
	}
	return s.Status
}

// PaymentStatus is the lifecycle state of a payment
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentPaid:    {},
	PaymentFailed:  {},
}

// ParsePaymentStatus rejects anything outside the closed set
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	status := PaymentStatus(s)
	if _, ok := paymentTransitions[status]; !ok {
		return "", fmt.Errorf("%w: unknown payment status %q", ErrInvalidStatusTransition, s)
	}
	return status, nil
}

// CanTransitionPayment reports whether a payment may move between statuses
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Payment is one attempt to pay for a subscription period. Payments are
// never deleted.
type Payment struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	HouseholdID    int64           `json:"household_id"`
	SubscriptionID int64           `json:"subscription_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status"`
	PaymentMethod  string          `json:"payment_method"`
	ExternalID     string          `json:"external_id,omitempty"`
	CheckoutURL    string          `json:"checkout_url,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Invoice is issued exactly once per paid payment
type Invoice struct {
	ID          int64           `json:"id"`
	PaymentID   int64           `json:"payment_id"`
	HouseholdID int64           `json:"household_id"`
	Number      string          `json:"number"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	IssuedAt    time.Time       `json:"issued_at"`
}
