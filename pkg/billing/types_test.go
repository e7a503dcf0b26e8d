package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SubscriptionStatus
		want     bool
	}{
		{SubscriptionPending, SubscriptionActive, true},
		{SubscriptionPending, SubscriptionExpired, true},
		{SubscriptionPending, SubscriptionCanceled, false},
		{SubscriptionActive, SubscriptionActive, true},
		{SubscriptionActive, SubscriptionExpired, true},
		{SubscriptionActive, SubscriptionCanceled, true},
		{SubscriptionActive, SubscriptionPending, false},
		{SubscriptionCanceled, SubscriptionActive, true},
		{SubscriptionCanceled, SubscriptionExpired, true},
		{SubscriptionExpired, SubscriptionActive, true},
		{SubscriptionExpired, SubscriptionCanceled, false},
		{"bogus", SubscriptionActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseStatuses(t *testing.T) {
	s, err := ParseSubscriptionStatus("canceled")
	assert.NoError(t, err)
	assert.Equal(t, SubscriptionCanceled, s)

	_, err = ParseSubscriptionStatus("paused")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	p, err := ParsePaymentStatus("paid")
	assert.NoError(t, err)
	assert.Equal(t, PaymentPaid, p)

	_, err = ParsePaymentStatus("PAID")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestCanTransitionPayment(t *testing.T) {
	assert.True(t, CanTransitionPayment(PaymentPending, PaymentPaid))
	assert.True(t, CanTransitionPayment(PaymentPending, PaymentFailed))
	assert.False(t, CanTransitionPayment(PaymentPaid, PaymentFailed))
	assert.False(t, CanTransitionPayment(PaymentFailed, PaymentPaid))
	assert.False(t, CanTransitionPayment(PaymentPaid, PaymentPending))
}

func TestSubscription_IsActive(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		sub       *Subscription
		active    bool
		effective SubscriptionStatus
	}{
		{"nil", nil, false, ""},
		{"active no expiry", &Subscription{Status: SubscriptionActive}, true, SubscriptionActive},
		{"active future expiry", &Subscription{Status: SubscriptionActive, ExpiresAt: &future}, true, SubscriptionActive},
		{"active lapsed", &Subscription{Status: SubscriptionActive, ExpiresAt: &past}, false, SubscriptionExpired},
		{"active expiring now", &Subscription{Status: SubscriptionActive, ExpiresAt: &now}, false, SubscriptionExpired},
		{"canceled", &Subscription{Status: SubscriptionCanceled, ExpiresAt: &future}, false, SubscriptionCanceled},
		{"pending", &Subscription{Status: SubscriptionPending}, false, SubscriptionPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.sub.IsActive(now))
			if tt.sub != nil {
				assert.Equal(t, tt.effective, tt.sub.EffectiveStatus(now))
			}
		})
	}
}
