package audit

import (
	"strconv"
	"time"
)

// Action names an audited billing operation
type Action string

const (
	ActionHouseholdCreate      Action = "household.create"
	ActionSubscriptionCheckout Action = "subscription.checkout"
	ActionSubscriptionCancel   Action = "subscription.cancel"
	ActionPaymentReconcile     Action = "payment.reconcile"
	ActionPaymentOverride      Action = "payment.override"
)

// Status is the outcome of an audited operation
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// ResourceType is the kind of row an event refers to
type ResourceType string

const (
	ResourceHousehold    ResourceType = "household"
	ResourceSubscription ResourceType = "subscription"
	ResourcePayment      ResourceType = "payment"
)

// Event is one audit log entry
type Event struct {
	ID           int64                  `json:"id"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Action       Action                 `json:"action"`
	Status       Status                 `json:"status"`
	ActorID      *int64                 `json:"actor_id,omitempty"`
	HouseholdID  *int64                 `json:"household_id,omitempty"`
	ResourceType ResourceType           `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Source       string                 `json:"source,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Resource sets the resource the event refers to
func (e *Event) Resource(t ResourceType, id int64) *Event {
	e.ResourceType = t
	e.ResourceID = strconv.FormatInt(id, 10)
	return e
}

// Filter narrows a search. Zero values match everything.
type Filter struct {
	HouseholdID  *int64
	ActorID      *int64
	Actions      []Action
	ResourceType ResourceType
	ResourceID   string
	Since        *time.Time
	Limit        int
}
