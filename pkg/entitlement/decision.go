package entitlement

import (
	"fmt"
	"net/http"
)

// Reason is the machine-readable cause of a decision
type Reason string

const (
	ReasonAllowed              Reason = "allowed"
	ReasonUnauthenticated      Reason = "unauthenticated"
	ReasonNoHousehold          Reason = "no_household"
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonInactiveSubscription Reason = "inactive_subscription"
	ReasonModuleNotInPlan      Reason = "module_not_in_plan"
	ReasonLimitReached         Reason = "limit_reached"
	ReasonUnverifiedEmail      Reason = "unverified_email"
)

// Action tells a client which flow resolves a denial
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionRenew       Action = "renew"
	ActionReactivate  Action = "reactivate"
	ActionUpgradePlan Action = "upgrade_plan"
	ActionVerifyEmail Action = "verify_email"
)

// Decision is the outcome of evaluating one capability
type Decision struct {
	Allowed            bool
	Status             int
	Reason             Reason
	Action             Action
	Message            string
	Capability         Capability
	SubscriptionStatus string
	CurrentPlan        string
	RequiredPlans      []string
	UpgradeMessage     *string
	CurrentUsage       *int64
	Limit              *int64
	Remaining          *int64
	Email              string
}

// Body renders a denial as the JSON response body. Each reason carries
// only the keys a client needs to act on it.
func (d Decision) Body() map[string]interface{} {
	body := map[string]interface{}{"message": d.Message}
	switch d.Reason {
	case ReasonNoSubscription:
		body["action"] = d.Action
	case ReasonInactiveSubscription:
		body["status"] = d.SubscriptionStatus
		body["action"] = d.Action
	case ReasonModuleNotInPlan:
		body["current_plan"] = d.CurrentPlan
		body["required_plans"] = d.RequiredPlans
		body["upgrade_message"] = d.UpgradeMessage
		body["action"] = d.Action
	case ReasonLimitReached:
		body["current_usage"] = deref(d.CurrentUsage)
		body["limit"] = deref(d.Limit)
		body["remaining"] = deref(d.Remaining)
		body["upgrade_message"] = d.UpgradeMessage
		body["action"] = d.Action
	case ReasonUnverifiedEmail:
		body["action"] = d.Action
		body["email"] = d.Email
	}
	return body
}

// Err returns nil for allowed decisions and a *DenialError otherwise
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DenialError{Decision: d}
}

func allow(want Capability) Decision {
	return Decision{Allowed: true, Reason: ReasonAllowed, Capability: want}
}

// Unauthenticated is the decision for requests without a valid token
func Unauthenticated() Decision {
	return Decision{
		Status:  http.StatusUnauthorized,
		Reason:  ReasonUnauthenticated,
		Message: "Unauthenticated.",
	}
}

// NoHousehold is the decision for users who have not joined a household
func NoHousehold(want Capability) Decision {
	return Decision{
		Status:     http.StatusForbidden,
		Reason:     ReasonNoHousehold,
		Message:    "You need to create or join a household first.",
		Capability: want,
	}
}

// UnverifiedEmail is the decision for users who must verify email first
func UnverifiedEmail(email string) Decision {
	return Decision{
		Status:  http.StatusForbidden,
		Reason:  ReasonUnverifiedEmail,
		Action:  ActionVerifyEmail,
		Message: "Please verify your email address to continue.",
		Email:   email,
	}
}

func noSubscription(want Capability) Decision {
	return Decision{
		Status:     http.StatusPaymentRequired,
		Reason:     ReasonNoSubscription,
		Action:     ActionSubscribe,
		Message:    "This household has no subscription. Choose a plan to get started.",
		Capability: want,
	}
}

func inactiveSubscription(want Capability, status string) Decision {
	action := ActionReactivate
	if status == "expired" {
		action = ActionRenew
	}
	return Decision{
		Status:             http.StatusPaymentRequired,
		Reason:             ReasonInactiveSubscription,
		Action:             action,
		Message:            fmt.Sprintf("Your subscription is %s. %s it to make changes.", status, titleAction(action)),
		Capability:         want,
		SubscriptionStatus: status,
	}
}

func titleAction(a Action) string {
	if a == ActionRenew {
		return "Renew"
	}
	return "Reactivate"
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func int64Ptr(v int64) *int64 {
	return &v
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
