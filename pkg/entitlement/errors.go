package entitlement

import (
	"errors"

	"github.com/kantong-id/kantong/pkg/usage"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrNoHousehold          = errors.New("no household")
	ErrNoSubscription       = errors.New("no subscription")
	ErrInactiveSubscription = errors.New("inactive subscription")
	ErrModuleNotEntitled    = errors.New("module not in plan")
	ErrLimitExceeded        = usage.ErrLimitExceeded
	ErrUnverifiedEmail      = errors.New("email not verified")
)

// DenialError carries a denied decision through error returns
type DenialError struct {
	Decision Decision
}

func (e *DenialError) Error() string {
	return e.Decision.Message
}

func (e *DenialError) Unwrap() error {
	switch e.Decision.Reason {
	case ReasonNoHousehold:
		return ErrNoHousehold
	case ReasonNoSubscription:
		return ErrNoSubscription
	case ReasonInactiveSubscription:
		return ErrInactiveSubscription
	case ReasonModuleNotInPlan:
		return ErrModuleNotEntitled
	case ReasonLimitReached:
		return ErrLimitExceeded
	case ReasonUnverifiedEmail:
		return ErrUnverifiedEmail
	case ReasonUnauthenticated:
		return ErrUnauthenticated
	}
	return nil
}

// AsDecision extracts the decision from an error chain
func AsDecision(err error) (Decision, bool) {
	var denial *DenialError
	if errors.As(err, &denial) {
		return denial.Decision, true
	}
	return Decision{}, false
}
