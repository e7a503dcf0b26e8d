package entitlement

import "net/http"

// Kind is what a capability gates
type Kind string

const (
	KindModule       Kind = "module"
	KindFeature      Kind = "feature"
	KindSubscription Kind = "subscription"
)

// Operation separates reads, which inactive subscriptions keep, from
// writes, which they lose
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Capability names one thing a request wants to do
type Capability struct {
	Kind      Kind
	Name      string
	Operation Operation
}

// Module gates access to a whole module
func Module(name string) Capability {
	return Capability{Kind: KindModule, Name: name, Operation: OpRead}
}

// Feature gates a metered feature
func Feature(name string, op Operation) Capability {
	return Capability{Kind: KindFeature, Name: name, Operation: op}
}

// Subscription only requires a subscription, active for writes
func Subscription(op Operation) Capability {
	return Capability{Kind: KindSubscription, Name: "subscription", Operation: op}
}

// OperationForMethod maps safe HTTP methods to reads and everything else
// to writes
func OperationForMethod(method string) Operation {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return OpRead
	}
	return OpWrite
}

func (c Capability) label() string {
	if c.Kind == KindSubscription {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Name
}
