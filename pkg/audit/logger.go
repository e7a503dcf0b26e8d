package audit

import (
	"context"
	"time"

	"github.com/kantong-id/kantong/pkg/contextkeys"
	"github.com/kantong-id/kantong/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// Store searches recorded events
type Store interface {
	Search(ctx context.Context, filter Filter) ([]*Event, error)
}

// NewEvent creates an event stamped with the current time and the request
// ID carried by ctx
func NewEvent(ctx context.Context, action Action, status Status) *Event {
	return &Event{
		OccurredAt: time.Now().UTC(),
		Action:     action,
		Status:     status,
		RequestID:  contextkeys.GetRequestID(ctx),
		Metadata:   make(map[string]interface{}),
	}
}

// NopLogger discards events
type NopLogger struct{}

// Log implements Logger
func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }

// StructuredLogger writes events as structured log lines
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates a logger that writes events through logger
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

// Log implements Logger
func (l *StructuredLogger) Log(ctx context.Context, event *Event) error {
	fields := map[string]interface{}{
		"audit_action": string(event.Action),
		"audit_status": string(event.Status),
	}
	if event.ActorID != nil {
		fields["actor_id"] = *event.ActorID
	}
	if event.HouseholdID != nil {
		fields["household_id"] = *event.HouseholdID
	}
	if event.ResourceType != "" {
		fields["resource"] = string(event.ResourceType) + ":" + event.ResourceID
	}
	if event.Source != "" {
		fields["source"] = event.Source
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	l.logger.WithFields(fields).Info(event.Message)
	return nil
}

// MultiLogger logs to every configured logger in order
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log writes to every logger and returns the first error
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
