package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kantong-id/kantong/pkg/async"
	"github.com/kantong-id/kantong/pkg/observability"
)

// EventType names a billing event
type EventType string

const (
	EventSubscriptionActivated  EventType = "subscription.activated"
	EventSubscriptionCanceled   EventType = "subscription.canceled"
	EventPaymentFailed          EventType = "payment.failed"
	EventReconciliationRejected EventType = "reconciliation.rejected"
)

// Event is the JSON body of a delivery
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Config configures a Notifier. An empty URL disables delivery.
type Config struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Retry     RetryConfig
	Workers   int
	QueueSize int
}

// Notifier posts signed events to a single endpoint
type Notifier struct {
	cfg     Config
	client  *http.Client
	policy  *RetryPolicy
	pool    *async.WorkerPool
	logger  *observability.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewNotifier creates a Notifier and starts its delivery workers. logger
// and metrics may be nil.
func NewNotifier(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	n := &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		policy:  NewRetryPolicy(cfg.Retry),
		logger:  logger,
		metrics: metrics,
		sleep:   sleepCtx,
	}

	if n.Enabled() {
		poolCtx := observability.WithLogger(context.Background(), logger.WithField("component", "webhooks"))
		// a delivery may span every retry
		budget := time.Duration(n.policy.config.MaxAttempts) * (cfg.Timeout + n.policy.config.MaxDelay)
		n.pool = async.NewWorkerPool(poolCtx, cfg.Workers, cfg.QueueSize, "webhook delivery", budget)
	}
	return n
}

// Enabled reports whether an endpoint is configured
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.URL != ""
}

// Publish queues an event for delivery and returns immediately
func (n *Notifier) Publish(ctx context.Context, eventType EventType, data map[string]interface{}) {
	if !n.Enabled() {
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	if err := n.pool.Submit(func(ctx context.Context) error {
		return n.Notify(ctx, event)
	}); err != nil {
		n.metrics.ObserveWebhook(string(eventType), false)
		observability.FromContext(ctx).WithError(err).WithField("event", string(eventType)).Warn("dropping webhook event")
	}
}

// Notify delivers event synchronously, retrying per the retry policy
func (n *Notifier) Notify(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = n.send(ctx, event, payload)
		if err == nil {
			n.metrics.ObserveWebhook(string(event.Type), true)
			return nil
		}
		if !n.policy.ShouldRetry(attempt, err) {
			break
		}
		if serr := n.sleep(ctx, n.policy.NextRetryDelay(attempt)); serr != nil {
			err = serr
			break
		}
	}

	n.metrics.ObserveWebhook(string(event.Type), false)
	return fmt.Errorf("failed to deliver %s event %s: %w", event.Type, event.ID, err)
}

func (n *Notifier) send(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kantong-Event", string(event.Type))
	req.Header.Set("X-Kantong-Event-ID", event.ID)
	if n.cfg.Secret != "" {
		req.Header.Set("X-Kantong-Signature", Sign(payload, n.cfg.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return &permanentError{err: err}
	}
	return err
}

// Close stops accepting events and waits up to timeout for queued
// deliveries
func (n *Notifier) Close(timeout time.Duration) error {
	if !n.Enabled() {
		return nil
	}
	return n.pool.Shutdown(timeout)
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// permanentError marks a failure that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
