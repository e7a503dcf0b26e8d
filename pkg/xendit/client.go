package xendit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/kantong-id/kantong/pkg/observability"
)

// Config configures the client
type Config struct {
	BaseURL         string
	SecretKey       string
	SuccessRedirect string
	FailureRedirect string
	InvoiceDuration time.Duration
	Timeout         time.Duration
	MaxRetries      int
}

// CreateInvoiceRequest is the subset of the invoice API we use
type CreateInvoiceRequest struct {
	ExternalID         string   `json:"external_id"`
	Amount             float64  `json:"amount"`
	Currency           string   `json:"currency,omitempty"`
	PayerEmail         string   `json:"payer_email,omitempty"`
	Description        string   `json:"description,omitempty"`
	InvoiceDuration    int64    `json:"invoice_duration,omitempty"`
	SuccessRedirectURL string   `json:"success_redirect_url,omitempty"`
	FailureRedirectURL string   `json:"failure_redirect_url,omitempty"`
	PaymentMethods     []string `json:"payment_methods,omitempty"`
}

// Invoice is the gateway's view of a hosted invoice
type Invoice struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	InvoiceURL string          `json:"invoice_url"`
	ExpiryDate time.Time       `json:"expiry_date"`
}

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xendit: %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Client talks to the Xendit REST API
type Client struct {
	cfg  Config
	http *retryablehttp.Client
}

// NewClient creates a client that retries connection errors and 5xx
// responses with backoff
func NewClient(cfg Config, logger *observability.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.xendit.co"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{logger: loggerOrNop(logger).WithField("component", "xendit")}
	// hand the last response back instead of a generic "giving up" error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{cfg: cfg, http: rc}
}

// CreateInvoice creates a hosted invoice. Redirects and duration default
// to the client configuration.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	if req.SuccessRedirectURL == "" {
		req.SuccessRedirectURL = c.cfg.SuccessRedirect
	}
	if req.FailureRedirectURL == "" {
		req.FailureRedirectURL = c.cfg.FailureRedirect
	}
	if req.InvoiceDuration == 0 && c.cfg.InvoiceDuration > 0 {
		req.InvoiceDuration = int64(c.cfg.InvoiceDuration / time.Second)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/invoices", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.SetBasicAuth(c.cfg.SecretKey, "")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read invoice response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(data, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}

	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	return &inv, nil
}

// leveledLogger adapts our logger to retryablehttp.LeveledLogger
type leveledLogger struct {
	logger *observability.Logger
}

func (l leveledLogger) with(keysAndValues []interface{}) *observability.Logger {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Info(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func loggerOrNop(logger *observability.Logger) *observability.Logger {
	if logger == nil {
		return observability.NopLogger()
	}
	return logger
}
