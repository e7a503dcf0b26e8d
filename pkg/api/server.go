// Package api wires the HTTP surface: routes, middleware order and the
// handlers that translate domain results into JSON responses.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kantong-id/kantong/pkg/audit"
	"github.com/kantong-id/kantong/pkg/auth"
	"github.com/kantong-id/kantong/pkg/billing"
	"github.com/kantong-id/kantong/pkg/entitlement"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/middleware"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/receipts"
	"github.com/kantong-id/kantong/pkg/transactions"
)

// HouseholdService creates households and lists their members
type HouseholdService interface {
	Create(ctx context.Context, ownerID int64, name string) (*households.Household, error)
	ListMembers(ctx context.Context, householdID int64) ([]*households.Member, error)
}

// CheckoutStarter starts plan purchases
type CheckoutStarter interface {
	Start(ctx context.Context, user *auth.User, household *households.Household, planSlug, method string) (*billing.CheckoutResult, error)
}

// PaymentReconciler applies payment outcomes
type PaymentReconciler interface {
	Reconcile(ctx context.Context, paymentID int64, newStatus string, source billing.Source) (*billing.Reconciliation, error)
}

// TransactionService is the household ledger
type TransactionService interface {
	Create(ctx context.Context, household *households.Household, userID int64, in transactions.CreateInput) (*transactions.Transaction, error)
	Get(ctx context.Context, householdID, id int64) (*transactions.Transaction, error)
	List(ctx context.Context, householdID int64, limit int) ([]*transactions.Transaction, error)
	MonthlyReport(ctx context.Context, householdID int64, at time.Time) (*transactions.MonthlyReport, error)
}

// ReceiptService stores receipt files
type ReceiptService interface {
	Upload(ctx context.Context, household *households.Household, transactionID int64, contentType string, body []byte) (*receipts.Receipt, error)
	List(ctx context.Context, householdID, transactionID int64) ([]*receipts.Receipt, error)
	Open(ctx context.Context, householdID, receiptID int64) (*receipts.Receipt, io.ReadCloser, error)
	Delete(ctx context.Context, householdID, receiptID int64) error
	MaxBytes() int64
}

// Config holds everything the server routes to. Receipts, Publisher, Audit,
// AuditStore, RateLimit, Health and MetricsHandler are optional.
type Config struct {
	Authenticator auth.Authenticator
	Households    HouseholdService
	Catalog       plans.Catalog
	Ledger        billing.Ledger
	Checkout      CheckoutStarter
	Reconciler    PaymentReconciler
	Gate          *entitlement.Gate
	Transactions  TransactionService
	Receipts      ReceiptService
	Publisher     billing.Publisher
	Metrics       *observability.Metrics
	Audit         audit.Logger
	AuditStore    audit.Store

	RateLimit      *middleware.RateLimitMiddleware
	Health         *observability.HealthChecker
	MetricsHandler http.Handler

	CallbackToken string
	MaxBodyBytes  int64
}

// Server represents our API server
type Server struct {
	cfg    Config
	router *mux.Router
	now    func() time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopLogger{}
	}
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.cfg.Metrics != nil {
		// Router middleware sees the matched route template
		s.router.Use(observability.HTTPMetricsMiddleware(s.cfg.Metrics))
	}
	if s.cfg.Health != nil {
		s.router.HandleFunc("/healthz", s.cfg.Health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", s.cfg.Health.Readiness).Methods(http.MethodGet)
	}
	if s.cfg.MetricsHandler != nil {
		s.router.Handle("/metrics", s.cfg.MetricsHandler).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	limitBody := httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes)

	// Public routes are limited per client IP
	public := api.NewRoute().Subrouter()
	public.Use(s.rateLimit, limitBody)
	public.HandleFunc("/plans", s.listPlans).Methods(http.MethodGet)
	public.HandleFunc("/webhooks/xendit", s.xenditCallback).Methods(http.MethodPost)

	// Everything else needs a bearer token and is limited per user
	authed := api.NewRoute().Subrouter()
	authed.Use(middleware.NewAuthMiddleware(s.cfg.Authenticator).Handler, s.rateLimit)

	ent := middleware.NewEntitlementMiddleware(s.cfg.Gate, s.cfg.Metrics)
	hh := middleware.RequireHousehold
	verified := middleware.RequireVerifiedEmail

	j := authed.NewRoute().Subrouter()
	j.Use(limitBody)

	// Account
	j.HandleFunc("/me", s.me).Methods(http.MethodGet)
	j.Handle("/households", verified(http.HandlerFunc(s.createHousehold))).Methods(http.MethodPost)
	j.Handle("/household", hh(http.HandlerFunc(s.getHousehold))).Methods(http.MethodGet)

	// Subscription and billing
	j.Handle("/subscription", hh(http.HandlerFunc(s.getSubscription))).Methods(http.MethodGet)
	j.Handle("/subscription/checkout", httputil.Chain(verified, hh)(http.HandlerFunc(s.checkout))).Methods(http.MethodPost)
	j.Handle("/subscription/cancel", hh(http.HandlerFunc(s.cancelSubscription))).Methods(http.MethodPost)
	j.Handle("/entitlements", hh(http.HandlerFunc(s.entitlements))).Methods(http.MethodGet)
	j.Handle("/invoices", hh(http.HandlerFunc(s.listInvoices))).Methods(http.MethodGet)

	// Metered ledger
	j.Handle("/transactions", ent.CheckSubscription(http.HandlerFunc(s.listTransactions))).Methods(http.MethodGet)
	j.Handle("/transactions", ent.CheckFeatureLimit(transactions.FeatureName)(http.HandlerFunc(s.createTransaction))).Methods(http.MethodPost)
	j.Handle("/transactions/{id:[0-9]+}", ent.CheckSubscription(http.HandlerFunc(s.getTransaction))).Methods(http.MethodGet)

	if s.cfg.Receipts != nil {
		j.Handle("/transactions/{id:[0-9]+}/receipts", ent.CheckSubscription(http.HandlerFunc(s.listReceipts))).Methods(http.MethodGet)
		j.Handle("/receipts/{id:[0-9]+}", ent.CheckSubscription(http.HandlerFunc(s.downloadReceipt))).Methods(http.MethodGet)
		j.Handle("/receipts/{id:[0-9]+}", ent.CheckSubscription(http.HandlerFunc(s.deleteReceipt))).Methods(http.MethodDelete)

		// Uploads carry their own body limit
		authed.Handle("/transactions/{id:[0-9]+}/receipt",
			ent.CheckFeatureLimit(receipts.FeatureName)(http.HandlerFunc(s.uploadReceipt))).Methods(http.MethodPost)
	}

	// Plan-gated modules
	for _, module := range s.cfg.Gate.Rules().Modules() {
		m := j.PathPrefix("/modules/" + module).Subrouter()
		m.Use(ent.CheckModuleAccess(module))
		m.HandleFunc("", s.moduleIndex(module)).Methods(http.MethodGet)
		if module == reportsModule {
			m.HandleFunc("/monthly", s.monthlyReport).Methods(http.MethodGet)
		}
	}

	// Admin
	j.Handle("/admin/payments/{id:[0-9]+}/status", middleware.RequireAdmin(http.HandlerFunc(s.adminPaymentStatus))).Methods(http.MethodPost)
	if s.cfg.AuditStore != nil {
		j.Handle("/admin/audit", middleware.RequireAdmin(http.HandlerFunc(s.listAuditEvents))).Methods(http.MethodGet)
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimit == nil {
		return next
	}
	return s.cfg.RateLimit.Handler(next)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}
