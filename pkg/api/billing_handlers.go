package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kantong-id/kantong/pkg/audit"
	"github.com/kantong-id/kantong/pkg/billing"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/middleware"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/plans"
	"github.com/kantong-id/kantong/pkg/webhooks"
)

// SubscriptionResponse adds the derived status to a stored subscription
type SubscriptionResponse struct {
	*billing.Subscription
	EffectiveStatus billing.SubscriptionStatus `json:"effective_status"`
	Active          bool                       `json:"active"`
}

func (s *Server) subscriptionResponse(sub *billing.Subscription) SubscriptionResponse {
	now := s.now()
	return SubscriptionResponse{
		Subscription:    sub,
		EffectiveStatus: sub.EffectiveStatus(now),
		Active:          sub.IsActive(now),
	}
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	hh := middleware.GetAuthContext(r).Household
	sub, err := s.cfg.Ledger.CurrentSubscription(r.Context(), hh.ID)
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		httputil.WriteNotFound(w, "No subscription yet.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, s.subscriptionResponse(sub))
}

// CheckoutRequest is the body of POST /subscription/checkout
type CheckoutRequest struct {
	Plan          string `json:"plan"`
	PaymentMethod string `json:"payment_method"`
}

// CheckoutResponse tells the client where to pay
type CheckoutResponse struct {
	Plan         *plans.Plan           `json:"plan"`
	Subscription *billing.Subscription `json:"subscription"`
	Payment      *billing.Payment      `json:"payment"`
	CheckoutURL  string                `json:"checkout_url,omitempty"`
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Plan = strings.TrimSpace(req.Plan)
	if !httputil.RequireNonEmpty(w, req.Plan, "plan") {
		return
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		req.PaymentMethod = "invoice"
	}

	authCtx := middleware.GetAuthContext(r)
	result, err := s.cfg.Checkout.Start(r.Context(), authCtx.User, authCtx.Household, req.Plan, req.PaymentMethod)
	switch {
	case errors.Is(err, plans.ErrPlanNotFound):
		httputil.WriteUnprocessable(w, "Unknown plan.")
		return
	case errors.Is(err, billing.ErrGatewayFailed):
		httputil.WriteMessage(w, http.StatusBadGateway, "The payment gateway is unavailable. Please try again.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}

	ev := audit.NewEvent(r.Context(), audit.ActionSubscriptionCheckout, audit.StatusSuccess).
		Resource(audit.ResourceSubscription, result.Subscription.ID)
	ev.HouseholdID = householdRef(authCtx.Household.ID)
	ev.Message = "checkout started for " + result.Plan.Name
	ev.Metadata["payment_id"] = result.Payment.ID
	ev.Metadata["plan_id"] = result.Plan.ID
	ev.Metadata["payment_method"] = req.PaymentMethod
	s.record(r, ev)

	httputil.WriteCreated(w, CheckoutResponse{
		Plan:         result.Plan,
		Subscription: result.Subscription,
		Payment:      result.Payment,
		CheckoutURL:  result.Payment.CheckoutURL,
	})
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	hh := middleware.GetAuthContext(r).Household
	sub, err := s.cfg.Ledger.Cancel(r.Context(), hh.ID)
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		httputil.WriteNotFound(w, "No subscription to cancel.")
		return
	case errors.Is(err, billing.ErrInvalidStatusTransition):
		httputil.WriteConflict(w, "The subscription cannot be canceled in its current state.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).WithFields(map[string]interface{}{
		"household_id":    hh.ID,
		"subscription_id": sub.ID,
	}).Info("subscription canceled")

	ev := audit.NewEvent(r.Context(), audit.ActionSubscriptionCancel, audit.StatusSuccess).
		Resource(audit.ResourceSubscription, sub.ID)
	ev.HouseholdID = householdRef(hh.ID)
	ev.Message = "subscription canceled"
	ev.Metadata["plan_id"] = sub.PlanID
	s.record(r, ev)

	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Publish(r.Context(), webhooks.EventSubscriptionCanceled, map[string]interface{}{
			"household_id":    hh.ID,
			"subscription_id": sub.ID,
			"plan_id":         sub.PlanID,
		})
	}
	httputil.WriteSuccess(w, s.subscriptionResponse(sub))
}

func (s *Server) entitlements(w http.ResponseWriter, r *http.Request) {
	hh := middleware.GetAuthContext(r).Household
	summary, err := s.cfg.Gate.Summary(r.Context(), hh)
	if err != nil {
		if s.writeEntitlementError(w, r, hh, err) {
			return
		}
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 20, 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	hh := middleware.GetAuthContext(r).Household
	invoices, err := s.cfg.Ledger.Invoices(r.Context(), hh.ID, limit)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, httputil.ListResponse{Data: invoices, Count: len(invoices)})
}

// PaymentStatusRequest is the body of the admin override
type PaymentStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) adminPaymentStatus(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req PaymentStatusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if !httputil.RequireNonEmpty(w, status, "status") {
		return
	}

	observability.FromContext(r.Context()).WithFields(map[string]interface{}{
		"admin_id":   middleware.GetAuthContext(r).User.ID,
		"payment_id": paymentID,
		"status":     status,
	}).Warn("admin payment override")

	s.reconcile(w, r, paymentID, status, billing.SourceAdmin)
}

// reconcile applies a payment outcome and maps the result onto a response
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request, paymentID int64, status string, source billing.Source) {
	action := audit.ActionPaymentReconcile
	if source == billing.SourceAdmin {
		action = audit.ActionPaymentOverride
	}

	rec, err := s.cfg.Reconciler.Reconcile(r.Context(), paymentID, status, source)
	switch {
	case errors.Is(err, billing.ErrDuplicateReconciliation):
		httputil.WriteMessage(w, http.StatusOK, "Already processed.")
		return
	case errors.Is(err, billing.ErrPaymentNotFound):
		httputil.WriteNotFound(w, "Payment not found.")
		return
	case errors.Is(err, billing.ErrInvalidStatusTransition):
		ev := audit.NewEvent(r.Context(), action, audit.StatusDenied).Resource(audit.ResourcePayment, paymentID)
		ev.Source = string(source)
		ev.Message = err.Error()
		ev.Metadata["status"] = status
		s.record(r, ev)
		httputil.WriteUnprocessable(w, err.Error())
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}

	ev := audit.NewEvent(r.Context(), action, audit.StatusSuccess).Resource(audit.ResourcePayment, paymentID)
	ev.HouseholdID = householdRef(rec.Payment.HouseholdID)
	ev.Source = string(source)
	ev.Message = "payment " + string(rec.Payment.Status)
	ev.Metadata["status"] = status
	if rec.Invoice != nil {
		ev.Metadata["invoice_number"] = rec.Invoice.Number
	}
	s.record(r, ev)

	httputil.WriteSuccess(w, rec)
}
