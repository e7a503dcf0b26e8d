package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/kantong-id/kantong/pkg/billing"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/observability"
	"github.com/kantong-id/kantong/pkg/xendit"
)

// xenditCallback reconciles the payment an invoice callback refers to
func (s *Server) xenditCallback(w http.ResponseWriter, r *http.Request) {
	if err := xendit.VerifyCallbackToken(r.Header.Get(xendit.CallbackTokenHeader), s.cfg.CallbackToken); err != nil {
		observability.FromContext(r.Context()).Warn("callback with invalid token")
		httputil.WriteUnauthorized(w, "Invalid callback token.")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}
	cb, err := xendit.ParseCallback(body)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	payment, err := s.cfg.Ledger.PaymentByExternalID(r.Context(), cb.ExternalID)
	switch {
	case errors.Is(err, billing.ErrPaymentNotFound):
		observability.FromContext(r.Context()).WithField("external_id", cb.ExternalID).
			Warn("callback for unknown payment")
		httputil.WriteNotFound(w, "Payment not found.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}

	s.reconcile(w, r, payment.ID, xendit.NormalizeStatus(cb.Status), billing.SourceGateway)
}
