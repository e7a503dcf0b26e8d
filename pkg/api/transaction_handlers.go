package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/middleware"
	"github.com/kantong-id/kantong/pkg/receipts"
	"github.com/kantong-id/kantong/pkg/transactions"
)

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50, 200)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	hh := middleware.GetAuthContext(r).Household
	list, err := s.cfg.Transactions.List(r.Context(), hh.ID, limit)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, httputil.ListResponse{Data: list, Count: len(list)})
}

func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	var in transactions.CreateInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	authCtx := middleware.GetAuthContext(r)
	tx, err := s.cfg.Transactions.Create(r.Context(), authCtx.Household, authCtx.User.ID, in)
	if err != nil {
		switch {
		case errors.Is(err, transactions.ErrInvalidTransaction):
			httputil.WriteUnprocessable(w, err.Error())
		case s.writeEntitlementError(w, r, authCtx.Household, err):
		default:
			httputil.WriteInternalError(w, r, err)
		}
		return
	}
	httputil.WriteCreated(w, tx)
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	hh := middleware.GetAuthContext(r).Household
	tx, err := s.cfg.Transactions.Get(r.Context(), hh.ID, id)
	switch {
	case errors.Is(err, transactions.ErrTransactionNotFound):
		httputil.WriteNotFound(w, "Transaction not found.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tx)
}

// uploadReceipt takes the raw request body as the receipt file
func (s *Server) uploadReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	maxBytes := s.cfg.Receipts.MaxBytes()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteMessage(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Receipts may be at most %d bytes.", maxBytes))
			return
		}
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	authCtx := middleware.GetAuthContext(r)
	receipt, err := s.cfg.Receipts.Upload(r.Context(), authCtx.Household, id, r.Header.Get("Content-Type"), body)
	if err != nil {
		switch {
		case errors.Is(err, receipts.ErrEmptyReceipt):
			httputil.WriteBadRequest(w, "The receipt is empty.")
		case errors.Is(err, receipts.ErrReceiptTooLarge):
			httputil.WriteMessage(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Receipts may be at most %d bytes.", maxBytes))
		case errors.Is(err, receipts.ErrUnsupportedType):
			httputil.WriteMessage(w, http.StatusUnsupportedMediaType, "Receipts must be JPEG, PNG, WebP or PDF.")
		case errors.Is(err, transactions.ErrTransactionNotFound):
			httputil.WriteNotFound(w, "Transaction not found.")
		case s.writeEntitlementError(w, r, authCtx.Household, err):
		default:
			httputil.WriteInternalError(w, r, err)
		}
		return
	}
	httputil.WriteCreated(w, receipt)
}

func (s *Server) listReceipts(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	hh := middleware.GetAuthContext(r).Household
	list, err := s.cfg.Receipts.List(r.Context(), hh.ID, id)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, httputil.ListResponse{Data: list, Count: len(list)})
}

func (s *Server) downloadReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	hh := middleware.GetAuthContext(r).Household
	receipt, body, err := s.cfg.Receipts.Open(r.Context(), hh.ID, id)
	switch {
	case errors.Is(err, receipts.ErrReceiptNotFound):
		httputil.WriteNotFound(w, "Receipt not found.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(receipt.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

func (s *Server) deleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	hh := middleware.GetAuthContext(r).Household
	err := s.cfg.Receipts.Delete(r.Context(), hh.ID, id)
	switch {
	case errors.Is(err, receipts.ErrReceiptNotFound):
		httputil.WriteNotFound(w, "Receipt not found.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
