package api

import (
	"net/http"
	"time"

	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/middleware"
)

const reportsModule = "reports"

// ModuleResponse confirms access to a gated module
type ModuleResponse struct {
	Module    string `json:"module"`
	Household int64  `json:"household_id"`
	Access    bool   `json:"access"`
}

func (s *Server) moduleIndex(module string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hh := middleware.GetAuthContext(r).Household
		httputil.WriteSuccess(w, ModuleResponse{Module: module, Household: hh.ID, Access: true})
	}
}

// monthlyReport aggregates the household's ledger for ?month=YYYY-MM,
// defaulting to the current month
func (s *Server) monthlyReport(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	if month := r.URL.Query().Get("month"); month != "" {
		parsed, err := time.Parse("2006-01", month)
		if err != nil {
			httputil.WriteBadRequest(w, "month must look like 2006-01")
			return
		}
		at = parsed
	}

	hh := middleware.GetAuthContext(r).Household
	report, err := s.cfg.Transactions.MonthlyReport(r.Context(), hh.ID, at)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}
