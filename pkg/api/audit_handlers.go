package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kantong-id/kantong/pkg/audit"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/middleware"
	"github.com/kantong-id/kantong/pkg/observability"
)

// record writes an audit event attributed to the caller. A failed write is
// logged and never fails the request.
func (s *Server) record(r *http.Request, ev *audit.Event) {
	if authCtx := middleware.GetAuthContext(r); authCtx != nil && authCtx.User != nil && ev.ActorID == nil {
		id := authCtx.User.ID
		ev.ActorID = &id
	}
	if err := s.cfg.Audit.Log(r.Context(), ev); err != nil {
		observability.FromContext(r.Context()).WithError(err).
			WithField("audit_action", string(ev.Action)).Error("failed to write audit event")
	}
}

func householdRef(id int64) *int64 {
	return &id
}

func (s *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50, 500)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	filter := audit.Filter{Limit: limit}
	q := r.URL.Query()
	if v := q.Get("household_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "household_id must be an integer")
			return
		}
		filter.HouseholdID = &id
	}
	if v := q.Get("action"); v != "" {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Actions = append(filter.Actions, audit.Action(a))
			}
		}
	}
	if v := q.Get("payment_id"); v != "" {
		filter.ResourceType = audit.ResourcePayment
		filter.ResourceID = v
	}

	events, err := s.cfg.AuditStore.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, httputil.ListResponse{Data: events, Count: len(events)})
}
