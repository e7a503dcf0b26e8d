package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kantong-id/kantong/pkg/audit"
	"github.com/kantong-id/kantong/pkg/auth"
	"github.com/kantong-id/kantong/pkg/households"
	"github.com/kantong-id/kantong/pkg/httputil"
	"github.com/kantong-id/kantong/pkg/middleware"
	"github.com/kantong-id/kantong/pkg/plans"
)

// PlansResponse is the public catalog
type PlansResponse struct {
	Plans   []*plans.Plan       `json:"plans"`
	Modules map[string][]string `json:"modules"`
}

// listPlans returns every plan and the plans that unlock each module
func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Catalog.ListPlans(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	rules := s.cfg.Gate.Rules()
	modules := make(map[string][]string)
	for _, m := range rules.Modules() {
		modules[m] = rules.QualifyingPlans(m)
	}
	httputil.WriteSuccess(w, PlansResponse{Plans: list, Modules: modules})
}

// MeResponse describes the caller
type MeResponse struct {
	User      *auth.User            `json:"user"`
	Household *households.Household `json:"household"`
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	httputil.WriteSuccess(w, MeResponse{User: authCtx.User, Household: authCtx.Household})
}

// CreateHouseholdRequest is the body of POST /households
type CreateHouseholdRequest struct {
	Name string `json:"name"`
}

func (s *Server) createHousehold(w http.ResponseWriter, r *http.Request) {
	var req CreateHouseholdRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if len(req.Name) > 100 {
		httputil.WriteUnprocessable(w, "name must be at most 100 characters")
		return
	}

	authCtx := middleware.GetAuthContext(r)
	hh, err := s.cfg.Households.Create(r.Context(), authCtx.User.ID, req.Name)
	switch {
	case errors.Is(err, households.ErrAlreadyInHousehold):
		httputil.WriteConflict(w, "You already belong to a household.")
		return
	case err != nil:
		httputil.WriteInternalError(w, r, err)
		return
	}

	ev := audit.NewEvent(r.Context(), audit.ActionHouseholdCreate, audit.StatusSuccess).Resource(audit.ResourceHousehold, hh.ID)
	ev.HouseholdID = householdRef(hh.ID)
	ev.Message = "household created"
	s.record(r, ev)

	httputil.WriteCreated(w, hh)
}

// HouseholdResponse is a household with its members
type HouseholdResponse struct {
	*households.Household
	Members []*households.Member `json:"members"`
}

func (s *Server) getHousehold(w http.ResponseWriter, r *http.Request) {
	hh := middleware.GetAuthContext(r).Household
	members, err := s.cfg.Households.ListMembers(r.Context(), hh.ID)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, HouseholdResponse{Household: hh, Members: members})
}
