package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seoaudit/seoaudit/internal/admin"
	"github.com/seoaudit/seoaudit/internal/auth"
	"github.com/seoaudit/seoaudit/internal/entitlement"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
)

const (
	defaultHistoryLimit = 50
	maxListLimit        = 500
)

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": s.authProvider.Name(),
		"login":    s.loginProvider != nil,
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.admin.Log(r.Context(), admin.ActionLoginFailed, "", "", map[string]string{"email": req.Email})
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !s.decodeBody(w, r, &req) {
		return
	}
	user, err := s.loginProvider.Register(r.Context(), req.Email, req.Password, store.RoleUser)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, "user already exists")
		return
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    identity.UserID,
		"email": identity.Email,
		"role":  identity.Role,
	})
}

// --- Entitlement handlers ---

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eval.Catalog().List())
}

func (s *Server) handleCanPerformAudit(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	d, err := s.eval.CanPerformAudit(r.Context(), identity.UserID, r.URL.Query().Get("resource"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCanAddSite(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if identity := getIdentityFromContext(r.Context()); identity != nil {
		userID = identity.UserID
	}
	d, err := s.eval.CanAddSite(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePerformAudit(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req struct {
		Resource string `json:"resource"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	d, ev, err := s.eval.PerformAudit(r.Context(), identity.UserID, strings.TrimSpace(req.Resource))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !d.Permitted {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": d.Reason, "decision": d})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"decision": d, "event": ev})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sum, err := s.eval.Usage(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// History covers the current window, or everything for unbounded plans.
	var since time.Time
	if sum.Audits.WindowStart != nil {
		since = *sum.Audits.WindowStart
	}
	limit := queryLimit(r, "limit", defaultHistoryLimit)
	history, err := s.ledger.History(r.Context(), identity.UserID, since, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []store.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, struct {
		*entitlement.Summary
		History []store.UsageEvent `json:"history"`
	}{sum, history})
}

// --- Subscription handlers ---

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sub, err := s.subs.GetEffective(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleSetOwnPlan lets a user drop to the free plan. Paid plans are granted
// by the billing webhook or an admin.
func (s *Server) handleSetOwnPlan(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.PlanID != s.eval.Catalog().Free().ID {
		if _, err := s.eval.Catalog().Lookup(req.PlanID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusForbidden, "paid plans are assigned through billing")
		return
	}
	sub, err := s.subs.SetPlan(r.Context(), identity.UserID, req.PlanID, subscription.BillingRefs{})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sub, err := s.subs.Cancel(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sub, err := s.subs.Reactivate(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// --- Site handlers ---

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sites, err := s.store.ListSites(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if sites == nil {
		sites = []store.Site{}
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) handleAddSite(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req struct {
		URL string `json:"url"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	d, site, err := s.eval.AddSite(r.Context(), identity.UserID, strings.TrimSpace(req.URL))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !d.Permitted {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": d.Reason, "decision": d})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"decision": d, "site": site})
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	ok, err := s.store.DeleteSite(r.Context(), identity.UserID, chi.URLParam(r, "siteID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "site not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Admin handlers ---

func (s *Server) handleAdminSetPlan(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	sub, err := s.admin.SetPlan(r.Context(), identity.UserID, chi.URLParam(r, "userID"), req.PlanID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	res, err := s.admin.Sweep(r.Context(), identity.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.admin.Events(r.Context(), store.AdminEventFilter{
		Action: q.Get("action"),
		UserID: q.Get("user_id"),
		Limit:  queryLimit(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []store.AdminEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryLimit is queryInt capped at maxListLimit.
func queryLimit(r *http.Request, key string, def int) int {
	return min(queryInt(r, key, def), maxListLimit)
}
