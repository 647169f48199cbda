// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/seoaudit/seoaudit/internal/admin"
	"github.com/seoaudit/seoaudit/internal/auth"
	"github.com/seoaudit/seoaudit/internal/config"
	"github.com/seoaudit/seoaudit/internal/entitlement"
	"github.com/seoaudit/seoaudit/internal/metrics"
	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
	"github.com/seoaudit/seoaudit/internal/usage"
)

// Store is the subset of the record store the handlers use directly.
type Store interface {
	ListSites(ctx context.Context, userID string) ([]store.Site, error)
	DeleteSite(ctx context.Context, userID, id string) (bool, error)
	Ping(ctx context.Context) error
}

// Deps are the services the API serves. Login, Billing and Metrics may be nil.
type Deps struct {
	Store         Store
	Auth          auth.Provider
	Login         auth.LoginProvider
	Subscriptions *subscription.Service
	Evaluator     *entitlement.Evaluator
	Ledger        *usage.Ledger
	Admin         *admin.Service
	Billing       http.Handler
	Metrics       *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	store         Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	subs          *subscription.Service
	eval          *entitlement.Evaluator
	ledger        *usage.Ledger
	admin         *admin.Service
	metrics       *metrics.Metrics
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         d.Store,
		authProvider:  d.Auth,
		loginProvider: d.Login,
		subs:          d.Subscriptions,
		eval:          d.Evaluator,
		ledger:        d.Ledger,
		admin:         d.Admin,
		metrics:       d.Metrics,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1024 * 1024
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.metricsMiddleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Ops routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	mux.Route("/api", func(r chi.Router) {
		r.Use(queryTimeoutMiddleware(cfg.Storage.QueryTimeout.Duration))

		r.Get("/plans", srv.handleListPlans)
		r.Get("/auth/config", srv.handleAuthConfig)

		// Login and registration only with builtin auth.
		if d.Login != nil {
			perMinute := cfg.RateLimit.LoginPerMinute
			if perMinute <= 0 {
				perMinute = 10
			}
			srv.loginRL = newRateLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
			r.With(ipRateLimitMiddleware(srv.loginRL)).Post("/auth/login", srv.handleLogin)
			r.With(ipRateLimitMiddleware(srv.loginRL)).Post("/auth/register", srv.handleRegister)
		}

		if d.Billing != nil {
			r.Method(http.MethodPost, "/billing/webhook", d.Billing)
		}

		r.With(srv.optionalAuthMiddleware).Get("/entitlements/site", srv.handleCanAddSite)

		srv.rl = newRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
		r.Group(func(r chi.Router) {
			r.Use(srv.authMiddleware)
			r.Use(rateLimitMiddleware(srv.rl))

			r.Get("/me", srv.handleGetMe)
			r.Get("/entitlements/audit", srv.handleCanPerformAudit)
			r.Post("/audits", srv.handlePerformAudit)
			r.Get("/usage", srv.handleUsage)

			r.Get("/subscription", srv.handleGetSubscription)
			r.Post("/subscription/plan", srv.handleSetOwnPlan)
			r.Post("/subscription/cancel", srv.handleCancel)
			r.Post("/subscription/reactivate", srv.handleReactivate)

			r.Get("/sites", srv.handleListSites)
			r.Post("/sites", srv.handleAddSite)
			r.Delete("/sites/{siteID}", srv.handleDeleteSite)

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(srv.adminMiddleware)
				r.Post("/admin/users/{userID}/plan", srv.handleAdminSetPlan)
				r.Post("/admin/sweep", srv.handleAdminSweep)
				r.Get("/admin/events", srv.handleAdminListEvents)
			})
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var unavailable *store.UnavailableError
	switch {
	case errors.As(err, &unavailable):
		s.metrics.ObserveStoreUnavailable(unavailable.Op)
		s.logger.Warn("record store unavailable", "path", r.URL.Path, "op", unavailable.Op, "error", unavailable.Err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, subscription.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, subscription.ErrNoSubscription):
		writeError(w, http.StatusNotFound, "no subscription")
	case errors.Is(err, subscription.ErrNoCancelledSubscription):
		writeError(w, http.StatusConflict, "no cancelled subscription to reactivate")
	case errors.Is(err, plans.ErrUnknownPlan):
		s.logger.Error("subscription references a plan missing from the catalog", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a bounded JSON body into v. An empty body leaves v untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
