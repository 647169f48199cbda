// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/seoaudit/seoaudit/internal/admin"
	"github.com/seoaudit/seoaudit/internal/api"
	"github.com/seoaudit/seoaudit/internal/auth"
	"github.com/seoaudit/seoaudit/internal/billing"
	"github.com/seoaudit/seoaudit/internal/config"
	"github.com/seoaudit/seoaudit/internal/entitlement"
	"github.com/seoaudit/seoaudit/internal/metrics"
	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/reconcile"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
	"github.com/seoaudit/seoaudit/internal/usage"
)

// Services are the domain services built from one configuration. The CLI
// uses them directly; the hub serves them over HTTP.
type Services struct {
	Store         *store.SQLStore
	Catalog       *plans.Catalog
	Metrics       *metrics.Metrics
	Subscriptions *subscription.Service
	Ledger        *usage.Ledger
	Evaluator     *entitlement.Evaluator
	Reconciler    *reconcile.Reconciler
	Admin         *admin.Service
}

// NewServices opens the store and builds the domain services on top of it.
// The caller owns Store and must close it.
func NewServices(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("load plan catalog: %w", err)
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	m := metrics.New()
	subs := subscription.NewService(db, catalog, logger)
	ledger := usage.NewLedger(db)
	eval := entitlement.New(subs, catalog, ledger, db, logger, entitlement.WithObserver(m))
	rec := reconcile.New(db, catalog, logger,
		reconcile.WithObserver(m),
		reconcile.WithBatchSize(cfg.Reconciler.BatchSize),
	)

	return &Services{
		Store:         db,
		Catalog:       catalog,
		Metrics:       m,
		Subscriptions: subs,
		Ledger:        ledger,
		Evaluator:     eval,
		Reconciler:    rec,
		Admin:         admin.New(subs, rec, db, logger),
	}, nil
}

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	services *Services
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	svc, err := NewServices(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, svc.Store)
	if err != nil {
		_ = svc.Store.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = svc.Store.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	var billingHandler http.Handler
	if cfg.Billing.Enabled {
		billingHandler = billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, cfg.Billing.PricePlans,
			svc.Subscriptions, svc.Catalog, svc.Admin, logger)
	}

	apiSrv := api.NewServer(api.Deps{
		Store:         svc.Store,
		Auth:          authProvider,
		Login:         loginProvider,
		Subscriptions: svc.Subscriptions,
		Evaluator:     svc.Evaluator,
		Ledger:        svc.Ledger,
		Admin:         svc.Admin,
		Billing:       billingHandler,
		Metrics:       svc.Metrics,
	}, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		services: svc,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Reconciler.Interval.Duration == 0 {
		logger.Warn("background sweep disabled, expired cancellations keep paid limits until `seoaudit-hub sweep` runs")
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start the lifecycle reconciler.
	if interval := h.cfg.Reconciler.Interval.Duration; interval > 0 {
		go h.services.Reconciler.Run(ctx, interval)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr, "storage", h.services.Store.Dialect())
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.services.Store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.services.Store.Close()
		return err
	}
}
