// Package reconcile demotes expired cancelled subscriptions to the free plan.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/store"
)

// Store is the subset of the record store the reconciler needs.
type Store interface {
	ListExpiredCancellations(ctx context.Context, before time.Time, limit int) ([]store.Subscription, error)
	DemoteExpiredCancellation(ctx context.Context, id, planID string, before, now time.Time) (bool, error)
}

// Observer receives sweep results. *metrics.Metrics implements it.
type Observer interface {
	ObserveSweep(processed int, elapsed time.Duration)
}

// Result reports one sweep.
type Result struct {
	Processed int       `json:"processed"`
	SweptAt   time.Time `json:"swept_at"`
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithBatchSize bounds the rows read per pass.
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithObserver attaches a sweep observer.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.obs = o }
}

// Reconciler runs sweeps. It is safe to run concurrently with itself and with
// cancel/reactivate: each demotion re-checks the predicate in the store.
type Reconciler struct {
	store   Store
	catalog *plans.Catalog
	logger  *slog.Logger
	obs     Observer
	now     func() time.Time
	batch   int
}

// New creates a reconciler.
func New(s Store, catalog *plans.Catalog, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   s,
		catalog: catalog,
		logger:  logger.With("component", "reconciler"),
		now:     time.Now,
		batch:   500,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Sweep demotes every cancelled subscription whose period end is before now
// or was never set. Running it twice processes nothing the second time.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	res := Result{SweptAt: now.UTC()}
	free := r.catalog.Free().ID

	for {
		subs, err := r.store.ListExpiredCancellations(ctx, now, r.batch)
		if err != nil {
			return res, fmt.Errorf("list expired cancellations: %w", err)
		}

		demoted := 0
		for _, sub := range subs {
			ok, err := r.store.DemoteExpiredCancellation(ctx, sub.ID, free, now, r.now().UTC())
			if err != nil {
				return res, fmt.Errorf("demote subscription %s: %w", sub.ID, err)
			}
			if !ok {
				// Reactivated or demoted by someone else since the read.
				continue
			}
			demoted++
			r.logger.Info("subscription demoted",
				"user_id", sub.UserID, "subscription_id", sub.ID, "from", sub.PlanID, "period_end", sub.PeriodEnd)
		}
		res.Processed += demoted

		if len(subs) < r.batch || demoted == 0 {
			break
		}
	}

	if r.obs != nil {
		r.obs.ObserveSweep(res.Processed, time.Since(start))
	}
	return res, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx, r.now())
			if err != nil {
				r.logger.Warn("sweep failed", "error", err)
			} else if res.Processed > 0 {
				r.logger.Info("sweep demoted expired cancellations", "count", res.Processed)
			}
		}
	}
}
