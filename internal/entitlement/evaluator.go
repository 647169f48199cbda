// Package entitlement decides whether a user may perform an audit or add a
// site, given their effective plan and usage in the current rolling window.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
	"github.com/seoaudit/seoaudit/internal/usage"
)

// Action names an entitlement-gated operation.
type Action string

const (
	ActionAudit   Action = "audit"
	ActionAddSite Action = "add_site"
)

// Decision is the outcome of an entitlement check. Denial is a normal outcome,
// never an error.
type Decision struct {
	Action        Action      `json:"action"`
	UserID        string      `json:"user_id,omitempty"`
	PlanID        string      `json:"plan_id"`
	Permitted     bool        `json:"permitted"`
	Limit         plans.Limit `json:"limit"`
	Used          int         `json:"used"`
	Remaining     plans.Limit `json:"remaining"`
	WindowSeconds int64       `json:"window_seconds,omitempty"`
	WindowStart   *time.Time  `json:"window_start,omitempty"`
	Resource      string      `json:"resource,omitempty"`
	Reason        string      `json:"reason,omitempty"`

	// Advisory is set for checks made without an authenticated user; they
	// assume zero existing sites and cannot be trusted past the first site.
	Advisory bool `json:"advisory,omitempty"`
}

// Summary is a user's plan and both quotas at one instant.
type Summary struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Plan         plans.Plan                 `json:"plan"`
	Audits       *Decision                  `json:"audits"`
	Sites        *Decision                  `json:"sites"`
}

// Sites is the site bookkeeping the evaluator needs.
type Sites interface {
	CountSites(ctx context.Context, userID string) (int, error)
	CreateSite(ctx context.Context, site *store.Site) error
}

// Observer receives decision and accounting events. *metrics.Metrics implements it.
type Observer interface {
	ObserveDecision(action, plan string, permitted bool)
	ObserveUsageRecorded()
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, string, bool) {}
func (nopObserver) ObserveUsageRecorded()                {}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithObserver attaches an observer for decisions and recorded usage.
func WithObserver(o Observer) Option {
	return func(e *Evaluator) { e.obs = o }
}

// Evaluator answers entitlement queries. It holds no per-user state; every
// check reads the store.
type Evaluator struct {
	subs    *subscription.Service
	catalog *plans.Catalog
	ledger  *usage.Ledger
	sites   Sites
	obs     Observer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an evaluator.
func New(subs *subscription.Service, catalog *plans.Catalog, ledger *usage.Ledger, sites Sites, logger *slog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		subs:    subs,
		catalog: catalog,
		ledger:  ledger,
		sites:   sites,
		obs:     nopObserver{},
		logger:  logger.With("component", "entitlement"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// resolve returns the user's effective subscription and its catalog plan. A
// stored plan id missing from the catalog is a data-integrity failure.
func (e *Evaluator) resolve(ctx context.Context, userID string) (*subscription.Subscription, plans.Plan, error) {
	sub, err := e.subs.GetEffective(ctx, userID)
	if err != nil {
		return nil, plans.Plan{}, err
	}
	plan, err := e.catalog.Lookup(sub.PlanID)
	if err != nil {
		e.logger.Error("stored plan missing from catalog",
			"user_id", userID, "plan", sub.PlanID, "subscription_id", sub.ID)
		return nil, plans.Plan{}, fmt.Errorf("resolve plan for user %s: %w", userID, err)
	}
	return sub, plan, nil
}

// CanPerformAudit reports whether the user may run one more audit now.
func (e *Evaluator) CanPerformAudit(ctx context.Context, userID, resource string) (*Decision, error) {
	if err := validText("resource", resource); err != nil {
		return nil, err
	}
	_, plan, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.auditDecision(ctx, userID, plan, resource)
}

func (e *Evaluator) auditDecision(ctx context.Context, userID string, plan plans.Plan, resource string) (*Decision, error) {
	limit := plan.Limits.MaxAuditsPerWindow
	d := &Decision{
		Action:        ActionAudit,
		UserID:        userID,
		PlanID:        plan.ID,
		Limit:         limit,
		WindowSeconds: plan.Limits.WindowSeconds,
		Resource:      resource,
	}

	if limit.IsUnlimited() {
		d.Permitted = true
		d.Remaining = plans.Unlimited
		e.obs.ObserveDecision(string(d.Action), plan.ID, true)
		return d, nil
	}

	start := usage.WindowStart(e.now().UTC(), plan.Limits.WindowSeconds)
	used, err := e.ledger.CountSince(ctx, userID, start)
	if err != nil {
		return nil, err
	}

	d.Used = used
	d.WindowStart = &start
	d.Remaining = limit.Remaining(used)
	d.Permitted = limit.Allows(used)
	if !d.Permitted {
		d.Reason = fmt.Sprintf("plan %s allows %d audits per %s", plan.ID, limit, plans.DescribeWindow(plan.Limits.WindowSeconds))
		e.logger.Info("audit denied", "user_id", userID, "plan", plan.ID, "used", used, "limit", int64(limit))
	}
	e.obs.ObserveDecision(string(d.Action), plan.ID, d.Permitted)
	return d, nil
}

// CanAddSite reports whether the user may track one more site. An empty
// userID evaluates the free plan with zero existing sites and marks the
// decision advisory.
func (e *Evaluator) CanAddSite(ctx context.Context, userID string) (*Decision, error) {
	if userID == "" {
		return e.siteDecision(ctx, "", e.catalog.Free())
	}
	_, plan, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.siteDecision(ctx, userID, plan)
}

func (e *Evaluator) siteDecision(ctx context.Context, userID string, plan plans.Plan) (*Decision, error) {
	limit := plan.Limits.MaxSites
	d := &Decision{
		Action:   ActionAddSite,
		UserID:   userID,
		PlanID:   plan.ID,
		Limit:    limit,
		Advisory: userID == "",
	}

	if limit.IsUnlimited() {
		d.Permitted = true
		d.Remaining = plans.Unlimited
		e.obs.ObserveDecision(string(d.Action), plan.ID, true)
		return d, nil
	}

	used := 0
	if userID != "" {
		n, err := e.sites.CountSites(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("count sites: %w", err)
		}
		used = n
	}

	d.Used = used
	d.Remaining = limit.Remaining(used)
	d.Permitted = limit.Allows(used)
	if !d.Permitted {
		d.Reason = fmt.Sprintf("plan %s allows %s", plan.ID, pluralSites(limit))
		e.logger.Info("site denied", "user_id", userID, "plan", plan.ID, "used", used, "limit", int64(limit))
	}
	e.obs.ObserveDecision(string(d.Action), plan.ID, d.Permitted)
	return d, nil
}

// MaxResourceBytes bounds audited resources and site URLs.
const MaxResourceBytes = 2048

func validText(field, v string) error {
	switch {
	case len(v) > MaxResourceBytes:
		return fmt.Errorf("%w: %s exceeds %d bytes", subscription.ErrInvalidInput, field, MaxResourceBytes)
	case !utf8.ValidString(v):
		return fmt.Errorf("%w: %s is not valid UTF-8", subscription.ErrInvalidInput, field)
	case strings.ContainsRune(v, 0):
		return fmt.Errorf("%w: %s contains a NUL byte", subscription.ErrInvalidInput, field)
	}
	return nil
}

func pluralSites(n plans.Limit) string {
	if n == 1 {
		return "1 site"
	}
	return fmt.Sprintf("%d sites", n)
}

// PerformAudit checks the audit quota and, when permitted, records the audit
// in the ledger. The check and the append are separate store calls, so two
// concurrent requests at limit-1 may both pass; the overshoot is bounded by
// the request concurrency of a single user.
func (e *Evaluator) PerformAudit(ctx context.Context, userID, resource string) (*Decision, *store.UsageEvent, error) {
	d, err := e.CanPerformAudit(ctx, userID, resource)
	if err != nil {
		return nil, nil, err
	}
	if !d.Permitted {
		return d, nil, nil
	}

	ev, err := e.ledger.Record(ctx, userID, e.now(), resource)
	if err != nil {
		return nil, nil, err
	}
	e.obs.ObserveUsageRecorded()

	if !d.Limit.IsUnlimited() {
		d.Used++
		d.Remaining = d.Limit.Remaining(d.Used)
	}
	return d, ev, nil
}

// AddSite checks the site ceiling and, when permitted, stores the site.
func (e *Evaluator) AddSite(ctx context.Context, userID, url string) (*Decision, *store.Site, error) {
	if err := subscription.ValidUserID(userID); err != nil {
		return nil, nil, err
	}
	if url == "" {
		return nil, nil, fmt.Errorf("%w: site url is required", subscription.ErrInvalidInput)
	}
	if err := validText("site url", url); err != nil {
		return nil, nil, err
	}
	d, err := e.CanAddSite(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !d.Permitted {
		return d, nil, nil
	}

	site := &store.Site{
		ID:        uuid.New().String(),
		UserID:    userID,
		URL:       url,
		CreatedAt: e.now().UTC(),
	}
	if err := e.sites.CreateSite(ctx, site); err != nil {
		return nil, nil, fmt.Errorf("create site: %w", err)
	}

	if !d.Limit.IsUnlimited() {
		d.Used++
		d.Remaining = d.Limit.Remaining(d.Used)
	}
	return d, site, nil
}

// Usage summarises the user's plan and both quotas.
func (e *Evaluator) Usage(ctx context.Context, userID string) (*Summary, error) {
	sub, plan, err := e.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	audits, err := e.auditDecision(ctx, userID, plan, "")
	if err != nil {
		return nil, err
	}
	sites, err := e.siteDecision(ctx, userID, plan)
	if err != nil {
		return nil, err
	}
	return &Summary{Subscription: sub, Plan: plan, Audits: audits, Sites: sites}, nil
}

// Catalog returns the plan catalog the evaluator checks against.
func (e *Evaluator) Catalog() *plans.Catalog { return e.catalog }
