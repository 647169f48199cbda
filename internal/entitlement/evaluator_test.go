package entitlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
	"github.com/seoaudit/seoaudit/internal/usage"
)

var t0 = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

type recordingObserver struct {
	permitted, denied, recorded int
}

func (o *recordingObserver) ObserveDecision(_, _ string, permitted bool) {
	if permitted {
		o.permitted++
	} else {
		o.denied++
	}
}

func (o *recordingObserver) ObserveUsageRecorded() { o.recorded++ }

type fixture struct {
	eval  *Evaluator
	subs  *subscription.Service
	store *store.SQLStore
	clock *testClock
	obs   *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	clock := &testClock{now: t0}
	obs := &recordingObserver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := plans.DefaultCatalog()
	subs := subscription.NewService(s, catalog, logger, subscription.WithClock(clock.Now))
	eval := New(subs, catalog, usage.NewLedger(s), s, logger, WithClock(clock.Now), WithObserver(obs))
	return &fixture{eval: eval, subs: subs, store: s, clock: clock, obs: obs}
}

func (f *fixture) setPlan(t *testing.T, userID, planID string) {
	t.Helper()
	if _, err := f.subs.SetPlan(context.Background(), userID, planID, subscription.BillingRefs{}); err != nil {
		t.Fatalf("SetPlan(%s, %s): %v", userID, planID, err)
	}
}

func (f *fixture) recordAt(t *testing.T, userID string, at time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := &store.UsageEvent{ID: uuid.New().String(), UserID: userID, OccurredAt: at}
		if err := f.store.AppendUsageEvent(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLimitBoundary(t *testing.T) {
	for _, p := range plans.DefaultCatalog().List() {
		n := p.Limits.MaxAuditsPerWindow
		if n.IsUnlimited() {
			continue
		}
		t.Run(p.ID, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.setPlan(t, "below", p.ID)
			f.setPlan(t, "at", p.ID)
			f.recordAt(t, "below", t0.Add(-time.Hour), int(n)-1)
			f.recordAt(t, "at", t0.Add(-time.Hour), int(n))

			d, err := f.eval.CanPerformAudit(ctx, "below", "")
			if err != nil {
				t.Fatal(err)
			}
			if !d.Permitted || d.Remaining != 1 {
				t.Errorf("N-1 events: got %+v, want permitted with 1 remaining", d)
			}

			d, err = f.eval.CanPerformAudit(ctx, "at", "")
			if err != nil {
				t.Fatal(err)
			}
			if d.Permitted || d.Remaining != 0 || d.Used != int(n) {
				t.Errorf("N events: got %+v, want denied", d)
			}
			if d.Reason == "" {
				t.Error("denial without reason")
			}
		})
	}
}

func TestRollingWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPlan(t, "u1", "free") // 2 audits per 259200 s
	w := time.Duration(plans.DefaultWindowSeconds) * time.Second

	eventAt := t0
	f.recordAt(t, "u1", eventAt, 2)

	f.clock.now = eventAt.Add(w - time.Second)
	d, err := f.eval.CanPerformAudit(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Used != 2 || d.Permitted {
		t.Errorf("at T+W-1: got used=%d permitted=%v, want events counted", d.Used, d.Permitted)
	}

	f.clock.now = eventAt.Add(w + time.Second)
	d, err = f.eval.CanPerformAudit(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Used != 0 || !d.Permitted {
		t.Errorf("at T+W+1: got used=%d permitted=%v, want events aged out", d.Used, d.Permitted)
	}
}

func TestBasicPlanScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPlan(t, "u1", "basic")

	for i := 0; i < 5; i++ {
		d, ev, err := f.eval.PerformAudit(ctx, "u1", "https://example.com")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Permitted || ev == nil {
			t.Fatalf("audit %d: got %+v", i+1, d)
		}
		if d.Remaining != plans.Limit(5-(i+1)) {
			t.Errorf("audit %d: remaining %v", i+1, d.Remaining)
		}
	}

	d, ev, err := f.eval.PerformAudit(ctx, "u1", "https://example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Permitted || ev != nil {
		t.Fatalf("6th audit at t=0: got %+v, want denied", d)
	}
	want := "plan basic allows 5 audits per 259200-second window (3 days)"
	if d.Reason != want {
		t.Errorf("reason: got %q, want %q", d.Reason, want)
	}

	f.clock.now = t0.Add(259201 * time.Second)
	d, ev, err = f.eval.PerformAudit(ctx, "u1", "https://example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Permitted || ev == nil {
		t.Fatalf("6th audit at t=259201: got %+v, want permitted", d)
	}

	if f.obs.recorded != 6 || f.obs.denied != 1 {
		t.Errorf("observer: got %+v", f.obs)
	}
}

func TestUnlimitedPlanAlwaysPermits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPlan(t, "u1", "pro")
	f.recordAt(t, "u1", t0, 500)

	d, err := f.eval.CanPerformAudit(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Permitted || !d.Remaining.IsUnlimited() || d.WindowStart != nil {
		t.Errorf("unlimited plan: got %+v", d)
	}
}

func TestUnknownUserGetsFreePlan(t *testing.T) {
	f := newFixture(t)
	d, err := f.eval.CanPerformAudit(context.Background(), "brand-new", "")
	if err != nil {
		t.Fatal(err)
	}
	if d.PlanID != plans.FreePlanID || !d.Permitted || d.Remaining != 2 {
		t.Errorf("new user: got %+v", d)
	}

	if _, err := f.eval.CanPerformAudit(context.Background(), "bad id", ""); !errors.Is(err, subscription.ErrInvalidInput) {
		t.Errorf("malformed id: got %v", err)
	}
}

func TestStoredUnknownPlanIsError(t *testing.T) {
	f := newFixture(t)
	row := &store.Subscription{ID: "legacy", UserID: "u1", PlanID: "enterprise-2019", Status: store.StatusActive, CreatedAt: t0, UpdatedAt: t0}
	if err := f.store.CreateSubscription(context.Background(), row); err != nil {
		t.Fatal(err)
	}

	d, err := f.eval.CanPerformAudit(context.Background(), "u1", "")
	if !errors.Is(err, plans.ErrUnknownPlan) {
		t.Fatalf("got %v, want ErrUnknownPlan", err)
	}
	if d != nil {
		t.Errorf("integrity failure must not produce a decision: %+v", d)
	}
}

func TestStoreFailureIsNotDenial(t *testing.T) {
	f := newFixture(t)
	f.store.Close()

	d, err := f.eval.CanPerformAudit(context.Background(), "u1", "")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if d != nil {
		t.Errorf("store failure produced a decision: %+v", d)
	}
}

func TestSiteChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Anonymous: free plan, zero sites, advisory.
	d, err := f.eval.CanAddSite(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Permitted || !d.Advisory || d.PlanID != plans.FreePlanID || d.Used != 0 {
		t.Errorf("anonymous: got %+v", d)
	}

	d, site, err := f.eval.AddSite(ctx, "u1", "https://one.example")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Permitted || site == nil || d.Remaining != 0 {
		t.Fatalf("first site: got %+v", d)
	}

	d, site, err = f.eval.AddSite(ctx, "u1", "https://two.example")
	if err != nil {
		t.Fatal(err)
	}
	if d.Permitted || site != nil || d.Reason != "plan free allows 1 site" {
		t.Errorf("second site on free: got %+v", d)
	}

	f.setPlan(t, "u1", "agency")
	d, site, err = f.eval.AddSite(ctx, "u1", "https://two.example")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Permitted || site == nil || !d.Remaining.IsUnlimited() {
		t.Errorf("agency site: got %+v", d)
	}

	if _, _, err := f.eval.AddSite(ctx, "u1", ""); !errors.Is(err, subscription.ErrInvalidInput) {
		t.Errorf("empty url: got %v", err)
	}
}

func TestRejectsMalformedResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := []struct {
		name  string
		value string
	}{
		{"too long", "https://example.com/" + strings.Repeat("a", MaxResourceBytes)},
		{"invalid utf-8", "https://example.com/\xff\xfe"},
		{"nul byte", "https://example.com/\x00admin"},
	}
	for _, tt := range bad {
		if _, _, err := f.eval.PerformAudit(ctx, "u1", tt.value); !errors.Is(err, subscription.ErrInvalidInput) {
			t.Errorf("PerformAudit %s: got %v", tt.name, err)
		}
		if _, err := f.eval.CanPerformAudit(ctx, "u1", tt.value); !errors.Is(err, subscription.ErrInvalidInput) {
			t.Errorf("CanPerformAudit %s: got %v", tt.name, err)
		}
		if _, _, err := f.eval.AddSite(ctx, "u1", tt.value); !errors.Is(err, subscription.ErrInvalidInput) {
			t.Errorf("AddSite %s: got %v", tt.name, err)
		}
	}

	n, err := f.store.CountUsageEventsSince(ctx, "u1", t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rejected audits were recorded: %d", n)
	}

	edge := "https://example.com/" + strings.Repeat("a", MaxResourceBytes-len("https://example.com/"))
	if d, _, err := f.eval.PerformAudit(ctx, "u1", edge); err != nil || !d.Permitted {
		t.Errorf("resource at the byte limit: d=%+v err=%v", d, err)
	}
}

func TestUsageSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPlan(t, "u1", "basic")
	f.recordAt(t, "u1", t0.Add(-time.Minute), 3)

	sum, err := f.eval.Usage(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Plan.ID != "basic" || sum.Subscription.Virtual {
		t.Errorf("plan: got %+v", sum)
	}
	if sum.Audits.Used != 3 || sum.Audits.Remaining != 2 {
		t.Errorf("audits: got %+v", sum.Audits)
	}
	if sum.Sites.Limit != 3 || sum.Sites.Used != 0 {
		t.Errorf("sites: got %+v", sum.Sites)
	}
}
