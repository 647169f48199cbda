package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/reconcile"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
)

func newTestAdmin(t *testing.T) (*Service, *subscription.Service) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := plans.DefaultCatalog()
	subs := subscription.NewService(s, catalog, logger)
	return New(subs, reconcile.New(s, catalog, logger), s, logger), subs
}

func TestSetPlanIsAudited(t *testing.T) {
	a, _ := newTestAdmin(t)
	ctx := context.Background()

	sub, err := a.SetPlan(ctx, "admin-1", "u1", "agency")
	if err != nil {
		t.Fatal(err)
	}
	if sub.PlanID != "agency" {
		t.Errorf("plan: got %q", sub.PlanID)
	}

	events, err := a.Events(ctx, store.AdminEventFilter{Action: ActionPlanSet})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ActorID != "admin-1" || events[0].UserID != "u1" {
		t.Fatalf("events: got %+v", events)
	}
	var detail map[string]string
	if err := json.Unmarshal(events[0].Detail, &detail); err != nil {
		t.Fatal(err)
	}
	if detail["from"] != plans.FreePlanID || detail["to"] != "agency" {
		t.Errorf("detail: got %v", detail)
	}

	if _, err := a.SetPlan(ctx, "admin-1", "u1", "nope"); !errors.Is(err, subscription.ErrInvalidInput) {
		t.Errorf("unknown plan: got %v", err)
	}
	events, _ = a.Events(ctx, store.AdminEventFilter{})
	if len(events) != 1 {
		t.Errorf("failed SetPlan must not be logged, got %d events", len(events))
	}
}

func TestSweepIsAudited(t *testing.T) {
	a, subs := newTestAdmin(t)
	ctx := context.Background()

	end := time.Now().Add(-time.Hour)
	if _, err := subs.SetPlan(ctx, "u1", "basic", subscription.BillingRefs{PeriodEnd: &end}); err != nil {
		t.Fatal(err)
	}
	if _, err := subs.Cancel(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	res, err := a.Sweep(ctx, "cli")
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 {
		t.Errorf("processed: got %d", res.Processed)
	}

	events, _ := a.Events(ctx, store.AdminEventFilter{Action: ActionSweepRun})
	if len(events) != 1 || events[0].ActorID != "cli" {
		t.Fatalf("events: got %+v", events)
	}
	var detail reconcile.Result
	if err := json.Unmarshal(events[0].Detail, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Processed != 1 {
		t.Errorf("detail: got %+v", detail)
	}
}
