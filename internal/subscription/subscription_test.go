package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/store"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *store.SQLStore, *testClock) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	clock := &testClock{now: t0}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(s, plans.DefaultCatalog(), logger, WithClock(clock.Now)), s, clock
}

func TestGetEffectiveVirtualFree(t *testing.T) {
	svc, _, _ := newTestService(t)

	sub, err := svc.GetEffective(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !sub.Virtual || sub.PlanID != plans.FreePlanID || sub.Status != store.StatusActive {
		t.Errorf("GetEffective: got %+v", sub)
	}
}

func TestValidUserID(t *testing.T) {
	for _, id := range []string{"", "   ", "has space", "tab\tid", strings.Repeat("x", 192)} {
		if err := ValidUserID(id); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ValidUserID(%q): got %v, want ErrInvalidInput", id, err)
		}
	}
	for _, id := range []string{"u1", "user_2abcXYZ", "a@b.c"} {
		if err := ValidUserID(id); err != nil {
			t.Errorf("ValidUserID(%q): %v", id, err)
		}
	}

	svc, _, _ := newTestService(t)
	if _, err := svc.GetEffective(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("GetEffective(\"\"): got %v", err)
	}
}

func TestSetPlanIdempotent(t *testing.T) {
	svc, s, clock := newTestService(t)
	ctx := context.Background()
	end := t0.Add(30 * 24 * time.Hour)
	refs := BillingRefs{CustomerRef: "cus_1", SubscriptionRef: "sub_1", PeriodEnd: &end}

	first, err := svc.SetPlan(ctx, "u1", "basic", refs)
	if err != nil {
		t.Fatal(err)
	}
	clock.now = t0.Add(time.Minute)
	second, err := svc.SetPlan(ctx, "u1", "basic", refs)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("SetPlan created a second row: %s vs %s", first.ID, second.ID)
	}
	if second.PlanID != "basic" || second.Status != store.StatusActive || second.CustomerRef != "cus_1" {
		t.Errorf("after repeat: got %+v", second)
	}
	if second.PeriodEnd == nil || !second.PeriodEnd.Equal(end) {
		t.Errorf("PeriodEnd: got %v", second.PeriodEnd)
	}

	stored, _ := s.GetLatestSubscription(ctx, "u1")
	if stored.ID != first.ID || !stored.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("stored: got %+v", stored)
	}
}

func TestSetPlanFreeAlwaysSucceeds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	end := t0.Add(time.Hour)

	// No prior state.
	if _, err := svc.SetPlan(ctx, "fresh", plans.FreePlanID, BillingRefs{}); err != nil {
		t.Fatalf("free from nothing: %v", err)
	}

	// From a paid plan.
	if _, err := svc.SetPlan(ctx, "paid", "agency", BillingRefs{PeriodEnd: &end}); err != nil {
		t.Fatal(err)
	}
	sub, err := svc.SetPlan(ctx, "paid", plans.FreePlanID, BillingRefs{})
	if err != nil {
		t.Fatalf("free from agency: %v", err)
	}
	if sub.PlanID != plans.FreePlanID || sub.Status != store.StatusActive {
		t.Errorf("free from agency: got %+v", sub)
	}

	// From a cancelled plan.
	if _, err := svc.SetPlan(ctx, "cancelled", "basic", BillingRefs{PeriodEnd: &end}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(ctx, "cancelled"); err != nil {
		t.Fatal(err)
	}
	sub, err = svc.SetPlan(ctx, "cancelled", plans.FreePlanID, BillingRefs{})
	if err != nil {
		t.Fatalf("free from cancelled: %v", err)
	}
	if sub.Status != store.StatusActive {
		t.Errorf("status: got %q", sub.Status)
	}
}

func TestSetPlanUnknownPlan(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.SetPlan(context.Background(), "u1", "platinum", BillingRefs{})
	if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, plans.ErrUnknownPlan) {
		t.Fatalf("got %v, want ErrInvalidInput wrapping ErrUnknownPlan", err)
	}
}

func TestCancelKeepsPeriodEnd(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Cancel(ctx, "nobody"); !errors.Is(err, ErrNoSubscription) {
		t.Errorf("Cancel without row: got %v", err)
	}

	end := t0.Add(72 * time.Hour)
	if _, err := svc.SetPlan(ctx, "u1", "pro", BillingRefs{PeriodEnd: &end}); err != nil {
		t.Fatal(err)
	}
	sub, err := svc.Cancel(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != store.StatusCancelled || sub.PlanID != "pro" || sub.PeriodEnd == nil || !sub.PeriodEnd.Equal(end) {
		t.Errorf("Cancel: got %+v", sub)
	}

	again, err := svc.Cancel(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != store.StatusCancelled || !again.UpdatedAt.Equal(sub.UpdatedAt) {
		t.Errorf("second Cancel changed the row: %+v", again)
	}
}

func TestCancelWithoutPeriodEndEndsNow(t *testing.T) {
	svc, s, clock := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SetPlan(ctx, "u1", "pro", BillingRefs{}); err != nil {
		t.Fatal(err)
	}
	clock.now = t0.Add(time.Hour)
	sub, err := svc.Cancel(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.PeriodEnd == nil || !sub.PeriodEnd.Equal(clock.now) {
		t.Fatalf("Cancel: period end = %v, want %v", sub.PeriodEnd, clock.now)
	}

	stored, err := s.GetLatestSubscription(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.PeriodEnd == nil || !stored.PeriodEnd.Equal(clock.now) {
		t.Errorf("stored period end = %v", stored.PeriodEnd)
	}
}

func TestReactivate(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Reactivate(ctx, "nobody"); !errors.Is(err, ErrNoCancelledSubscription) {
		t.Errorf("Reactivate without row: got %v", err)
	}

	end := t0.Add(72 * time.Hour)
	if _, err := svc.SetPlan(ctx, "u1", "basic", BillingRefs{PeriodEnd: &end}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reactivate(ctx, "u1"); !errors.Is(err, ErrNoCancelledSubscription) {
		t.Errorf("Reactivate on active: got %v", err)
	}

	if _, err := svc.Cancel(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	clock.now = t0.Add(time.Hour)
	sub, err := svc.Reactivate(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != store.StatusActive || sub.PlanID != "basic" || sub.PeriodEnd == nil || !sub.PeriodEnd.Equal(end) {
		t.Errorf("Reactivate: got %+v", sub)
	}
}

func TestLatestRowIsEffective(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()

	for i, plan := range []string{"agency", "basic"} {
		at := t0.Add(time.Duration(i) * time.Hour)
		row := &store.Subscription{ID: plan + "-row", UserID: "u1", PlanID: plan, Status: store.StatusActive, CreatedAt: at, UpdatedAt: at}
		if err := s.CreateSubscription(ctx, row); err != nil {
			t.Fatal(err)
		}
	}

	sub, err := svc.GetEffective(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.PlanID != "basic" || sub.Virtual {
		t.Errorf("GetEffective: got %+v, want the newest row", sub)
	}

	// Writes land on the effective row.
	if _, err := svc.Cancel(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	sub, _ = svc.GetEffective(ctx, "u1")
	if sub.ID != "basic-row" || sub.Status != store.StatusCancelled {
		t.Errorf("after cancel: got %+v", sub)
	}
}

func TestFindByCustomerRef(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.FindByCustomerRef(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty ref: got %v", err)
	}
	sub, err := svc.FindByCustomerRef(ctx, "cus_missing")
	if err != nil || sub != nil {
		t.Errorf("missing ref: got %+v, %v", sub, err)
	}

	if _, err := svc.SetPlan(ctx, "u1", "pro", BillingRefs{CustomerRef: "cus_9"}); err != nil {
		t.Fatal(err)
	}
	sub, err = svc.FindByCustomerRef(ctx, "cus_9")
	if err != nil || sub == nil || sub.UserID != "u1" {
		t.Errorf("FindByCustomerRef: got %+v, %v", sub, err)
	}
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	svc, s, _ := newTestService(t)
	s.Close()

	_, err := svc.GetEffective(context.Background(), "u1")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}
