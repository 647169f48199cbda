// Package admin wraps administrative fix-ups (manual plan assignment and
// sweeps) so they go through the regular subscription and reconciler paths
// and leave an entry in the admin trail.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seoaudit/seoaudit/internal/reconcile"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
)

// Admin trail actions.
const (
	ActionPlanSet     = "plan.set"
	ActionSweepRun    = "sweep.run"
	ActionUserCreated = "user.created"
	ActionLoginFailed = "login.failed"
)

// Trail is the admin event log.
type Trail interface {
	LogAdminEvent(ctx context.Context, ev *store.AdminEvent) error
	ListAdminEvents(ctx context.Context, filter store.AdminEventFilter) ([]store.AdminEvent, error)
}

// Service performs audited administrative operations.
type Service struct {
	subs       *subscription.Service
	reconciler *reconcile.Reconciler
	trail      Trail
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an admin service.
func New(subs *subscription.Service, reconciler *reconcile.Reconciler, trail Trail, logger *slog.Logger) *Service {
	return &Service{
		subs:       subs,
		reconciler: reconciler,
		trail:      trail,
		logger:     logger.With("component", "admin"),
		now:        time.Now,
	}
}

// SetPlan assigns planID to userID on behalf of actor.
func (s *Service) SetPlan(ctx context.Context, actor, userID, planID string) (*subscription.Subscription, error) {
	before, err := s.subs.GetEffective(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.subs.SetPlan(ctx, userID, planID, subscription.BillingRefs{})
	if err != nil {
		return nil, err
	}
	s.Log(ctx, ActionPlanSet, actor, userID, map[string]string{"from": before.PlanID, "to": planID})
	return sub, nil
}

// Sweep runs the reconciler on behalf of actor.
func (s *Service) Sweep(ctx context.Context, actor string) (reconcile.Result, error) {
	res, err := s.reconciler.Sweep(ctx, s.now())
	if err != nil {
		return res, err
	}
	s.Log(ctx, ActionSweepRun, actor, "", res)
	return res, nil
}

// Events lists the admin trail.
func (s *Service) Events(ctx context.Context, filter store.AdminEventFilter) ([]store.AdminEvent, error) {
	events, err := s.trail.ListAdminEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list admin events: %w", err)
	}
	return events, nil
}

// Log appends an entry to the trail. Failures are logged, not returned: the
// operation being recorded has already happened.
func (s *Service) Log(ctx context.Context, action, actor, userID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			s.logger.Warn("admin event detail not serialisable", "action", action, "error", err)
		} else {
			raw = b
		}
	}
	ev := &store.AdminEvent{
		ID:        uuid.New().String(),
		Action:    action,
		ActorID:   actor,
		UserID:    userID,
		Detail:    raw,
		CreatedAt: s.now().UTC(),
	}
	if err := s.trail.LogAdminEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log admin event", "action", action, "error", err)
	}
}
