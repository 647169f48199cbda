// Package subscription resolves and mutates a user's effective subscription.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/store"
)

var (
	// ErrInvalidInput reports a missing or malformed user or plan id.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoSubscription is returned when cancelling a user with no stored subscription.
	ErrNoSubscription = errors.New("no subscription")

	// ErrNoCancelledSubscription is returned by Reactivate unless the effective
	// subscription is cancelled.
	ErrNoCancelledSubscription = errors.New("no cancelled subscription")
)

const maxUserIDLen = 191

// ValidUserID reports whether id is usable as a user id.
func ValidUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(id) > maxUserIDLen {
		return fmt.Errorf("%w: user id longer than %d bytes", ErrInvalidInput, maxUserIDLen)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: user id contains whitespace or control characters", ErrInvalidInput)
		}
	}
	return nil
}

// Store is the subset of the record store the service needs.
type Store interface {
	GetLatestSubscription(ctx context.Context, userID string) (*store.Subscription, error)
	GetSubscriptionByCustomerRef(ctx context.Context, customerRef string) (*store.Subscription, error)
	CreateSubscription(ctx context.Context, sub *store.Subscription) error
	UpdateSubscription(ctx context.Context, sub *store.Subscription) error
}

// Subscription is the effective subscription of a user. Virtual subscriptions
// are the implicit free plan of users with no stored row; they are never persisted.
type Subscription struct {
	store.Subscription
	Virtual bool `json:"virtual,omitempty"`
}

// BillingRefs are payment-provider references attached by SetPlan. Empty
// fields leave the stored values untouched.
type BillingRefs struct {
	CustomerRef     string
	SubscriptionRef string
	PeriodEnd       *time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns subscription state transitions.
type Service struct {
	store   Store
	catalog *plans.Catalog
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a subscription service.
func NewService(s Store, catalog *plans.Catalog, logger *slog.Logger, opts ...Option) *Service {
	svc := &Service{
		store:   s,
		catalog: catalog,
		logger:  logger.With("component", "subscription"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(svc)
	}
	return svc
}

// GetEffective returns the user's most recently created subscription, or a
// virtual active free subscription when none exists.
func (s *Service) GetEffective(ctx context.Context, userID string) (*Subscription, error) {
	if err := ValidUserID(userID); err != nil {
		return nil, err
	}
	row, err := s.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if row == nil {
		return &Subscription{
			Subscription: store.Subscription{
				UserID: userID,
				PlanID: plans.FreePlanID,
				Status: store.StatusActive,
			},
			Virtual: true,
		}, nil
	}
	return &Subscription{Subscription: *row}, nil
}

// FindByCustomerRef returns the latest subscription carrying the payment
// provider's customer reference, or nil.
func (s *Service) FindByCustomerRef(ctx context.Context, customerRef string) (*Subscription, error) {
	if customerRef == "" {
		return nil, fmt.Errorf("%w: customer reference is required", ErrInvalidInput)
	}
	row, err := s.store.GetSubscriptionByCustomerRef(ctx, customerRef)
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	return &Subscription{Subscription: *row}, nil
}

// SetPlan moves the user to planID and marks the subscription active, creating
// the row if the user has none. Repeating a call with the same arguments
// leaves the same state.
func (s *Service) SetPlan(ctx context.Context, userID, planID string, refs BillingRefs) (*Subscription, error) {
	if err := ValidUserID(userID); err != nil {
		return nil, err
	}
	if _, err := s.catalog.Lookup(planID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := s.now().UTC()
	row, err := s.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	if row == nil {
		row = &store.Subscription{
			ID:              uuid.New().String(),
			UserID:          userID,
			PlanID:          planID,
			Status:          store.StatusActive,
			CustomerRef:     refs.CustomerRef,
			SubscriptionRef: refs.SubscriptionRef,
			PeriodEnd:       refs.PeriodEnd,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.CreateSubscription(ctx, row); err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		s.logger.Info("subscription created", "user_id", userID, "plan", planID)
		return &Subscription{Subscription: *row}, nil
	}

	prevPlan := row.PlanID
	row.PlanID = planID
	row.Status = store.StatusActive
	if refs.CustomerRef != "" {
		row.CustomerRef = refs.CustomerRef
	}
	if refs.SubscriptionRef != "" {
		row.SubscriptionRef = refs.SubscriptionRef
	}
	if refs.PeriodEnd != nil {
		row.PeriodEnd = refs.PeriodEnd
	}
	row.UpdatedAt = now
	if err := s.store.UpdateSubscription(ctx, row); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	if prevPlan != planID {
		s.logger.Info("plan changed", "user_id", userID, "from", prevPlan, "to", planID)
	}
	return &Subscription{Subscription: *row}, nil
}

// Cancel marks the effective subscription cancelled. The period end is kept so
// access continues until it passes; a row without one ends now. Cancelling
// twice returns the row unchanged.
func (s *Service) Cancel(ctx context.Context, userID string) (*Subscription, error) {
	if err := ValidUserID(userID); err != nil {
		return nil, err
	}
	row, err := s.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if row == nil {
		return nil, ErrNoSubscription
	}
	if row.Status == store.StatusCancelled {
		return &Subscription{Subscription: *row}, nil
	}

	now := s.now().UTC()
	row.Status = store.StatusCancelled
	row.UpdatedAt = now
	if row.PeriodEnd == nil {
		row.PeriodEnd = &now
	}
	if err := s.store.UpdateSubscription(ctx, row); err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}
	s.logger.Info("subscription cancelled", "user_id", userID, "plan", row.PlanID, "period_end", row.PeriodEnd)
	return &Subscription{Subscription: *row}, nil
}

// Reactivate flips a cancelled subscription back to active, keeping its plan
// and period end.
func (s *Service) Reactivate(ctx context.Context, userID string) (*Subscription, error) {
	if err := ValidUserID(userID); err != nil {
		return nil, err
	}
	row, err := s.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if row == nil || row.Status != store.StatusCancelled {
		return nil, ErrNoCancelledSubscription
	}

	row.Status = store.StatusActive
	row.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSubscription(ctx, row); err != nil {
		return nil, fmt.Errorf("reactivate subscription: %w", err)
	}
	s.logger.Info("subscription reactivated", "user_id", userID, "plan", row.PlanID)
	return &Subscription{Subscription: *row}, nil
}
