// Package store defines the record store used by the accounting engine and
// provides SQLite, PostgreSQL and MySQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence interface for users, subscriptions, usage events,
// sites and the admin trail. Implementations must be safe for concurrent use.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Subscriptions
	GetLatestSubscription(ctx context.Context, userID string) (*Subscription, error)
	GetSubscriptionByCustomerRef(ctx context.Context, customerRef string) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	ListExpiredCancellations(ctx context.Context, before time.Time, limit int) ([]Subscription, error)
	DemoteExpiredCancellation(ctx context.Context, id, planID string, before, now time.Time) (bool, error)

	// Usage
	AppendUsageEvent(ctx context.Context, ev *UsageEvent) error
	CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListUsageEvents(ctx context.Context, userID string, since time.Time, limit int) ([]UsageEvent, error)

	// Sites
	CreateSite(ctx context.Context, site *Site) error
	ListSites(ctx context.Context, userID string) ([]Site, error)
	CountSites(ctx context.Context, userID string) (int, error)
	DeleteSite(ctx context.Context, userID, id string) (bool, error)

	// Admin trail
	LogAdminEvent(ctx context.Context, ev *AdminEvent) error
	ListAdminEvents(ctx context.Context, filter AdminEventFilter) ([]AdminEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Subscription statuses.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	// ErrUnavailable matches every error caused by the backing database.
	ErrUnavailable = errors.New("record store unavailable")

	// ErrNotFound is returned by updates that matched no row.
	ErrNotFound = errors.New("record not found")
)

// UnavailableError wraps a driver failure with the operation that hit it.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) hold for any UnavailableError.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// User is an account that can authenticate against the builtin provider.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subscription is one subscription row. A user may accumulate several rows;
// the most recently created one is authoritative.
type Subscription struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	PlanID          string     `json:"plan_id"`
	Status          string     `json:"status"`
	CustomerRef     string     `json:"customer_ref,omitempty"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// UsageEvent is one performed audit. Resource is the audited URL, if known.
// Events are append-only.
type UsageEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Resource   string    `json:"resource,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Site is a tracked website counted against the site ceiling.
type Site struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminEvent is an entry in the admin trail.
type AdminEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	ActorID   string          `json:"actor_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AdminEventFilter narrows ListAdminEvents. Action is a prefix match.
type AdminEventFilter struct {
	Action string
	UserID string
	Limit  int
	Offset int
}
