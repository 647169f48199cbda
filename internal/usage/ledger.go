// Package usage is the append-only ledger of consumed audits.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seoaudit/seoaudit/internal/store"
)

// Store is the subset of the record store the ledger needs.
type Store interface {
	AppendUsageEvent(ctx context.Context, ev *store.UsageEvent) error
	CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListUsageEvents(ctx context.Context, userID string, since time.Time, limit int) ([]store.UsageEvent, error)
}

// Ledger records and counts usage events.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger backed by s.
func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

// WindowStart returns the lower bound of the sliding window ending at now.
func WindowStart(now time.Time, windowSeconds int64) time.Time {
	return now.Add(-time.Duration(windowSeconds) * time.Second)
}

// Record durably appends one usage event. resource is the audited URL and may be empty.
func (l *Ledger) Record(ctx context.Context, userID string, at time.Time, resource string) (*store.UsageEvent, error) {
	ev := &store.UsageEvent{
		ID:         uuid.New().String(),
		UserID:     userID,
		Resource:   resource,
		OccurredAt: at.UTC(),
	}
	if err := l.store.AppendUsageEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}
	return ev, nil
}

// CountSince counts the user's events at or after windowStart.
func (l *Ledger) CountSince(ctx context.Context, userID string, windowStart time.Time) (int, error) {
	n, err := l.store.CountUsageEventsSince(ctx, userID, windowStart)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// History lists the user's most recent events at or after since.
func (l *Ledger) History(ctx context.Context, userID string, since time.Time, limit int) ([]store.UsageEvent, error) {
	events, err := l.store.ListUsageEvents(ctx, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	return events, nil
}
