package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seoaudit/seoaudit/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.SQLStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLedger(s), s
}

func TestRecordAndCount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

	ev, err := l.Record(ctx, "u1", at, "https://example.com/pricing")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Resource != "https://example.com/pricing" || ev.ID == "" {
		t.Errorf("Record: got %+v", ev)
	}

	// Read-your-writes on the same handle.
	n, err := l.CountSince(ctx, "u1", WindowStart(at, 60))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("CountSince: got %d, want 1", n)
	}

	hist, err := l.History(ctx, "u1", at.Add(-time.Hour), 10)
	if err != nil || len(hist) != 1 || hist[0].ID != ev.ID {
		t.Errorf("History: got %+v, %v", hist, err)
	}
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	got := WindowStart(now, 259200)
	want := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("WindowStart: got %v, want %v", got, want)
	}
}

func TestRecordPropagatesStoreFailure(t *testing.T) {
	l, s := newTestLedger(t)
	s.Close()

	_, err := l.Record(context.Background(), "u1", time.Now(), "")
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Record on closed store: got %v, want ErrUnavailable", err)
	}
	_, err = l.CountSince(context.Background(), "u1", time.Now())
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("CountSince on closed store: got %v, want ErrUnavailable", err)
	}
}
