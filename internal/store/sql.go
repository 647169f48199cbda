package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore implements Store on top of database/sql. The dialect only affects
// placeholders and migrations; every query is portable SQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
	dialectMySQL    = "mysql"
)

// Dialect returns the driver family backing the store.
func (s *SQLStore) Dialect() string { return s.dialect }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) migrate(migrations []string) error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Timestamps are stored as UTC unix milliseconds.

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// --- Users ---

func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.exec(ctx,
		"INSERT INTO users (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, user.PasswordHash, user.Role, toMillis(user.CreatedAt),
	)
	return unavailable("create user", err)
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "SELECT id, email, password_hash, role, created_at FROM users WHERE email = ?", email)
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "SELECT id, email, password_hash, role, created_at FROM users WHERE id = ?", id)
}

func (s *SQLStore) getUser(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	var created int64
	err := s.queryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get user", err)
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// --- Subscriptions ---

const subscriptionColumns = "id, user_id, plan_id, status, customer_ref, subscription_ref, period_end, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (*Subscription, error) {
	var sub Subscription
	var periodEnd sql.NullInt64
	var created, updated int64
	if err := r.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CustomerRef,
		&sub.SubscriptionRef, &periodEnd, &created, &updated); err != nil {
		return nil, err
	}
	sub.PeriodEnd = timePtr(periodEnd)
	sub.CreatedAt = fromMillis(created)
	sub.UpdatedAt = fromMillis(updated)
	return &sub, nil
}

// GetLatestSubscription returns the most recently created row for the user,
// or nil when the user has none. Ties on created_at break on id.
func (s *SQLStore) GetLatestSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := scanSubscription(s.queryRow(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get latest subscription", err)
	}
	return sub, nil
}

func (s *SQLStore) GetSubscriptionByCustomerRef(ctx context.Context, customerRef string) (*Subscription, error) {
	sub, err := scanSubscription(s.queryRow(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE customer_ref = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		customerRef,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get subscription by customer", err)
	}
	return sub, nil
}

func (s *SQLStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.exec(ctx,
		"INSERT INTO subscriptions ("+subscriptionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.CustomerRef, sub.SubscriptionRef,
		nullMillis(sub.PeriodEnd), toMillis(sub.CreatedAt), toMillis(sub.UpdatedAt),
	)
	return unavailable("create subscription", err)
}

// UpdateSubscription overwrites the mutable columns of an existing row.
func (s *SQLStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	res, err := s.exec(ctx,
		`UPDATE subscriptions SET plan_id = ?, status = ?, customer_ref = ?, subscription_ref = ?, period_end = ?, updated_at = ?
		 WHERE id = ?`,
		sub.PlanID, sub.Status, sub.CustomerRef, sub.SubscriptionRef, nullMillis(sub.PeriodEnd), toMillis(sub.UpdatedAt), sub.ID,
	)
	if err != nil {
		return unavailable("update subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update subscription", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpiredCancellations returns cancelled rows whose period ended before the
// given instant, older rows first. A cancelled row without a period end has no
// paid time left and counts as expired.
func (s *SQLStore) ListExpiredCancellations(ctx context.Context, before time.Time, limit int) ([]Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = ? AND (period_end IS NULL OR period_end < ?)
		 ORDER BY created_at, id
		 LIMIT ?`,
		StatusCancelled, toMillis(before), limit,
	)
	if err != nil {
		return nil, unavailable("list expired cancellations", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, unavailable("list expired cancellations", err)
		}
		subs = append(subs, *sub)
	}
	return subs, unavailable("list expired cancellations", rows.Err())
}

// DemoteExpiredCancellation moves one expired cancellation to the given plan
// and back to active, leaving the period end as is. The predicate is re-checked
// in the UPDATE, so concurrent or repeated demotions of the same row are no-ops;
// the return value reports whether this call changed the row.
func (s *SQLStore) DemoteExpiredCancellation(ctx context.Context, id, planID string, before, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE subscriptions SET plan_id = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND (period_end IS NULL OR period_end < ?)`,
		planID, StatusActive, toMillis(now), id, StatusCancelled, toMillis(before),
	)
	if err != nil {
		return false, unavailable("demote subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("demote subscription", err)
	}
	return n > 0, nil
}

// --- Usage ---

func (s *SQLStore) AppendUsageEvent(ctx context.Context, ev *UsageEvent) error {
	_, err := s.exec(ctx,
		"INSERT INTO usage_events (id, user_id, resource, occurred_at) VALUES (?, ?, ?, ?)",
		ev.ID, ev.UserID, ev.Resource, toMillis(ev.OccurredAt),
	)
	return unavailable("append usage event", err)
}

// CountUsageEventsSince counts events with occurred_at >= since.
func (s *SQLStore) CountUsageEventsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx,
		"SELECT COUNT(*) FROM usage_events WHERE user_id = ? AND occurred_at >= ?",
		userID, toMillis(since),
	).Scan(&n)
	if err != nil {
		return 0, unavailable("count usage events", err)
	}
	return n, nil
}

func (s *SQLStore) ListUsageEvents(ctx context.Context, userID string, since time.Time, limit int) ([]UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx,
		`SELECT id, user_id, resource, occurred_at FROM usage_events
		 WHERE user_id = ? AND occurred_at >= ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		userID, toMillis(since), limit,
	)
	if err != nil {
		return nil, unavailable("list usage events", err)
	}
	defer rows.Close()

	var events []UsageEvent
	for rows.Next() {
		var ev UsageEvent
		var at int64
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Resource, &at); err != nil {
			return nil, unavailable("list usage events", err)
		}
		ev.OccurredAt = fromMillis(at)
		events = append(events, ev)
	}
	return events, unavailable("list usage events", rows.Err())
}

// --- Sites ---

func (s *SQLStore) CreateSite(ctx context.Context, site *Site) error {
	_, err := s.exec(ctx,
		"INSERT INTO sites (id, user_id, url, created_at) VALUES (?, ?, ?, ?)",
		site.ID, site.UserID, site.URL, toMillis(site.CreatedAt),
	)
	return unavailable("create site", err)
}

func (s *SQLStore) ListSites(ctx context.Context, userID string) ([]Site, error) {
	rows, err := s.query(ctx,
		"SELECT id, user_id, url, created_at FROM sites WHERE user_id = ? ORDER BY created_at, id",
		userID,
	)
	if err != nil {
		return nil, unavailable("list sites", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		var created int64
		if err := rows.Scan(&site.ID, &site.UserID, &site.URL, &created); err != nil {
			return nil, unavailable("list sites", err)
		}
		site.CreatedAt = fromMillis(created)
		sites = append(sites, site)
	}
	return sites, unavailable("list sites", rows.Err())
}

func (s *SQLStore) CountSites(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM sites WHERE user_id = ?", userID).Scan(&n); err != nil {
		return 0, unavailable("count sites", err)
	}
	return n, nil
}

func (s *SQLStore) DeleteSite(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.exec(ctx, "DELETE FROM sites WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return false, unavailable("delete site", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("delete site", err)
	}
	return n > 0, nil
}

// --- Admin trail ---

func (s *SQLStore) LogAdminEvent(ctx context.Context, ev *AdminEvent) error {
	_, err := s.exec(ctx,
		"INSERT INTO admin_events (id, action, actor_id, user_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ev.ID, ev.Action, ev.ActorID, ev.UserID, string(ev.Detail), toMillis(ev.CreatedAt),
	)
	return unavailable("log admin event", err)
}

func (s *SQLStore) ListAdminEvents(ctx context.Context, filter AdminEventFilter) ([]AdminEvent, error) {
	query := "SELECT id, action, actor_id, user_id, detail, created_at FROM admin_events WHERE 1 = 1"
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list admin events", err)
	}
	defer rows.Close()

	var events []AdminEvent
	for rows.Next() {
		var e AdminEvent
		var detail string
		var created int64
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.UserID, &detail, &created); err != nil {
			return nil, unavailable("list admin events", err)
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, unavailable("list admin events", rows.Err())
}
