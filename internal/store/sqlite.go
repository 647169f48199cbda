package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// NewSQLite opens a SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLStore, error) {
	// Each ":memory:" store gets its own named shared-cache database so pooled
	// connections see the same data without leaking into other stores.
	if dsn == ":memory:" {
		dsn = fmt.Sprintf("file:memdb-%s?mode=memory&cache=shared", uuid.NewString())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows a single writer; serialising on one connection avoids
	// SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plan_id TEXT NOT NULL DEFAULT 'free',
		status TEXT NOT NULL DEFAULT 'active',
		customer_ref TEXT NOT NULL DEFAULT '',
		subscription_ref TEXT NOT NULL DEFAULT '',
		period_end INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_created ON subscriptions(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_ref ON subscriptions(customer_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_status_period ON subscriptions(status, period_end)`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		occurred_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_events_user_time ON usage_events(user_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		url TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sites_user_id ON sites(user_id)`,
	`CREATE TABLE IF NOT EXISTS admin_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_admin_events_created_at ON admin_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_admin_events_action ON admin_events(action)`,
}
