package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// NewMySQL opens a MySQL store and runs migrations.
func NewMySQL(dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	// Timestamps are integers; no driver-side time parsing needed.
	cfg.ParseTime = false
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["charset"] = "utf8mb4"

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, dialect: dialectMySQL}
	if err := s.migrate(mysqlMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(191) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL DEFAULT 'user',
		created_at BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		plan_id VARCHAR(64) NOT NULL DEFAULT 'free',
		status VARCHAR(32) NOT NULL DEFAULT 'active',
		customer_ref VARCHAR(191) NOT NULL DEFAULT '',
		subscription_ref VARCHAR(191) NOT NULL DEFAULT '',
		period_end BIGINT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_subscriptions_user_created (user_id, created_at),
		INDEX idx_subscriptions_customer_ref (customer_ref),
		INDEX idx_subscriptions_status_period (status, period_end)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS usage_events (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		resource VARCHAR(2048) NOT NULL DEFAULT '',
		occurred_at BIGINT NOT NULL,
		INDEX idx_usage_events_user_time (user_id, occurred_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS sites (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		url VARCHAR(2048) NOT NULL,
		created_at BIGINT NOT NULL,
		INDEX idx_sites_user_id (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS admin_events (
		id VARCHAR(64) PRIMARY KEY,
		action VARCHAR(64) NOT NULL,
		actor_id VARCHAR(191) NOT NULL DEFAULT '',
		user_id VARCHAR(191) NOT NULL DEFAULT '',
		detail TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		INDEX idx_admin_events_created_at (created_at),
		INDEX idx_admin_events_action (action)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
