package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema owned by this service. MailWizz tables are never touched from here;
// they belong to the adapter in internal/mailwizz.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id BIGSERIAL PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		brand_domain TEXT NOT NULL DEFAULT '',
		sending_domain_base TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS ips (
		id BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		address TEXT NOT NULL UNIQUE,
		hostname TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT 'cold',
		status TEXT NOT NULL DEFAULT 'standby',
		weight INT NOT NULL DEFAULT 100,
		vmta_name TEXT NOT NULL DEFAULT '',
		pool_name TEXT NOT NULL DEFAULT '',
		sender_email TEXT NOT NULL DEFAULT '',
		node_id TEXT NOT NULL DEFAULT '',
		mailwizz_server_id BIGINT NOT NULL DEFAULT 0,
		quarantine_until TIMESTAMPTZ,
		blacklisted_on TEXT[] NOT NULL DEFAULT '{}',
		status_changed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ips_sender_email_uniq
		ON ips (sender_email) WHERE sender_email <> ''`,
	`CREATE INDEX IF NOT EXISTS ips_tenant_status_idx ON ips (tenant_id, status)`,
	`CREATE TABLE IF NOT EXISTS domains (
		id BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name TEXT NOT NULL UNIQUE,
		node_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS warmup_plans (
		id BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		ip_id BIGINT NOT NULL UNIQUE REFERENCES ips(id) ON DELETE CASCADE,
		phase TEXT NOT NULL DEFAULT 'day_1',
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		current_daily_quota INT NOT NULL DEFAULT 5,
		target_daily_quota INT NOT NULL DEFAULT 20000,
		bounce_rate_7d DOUBLE PRECISION NOT NULL DEFAULT 0,
		spam_rate_7d DOUBLE PRECISION NOT NULL DEFAULT 0,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		pause_until TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS warmup_daily_stats (
		id BIGSERIAL PRIMARY KEY,
		plan_id BIGINT NOT NULL REFERENCES warmup_plans(id) ON DELETE CASCADE,
		date DATE NOT NULL,
		sent INT NOT NULL DEFAULT 0,
		delivered INT NOT NULL DEFAULT 0,
		bounced INT NOT NULL DEFAULT 0,
		complaints INT NOT NULL DEFAULT 0,
		opens INT NOT NULL DEFAULT 0,
		clicks INT NOT NULL DEFAULT 0,
		UNIQUE (plan_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS blacklist_events (
		id BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		ip_id BIGINT NOT NULL REFERENCES ips(id) ON DELETE CASCADE,
		blacklist_name TEXT NOT NULL,
		listed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		delisted_at TIMESTAMPTZ,
		auto_recovered BOOLEAN NOT NULL DEFAULT FALSE,
		standby_activated_id BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS blacklist_open_uniq
		ON blacklist_events (ip_id, blacklist_name) WHERE delisted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		ip_id BIGINT NOT NULL DEFAULT 0,
		email TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		source_ip TEXT NOT NULL DEFAULT '',
		vmta TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS events_tenant_time_idx ON events (tenant_id, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS health_checks (
		id BIGSERIAL PRIMARY KEY,
		checked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		node_id TEXT NOT NULL,
		running BOOLEAN NOT NULL DEFAULT FALSE,
		queue_depth INT NOT NULL DEFAULT -1
	)`,
	`CREATE TABLE IF NOT EXISTS alert_logs (
		id BIGSERIAL PRIMARY KEY,
		severity TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		sent BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates all tables and indexes this service owns.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
