package mailwizz

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ignite/coldsend-control/internal/config"
	"github.com/ignite/coldsend-control/internal/domain"
)

// dockerHostAlias resolves inside containers on Mac/Windows; on Linux the
// bridge gateway is the equivalent fallback.
const (
	dockerHostAlias  = "host.docker.internal"
	dockerBridgeAddr = "172.17.0.1"
	connectTimeout   = 5 * time.Second
)

// DB is a direct MySQL client for the MailWizz database. It manages delivery
// servers (creation, deletion, quotas, status), options and customer↔server
// isolation. When the database is unreachable at startup the client degrades:
// every operation returns ErrUnavailable and the rest of the system carries on.
type DB struct {
	cfg config.MailWizzConfig
	sql *sql.DB
}

// ServerParams describes one delivery server to create. FromEmail must equal
// the pattern-list sender email on the PowerMTA side; that equality is what
// ties a MailWizz server to its vmta.
type ServerParams struct {
	Name        string
	Hostname    string
	Port        int
	FromEmail   string
	FromName    string
	HourlyQuota int
	MaxConnMsgs int
	CustomerID  int64
}

// Server is a delivery-server row read back from MailWizz.
type Server struct {
	ID          int64
	Name        string
	Hostname    string
	FromEmail   string
	Status      string
	HourlyQuota int
}

// Customer is one MailWizz customer with its assigned delivery servers.
type Customer struct {
	ID      int64
	Email   string
	Status  string
	Servers []Server
}

// New builds a MailWizz client and attempts the initial connection. A failed
// connection is not fatal; the client stays in degraded mode.
func New(cfg config.MailWizzConfig) *DB {
	db := &DB{cfg: cfg}
	if err := db.connect(); err != nil {
		log.Printf("[MailWizz] unavailable, running degraded: %v", err)
	}
	return db
}

func (d *DB) connect() error {
	if d.cfg.Password == "" {
		return fmt.Errorf("no password configured")
	}

	hosts := []string{d.cfg.Host}
	if d.cfg.Host == dockerHostAlias {
		hosts = append(hosts, dockerBridgeAddr)
	}

	var lastErr error
	for _, host := range hosts {
		mc := mysql.NewConfig()
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", host, d.cfg.Port)
		mc.User = d.cfg.User
		mc.Passwd = d.cfg.Password
		mc.DBName = d.cfg.Database
		mc.Timeout = connectTimeout
		mc.ParseTime = true

		conn, err := sql.Open("mysql", mc.FormatDSN())
		if err != nil {
			lastErr = err
			continue
		}
		conn.SetMaxOpenConns(5)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err = conn.PingContext(ctx)
		cancel()
		if err != nil {
			conn.Close()
			lastErr = err
			log.Printf("[MailWizz] connect to %s failed: %v", host, err)
			continue
		}

		d.sql = conn
		log.Printf("[MailWizz] connected to %s/%s", host, d.cfg.Database)
		return nil
	}
	return lastErr
}

// Available reports whether the client holds a live connection.
func (d *DB) Available() bool { return d.sql != nil }

func (d *DB) ensure() error {
	if d.sql == nil {
		return fmt.Errorf("mailwizz database: %w", domain.ErrUnavailable)
	}
	return nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	if d.sql == nil {
		return nil
	}
	err := d.sql.Close()
	d.sql = nil
	return err
}

// CreateDeliveryServer inserts one SMTP delivery server and returns its id.
func (d *DB) CreateDeliveryServer(ctx context.Context, p ServerParams) (int64, error) {
	if err := d.ensure(); err != nil {
		return 0, err
	}
	if p.HourlyQuota <= 0 {
		p.HourlyQuota = d.cfg.InitialHourly
	}
	if p.MaxConnMsgs <= 0 {
		p.MaxConnMsgs = d.cfg.MaxConnMessages
	}
	if p.CustomerID <= 0 {
		p.CustomerID = d.cfg.DefaultCustomerID
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")

	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO mw_delivery_server (
			customer_id, name, hostname, username, password,
			port, protocol, type,
			from_email, from_name, reply_to_email,
			max_connection_messages, probability,
			hourly_quota, daily_quota, monthly_quota,
			hourly_usage, daily_usage, monthly_usage,
			bounce_server_id, signing_enabled,
			status, date_added, last_updated
		) VALUES (?, ?, ?, '', '', ?, 'smtp', 'smtp', ?, ?, ?, ?, 100,
			?, 0, 0, 0, 0, 0, 0, 'yes', 'active', ?, ?)`,
		p.CustomerID, p.Name, p.Hostname,
		p.Port, p.FromEmail, p.FromName, p.FromEmail, p.MaxConnMsgs,
		p.HourlyQuota, now, now)
	if err != nil {
		return 0, fmt.Errorf("create delivery server %s: %v: %w", p.Name, err, domain.ErrUnavailable)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create delivery server %s: read id: %v: %w", p.Name, err, domain.ErrUnavailable)
	}
	log.Printf("[MailWizz] delivery server %d created (%s, %s, %d/h)", id, p.Name, p.FromEmail, p.HourlyQuota)
	return id, nil
}

// DeleteDeliveryServer removes a delivery server row.
func (d *DB) DeleteDeliveryServer(ctx context.Context, serverID int64) error {
	if err := d.ensure(); err != nil {
		return err
	}
	res, err := d.sql.ExecContext(ctx, "DELETE FROM mw_delivery_server WHERE server_id = ?", serverID)
	if err != nil {
		return fmt.Errorf("delete delivery server %d: %v: %w", serverID, err, domain.ErrUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delivery server %d: %w", serverID, domain.ErrNotFound)
	}
	return nil
}

// SetServerStatus updates a server's status: active, inactive or in-use.
func (d *DB) SetServerStatus(ctx context.Context, serverID int64, status string) error {
	switch status {
	case "active", "inactive", "in-use":
	default:
		return fmt.Errorf("server status %q: %w", status, domain.ErrValidation)
	}
	if err := d.ensure(); err != nil {
		return err
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	_, err := d.sql.ExecContext(ctx,
		"UPDATE mw_delivery_server SET status = ?, last_updated = ? WHERE server_id = ?",
		status, now, serverID)
	if err != nil {
		return fmt.Errorf("set server %d status %s: %v: %w", serverID, status, err, domain.ErrUnavailable)
	}
	return nil
}

// SetServerQuota updates a server's hourly quota.
func (d *DB) SetServerQuota(ctx context.Context, serverID int64, hourlyQuota int) error {
	if err := d.ensure(); err != nil {
		return err
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	_, err := d.sql.ExecContext(ctx, `
		UPDATE mw_delivery_server
		SET hourly_quota = ?, last_updated = ?
		WHERE server_id = ?`,
		hourlyQuota, now, serverID)
	if err != nil {
		return fmt.Errorf("set server %d quota: %v: %w", serverID, err, domain.ErrUnavailable)
	}
	return nil
}

// GetServerQuota reads back a server's hourly quota.
func (d *DB) GetServerQuota(ctx context.Context, serverID int64) (int, error) {
	if err := d.ensure(); err != nil {
		return 0, err
	}
	var quota int
	err := d.sql.QueryRowContext(ctx,
		"SELECT hourly_quota FROM mw_delivery_server WHERE server_id = ?", serverID).Scan(&quota)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("delivery server %d: %w", serverID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get server %d quota: %v: %w", serverID, err, domain.ErrUnavailable)
	}
	return quota, nil
}

// DailyToHourly spreads a daily quota over 16 active sending hours with a
// 20% safety margin, never below one message per hour.
func DailyToHourly(daily int) int {
	h := int(math.Floor(float64(daily) / 16.0 * 0.8))
	if h < 1 {
		return 1
	}
	return h
}

// SyncWarmupQuota converts a warmup daily quota to hourly and applies it.
func (d *DB) SyncWarmupQuota(ctx context.Context, serverID int64, dailyQuota int) error {
	return d.SetServerQuota(ctx, serverID, DailyToHourly(dailyQuota))
}

// ResetDailyUsage zeroes the daily and hourly usage counters of one server.
func (d *DB) ResetDailyUsage(ctx context.Context, serverID int64) error {
	if err := d.ensure(); err != nil {
		return err
	}
	_, err := d.sql.ExecContext(ctx,
		"UPDATE mw_delivery_server SET daily_usage = 0, hourly_usage = 0 WHERE server_id = ?", serverID)
	if err != nil {
		return fmt.Errorf("reset usage for server %d: %v: %w", serverID, err, domain.ErrUnavailable)
	}
	return nil
}

// ResetAllDailyUsage zeroes usage counters for every active server and
// returns the number of rows touched.
func (d *DB) ResetAllDailyUsage(ctx context.Context) (int64, error) {
	if err := d.ensure(); err != nil {
		return 0, err
	}
	res, err := d.sql.ExecContext(ctx,
		"UPDATE mw_delivery_server SET daily_usage = 0, hourly_usage = 0 WHERE status = 'active'")
	if err != nil {
		return 0, fmt.Errorf("reset all usage: %v: %w", err, domain.ErrUnavailable)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetBounceStats aggregates delivery outcomes for one server over the last
// N days from the MailWizz delivery log.
func (d *DB) GetBounceStats(ctx context.Context, serverID int64, days int) (domain.BounceStats, error) {
	var stats domain.BounceStats
	if err := d.ensure(); err != nil {
		return stats, err
	}

	var sent, delivered, bounced, complaints sql.NullInt64
	err := d.sql.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'hard-bounce' OR status = 'soft-bounce' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'complaint' THEN 1 ELSE 0 END)
		FROM mw_campaign_delivery_log
		WHERE delivery_server_id = ?
		  AND date_added >= DATE_SUB(NOW(), INTERVAL ? DAY)`,
		serverID, days).Scan(&sent, &delivered, &bounced, &complaints)
	if err != nil {
		return stats, fmt.Errorf("bounce stats for server %d: %v: %w", serverID, err, domain.ErrUnavailable)
	}

	stats.Sent = int(sent.Int64)
	stats.Delivered = int(delivered.Int64)
	stats.Bounced = int(bounced.Int64)
	stats.Complaints = int(complaints.Int64)
	if stats.Sent > 0 {
		stats.BounceRate = float64(stats.Bounced) / float64(stats.Sent) * 100
		stats.SpamRate = float64(stats.Complaints) / float64(stats.Sent) * 100
	}
	return stats, nil
}

// GetOption reads one option value, or ErrNotFound when the key is absent.
func (d *DB) GetOption(ctx context.Context, key string) (string, error) {
	if err := d.ensure(); err != nil {
		return "", err
	}
	var value string
	err := d.sql.QueryRowContext(ctx,
		"SELECT option_value FROM mw_option WHERE option_name = ? LIMIT 1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("option %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get option %s: %v: %w", key, err, domain.ErrUnavailable)
	}
	return value, nil
}

// SetOption upserts one option value.
func (d *DB) SetOption(ctx context.Context, key, value string) error {
	if err := d.ensure(); err != nil {
		return err
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO mw_option (option_name, option_value)
		VALUES (?, ?)
		ON DUPLICATE KEY UPDATE option_value = VALUES(option_value)`,
		key, value)
	if err != nil {
		return fmt.Errorf("set option %s: %v: %w", key, err, domain.ErrUnavailable)
	}
	return nil
}

// ListCustomersWithServers lists every customer together with the delivery
// servers it may use (owned or assigned).
func (d *DB) ListCustomersWithServers(ctx context.Context) ([]Customer, error) {
	if err := d.ensure(); err != nil {
		return nil, err
	}

	rows, err := d.sql.QueryContext(ctx,
		"SELECT customer_id, email, status FROM mw_customer ORDER BY customer_id")
	if err != nil {
		return nil, fmt.Errorf("list customers: %v: %w", err, domain.ErrUnavailable)
	}
	defer rows.Close()

	var customers []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Email, &c.Status); err != nil {
			return nil, fmt.Errorf("scan customer: %v: %w", err, domain.ErrUnavailable)
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list customers: %v: %w", err, domain.ErrUnavailable)
	}

	for i := range customers {
		servers, err := d.serversForCustomer(ctx, customers[i].ID)
		if err != nil {
			return nil, err
		}
		customers[i].Servers = servers
	}
	return customers, nil
}

func (d *DB) serversForCustomer(ctx context.Context, customerID int64) ([]Server, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT ds.server_id, ds.name, ds.from_email, ds.hostname, ds.status, ds.hourly_quota
		FROM mw_delivery_server ds
		LEFT JOIN mw_delivery_server_to_customer dsc
			ON ds.server_id = dsc.server_id AND dsc.customer_id = ?
		WHERE dsc.customer_id IS NOT NULL
		   OR ds.customer_id = ?
		ORDER BY ds.server_id`,
		customerID, customerID)
	if err != nil {
		return nil, fmt.Errorf("servers for customer %d: %v: %w", customerID, err, domain.ErrUnavailable)
	}
	defer rows.Close()

	var servers []Server
	for rows.Next() {
		var s Server
		if err := rows.Scan(&s.ID, &s.Name, &s.FromEmail, &s.Hostname, &s.Status, &s.HourlyQuota); err != nil {
			return nil, fmt.Errorf("scan server: %v: %w", err, domain.ErrUnavailable)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// AssignServersToCustomer replaces the customer's server assignment set.
// Replace semantics: old assignments are deleted, then the new set inserted.
func (d *DB) AssignServersToCustomer(ctx context.Context, customerID int64, serverIDs []int64) error {
	if err := d.ensure(); err != nil {
		return err
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assign servers: begin: %v: %w", err, domain.ErrUnavailable)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM mw_delivery_server_to_customer WHERE customer_id = ?", customerID); err != nil {
		return fmt.Errorf("assign servers: clear: %v: %w", err, domain.ErrUnavailable)
	}
	for _, id := range serverIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO mw_delivery_server_to_customer (server_id, customer_id)
			VALUES (?, ?)`, id, customerID); err != nil {
			return fmt.Errorf("assign server %d: %v: %w", id, err, domain.ErrUnavailable)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("assign servers: commit: %v: %w", err, domain.ErrUnavailable)
	}
	log.Printf("[MailWizz] customer %d assigned %d servers", customerID, len(serverIDs))
	return nil
}
