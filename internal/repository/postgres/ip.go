package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/coldsend-control/internal/domain"
)

const ipColumns = `id, tenant_id, address, hostname, purpose, status, weight,
	vmta_name, pool_name, sender_email, node_id, mailwizz_server_id,
	quarantine_until, blacklisted_on, status_changed_at, created_at`

// IPStore persists sending IPs.
type IPStore struct {
	db *sql.DB
}

// NewIPStore creates an IP store.
func NewIPStore(db *sql.DB) *IPStore {
	return &IPStore{db: db}
}

func scanIP(row interface{ Scan(...any) error }) (*domain.IP, error) {
	var ip domain.IP
	var quarantine sql.NullTime
	err := row.Scan(&ip.ID, &ip.TenantID, &ip.Address, &ip.Hostname, &ip.Purpose,
		&ip.Status, &ip.Weight, &ip.VMTAName, &ip.PoolName, &ip.SenderEmail,
		&ip.NodeID, &ip.MailwizzServerID, &quarantine,
		pq.Array(&ip.BlacklistedOn), &ip.StatusChangedAt, &ip.CreatedAt)
	if err != nil {
		return nil, err
	}
	if quarantine.Valid {
		ip.QuarantineUntil = &quarantine.Time
	}
	return &ip, nil
}

// Create inserts a new IP row and fills in its id and timestamps.
func (s *IPStore) Create(ctx context.Context, ip *domain.IP) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ips (tenant_id, address, hostname, purpose, status, weight,
			vmta_name, pool_name, sender_email, node_id, mailwizz_server_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, status_changed_at, created_at`,
		ip.TenantID, ip.Address, ip.Hostname, ip.Purpose, ip.Status, ip.Weight,
		ip.VMTAName, ip.PoolName, ip.SenderEmail, ip.NodeID, ip.MailwizzServerID).
		Scan(&ip.ID, &ip.StatusChangedAt, &ip.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("ip %s: %w", ip.Address, domain.ErrConflict)
		}
		return fmt.Errorf("create ip %s: %w", ip.Address, err)
	}
	return nil
}

// GetByID fetches one IP.
func (s *IPStore) GetByID(ctx context.Context, id int64) (*domain.IP, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ipColumns+` FROM ips WHERE id = $1`, id)
	ip, err := scanIP(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ip %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ip %d: %w", id, err)
	}
	return ip, nil
}

// GetByAddress fetches one IP by its address.
func (s *IPStore) GetByAddress(ctx context.Context, address string) (*domain.IP, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ipColumns+` FROM ips WHERE address = $1`, address)
	ip, err := scanIP(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ip %s: %w", address, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ip %s: %w", address, err)
	}
	return ip, nil
}

// GetByVMTA fetches one IP by its vmta name.
func (s *IPStore) GetByVMTA(ctx context.Context, vmtaName string) (*domain.IP, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ipColumns+` FROM ips WHERE vmta_name = $1`, vmtaName)
	ip, err := scanIP(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vmta %s: %w", vmtaName, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ip by vmta %s: %w", vmtaName, err)
	}
	return ip, nil
}

func (s *IPStore) queryIPs(ctx context.Context, query string, args ...any) ([]*domain.IP, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []*domain.IP
	for rows.Next() {
		ip, err := scanIP(rows)
		if err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// ListByTenant returns all of a tenant's IPs, newest first.
func (s *IPStore) ListByTenant(ctx context.Context, tenantID int64) ([]*domain.IP, error) {
	ips, err := s.queryIPs(ctx,
		`SELECT `+ipColumns+` FROM ips WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list ips for tenant %d: %w", tenantID, err)
	}
	return ips, nil
}

// ListByStatus returns all IPs in any of the given statuses, across tenants.
// Used by scheduled jobs (blacklist sweep, rotation, quarantine release).
func (s *IPStore) ListByStatus(ctx context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error) {
	list := make([]string, len(statuses))
	for i, st := range statuses {
		list[i] = string(st)
	}
	ips, err := s.queryIPs(ctx,
		`SELECT `+ipColumns+` FROM ips WHERE status = ANY($1) ORDER BY status_changed_at ASC`,
		pq.Array(list))
	if err != nil {
		return nil, fmt.Errorf("list ips by status: %w", err)
	}
	return ips, nil
}

// ListRestingExpired returns RESTING IPs whose quarantine window has passed.
func (s *IPStore) ListRestingExpired(ctx context.Context, now time.Time) ([]*domain.IP, error) {
	ips, err := s.queryIPs(ctx,
		`SELECT `+ipColumns+` FROM ips
		 WHERE status = $1 AND quarantine_until IS NOT NULL AND quarantine_until <= $2
		 ORDER BY quarantine_until ASC`,
		domain.StatusResting, now)
	if err != nil {
		return nil, fmt.Errorf("list expired resting ips: %w", err)
	}
	return ips, nil
}

// FirstStandby returns the tenant's oldest STANDBY IP, or ErrNotFound.
func (s *IPStore) FirstStandby(ctx context.Context, tenantID int64) (*domain.IP, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ipColumns+` FROM ips
		 WHERE tenant_id = $1 AND status = $2
		 ORDER BY status_changed_at ASC LIMIT 1`,
		tenantID, domain.StatusStandby)
	ip, err := scanIP(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no standby ip for tenant %d: %w", tenantID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("first standby for tenant %d: %w", tenantID, err)
	}
	return ip, nil
}

// UpdateStatus moves an IP from one status to another with check-and-swap
// semantics: the row is only touched when it is still in the expected status,
// which serializes concurrent transitions on the same IP.
func (s *IPStore) UpdateStatus(ctx context.Context, id int64, from, to domain.IPStatus, quarantineUntil *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ips
		SET status = $1, quarantine_until = $2, status_changed_at = now()
		WHERE id = $3 AND status = $4`,
		to, quarantineUntil, id, from)
	if err != nil {
		return fmt.Errorf("update ip %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ip %d status: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("ip %d not in status %s: %w", id, from, domain.ErrInvalidState)
	}
	return nil
}

// SetBlacklistedOn replaces the set of blacklists an IP is listed on.
func (s *IPStore) SetBlacklistedOn(ctx context.Context, id int64, zones []string) error {
	if zones == nil {
		zones = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ips SET blacklisted_on = $1 WHERE id = $2`, pq.Array(zones), id)
	if err != nil {
		return fmt.Errorf("set blacklisted_on for ip %d: %w", id, err)
	}
	return nil
}

// SetMailwizzServerID records the correlated delivery-server id.
func (s *IPStore) SetMailwizzServerID(ctx context.Context, id, serverID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ips SET mailwizz_server_id = $1 WHERE id = $2`, serverID, id)
	if err != nil {
		return fmt.Errorf("set mailwizz server for ip %d: %w", id, err)
	}
	return nil
}

// UpdateWeight changes an IP's rotation weight.
func (s *IPStore) UpdateWeight(ctx context.Context, id int64, weight int) error {
	if weight < 0 || weight > 100 {
		return fmt.Errorf("weight %d out of range: %w", weight, domain.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE ips SET weight = $1 WHERE id = $2`, weight, id)
	if err != nil {
		return fmt.Errorf("update weight for ip %d: %w", id, err)
	}
	return nil
}

// Delete removes an IP row.
func (s *IPStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ips WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ip %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ip %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
