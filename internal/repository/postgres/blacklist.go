package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/coldsend-control/internal/domain"
)

const blacklistColumns = `id, tenant_id, ip_id, blacklist_name, listed_at,
	delisted_at, auto_recovered, standby_activated_id`

// BlacklistStore persists RBL listing events.
type BlacklistStore struct {
	db *sql.DB
}

// NewBlacklistStore creates a blacklist event store.
func NewBlacklistStore(db *sql.DB) *BlacklistStore {
	return &BlacklistStore{db: db}
}

func scanBlacklistEvent(row interface{ Scan(...any) error }) (*domain.BlacklistEvent, error) {
	var ev domain.BlacklistEvent
	var delisted sql.NullTime
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.IPID, &ev.BlacklistName,
		&ev.ListedAt, &delisted, &ev.AutoRecovered, &ev.StandbyActivatedID)
	if err != nil {
		return nil, err
	}
	if delisted.Valid {
		ev.DelistedAt = &delisted.Time
	}
	return &ev, nil
}

// Open records a new listing. When an open event for the same (ip, zone)
// already exists the insert is a no-op and opened reports false.
func (s *BlacklistStore) Open(ctx context.Context, ev *domain.BlacklistEvent) (opened bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO blacklist_events (tenant_id, ip_id, blacklist_name, listed_at, standby_activated_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ip_id, blacklist_name) WHERE delisted_at IS NULL DO NOTHING
		RETURNING id`,
		ev.TenantID, ev.IPID, ev.BlacklistName, ev.ListedAt, ev.StandbyActivatedID).Scan(&ev.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open blacklist event for ip %d on %s: %w", ev.IPID, ev.BlacklistName, err)
	}
	return true, nil
}

// ListOpen returns every event without a delisting timestamp.
func (s *BlacklistStore) ListOpen(ctx context.Context) ([]*domain.BlacklistEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blacklistColumns+` FROM blacklist_events WHERE delisted_at IS NULL ORDER BY listed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open blacklist events: %w", err)
	}
	defer rows.Close()
	return collectBlacklistEvents(rows)
}

// ListByTenant returns a tenant's events, newest first.
func (s *BlacklistStore) ListByTenant(ctx context.Context, tenantID int64, limit int) ([]*domain.BlacklistEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blacklistColumns+` FROM blacklist_events
		 WHERE tenant_id = $1 ORDER BY listed_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list blacklist events for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()
	return collectBlacklistEvents(rows)
}

func collectBlacklistEvents(rows *sql.Rows) ([]*domain.BlacklistEvent, error) {
	var events []*domain.BlacklistEvent
	for rows.Next() {
		ev, err := scanBlacklistEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blacklist event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close stamps an open event as delisted.
func (s *BlacklistStore) Close(ctx context.Context, id int64, at time.Time, autoRecovered bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blacklist_events SET delisted_at = $1, auto_recovered = $2
		WHERE id = $3 AND delisted_at IS NULL`,
		at, autoRecovered, id)
	if err != nil {
		return fmt.Errorf("close blacklist event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blacklist event %d not open: %w", id, domain.ErrInvalidState)
	}
	return nil
}

// SetStandbyActivated records which standby IP was promoted for this event.
func (s *BlacklistStore) SetStandbyActivated(ctx context.Context, id, standbyID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE blacklist_events SET standby_activated_id = $1 WHERE id = $2`, standbyID, id)
	if err != nil {
		return fmt.Errorf("set standby for blacklist event %d: %w", id, err)
	}
	return nil
}
