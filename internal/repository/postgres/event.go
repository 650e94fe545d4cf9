package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/coldsend-control/internal/domain"
)

// EventStore persists delivery-feedback audit rows.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an event store.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Insert writes one event row.
func (s *EventStore) Insert(ctx context.Context, ev *domain.Event) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events (tenant_id, ip_id, email, type, source_ip, vmta, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		ev.TenantID, ev.IPID, ev.Email, ev.Type, ev.SourceIP, ev.VMTA,
		ev.Detail, ev.OccurredAt).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListByTenant returns a tenant's events, newest first.
func (s *EventStore) ListByTenant(ctx context.Context, tenantID int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, ip_id, email, type, source_ip, vmta, detail, occurred_at
		FROM events WHERE tenant_id = $1
		ORDER BY occurred_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.IPID, &ev.Email, &ev.Type,
			&ev.SourceIP, &ev.VMTA, &ev.Detail, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
