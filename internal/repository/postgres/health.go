package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/coldsend-control/internal/domain"
)

// HealthStore persists node health snapshots.
type HealthStore struct {
	db *sql.DB
}

// NewHealthStore creates a health snapshot store.
func NewHealthStore(db *sql.DB) *HealthStore {
	return &HealthStore{db: db}
}

// Insert writes one health snapshot.
func (s *HealthStore) Insert(ctx context.Context, h domain.NodeHealth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks (checked_at, node_id, running, queue_depth)
		VALUES ($1, $2, $3, $4)`,
		h.CheckedAt, h.NodeID, h.Running, h.QueueDepth)
	if err != nil {
		return fmt.Errorf("insert health check for %s: %w", h.NodeID, err)
	}
	return nil
}

// Latest returns the most recent snapshot per node.
func (s *HealthStore) Latest(ctx context.Context) ([]*domain.HealthCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (node_id) id, checked_at, node_id, running, queue_depth
		FROM health_checks
		ORDER BY node_id, checked_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest health checks: %w", err)
	}
	defer rows.Close()

	var checks []*domain.HealthCheck
	for rows.Next() {
		var h domain.HealthCheck
		if err := rows.Scan(&h.ID, &h.Timestamp, &h.NodeID, &h.Running, &h.QueueDepth); err != nil {
			return nil, fmt.Errorf("scan health check: %w", err)
		}
		checks = append(checks, &h)
	}
	return checks, rows.Err()
}

// AlertLogStore records every alert the alerter emits.
type AlertLogStore struct {
	db *sql.DB
}

// NewAlertLogStore creates an alert log store.
func NewAlertLogStore(db *sql.DB) *AlertLogStore {
	return &AlertLogStore{db: db}
}

// Insert records one alert and whether it was delivered.
func (s *AlertLogStore) Insert(ctx context.Context, severity, category, message string, sent bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_logs (severity, category, message, sent)
		VALUES ($1, $2, $3, $4)`,
		severity, category, message, sent)
	if err != nil {
		return fmt.Errorf("insert alert log: %w", err)
	}
	return nil
}
