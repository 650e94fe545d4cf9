package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/coldsend-control/internal/domain"
)

// TenantStore reads tenants. Tenants are created out-of-band; this service
// never mutates them.
type TenantStore struct {
	db *sql.DB
}

// NewTenantStore creates a tenant store.
func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: db}
}

// GetByID fetches one tenant.
func (s *TenantStore) GetByID(ctx context.Context, id int64) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, brand_domain, sending_domain_base, active
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Slug, &t.BrandDomain, &t.SendingDomainBase, &t.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %d: %w", id, err)
	}
	return &t, nil
}

// GetBySlug fetches one tenant by its slug.
func (s *TenantStore) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, brand_domain, sending_domain_base, active
		FROM tenants WHERE slug = $1`, slug).
		Scan(&t.ID, &t.Slug, &t.BrandDomain, &t.SendingDomainBase, &t.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %s: %w", slug, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", slug, err)
	}
	return &t, nil
}

// ListActive returns all active tenants.
func (s *TenantStore) ListActive(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, brand_domain, sending_domain_base, active
		FROM tenants WHERE active ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Slug, &t.BrandDomain, &t.SendingDomainBase, &t.Active); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}
