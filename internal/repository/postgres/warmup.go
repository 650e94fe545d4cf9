package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/coldsend-control/internal/domain"
)

const planColumns = `id, tenant_id, ip_id, phase, started_at,
	current_daily_quota, target_daily_quota, bounce_rate_7d, spam_rate_7d,
	paused, pause_until`

// PlanStore persists warmup plans and their daily stats.
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a warmup plan store.
func NewPlanStore(db *sql.DB) *PlanStore {
	return &PlanStore{db: db}
}

func scanPlan(row interface{ Scan(...any) error }) (*domain.WarmupPlan, error) {
	var p domain.WarmupPlan
	var pauseUntil sql.NullTime
	err := row.Scan(&p.ID, &p.TenantID, &p.IPID, &p.Phase, &p.StartedAt,
		&p.CurrentDailyQuota, &p.TargetDailyQuota, &p.BounceRate7d, &p.SpamRate7d,
		&p.Paused, &pauseUntil)
	if err != nil {
		return nil, err
	}
	if pauseUntil.Valid {
		p.PauseUntil = &pauseUntil.Time
	}
	return &p, nil
}

// Create inserts a new plan and fills in its id.
func (s *PlanStore) Create(ctx context.Context, p *domain.WarmupPlan) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO warmup_plans (tenant_id, ip_id, phase, started_at,
			current_daily_quota, target_daily_quota, paused)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		p.TenantID, p.IPID, p.Phase, p.StartedAt,
		p.CurrentDailyQuota, p.TargetDailyQuota, p.Paused).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("create warmup plan for ip %d: %w", p.IPID, err)
	}
	return nil
}

// GetByID fetches one plan.
func (s *PlanStore) GetByID(ctx context.Context, id int64) (*domain.WarmupPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM warmup_plans WHERE id = $1`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("warmup plan %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get warmup plan %d: %w", id, err)
	}
	return p, nil
}

// GetByIP fetches the plan attached to an IP.
func (s *PlanStore) GetByIP(ctx context.Context, ipID int64) (*domain.WarmupPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM warmup_plans WHERE ip_id = $1`, ipID)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("warmup plan for ip %d: %w", ipID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get warmup plan for ip %d: %w", ipID, err)
	}
	return p, nil
}

// ListActive returns every plan that still participates in daily ticks.
func (s *PlanStore) ListActive(ctx context.Context) ([]*domain.WarmupPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM warmup_plans
		WHERE phase NOT IN ($1, $2)
		ORDER BY id ASC`,
		domain.PhaseCompleted, domain.PhaseEmergencyStop)
	if err != nil {
		return nil, fmt.Errorf("list active warmup plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.WarmupPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan warmup plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// ListByTenant returns all plans owned by a tenant.
func (s *PlanStore) ListByTenant(ctx context.Context, tenantID int64) ([]*domain.WarmupPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM warmup_plans WHERE tenant_id = $1 ORDER BY id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list warmup plans for tenant %d: %w", tenantID, err)
	}
	defer rows.Close()

	var plans []*domain.WarmupPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan warmup plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Update persists the mutable plan fields.
func (s *PlanStore) Update(ctx context.Context, p *domain.WarmupPlan) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warmup_plans
		SET phase = $1, current_daily_quota = $2, bounce_rate_7d = $3,
			spam_rate_7d = $4, paused = $5, pause_until = $6
		WHERE id = $7`,
		p.Phase, p.CurrentDailyQuota, p.BounceRate7d, p.SpamRate7d,
		p.Paused, p.PauseUntil, p.ID)
	if err != nil {
		return fmt.Errorf("update warmup plan %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("warmup plan %d: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes a plan and, through the cascade, its daily stats.
func (s *PlanStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM warmup_plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete warmup plan %d: %w", id, err)
	}
	return nil
}

// CountStats returns the number of daily-stat rows for a plan. The warmup
// day number is derived from this count so that pause days never consume
// warmup progress.
func (s *PlanStore) CountStats(ctx context.Context, planID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM warmup_daily_stats WHERE plan_id = $1`, planID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stats for plan %d: %w", planID, err)
	}
	return n, nil
}

// SumStatsSince aggregates sent/bounced/complaints for a plan over all stat
// rows dated on or after the given day.
func (s *PlanStore) SumStatsSince(ctx context.Context, planID int64, since time.Time) (sent, bounced, complaints int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(sent), 0), COALESCE(SUM(bounced), 0), COALESCE(SUM(complaints), 0)
		FROM warmup_daily_stats
		WHERE plan_id = $1 AND date >= $2`,
		planID, since.Format("2006-01-02")).Scan(&sent, &bounced, &complaints)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum stats for plan %d: %w", planID, err)
	}
	return sent, bounced, complaints, nil
}

// HasStat reports whether a stat row exists for the plan on the given date.
func (s *PlanStore) HasStat(ctx context.Context, planID int64, date time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM warmup_daily_stats WHERE plan_id = $1 AND date = $2)`,
		planID, date.Format("2006-01-02")).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check stat for plan %d: %w", planID, err)
	}
	return exists, nil
}

// UpsertDailyStat writes one day of outcomes for a plan.
func (s *PlanStore) UpsertDailyStat(ctx context.Context, st *domain.WarmupDailyStat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warmup_daily_stats (plan_id, date, sent, delivered, bounced, complaints, opens, clicks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plan_id, date) DO UPDATE SET
			sent = EXCLUDED.sent, delivered = EXCLUDED.delivered,
			bounced = EXCLUDED.bounced, complaints = EXCLUDED.complaints,
			opens = EXCLUDED.opens, clicks = EXCLUDED.clicks`,
		st.PlanID, st.Date.Format("2006-01-02"), st.Sent, st.Delivered,
		st.Bounced, st.Complaints, st.Opens, st.Clicks)
	if err != nil {
		return fmt.Errorf("upsert stat for plan %d: %w", st.PlanID, err)
	}
	return nil
}

// ListStats returns a plan's daily stats oldest first.
func (s *PlanStore) ListStats(ctx context.Context, planID int64) ([]*domain.WarmupDailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, date, sent, delivered, bounced, complaints, opens, clicks
		FROM warmup_daily_stats WHERE plan_id = $1 ORDER BY date ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list stats for plan %d: %w", planID, err)
	}
	defer rows.Close()

	var stats []*domain.WarmupDailyStat
	for rows.Next() {
		var st domain.WarmupDailyStat
		if err := rows.Scan(&st.ID, &st.PlanID, &st.Date, &st.Sent, &st.Delivered,
			&st.Bounced, &st.Complaints, &st.Opens, &st.Clicks); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}
