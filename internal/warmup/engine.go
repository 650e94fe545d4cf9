// Package warmup implements the 70-day progressive ramp-up of fresh sending
// IPs: per-plan day numbers, daily quota advancement, multi-horizon safety
// thresholds with pause and emergency stop, and quota propagation to the
// campaign manager.
package warmup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ignite/coldsend-control/internal/alert"
	"github.com/ignite/coldsend-control/internal/config"
	"github.com/ignite/coldsend-control/internal/domain"
)

// PlanStore is the slice of the warmup repository the engine needs.
type PlanStore interface {
	Create(ctx context.Context, p *domain.WarmupPlan) error
	GetByIP(ctx context.Context, ipID int64) (*domain.WarmupPlan, error)
	ListActive(ctx context.Context) ([]*domain.WarmupPlan, error)
	Update(ctx context.Context, p *domain.WarmupPlan) error
	CountStats(ctx context.Context, planID int64) (int, error)
	SumStatsSince(ctx context.Context, planID int64, since time.Time) (sent, bounced, complaints int, err error)
}

// IPStore is the slice of the IP repository the engine needs.
type IPStore interface {
	GetByID(ctx context.Context, id int64) (*domain.IP, error)
	UpdateStatus(ctx context.Context, id int64, from, to domain.IPStatus, quarantineUntil *time.Time) error
}

// DeliveryControl propagates warmup decisions to the campaign manager.
// Satisfied by the MailWizz adapter.
type DeliveryControl interface {
	SetServerStatus(ctx context.Context, serverID int64, status string) error
	SyncWarmupQuota(ctx context.Context, serverID int64, dailyQuota int) error
}

// Engine drives warmup plans. All time arithmetic goes through the injected
// clock so ticks can be replayed in tests.
type Engine struct {
	plans    PlanStore
	ips      IPStore
	delivery DeliveryControl
	alerts   alert.Sink
	cfg      config.WarmupConfig
	now      func() time.Time
}

// NewEngine creates a warmup engine.
func NewEngine(plans PlanStore, ips IPStore, delivery DeliveryControl, alerts alert.Sink, cfg config.WarmupConfig) *Engine {
	return &Engine{
		plans:    plans,
		ips:      ips,
		delivery: delivery,
		alerts:   alerts,
		cfg:      cfg,
		now:      time.Now,
	}
}

// EnsurePlan creates a plan for an IP entering WARMING. Idempotent: an IP
// with an existing plan is left alone.
func (e *Engine) EnsurePlan(ctx context.Context, ip *domain.IP) error {
	if _, err := e.plans.GetByIP(ctx, ip.ID); err == nil {
		return nil
	}

	plan := &domain.WarmupPlan{
		TenantID:          ip.TenantID,
		IPID:              ip.ID,
		Phase:             "day_1",
		StartedAt:         e.now(),
		CurrentDailyQuota: QuotaForDay(1),
		TargetDailyQuota:  TargetDailyQuota,
	}
	if err := e.plans.Create(ctx, plan); err != nil {
		return err
	}

	if ip.MailwizzServerID != 0 {
		if err := e.delivery.SyncWarmupQuota(ctx, ip.MailwizzServerID, plan.CurrentDailyQuota); err != nil {
			log.Printf("[Warmup] initial quota sync for ip %s: %v", ip.Address, err)
		}
	}
	e.alerts.Send(ctx, alert.SeverityInfo, alert.CategoryWarmup,
		fmt.Sprintf("Warmup started for IP %s (day 1, quota %d)", ip.Address, plan.CurrentDailyQuota))
	return nil
}

// DayNumber computes the plan's current 1-based warmup day. With stats on
// record the day is the stat count plus one, so paused days never consume
// progress; without stats it falls back to calendar days since the start.
// Clamped to ScheduleDays+1, the graduation day.
func (e *Engine) DayNumber(ctx context.Context, plan *domain.WarmupPlan) (int, error) {
	count, err := e.plans.CountStats(ctx, plan.ID)
	if err != nil {
		return 0, err
	}

	var day int
	if count > 0 {
		day = count + 1
	} else {
		day = int(e.now().Sub(plan.StartedAt).Hours()/24) + 1
		if day < 1 {
			day = 1
		}
	}
	if day > ScheduleDays+1 {
		day = ScheduleDays + 1
	}
	return day, nil
}

func (e *Engine) rates(ctx context.Context, planID int64, days int) (bounce, spam float64, sent int, err error) {
	since := e.now().AddDate(0, 0, -days)
	sent, bounced, complaints, err := e.plans.SumStatsSince(ctx, planID, since)
	if err != nil {
		return 0, 0, 0, err
	}
	if sent > 0 {
		bounce = float64(bounced) / float64(sent) * 100
		spam = float64(complaints) / float64(sent) * 100
	}
	return bounce, spam, sent, nil
}

// CheckSafety evaluates the plan against both safety horizons, in strict
// priority order: 24-hour emergency thresholds first, then the 7-day bounce
// threshold, then the 7-day spam threshold. Pause decisions are authoritative:
// a campaign-manager failure never skips a pause.
func (e *Engine) CheckSafety(ctx context.Context, plan *domain.WarmupPlan, ip *domain.IP) (bool, error) {
	bounce24, spam24, sent24, err := e.rates(ctx, plan.ID, 1)
	if err != nil {
		return false, err
	}
	bounce7, spam7, sent7, err := e.rates(ctx, plan.ID, 7)
	if err != nil {
		return false, err
	}

	now := e.now()

	if sent24 > 0 && (bounce24 > e.cfg.EmergencyBounce || spam24 > e.cfg.EmergencySpam) {
		until := now.Add(e.cfg.EmergencyStop())
		plan.Phase = domain.PhaseEmergencyStop
		plan.Paused = true
		plan.PauseUntil = &until
		if err := e.plans.Update(ctx, plan); err != nil {
			return false, err
		}
		if err := e.ips.UpdateStatus(ctx, ip.ID, ip.Status, domain.StatusQuarantined, &until); err != nil {
			log.Printf("[Warmup] quarantine ip %s: %v", ip.Address, err)
		}
		e.deactivateServer(ctx, ip)
		e.alerts.Send(ctx, alert.SeverityCritical, alert.CategoryWarmup,
			fmt.Sprintf("EMERGENCY STOP for IP %s: bounce 24h %.2f%%, spam 24h %.3f%% — quarantined 30 days",
				ip.Address, bounce24, spam24))
		return false, nil
	}

	if sent7 > 0 && bounce7 > e.cfg.MaxBounceRate {
		until := now.Add(e.cfg.PauseBounce())
		plan.Paused = true
		plan.PauseUntil = &until
		if err := e.plans.Update(ctx, plan); err != nil {
			return false, err
		}
		e.deactivateServer(ctx, ip)
		e.alerts.Send(ctx, alert.SeverityWarning, alert.CategoryWarmup,
			fmt.Sprintf("Warmup paused for IP %s: bounce 7d %.2f%% over %.1f%% — resuming in %dh",
				ip.Address, bounce7, e.cfg.MaxBounceRate, e.cfg.PauseBounceHours))
		return false, nil
	}

	if sent7 > 0 && spam7 > e.cfg.MaxSpamRate {
		until := now.Add(e.cfg.PauseSpam())
		plan.Paused = true
		plan.PauseUntil = &until
		if err := e.plans.Update(ctx, plan); err != nil {
			return false, err
		}
		e.deactivateServer(ctx, ip)
		e.alerts.Send(ctx, alert.SeverityCritical, alert.CategoryWarmup,
			fmt.Sprintf("Warmup paused for IP %s: spam 7d %.3f%% over %.3f%% — resuming in %dh",
				ip.Address, spam7, e.cfg.MaxSpamRate, e.cfg.PauseSpamHours))
		return false, nil
	}

	plan.BounceRate7d = bounce7
	plan.SpamRate7d = spam7
	if err := e.plans.Update(ctx, plan); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) deactivateServer(ctx context.Context, ip *domain.IP) {
	if ip.MailwizzServerID == 0 {
		return
	}
	if err := e.delivery.SetServerStatus(ctx, ip.MailwizzServerID, "inactive"); err != nil {
		log.Printf("[Warmup] deactivate server %d for ip %s: %v", ip.MailwizzServerID, ip.Address, err)
	}
}

// DailyTick advances every live plan by one step: expire pauses, evaluate
// safety, then either advance the day quota or graduate the IP. Failures on
// one plan never stop the others.
func (e *Engine) DailyTick(ctx context.Context) error {
	plans, err := e.plans.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, plan := range plans {
		if err := e.tickPlan(ctx, plan); err != nil {
			log.Printf("[Warmup] tick plan %d (ip %d): %v", plan.ID, plan.IPID, err)
		}
	}
	return nil
}

func (e *Engine) tickPlan(ctx context.Context, plan *domain.WarmupPlan) error {
	ip, err := e.ips.GetByID(ctx, plan.IPID)
	if err != nil {
		return err
	}

	now := e.now()
	if plan.Paused && plan.PauseUntil != nil && !plan.PauseUntil.After(now) {
		plan.Paused = false
		plan.PauseUntil = nil
		if err := e.plans.Update(ctx, plan); err != nil {
			return err
		}
		if ip.MailwizzServerID != 0 {
			if err := e.delivery.SetServerStatus(ctx, ip.MailwizzServerID, "active"); err != nil {
				log.Printf("[Warmup] reactivate server %d for ip %s: %v", ip.MailwizzServerID, ip.Address, err)
			}
		}
		e.alerts.Send(ctx, alert.SeverityInfo, alert.CategoryWarmup,
			fmt.Sprintf("Warmup pause expired for IP %s, resuming", ip.Address))
		// The freshly resumed plan gets a clean day before safety runs again.
		return nil
	}
	if plan.Paused {
		return nil
	}

	safe, err := e.CheckSafety(ctx, plan, ip)
	if err != nil || !safe {
		return err
	}

	day, err := e.DayNumber(ctx, plan)
	if err != nil {
		return err
	}

	if day > ScheduleDays {
		plan.Phase = domain.PhaseCompleted
		plan.CurrentDailyQuota = plan.TargetDailyQuota
		if err := e.plans.Update(ctx, plan); err != nil {
			return err
		}
		if err := e.ips.UpdateStatus(ctx, ip.ID, domain.StatusWarming, domain.StatusActive, nil); err != nil {
			log.Printf("[Warmup] activate graduated ip %s: %v", ip.Address, err)
		}
		if ip.MailwizzServerID != 0 {
			if err := e.delivery.SyncWarmupQuota(ctx, ip.MailwizzServerID, plan.TargetDailyQuota); err != nil {
				log.Printf("[Warmup] final quota sync for ip %s: %v", ip.Address, err)
			}
			if err := e.delivery.SetServerStatus(ctx, ip.MailwizzServerID, "active"); err != nil {
				log.Printf("[Warmup] activate server for ip %s: %v", ip.Address, err)
			}
		}
		e.alerts.Send(ctx, alert.SeverityInfo, alert.CategoryWarmup,
			fmt.Sprintf("Warmup completed for IP %s after %d days — now ACTIVE at %d/day",
				ip.Address, ScheduleDays, plan.TargetDailyQuota))
		return nil
	}

	plan.CurrentDailyQuota = QuotaForDay(day)
	plan.Phase = fmt.Sprintf("day_%d", day)
	if err := e.plans.Update(ctx, plan); err != nil {
		return err
	}
	if ip.MailwizzServerID != 0 {
		if err := e.delivery.SyncWarmupQuota(ctx, ip.MailwizzServerID, plan.CurrentDailyQuota); err != nil {
			log.Printf("[Warmup] quota sync for ip %s: %v", ip.Address, err)
			e.alerts.Send(ctx, alert.SeverityWarning, alert.CategoryWarmup,
				fmt.Sprintf("Quota sync failed for IP %s (day %d)", ip.Address, day))
		}
	}
	return nil
}

// SyncQuotas re-asserts every live plan's quota in the campaign manager.
// Runs hourly to compensate for external drift.
func (e *Engine) SyncQuotas(ctx context.Context) error {
	plans, err := e.plans.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		ip, err := e.ips.GetByID(ctx, plan.IPID)
		if err != nil || ip.MailwizzServerID == 0 {
			continue
		}
		if err := e.delivery.SyncWarmupQuota(ctx, ip.MailwizzServerID, plan.CurrentDailyQuota); err != nil {
			log.Printf("[Warmup] hourly quota sync for ip %s: %v", ip.Address, err)
		}
	}
	return nil
}

// Pause pauses a plan manually for the given duration and deactivates its
// delivery server.
func (e *Engine) Pause(ctx context.Context, plan *domain.WarmupPlan, d time.Duration) error {
	if plan.Finished() {
		return fmt.Errorf("plan %d is %s: %w", plan.ID, plan.Phase, domain.ErrInvalidState)
	}
	until := e.now().Add(d)
	plan.Paused = true
	plan.PauseUntil = &until
	if err := e.plans.Update(ctx, plan); err != nil {
		return err
	}
	if ip, err := e.ips.GetByID(ctx, plan.IPID); err == nil {
		e.deactivateServer(ctx, ip)
	}
	return nil
}

// Resume clears a manual pause and reactivates the delivery server.
func (e *Engine) Resume(ctx context.Context, plan *domain.WarmupPlan) error {
	if plan.Finished() {
		return fmt.Errorf("plan %d is %s: %w", plan.ID, plan.Phase, domain.ErrInvalidState)
	}
	plan.Paused = false
	plan.PauseUntil = nil
	if err := e.plans.Update(ctx, plan); err != nil {
		return err
	}
	if ip, err := e.ips.GetByID(ctx, plan.IPID); err == nil && ip.MailwizzServerID != 0 {
		if err := e.delivery.SetServerStatus(ctx, ip.MailwizzServerID, "active"); err != nil {
			log.Printf("[Warmup] reactivate server %d: %v", ip.MailwizzServerID, err)
		}
	}
	return nil
}
