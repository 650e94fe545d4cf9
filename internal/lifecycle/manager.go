// Package lifecycle owns the sending-IP state machine: allowed transitions,
// blacklist response with standby activation, quarantine release and the
// monthly rotation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/coldsend-control/internal/alert"
	"github.com/ignite/coldsend-control/internal/domain"
)

// IPStore is the slice of the IP repository the manager needs.
type IPStore interface {
	GetByID(ctx context.Context, id int64) (*domain.IP, error)
	ListByStatus(ctx context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error)
	ListRestingExpired(ctx context.Context, now time.Time) ([]*domain.IP, error)
	FirstStandby(ctx context.Context, tenantID int64) (*domain.IP, error)
	UpdateStatus(ctx context.Context, id int64, from, to domain.IPStatus, quarantineUntil *time.Time) error
	SetBlacklistedOn(ctx context.Context, id int64, zones []string) error
}

// EventStore records which standby was activated for a blacklist event.
type EventStore interface {
	SetStandbyActivated(ctx context.Context, id, standbyID int64) error
}

// PlanCreator starts a warmup plan when an IP enters WARMING.
type PlanCreator interface {
	EnsurePlan(ctx context.Context, ip *domain.IP) error
}

// transitions is the allowed-transition table. Anything absent fails with
// ErrInvalidState and no side effects.
var transitions = map[domain.IPStatus][]domain.IPStatus{
	domain.StatusActive:      {domain.StatusRetiring, domain.StatusBlacklisted},
	domain.StatusRetiring:    {domain.StatusResting},
	domain.StatusResting:     {domain.StatusWarming, domain.StatusStandby},
	domain.StatusWarming:     {domain.StatusActive, domain.StatusBlacklisted},
	domain.StatusBlacklisted: {domain.StatusResting, domain.StatusStandby},
	domain.StatusStandby:     {domain.StatusWarming, domain.StatusActive},
}

// Manager drives IP status transitions.
type Manager struct {
	ips      IPStore
	events   EventStore
	warmup   PlanCreator
	alerts   alert.Sink
	restDays int
	now      func() time.Time
}

// NewManager creates a lifecycle manager. restDays is the RESTING window
// applied on every transition into RESTING.
func NewManager(ips IPStore, events EventStore, alerts alert.Sink, restDays int) *Manager {
	return &Manager{
		ips:      ips,
		events:   events,
		alerts:   alerts,
		restDays: restDays,
		now:      time.Now,
	}
}

// SetPlanCreator wires the warmup engine in; transitions into WARMING then
// create a plan for the IP.
func (m *Manager) SetPlanCreator(pc PlanCreator) { m.warmup = pc }

// CanTransition reports whether the state machine allows from→to.
func CanTransition(from, to domain.IPStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves an IP from its current status to the target status. The
// underlying update is check-and-swap on the current status, so concurrent
// transitions on the same IP serialize; the loser gets ErrInvalidState.
func (m *Manager) Transition(ctx context.Context, ip *domain.IP, to domain.IPStatus) error {
	if !CanTransition(ip.Status, to) {
		return fmt.Errorf("transition %s → %s for ip %s: %w", ip.Status, to, ip.Address, domain.ErrInvalidState)
	}

	var quarantineUntil *time.Time
	if to == domain.StatusResting {
		t := m.now().Add(time.Duration(m.restDays) * 24 * time.Hour)
		quarantineUntil = &t
	}

	if err := m.ips.UpdateStatus(ctx, ip.ID, ip.Status, to, quarantineUntil); err != nil {
		return err
	}
	log.Printf("[Lifecycle] ip %s: %s → %s", ip.Address, ip.Status, to)
	ip.Status = to
	ip.QuarantineUntil = quarantineUntil
	ip.StatusChangedAt = m.now()

	if to == domain.StatusWarming && m.warmup != nil {
		if err := m.warmup.EnsurePlan(ctx, ip); err != nil {
			log.Printf("[Lifecycle] warmup plan for ip %s: %v", ip.Address, err)
		}
	}
	return nil
}

// Quarantine forces an IP into QUARANTINED until the given time. This sits
// outside the normal transition table; only the warmup emergency stop and
// operators use it.
func (m *Manager) Quarantine(ctx context.Context, ip *domain.IP, until time.Time) error {
	if err := m.ips.UpdateStatus(ctx, ip.ID, ip.Status, domain.StatusQuarantined, &until); err != nil {
		return err
	}
	log.Printf("[Lifecycle] ip %s quarantined until %s", ip.Address, until.Format(time.RFC3339))
	ip.Status = domain.StatusQuarantined
	ip.QuarantineUntil = &until
	return nil
}

// HandleBlacklist reacts to an IP being listed: merge the zone set, move the
// IP to BLACKLISTED, promote one standby IP to ACTIVE and emit a critical
// alert. eventIDs are the open blacklist events recorded by the sweep; the
// activated standby is stamped on each of them.
func (m *Manager) HandleBlacklist(ctx context.Context, ipID int64, zones []string, eventIDs []int64) error {
	ip, err := m.ips.GetByID(ctx, ipID)
	if err != nil {
		return err
	}

	merged := unionZones(ip.BlacklistedOn, zones)
	if err := m.ips.SetBlacklistedOn(ctx, ip.ID, merged); err != nil {
		return err
	}

	if ip.Status != domain.StatusBlacklisted {
		if err := m.Transition(ctx, ip, domain.StatusBlacklisted); err != nil {
			return err
		}
	}

	var standbyNote string
	standby, err := m.ips.FirstStandby(ctx, ip.TenantID)
	switch {
	case err == nil:
		if err := m.Transition(ctx, standby, domain.StatusActive); err != nil {
			log.Printf("[Lifecycle] standby promotion for tenant %d: %v", ip.TenantID, err)
			standbyNote = "standby promotion failed"
		} else {
			standbyNote = fmt.Sprintf("standby %s activated", standby.Address)
			for _, evID := range eventIDs {
				if err := m.events.SetStandbyActivated(ctx, evID, standby.ID); err != nil {
					log.Printf("[Lifecycle] record standby on event %d: %v", evID, err)
				}
			}
		}
	case errors.Is(err, domain.ErrNotFound):
		standbyNote = "no standby available"
	default:
		return err
	}

	m.alerts.Send(ctx, alert.SeverityCritical, alert.CategoryBlacklist,
		fmt.Sprintf("IP %s blacklisted on %v — %s", ip.Address, zones, standbyNote))
	return nil
}

// ReleaseQuarantine moves every RESTING IP whose window has passed into
// WARMING. Returns how many IPs were released.
func (m *Manager) ReleaseQuarantine(ctx context.Context) (int, error) {
	expired, err := m.ips.ListRestingExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}

	released := 0
	for _, ip := range expired {
		if err := m.Transition(ctx, ip, domain.StatusWarming); err != nil {
			log.Printf("[Lifecycle] release ip %s: %v", ip.Address, err)
			continue
		}
		released++
	}
	if released > 0 {
		m.alerts.Send(ctx, alert.SeverityInfo, alert.CategoryRotation,
			fmt.Sprintf("%d IP(s) released from rest, warmup restarted", released))
	}
	return released, nil
}

// MonthlyRotation retires every ACTIVE IP, oldest status first: each goes
// ACTIVE → RETIRING → RESTING with the configured rest window. Returns the
// retired addresses.
func (m *Manager) MonthlyRotation(ctx context.Context) ([]string, error) {
	active, err := m.ips.ListByStatus(ctx, domain.StatusActive)
	if err != nil {
		return nil, err
	}

	var retired []string
	for _, ip := range active {
		if err := m.Transition(ctx, ip, domain.StatusRetiring); err != nil {
			log.Printf("[Lifecycle] rotation of ip %s: %v", ip.Address, err)
			continue
		}
		if err := m.Transition(ctx, ip, domain.StatusResting); err != nil {
			log.Printf("[Lifecycle] rotation of ip %s: %v", ip.Address, err)
			continue
		}
		retired = append(retired, ip.Address)
	}

	if len(retired) > 0 {
		m.alerts.Send(ctx, alert.SeverityInfo, alert.CategoryRotation,
			fmt.Sprintf("Monthly rotation retired %d IP(s): %v", len(retired), retired))
	}
	return retired, nil
}

func unionZones(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	var out []string
	for _, z := range append(append([]string{}, existing...), added...) {
		if _, ok := seen[z]; ok {
			continue
		}
		seen[z] = struct{}{}
		out = append(out, z)
	}
	return out
}
