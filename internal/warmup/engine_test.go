package warmup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldsend-control/internal/alert"
	"github.com/ignite/coldsend-control/internal/config"
	"github.com/ignite/coldsend-control/internal/domain"
)

// fakePlanStore keeps plans and their daily stats in memory.
type fakePlanStore struct {
	plans  map[int64]*domain.WarmupPlan
	stats  map[int64][]*domain.WarmupDailyStat
	nextID int64
}

func newFakePlanStore() *fakePlanStore {
	return &fakePlanStore{
		plans: make(map[int64]*domain.WarmupPlan),
		stats: make(map[int64][]*domain.WarmupDailyStat),
	}
}

func (s *fakePlanStore) Create(_ context.Context, p *domain.WarmupPlan) error {
	s.nextID++
	p.ID = s.nextID
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *fakePlanStore) GetByIP(_ context.Context, ipID int64) (*domain.WarmupPlan, error) {
	for _, p := range s.plans {
		if p.IPID == ipID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("plan for ip %d: %w", ipID, domain.ErrNotFound)
}

func (s *fakePlanStore) ListActive(_ context.Context) ([]*domain.WarmupPlan, error) {
	var out []*domain.WarmupPlan
	for _, p := range s.plans {
		if !p.Finished() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakePlanStore) Update(_ context.Context, p *domain.WarmupPlan) error {
	cp := *p
	s.plans[p.ID] = &cp
	return nil
}

func (s *fakePlanStore) CountStats(_ context.Context, planID int64) (int, error) {
	return len(s.stats[planID]), nil
}

func (s *fakePlanStore) SumStatsSince(_ context.Context, planID int64, since time.Time) (int, int, int, error) {
	var sent, bounced, complaints int
	day := since.Truncate(24 * time.Hour)
	for _, st := range s.stats[planID] {
		if !st.Date.Before(day) {
			sent += st.Sent
			bounced += st.Bounced
			complaints += st.Complaints
		}
	}
	return sent, bounced, complaints, nil
}

func (s *fakePlanStore) addStat(planID int64, date time.Time, sent, bounced, complaints int) {
	s.stats[planID] = append(s.stats[planID], &domain.WarmupDailyStat{
		PlanID: planID, Date: date.Truncate(24 * time.Hour),
		Sent: sent, Delivered: sent - bounced, Bounced: bounced, Complaints: complaints,
	})
}

type fakeIPStore struct {
	ips map[int64]*domain.IP
}

func (s *fakeIPStore) GetByID(_ context.Context, id int64) (*domain.IP, error) {
	ip, ok := s.ips[id]
	if !ok {
		return nil, fmt.Errorf("ip %d: %w", id, domain.ErrNotFound)
	}
	cp := *ip
	return &cp, nil
}

func (s *fakeIPStore) UpdateStatus(_ context.Context, id int64, from, to domain.IPStatus, quarantineUntil *time.Time) error {
	ip, ok := s.ips[id]
	if !ok || ip.Status != from {
		return fmt.Errorf("ip %d not in %s: %w", id, from, domain.ErrInvalidState)
	}
	ip.Status = to
	ip.QuarantineUntil = quarantineUntil
	return nil
}

// fakeDelivery records quota syncs and status changes per server.
type fakeDelivery struct {
	statuses map[int64]string
	quotas   map[int64]int
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{statuses: make(map[int64]string), quotas: make(map[int64]int)}
}

func (d *fakeDelivery) SetServerStatus(_ context.Context, serverID int64, status string) error {
	d.statuses[serverID] = status
	return nil
}

func (d *fakeDelivery) SyncWarmupQuota(_ context.Context, serverID int64, daily int) error {
	d.quotas[serverID] = daily
	return nil
}

func testEngine(t *testing.T) (*Engine, *fakePlanStore, *fakeIPStore, *fakeDelivery, *alert.Recorder, *time.Time) {
	t.Helper()
	plans := newFakePlanStore()
	ips := &fakeIPStore{ips: make(map[int64]*domain.IP)}
	delivery := newFakeDelivery()
	rec := &alert.Recorder{}

	cfg := config.WarmupConfig{
		MaxBounceRate:     2.0,
		MaxSpamRate:       0.03,
		EmergencyBounce:   5.0,
		EmergencySpam:     0.1,
		PauseBounceHours:  72,
		PauseSpamHours:    96,
		EmergencyStopDays: 30,
	}
	e := NewEngine(plans, ips, delivery, rec, cfg)

	now := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, plans, ips, delivery, rec, &now
}

func TestHappyWarmupProgression(t *testing.T) {
	e, plans, ips, delivery, _, now := testEngine(t)
	ctx := context.Background()

	ip := &domain.IP{ID: 1, TenantID: 1, Address: "178.12.34.56",
		Status: domain.StatusWarming, MailwizzServerID: 42}
	ips.ips[1] = ip

	require.NoError(t, e.EnsurePlan(ctx, ip))
	plan, err := plans.GetByIP(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "day_1", plan.Phase)
	assert.Equal(t, 5, plan.CurrentDailyQuota)

	// Each day: record yesterday's clean stats, then tick.
	expected := []int{5, 7, 10, 12, 15, 18, 20}
	for day := 1; day <= 70; day++ {
		if day > 1 {
			plans.addStat(plan.ID, now.AddDate(0, 0, -1), plans.plans[plan.ID].CurrentDailyQuota, 0, 0)
		}
		require.NoError(t, e.DailyTick(ctx))
		got := plans.plans[plan.ID]
		if day <= len(expected) {
			assert.Equal(t, expected[day-1], got.CurrentDailyQuota, "day %d", day)
		}
		if day == 8 {
			assert.Equal(t, 25, got.CurrentDailyQuota)
		}
		*now = now.AddDate(0, 0, 1)
	}

	got := plans.plans[plan.ID]
	assert.Equal(t, "day_70", got.Phase)
	assert.Equal(t, 20000, got.CurrentDailyQuota)

	// Day 71: the 70th stat row graduates the plan.
	plans.addStat(plan.ID, now.AddDate(0, 0, -1), 20000, 0, 0)
	require.NoError(t, e.DailyTick(ctx))

	got = plans.plans[plan.ID]
	assert.Equal(t, domain.PhaseCompleted, got.Phase)
	assert.Equal(t, 20000, got.CurrentDailyQuota)
	assert.Equal(t, domain.StatusActive, ips.ips[1].Status)
	assert.Equal(t, 20000, delivery.quotas[42])
	assert.Equal(t, "active", delivery.statuses[42])
}

func TestEmergencyBounceStop(t *testing.T) {
	e, plans, ips, delivery, rec, now := testEngine(t)
	ctx := context.Background()

	ip := &domain.IP{ID: 1, TenantID: 1, Address: "178.12.34.57",
		Status: domain.StatusWarming, MailwizzServerID: 42}
	ips.ips[1] = ip
	require.NoError(t, e.EnsurePlan(ctx, ip))
	plan, _ := plans.GetByIP(ctx, 1)

	// 70% bounce today.
	plans.addStat(plan.ID, *now, 100, 70, 0)
	require.NoError(t, e.DailyTick(ctx))

	got := plans.plans[plan.ID]
	assert.Equal(t, domain.PhaseEmergencyStop, got.Phase)
	assert.True(t, got.Paused)
	require.NotNil(t, got.PauseUntil)
	assert.InDelta(t, 30, got.PauseUntil.Sub(*now).Hours()/24, 0.01)

	assert.Equal(t, domain.StatusQuarantined, ips.ips[1].Status)
	require.NotNil(t, ips.ips[1].QuarantineUntil)
	assert.InDelta(t, 30, ips.ips[1].QuarantineUntil.Sub(*now).Hours()/24, 0.01)
	assert.Equal(t, "inactive", delivery.statuses[42])
	require.NotEmpty(t, rec.BySeverity(alert.SeverityCritical))
}

func TestSevenDayBouncePauseAndAutoResume(t *testing.T) {
	e, plans, ips, delivery, rec, now := testEngine(t)
	ctx := context.Background()

	ip := &domain.IP{ID: 1, TenantID: 1, Address: "178.12.34.58",
		Status: domain.StatusWarming, MailwizzServerID: 42}
	ips.ips[1] = ip
	require.NoError(t, e.EnsurePlan(ctx, ip))
	plan, _ := plans.GetByIP(ctx, 1)

	// Seven days at 3% bounce: over the 2% 7-day cap, under the 5% 24h cap.
	for d := 7; d >= 1; d-- {
		plans.addStat(plan.ID, now.AddDate(0, 0, -d), 1000, 30, 0)
	}
	require.NoError(t, e.DailyTick(ctx))

	got := plans.plans[plan.ID]
	assert.True(t, got.Paused)
	require.NotNil(t, got.PauseUntil)
	assert.InDelta(t, 72, got.PauseUntil.Sub(*now).Hours(), 0.01)
	assert.Equal(t, "inactive", delivery.statuses[42])
	require.NotEmpty(t, rec.BySeverity(alert.SeverityWarning))

	// 73 hours later the pause expires and the plan resumes.
	*now = now.Add(73 * time.Hour)
	require.NoError(t, e.DailyTick(ctx))

	got = plans.plans[plan.ID]
	assert.False(t, got.Paused)
	assert.Nil(t, got.PauseUntil)
	assert.Equal(t, "active", delivery.statuses[42])
	assert.NotEqual(t, domain.PhaseEmergencyStop, got.Phase)
}

func TestDayNumberFromStats(t *testing.T) {
	e, plans, ips, _, _, now := testEngine(t)
	ctx := context.Background()

	ip := &domain.IP{ID: 1, TenantID: 1, Address: "178.12.34.59", Status: domain.StatusWarming}
	ips.ips[1] = ip
	require.NoError(t, e.EnsurePlan(ctx, ip))
	plan, _ := plans.GetByIP(ctx, 1)

	// No stats: calendar fallback.
	day, err := e.DayNumber(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, day)

	// Twelve stat rows: day 13, regardless of wall-clock gaps.
	for d := 0; d < 12; d++ {
		plans.addStat(plan.ID, now.AddDate(0, 0, -20+d), 100, 0, 0)
	}
	day, err = e.DayNumber(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 13, day)

	// Clamped at 71.
	for d := 0; d < 80; d++ {
		plans.addStat(plan.ID, now.AddDate(0, 0, d), 100, 0, 0)
	}
	day, err = e.DayNumber(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 71, day)
}

func TestPauseResumeRejectFinishedPlans(t *testing.T) {
	e, plans, _, _, _, _ := testEngine(t)
	ctx := context.Background()

	plan := &domain.WarmupPlan{Phase: domain.PhaseCompleted}
	require.NoError(t, plans.Create(ctx, plan))

	assert.Error(t, e.Pause(ctx, plan, time.Hour))
	assert.Error(t, e.Resume(ctx, plan))
}
