package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldsend-control/internal/domain"
)

type fakeEventStore struct {
	events []*domain.Event
}

func (s *fakeEventStore) Insert(_ context.Context, ev *domain.Event) error {
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

type fakeIPStore struct {
	ips []*domain.IP
}

func (s *fakeIPStore) GetByAddress(_ context.Context, address string) (*domain.IP, error) {
	for _, ip := range s.ips {
		if ip.Address == address {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("ip %s: %w", address, domain.ErrNotFound)
}

func (s *fakeIPStore) GetByVMTA(_ context.Context, vmtaName string) (*domain.IP, error) {
	for _, ip := range s.ips {
		if ip.VMTAName == vmtaName {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("vmta %s: %w", vmtaName, domain.ErrNotFound)
}

func (s *fakeIPStore) ListByStatus(_ context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error) {
	var out []*domain.IP
	for _, ip := range s.ips {
		for _, st := range statuses {
			if ip.Status == st {
				out = append(out, ip)
			}
		}
	}
	return out, nil
}

type fakePlanStore struct {
	plans map[int64]*domain.WarmupPlan // by ip id
	stats map[string]*domain.WarmupDailyStat
}

func newFakePlanStore() *fakePlanStore {
	return &fakePlanStore{
		plans: make(map[int64]*domain.WarmupPlan),
		stats: make(map[string]*domain.WarmupDailyStat),
	}
}

func statKey(planID int64, date time.Time) string {
	return fmt.Sprintf("%d:%s", planID, date.Format("2006-01-02"))
}

func (s *fakePlanStore) GetByIP(_ context.Context, ipID int64) (*domain.WarmupPlan, error) {
	p, ok := s.plans[ipID]
	if !ok {
		return nil, fmt.Errorf("plan for ip %d: %w", ipID, domain.ErrNotFound)
	}
	return p, nil
}

func (s *fakePlanStore) HasStat(_ context.Context, planID int64, date time.Time) (bool, error) {
	_, ok := s.stats[statKey(planID, date)]
	return ok, nil
}

func (s *fakePlanStore) UpsertDailyStat(_ context.Context, st *domain.WarmupDailyStat) error {
	cp := *st
	s.stats[statKey(st.PlanID, st.Date)] = &cp
	return nil
}

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRecordIncrementsWarmingCounters(t *testing.T) {
	mr, rdb := testRedis(t)
	events := &fakeEventStore{}
	ips := &fakeIPStore{ips: []*domain.IP{
		{ID: 7, TenantID: 3, Address: "178.12.34.56", VMTAName: "vmta-hub-travelers", Status: domain.StatusWarming},
	}}
	tr := NewTracker(events, ips, rdb)
	ctx := context.Background()

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Record(ctx, &domain.Event{
			Type: domain.EventSent, SourceIP: "178.12.34.56", OccurredAt: at,
		}))
	}
	require.NoError(t, tr.Record(ctx, &domain.Event{
		Type: domain.EventBounced, VMTA: "vmta-hub-travelers", OccurredAt: at,
	}))

	sent, err := mr.Get("warmup:ip:7:date:2026-08-24:sent")
	require.NoError(t, err)
	assert.Equal(t, "3", sent)
	bounced, err := mr.Get("warmup:ip:7:date:2026-08-24:bounced")
	require.NoError(t, err)
	assert.Equal(t, "1", bounced)

	// Audit rows are tagged with the resolved IP and tenant.
	require.Len(t, events.events, 4)
	assert.Equal(t, int64(7), events.events[0].IPID)
	assert.Equal(t, int64(3), events.events[0].TenantID)
}

func TestRecordSkipsCountersForNonWarmingIPs(t *testing.T) {
	mr, rdb := testRedis(t)
	events := &fakeEventStore{}
	ips := &fakeIPStore{ips: []*domain.IP{
		{ID: 7, Address: "178.12.34.56", Status: domain.StatusActive},
	}}
	tr := NewTracker(events, ips, rdb)

	require.NoError(t, tr.Record(context.Background(), &domain.Event{
		Type: domain.EventSent, SourceIP: "178.12.34.56",
		OccurredAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}))

	assert.Len(t, events.events, 1)
	assert.Empty(t, mr.Keys())
}

func TestRecordUnknownSourceStillAudits(t *testing.T) {
	mr, rdb := testRedis(t)
	events := &fakeEventStore{}
	tr := NewTracker(events, &fakeIPStore{}, rdb)

	require.NoError(t, tr.Record(context.Background(), &domain.Event{
		Type: domain.EventDelivered, SourceIP: "203.0.113.9",
	}))

	require.Len(t, events.events, 1)
	assert.Zero(t, events.events[0].IPID)
	assert.Empty(t, mr.Keys())
}

func TestConsolidatorFoldsYesterday(t *testing.T) {
	mr, rdb := testRedis(t)
	plans := newFakePlanStore()
	ips := &fakeIPStore{ips: []*domain.IP{
		{ID: 7, TenantID: 3, Address: "178.12.34.56", Status: domain.StatusWarming},
	}}
	plans.plans[7] = &domain.WarmupPlan{ID: 11, IPID: 7}

	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	mr.Set("warmup:ip:7:date:2026-08-23:sent", "150")
	mr.Set("warmup:ip:7:date:2026-08-23:delivered", "147")
	mr.Set("warmup:ip:7:date:2026-08-23:bounced", "3")
	mr.Set("warmup:ip:7:date:2026-08-23:opens", "40")

	c := NewConsolidator(plans, ips, rdb)
	c.now = func() time.Time { return time.Date(2026, 8, 24, 0, 30, 0, 0, time.UTC) }
	require.NoError(t, c.Run(context.Background()))

	st := plans.stats[statKey(11, day)]
	require.NotNil(t, st)
	assert.Equal(t, 150, st.Sent)
	assert.Equal(t, 147, st.Delivered)
	assert.Equal(t, 3, st.Bounced)
	assert.Equal(t, 0, st.Complaints)
	assert.Equal(t, 40, st.Opens)

	// Counters are gone once the row is durable.
	assert.Empty(t, mr.Keys())
}

func TestConsolidatorIdempotent(t *testing.T) {
	mr, rdb := testRedis(t)
	plans := newFakePlanStore()
	ips := &fakeIPStore{ips: []*domain.IP{
		{ID: 7, Address: "178.12.34.56", Status: domain.StatusWarming},
	}}
	plans.plans[7] = &domain.WarmupPlan{ID: 11, IPID: 7}

	day := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	require.NoError(t, plans.UpsertDailyStat(context.Background(), &domain.WarmupDailyStat{
		PlanID: 11, Date: day, Sent: 150,
	}))
	mr.Set("warmup:ip:7:date:2026-08-23:sent", "150")

	c := NewConsolidator(plans, ips, rdb)
	require.NoError(t, c.RunFor(context.Background(), day))

	// Existing row untouched, counters left in place.
	assert.Equal(t, 150, plans.stats[statKey(11, day)].Sent)
	assert.NotEmpty(t, mr.Keys())
}

func TestConsolidatorSkipsIdleDays(t *testing.T) {
	_, rdb := testRedis(t)
	plans := newFakePlanStore()
	ips := &fakeIPStore{ips: []*domain.IP{
		{ID: 7, Address: "178.12.34.56", Status: domain.StatusActive},
	}}
	plans.plans[7] = &domain.WarmupPlan{ID: 11, IPID: 7}

	c := NewConsolidator(plans, ips, rdb)
	require.NoError(t, c.RunFor(context.Background(), time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)))
	assert.Empty(t, plans.stats)
}
