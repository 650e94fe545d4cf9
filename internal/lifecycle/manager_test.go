package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldsend-control/internal/alert"
	"github.com/ignite/coldsend-control/internal/domain"
)

// fakeIPStore is an in-memory IPStore with check-and-swap semantics.
type fakeIPStore struct {
	ips map[int64]*domain.IP
}

func newFakeIPStore(ips ...*domain.IP) *fakeIPStore {
	s := &fakeIPStore{ips: make(map[int64]*domain.IP)}
	for _, ip := range ips {
		s.ips[ip.ID] = ip
	}
	return s
}

func (s *fakeIPStore) GetByID(_ context.Context, id int64) (*domain.IP, error) {
	ip, ok := s.ips[id]
	if !ok {
		return nil, fmt.Errorf("ip %d: %w", id, domain.ErrNotFound)
	}
	cp := *ip
	return &cp, nil
}

func (s *fakeIPStore) ListByStatus(_ context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error) {
	var out []*domain.IP
	for _, ip := range s.ips {
		for _, st := range statuses {
			if ip.Status == st {
				cp := *ip
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	return out, nil
}

func (s *fakeIPStore) ListRestingExpired(_ context.Context, now time.Time) ([]*domain.IP, error) {
	var out []*domain.IP
	for _, ip := range s.ips {
		if ip.Status == domain.StatusResting && ip.QuarantineUntil != nil && !ip.QuarantineUntil.After(now) {
			cp := *ip
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeIPStore) FirstStandby(_ context.Context, tenantID int64) (*domain.IP, error) {
	var best *domain.IP
	for _, ip := range s.ips {
		if ip.TenantID != tenantID || ip.Status != domain.StatusStandby {
			continue
		}
		if best == nil || ip.StatusChangedAt.Before(best.StatusChangedAt) {
			best = ip
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no standby: %w", domain.ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (s *fakeIPStore) UpdateStatus(_ context.Context, id int64, from, to domain.IPStatus, quarantineUntil *time.Time) error {
	ip, ok := s.ips[id]
	if !ok || ip.Status != from {
		return fmt.Errorf("ip %d not in status %s: %w", id, from, domain.ErrInvalidState)
	}
	ip.Status = to
	ip.QuarantineUntil = quarantineUntil
	ip.StatusChangedAt = time.Now()
	return nil
}

func (s *fakeIPStore) SetBlacklistedOn(_ context.Context, id int64, zones []string) error {
	s.ips[id].BlacklistedOn = zones
	return nil
}

type fakeEventStore struct {
	activated map[int64]int64
}

func (s *fakeEventStore) SetStandbyActivated(_ context.Context, id, standbyID int64) error {
	if s.activated == nil {
		s.activated = make(map[int64]int64)
	}
	s.activated[id] = standbyID
	return nil
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct {
		from, to domain.IPStatus
	}{
		{domain.StatusActive, domain.StatusRetiring},
		{domain.StatusActive, domain.StatusBlacklisted},
		{domain.StatusRetiring, domain.StatusResting},
		{domain.StatusResting, domain.StatusWarming},
		{domain.StatusResting, domain.StatusStandby},
		{domain.StatusWarming, domain.StatusActive},
		{domain.StatusWarming, domain.StatusBlacklisted},
		{domain.StatusBlacklisted, domain.StatusResting},
		{domain.StatusBlacklisted, domain.StatusStandby},
		{domain.StatusStandby, domain.StatusWarming},
		{domain.StatusStandby, domain.StatusActive},
	}
	allowedSet := make(map[string]bool)
	for _, a := range allowed {
		allowedSet[string(a.from)+"→"+string(a.to)] = true
		assert.True(t, CanTransition(a.from, a.to), "%s → %s", a.from, a.to)
	}

	all := []domain.IPStatus{
		domain.StatusActive, domain.StatusRetiring, domain.StatusResting,
		domain.StatusWarming, domain.StatusBlacklisted, domain.StatusStandby,
		domain.StatusQuarantined,
	}
	for _, from := range all {
		for _, to := range all {
			if !allowedSet[string(from)+"→"+string(to)] {
				assert.False(t, CanTransition(from, to), "%s → %s should be denied", from, to)
			}
		}
	}
}

func TestTransitionToRestingSetsQuarantine(t *testing.T) {
	ip := &domain.IP{ID: 1, TenantID: 1, Address: "1.2.3.4", Status: domain.StatusRetiring}
	store := newFakeIPStore(ip)
	m := NewManager(store, &fakeEventStore{}, &alert.Recorder{}, 14)

	require.NoError(t, m.Transition(context.Background(), ip, domain.StatusResting))
	require.NotNil(t, store.ips[1].QuarantineUntil)
	days := time.Until(*store.ips[1].QuarantineUntil).Hours() / 24
	assert.InDelta(t, 14, days, 0.1)
}

func TestTransitionDenied(t *testing.T) {
	ip := &domain.IP{ID: 1, Status: domain.StatusActive}
	m := NewManager(newFakeIPStore(ip), &fakeEventStore{}, &alert.Recorder{}, 14)

	err := m.Transition(context.Background(), ip, domain.StatusWarming)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	assert.Equal(t, domain.StatusActive, ip.Status)
}

func TestHandleBlacklistActivatesStandby(t *testing.T) {
	a := &domain.IP{ID: 1, TenantID: 1, Address: "1.1.1.1", Status: domain.StatusActive}
	b := &domain.IP{ID: 2, TenantID: 1, Address: "2.2.2.2", Status: domain.StatusStandby}
	store := newFakeIPStore(a, b)
	events := &fakeEventStore{}
	rec := &alert.Recorder{}
	m := NewManager(store, events, rec, 14)

	err := m.HandleBlacklist(context.Background(), 1, []string{"zen.spamhaus.org"}, []int64{10})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusBlacklisted, store.ips[1].Status)
	assert.Equal(t, []string{"zen.spamhaus.org"}, store.ips[1].BlacklistedOn)
	assert.Equal(t, domain.StatusActive, store.ips[2].Status)
	assert.Equal(t, int64(2), events.activated[10])
	require.Len(t, rec.BySeverity(alert.SeverityCritical), 1)
}

func TestHandleBlacklistNoStandby(t *testing.T) {
	a := &domain.IP{ID: 1, TenantID: 1, Address: "1.1.1.1", Status: domain.StatusActive,
		BlacklistedOn: []string{"bl.spamcop.net"}}
	store := newFakeIPStore(a)
	rec := &alert.Recorder{}
	m := NewManager(store, &fakeEventStore{}, rec, 14)

	err := m.HandleBlacklist(context.Background(), 1, []string{"zen.spamhaus.org"}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusBlacklisted, store.ips[1].Status)
	assert.ElementsMatch(t, []string{"bl.spamcop.net", "zen.spamhaus.org"}, store.ips[1].BlacklistedOn)
	require.Len(t, rec.Alerts, 1)
	assert.Contains(t, rec.Alerts[0].Message, "no standby available")
}

func TestReleaseQuarantine(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(24 * time.Hour)
	done := &domain.IP{ID: 1, Address: "1.1.1.1", Status: domain.StatusResting, QuarantineUntil: &past}
	waiting := &domain.IP{ID: 2, Address: "2.2.2.2", Status: domain.StatusResting, QuarantineUntil: &future}
	store := newFakeIPStore(done, waiting)

	m := NewManager(store, &fakeEventStore{}, &alert.Recorder{}, 14)
	n, err := m.ReleaseQuarantine(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusWarming, store.ips[1].Status)
	assert.Equal(t, domain.StatusResting, store.ips[2].Status)
}

func TestMonthlyRotation(t *testing.T) {
	a := &domain.IP{ID: 1, Address: "1.1.1.1", Status: domain.StatusActive,
		StatusChangedAt: time.Now().Add(-60 * 24 * time.Hour)}
	b := &domain.IP{ID: 2, Address: "2.2.2.2", Status: domain.StatusActive,
		StatusChangedAt: time.Now().Add(-30 * 24 * time.Hour)}
	c := &domain.IP{ID: 3, Address: "3.3.3.3", Status: domain.StatusWarming}
	store := newFakeIPStore(a, b, c)

	m := NewManager(store, &fakeEventStore{}, &alert.Recorder{}, 14)
	retired, err := m.MonthlyRotation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, retired)
	assert.Equal(t, domain.StatusResting, store.ips[1].Status)
	assert.NotNil(t, store.ips[1].QuarantineUntil)
	assert.Equal(t, domain.StatusResting, store.ips[2].Status)
	assert.Equal(t, domain.StatusWarming, store.ips[3].Status)
}
