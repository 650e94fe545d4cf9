package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/coldsend-control/internal/domain"
)

var counters = []string{"sent", "delivered", "bounced", "complaints", "opens", "clicks"}

// PlanStore is the slice of the warmup repository the consolidator needs.
type PlanStore interface {
	GetByIP(ctx context.Context, ipID int64) (*domain.WarmupPlan, error)
	HasStat(ctx context.Context, planID int64, date time.Time) (bool, error)
	UpsertDailyStat(ctx context.Context, st *domain.WarmupDailyStat) error
}

// FleetStore lists the IPs whose counters get consolidated.
type FleetStore interface {
	ListByStatus(ctx context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error)
}

// Consolidator folds yesterday's Redis counters into daily stat rows.
// Running it twice for the same day is a no-op: a day that already has a
// stat row is skipped and its keys are left alone.
type Consolidator struct {
	plans PlanStore
	ips   FleetStore
	rdb   redis.Cmdable
	now   func() time.Time
}

// NewConsolidator creates a consolidator.
func NewConsolidator(plans PlanStore, ips FleetStore, rdb redis.Cmdable) *Consolidator {
	return &Consolidator{plans: plans, ips: ips, rdb: rdb, now: time.Now}
}

// Run consolidates the previous UTC day for every warming or active IP.
func (c *Consolidator) Run(ctx context.Context) error {
	day := c.now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	return c.RunFor(ctx, day)
}

// RunFor consolidates one specific day.
func (c *Consolidator) RunFor(ctx context.Context, day time.Time) error {
	fleet, err := c.ips.ListByStatus(ctx, domain.StatusWarming, domain.StatusActive)
	if err != nil {
		return fmt.Errorf("consolidate stats: %w", err)
	}

	var recorded int
	for _, ip := range fleet {
		n, err := c.consolidateIP(ctx, ip, day)
		if err != nil {
			log.Printf("[Stats] consolidate ip %s for %s: %v", ip.Address, day.Format("2006-01-02"), err)
			continue
		}
		recorded += n
	}
	log.Printf("[Stats] consolidated %s: %d stat rows from %d IPs",
		day.Format("2006-01-02"), recorded, len(fleet))
	return nil
}

func (c *Consolidator) consolidateIP(ctx context.Context, ip *domain.IP, day time.Time) (int, error) {
	plan, err := c.plans.GetByIP(ctx, ip.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil // never warmed, nothing to fold
		}
		return 0, err
	}

	done, err := c.plans.HasStat(ctx, plan.ID, day)
	if err != nil {
		return 0, err
	}
	if done {
		return 0, nil
	}

	counts, err := c.readCounters(ctx, ip.ID, day)
	if err != nil {
		return 0, err
	}
	if counts["sent"] == 0 {
		return 0, nil // idle day, no row
	}

	st := &domain.WarmupDailyStat{
		PlanID:     plan.ID,
		Date:       day,
		Sent:       counts["sent"],
		Delivered:  counts["delivered"],
		Bounced:    counts["bounced"],
		Complaints: counts["complaints"],
		Opens:      counts["opens"],
		Clicks:     counts["clicks"],
	}
	if err := c.plans.UpsertDailyStat(ctx, st); err != nil {
		return 0, err
	}

	// The row is durable; drop the live counters.
	keys := make([]string, 0, len(counters))
	for _, counter := range counters {
		keys = append(keys, counterKey(ip.ID, day, counter))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Printf("[Stats] delete counters for ip %d: %v", ip.ID, err)
	}
	return 1, nil
}

func (c *Consolidator) readCounters(ctx context.Context, ipID int64, day time.Time) (map[string]int, error) {
	out := make(map[string]int, len(counters))
	for _, counter := range counters {
		v, err := c.rdb.Get(ctx, counterKey(ipID, day, counter)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("counter %s for ip %d holds %q", counter, ipID, v)
		}
		out[counter] = n
	}
	return out, nil
}
