// Package scheduler fires the control plane's periodic jobs on fixed UTC
// cadences. Every job is wrapped the same way: a per-run timeout, a Redis
// job lock so replicas never double-fire, and log-and-continue on failure.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ignite/coldsend-control/internal/pkg/distlock"
)

// Jobs are the callbacks the scheduler drives. A nil callback is simply not
// scheduled.
type Jobs struct {
	HealthProbe       func(ctx context.Context) error
	MetricsRefresh    func(ctx context.Context) error
	RetryDrain        func(ctx context.Context) error
	BlacklistSweep    func(ctx context.Context) error
	QuarantineRelease func(ctx context.Context) error
	Consolidation     func(ctx context.Context) error
	WarmupTick        func(ctx context.Context) error
	QuotaSync         func(ctx context.Context) error
	UsageReset        func(ctx context.Context) error
	MonthlyRotation   func(ctx context.Context) error
}

type cadence struct {
	name    string
	spec    string
	timeout time.Duration
	locked  bool // serialized across replicas via distlock
	fn      func(ctx context.Context) error
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron *cron.Cron
	rdb  redis.Cmdable
	jobs Jobs
}

// New builds a scheduler in UTC. rdb may be nil; jobs then rely on the
// in-process skip-if-still-running guard alone.
func New(rdb redis.Cmdable, jobs Jobs) *Scheduler {
	logger := cron.PrintfLogger(log.Default())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		rdb:  rdb,
		jobs: jobs,
	}
}

// Start registers the cadences and begins firing.
func (s *Scheduler) Start() error {
	cadences := []cadence{
		{"health_probe", "*/5 * * * *", 2 * time.Minute, false, s.jobs.HealthProbe},
		{"metrics_refresh", "* * * * *", 30 * time.Second, false, s.jobs.MetricsRefresh},
		{"retry_drain", "*/2 * * * *", 2 * time.Minute, true, s.jobs.RetryDrain},
		{"blacklist_sweep", "0 */4 * * *", 30 * time.Minute, true, s.jobs.BlacklistSweep},
		{"quarantine_release", "0 4 * * *", 5 * time.Minute, true, s.jobs.QuarantineRelease},
		{"stats_consolidation", "30 0 * * *", 15 * time.Minute, true, s.jobs.Consolidation},
		{"warmup_tick", "0 1 * * *", 30 * time.Minute, true, s.jobs.WarmupTick},
		{"quota_sync", "0 * * * *", 10 * time.Minute, true, s.jobs.QuotaSync},
		{"usage_reset", "5 0 * * *", 5 * time.Minute, true, s.jobs.UsageReset},
		{"monthly_rotation", "0 3 1 * *", 30 * time.Minute, true, s.jobs.MonthlyRotation},
	}

	for _, c := range cadences {
		if c.fn == nil {
			continue
		}
		c := c
		if _, err := s.cron.AddFunc(c.spec, func() { s.run(c) }); err != nil {
			return err
		}
		log.Printf("[Scheduler] registered %s (%s)", c.name, c.spec)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) run(c cadence) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	started := time.Now()
	var err error
	if c.locked && s.rdb != nil {
		err = distlock.WithLock(ctx, s.rdb, c.name, c.timeout, c.fn)
	} else {
		err = c.fn(ctx)
	}
	if err != nil {
		log.Printf("[Scheduler] %s failed after %s: %v", c.name, time.Since(started).Round(time.Millisecond), err)
		return
	}
	log.Printf("[Scheduler] %s completed in %s", c.name, time.Since(started).Round(time.Millisecond))
}

// Stop halts dispatch and waits for in-flight jobs.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[Scheduler] shutdown drain window expired, abandoning in-flight jobs")
	}
}
