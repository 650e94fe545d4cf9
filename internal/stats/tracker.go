// Package stats turns the webhook event stream into per-IP daily warmup
// counters. Live counts accumulate in Redis; once a day the consolidator
// folds the previous day's counters into warmup_daily_stats rows.
package stats

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/coldsend-control/internal/domain"
)

// Counters persist for a few days past consolidation so a late consolidation
// run never finds them expired.
const counterTTL = 7 * 24 * time.Hour

// EventStore is the audit sink for inbound events.
type EventStore interface {
	Insert(ctx context.Context, ev *domain.Event) error
}

// IPStore resolves events to tracked IPs.
type IPStore interface {
	GetByAddress(ctx context.Context, address string) (*domain.IP, error)
	GetByVMTA(ctx context.Context, vmtaName string) (*domain.IP, error)
}

// Tracker records inbound events and bumps the live warmup counters for
// IPs that are warming.
type Tracker struct {
	events EventStore
	ips    IPStore
	rdb    redis.Cmdable
	now    func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(events EventStore, ips IPStore, rdb redis.Cmdable) *Tracker {
	return &Tracker{events: events, ips: ips, rdb: rdb, now: time.Now}
}

// counterKey builds warmup:ip:{id}:date:{YYYY-MM-DD}:{counter}.
func counterKey(ipID int64, date time.Time, counter string) string {
	return fmt.Sprintf("warmup:ip:%d:date:%s:%s", ipID, date.Format("2006-01-02"), counter)
}

// counterFor maps an event type onto its daily counter; "" means the event
// carries no warmup counter.
func counterFor(t domain.EventType) string {
	switch t {
	case domain.EventSent:
		return "sent"
	case domain.EventDelivered:
		return "delivered"
	case domain.EventBounced:
		return "bounced"
	case domain.EventComplained:
		return "complaints"
	case domain.EventOpened:
		return "opens"
	case domain.EventClicked:
		return "clicks"
	}
	return ""
}

// Record stores the event audit row and, when the event maps to a warming
// IP, increments that IP's daily counter.
func (t *Tracker) Record(ctx context.Context, ev *domain.Event) error {
	ip := t.resolve(ctx, ev)
	if ip != nil {
		ev.IPID = ip.ID
		if ev.TenantID == 0 {
			ev.TenantID = ip.TenantID
		}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now()
	}
	if err := t.events.Insert(ctx, ev); err != nil {
		return err
	}

	if ip == nil || ip.Status != domain.StatusWarming {
		return nil
	}
	counter := counterFor(ev.Type)
	if counter == "" {
		return nil
	}

	key := counterKey(ip.ID, ev.OccurredAt, counter)
	pipe := t.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// A missed counter is recoverable noise; the audit row is not.
		log.Printf("[Stats] increment %s: %v", key, err)
	}
	return nil
}

// resolve finds the tracked IP for an event, preferring the source address
// and falling back to the vmta name.
func (t *Tracker) resolve(ctx context.Context, ev *domain.Event) *domain.IP {
	if ev.SourceIP != "" {
		if ip, err := t.ips.GetByAddress(ctx, ev.SourceIP); err == nil {
			return ip
		}
	}
	if ev.VMTA != "" {
		if ip, err := t.ips.GetByVMTA(ctx, ev.VMTA); err == nil {
			return ip
		}
	}
	return nil
}
