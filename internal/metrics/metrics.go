// Package metrics exposes the control plane's fleet state as Prometheus
// gauges, refreshed from the database on a fixed cadence.
package metrics

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/coldsend-control/internal/domain"
)

// IPSource lists the fleet for the per-status gauge.
type IPSource interface {
	ListByStatus(ctx context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error)
}

// PlanSource lists warmup plans still in flight.
type PlanSource interface {
	ListActive(ctx context.Context) ([]*domain.WarmupPlan, error)
}

// BlacklistSource lists open RBL events.
type BlacklistSource interface {
	ListOpen(ctx context.Context) ([]*domain.BlacklistEvent, error)
}

// QueueSource reports the durable retry queue length.
type QueueSource interface {
	Len() (int, error)
}

var allStatuses = []domain.IPStatus{
	domain.StatusActive,
	domain.StatusWarming,
	domain.StatusStandby,
	domain.StatusRetiring,
	domain.StatusResting,
	domain.StatusBlacklisted,
	domain.StatusQuarantined,
}

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	ipsByStatus     *prometheus.GaugeVec
	warmupPlans     *prometheus.GaugeVec
	blacklistOpen   prometheus.Gauge
	retryQueueDepth prometheus.Gauge
	nodeQueueDepth  *prometheus.GaugeVec
	nodeUp          *prometheus.GaugeVec

	ips       IPSource
	plans     PlanSource
	blacklist BlacklistSource
	queue     QueueSource
}

// New registers the gauges on a fresh registry.
func New(ips IPSource, plans PlanSource, blacklist BlacklistSource, queue QueueSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ipsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldsend_ips",
			Help: "Sending IPs by lifecycle status.",
		}, []string{"status"}),
		warmupPlans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldsend_warmup_plans",
			Help: "Warmup plans in flight, by paused state.",
		}, []string{"state"}),
		blacklistOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coldsend_blacklist_open_events",
			Help: "Open RBL listing events.",
		}),
		retryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coldsend_retry_queue_depth",
			Help: "Entries waiting in the durable retry queue.",
		}),
		nodeQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldsend_node_queue_depth",
			Help: "PowerMTA outbound queue depth per node.",
		}, []string{"node"}),
		nodeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldsend_node_up",
			Help: "1 when the node is reachable and PowerMTA is running.",
		}, []string{"node"}),
		ips:       ips,
		plans:     plans,
		blacklist: blacklist,
		queue:     queue,
	}
	m.registry.MustRegister(
		m.ipsByStatus, m.warmupPlans, m.blacklistOpen,
		m.retryQueueDepth, m.nodeQueueDepth, m.nodeUp,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Refresh re-reads the fleet state into the gauges. Partial failures log and
// leave the previous value in place.
func (m *Metrics) Refresh(ctx context.Context) {
	for _, st := range allStatuses {
		list, err := m.ips.ListByStatus(ctx, st)
		if err != nil {
			log.Printf("[Metrics] count %s ips: %v", st, err)
			continue
		}
		m.ipsByStatus.WithLabelValues(string(st)).Set(float64(len(list)))
	}

	if plans, err := m.plans.ListActive(ctx); err != nil {
		log.Printf("[Metrics] count warmup plans: %v", err)
	} else {
		var paused int
		for _, p := range plans {
			if p.Paused {
				paused++
			}
		}
		m.warmupPlans.WithLabelValues("running").Set(float64(len(plans) - paused))
		m.warmupPlans.WithLabelValues("paused").Set(float64(paused))
	}

	if open, err := m.blacklist.ListOpen(ctx); err != nil {
		log.Printf("[Metrics] count blacklist events: %v", err)
	} else {
		m.blacklistOpen.Set(float64(len(open)))
	}

	if m.queue != nil {
		if n, err := m.queue.Len(); err != nil {
			log.Printf("[Metrics] retry queue depth: %v", err)
		} else {
			m.retryQueueDepth.Set(float64(n))
		}
	}
}

// ObserveNodes folds a health fan-out result into the per-node gauges.
func (m *Metrics) ObserveNodes(health []domain.NodeHealth) {
	for _, h := range health {
		up := 0.0
		if h.Reachable && h.Running {
			up = 1.0
		}
		m.nodeUp.WithLabelValues(h.NodeID).Set(up)
		if h.QueueDepth >= 0 {
			m.nodeQueueDepth.WithLabelValues(h.NodeID).Set(float64(h.QueueDepth))
		}
	}
}
