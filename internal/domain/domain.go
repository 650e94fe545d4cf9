package domain

import "time"

// IPStatus is the lifecycle state of a sending IP.
type IPStatus string

const (
	StatusActive      IPStatus = "active"
	StatusRetiring    IPStatus = "retiring"
	StatusResting     IPStatus = "resting"
	StatusWarming     IPStatus = "warming"
	StatusBlacklisted IPStatus = "blacklisted"
	StatusStandby     IPStatus = "standby"
	StatusQuarantined IPStatus = "quarantined"
)

// IPPurpose classifies what traffic an IP carries.
type IPPurpose string

const (
	PurposeTransactional IPPurpose = "transactional"
	PurposeMarketing     IPPurpose = "marketing"
	PurposeCold          IPPurpose = "cold"
	PurposeStandby       IPPurpose = "standby"
)

// Tenant is a logically isolated brand/client. Created out-of-band;
// read-only to this service.
type Tenant struct {
	ID                int64
	Slug              string
	BrandDomain       string
	SendingDomainBase string
	Active            bool
}

// IP is one sending IP address together with its PowerMTA and MailWizz
// correlation identifiers. One IP maps to exactly one virtual-MTA on its
// node and at most one MailWizz delivery server, sharing one sender email.
type IP struct {
	ID               int64
	TenantID         int64
	Address          string
	Hostname         string
	Purpose          IPPurpose
	Status           IPStatus
	Weight           int
	VMTAName         string
	PoolName         string
	SenderEmail      string
	NodeID           string
	MailwizzServerID int64 // 0 = no delivery server provisioned
	QuarantineUntil  *time.Time
	BlacklistedOn    []string
	StatusChangedAt  time.Time
	CreatedAt        time.Time
}

// WarmupPlan tracks the 70-day progressive ramp-up of one warming IP.
type WarmupPlan struct {
	ID                int64
	TenantID          int64
	IPID              int64
	Phase             string // "day_N", "completed" or "emergency_stop"
	StartedAt         time.Time
	CurrentDailyQuota int
	TargetDailyQuota  int
	BounceRate7d      float64
	SpamRate7d        float64
	Paused            bool
	PauseUntil        *time.Time
}

// PhaseCompleted and PhaseEmergencyStop are the two terminal plan phases.
const (
	PhaseCompleted     = "completed"
	PhaseEmergencyStop = "emergency_stop"
)

// Finished reports whether the plan no longer participates in daily ticks.
func (p *WarmupPlan) Finished() bool {
	return p.Phase == PhaseCompleted || p.Phase == PhaseEmergencyStop
}

// WarmupDailyStat is one day of delivery outcomes for a warmup plan.
// Unique on (plan, date); written once per day by the consolidator.
type WarmupDailyStat struct {
	ID         int64
	PlanID     int64
	Date       time.Time
	Sent       int
	Delivered  int
	Bounced    int
	Complaints int
	Opens      int
	Clicks     int
}

// BlacklistEvent records one RBL listing of an IP. An event with a nil
// DelistedAt is open; at most one open event exists per (IP, blacklist).
type BlacklistEvent struct {
	ID                 int64
	TenantID           int64
	IPID               int64
	BlacklistName      string
	ListedAt           time.Time
	DelistedAt         *time.Time
	AutoRecovered      bool
	StandbyActivatedID int64 // 0 = no standby was promoted
}

// EventType labels inbound delivery-feedback events.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
	EventDeferred     EventType = "deferred"
)

// Event is an audit row for one inbound webhook event.
type Event struct {
	ID         int64
	TenantID   int64
	IPID       int64 // 0 when the sending IP is unknown
	Email      string
	Type       EventType
	SourceIP   string
	VMTA       string
	Detail     string
	OccurredAt time.Time
}

// NodeHealth is one node's answer to the periodic health fan-out.
type NodeHealth struct {
	NodeID     string
	Host       string
	Reachable  bool
	Running    bool
	QueueDepth int
	Domains    []string
	CheckedAt  time.Time
}

// HealthCheck is a persisted snapshot of one health fan-out run.
type HealthCheck struct {
	ID         int64
	Timestamp  time.Time
	NodeID     string
	Running    bool
	QueueDepth int
}

// BounceStats aggregates delivery outcomes read back from MailWizz.
type BounceStats struct {
	Sent       int
	Delivered  int
	Bounced    int
	Complaints int
	BounceRate float64
	SpamRate   float64
}
