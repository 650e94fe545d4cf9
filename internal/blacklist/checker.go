// Package blacklist probes sending IPs against public DNS blacklists and
// feeds confirmed listings into the IP lifecycle.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/ignite/coldsend-control/internal/alert"
	"github.com/ignite/coldsend-control/internal/domain"
)

const lookupTimeout = 5 * time.Second

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// IPStore is the slice of the IP repository the checker needs.
type IPStore interface {
	GetByID(ctx context.Context, id int64) (*domain.IP, error)
	ListByStatus(ctx context.Context, statuses ...domain.IPStatus) ([]*domain.IP, error)
}

// EventStore persists open/closed listing events.
type EventStore interface {
	Open(ctx context.Context, ev *domain.BlacklistEvent) (bool, error)
	ListOpen(ctx context.Context) ([]*domain.BlacklistEvent, error)
	Close(ctx context.Context, id int64, at time.Time, autoRecovered bool) error
}

// Lifecycle receives IPs with newly confirmed listings.
type Lifecycle interface {
	HandleBlacklist(ctx context.Context, ipID int64, zones []string, eventIDs []int64) error
}

// Checker sweeps the sending fleet across the configured RBL zones.
type Checker struct {
	ips      IPStore
	events   EventStore
	life     Lifecycle
	alerts   alert.Sink
	resolver Resolver
	zones    []string
	now      func() time.Time
}

// New creates a checker. A nil resolver falls back to the system resolver.
func New(ips IPStore, events EventStore, life Lifecycle, alerts alert.Sink, resolver Resolver, zones []string) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{
		ips:      ips,
		events:   events,
		life:     life,
		alerts:   alerts,
		resolver: resolver,
		zones:    zones,
		now:      time.Now,
	}
}

// reverseOctets turns 178.12.34.56 into 56.34.12.178. Returns "" for
// anything that is not a dotted-quad IPv4 address.
func reverseOctets(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return ""
	}
	parts := strings.Split(ip.To4().String(), ".")
	return parts[3] + "." + parts[2] + "." + parts[1] + "." + parts[0]
}

// Listed reports whether addr resolves in the given zone. An answer means
// listed; NXDOMAIN means clean; resolver trouble is treated as clean so a
// flaky zone never quarantines an IP.
func (c *Checker) Listed(ctx context.Context, addr, zone string) bool {
	rev := reverseOctets(addr)
	if rev == "" {
		return false
	}
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	addrs, err := c.resolver.LookupHost(lctx, rev+"."+zone)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false
		}
		log.Printf("[Blacklist] lookup %s.%s: %v (treating as clean)", rev, zone, err)
		return false
	}
	return len(addrs) > 0
}

// Check probes addr across every configured zone and returns the zones it is
// listed on.
func (c *Checker) Check(ctx context.Context, addr string) []string {
	var listed []string
	for _, zone := range c.zones {
		if c.Listed(ctx, addr, zone) {
			listed = append(listed, zone)
		}
	}
	return listed
}

// Sweep runs one full pass: probe the sending fleet for new listings, hand
// newly listed IPs to the lifecycle, and close open events whose listings
// have cleared.
func (c *Checker) Sweep(ctx context.Context) error {
	if err := c.recheckOpen(ctx); err != nil {
		log.Printf("[Blacklist] recheck open events: %v", err)
	}

	fleet, err := c.ips.ListByStatus(ctx, domain.StatusActive, domain.StatusWarming)
	if err != nil {
		return fmt.Errorf("blacklist sweep: %w", err)
	}

	for _, ip := range fleet {
		zones := c.Check(ctx, ip.Address)
		if len(zones) == 0 {
			continue
		}

		var newZones []string
		var eventIDs []int64
		for _, zone := range zones {
			ev := &domain.BlacklistEvent{
				TenantID:      ip.TenantID,
				IPID:          ip.ID,
				BlacklistName: zone,
				ListedAt:      c.now(),
			}
			opened, err := c.events.Open(ctx, ev)
			if err != nil {
				log.Printf("[Blacklist] record listing %s on %s: %v", ip.Address, zone, err)
				continue
			}
			if opened {
				newZones = append(newZones, zone)
				eventIDs = append(eventIDs, ev.ID)
			}
		}
		if len(newZones) == 0 {
			continue // already known, lifecycle has handled it
		}

		log.Printf("[Blacklist] ip %s newly listed on %s", ip.Address, strings.Join(newZones, ", "))
		if err := c.life.HandleBlacklist(ctx, ip.ID, newZones, eventIDs); err != nil {
			log.Printf("[Blacklist] handle listing for ip %s: %v", ip.Address, err)
		}
	}
	return nil
}

// recheckOpen probes every open event and closes the ones whose IPs have
// been delisted.
func (c *Checker) recheckOpen(ctx context.Context) error {
	open, err := c.events.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, ev := range open {
		ip, err := c.ips.GetByID(ctx, ev.IPID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// IP was deleted; close the dangling event.
				if cerr := c.events.Close(ctx, ev.ID, c.now(), false); cerr != nil {
					log.Printf("[Blacklist] close orphaned event %d: %v", ev.ID, cerr)
				}
				continue
			}
			return err
		}
		if c.Listed(ctx, ip.Address, ev.BlacklistName) {
			continue
		}
		if err := c.events.Close(ctx, ev.ID, c.now(), true); err != nil {
			log.Printf("[Blacklist] close event %d: %v", ev.ID, err)
			continue
		}
		log.Printf("[Blacklist] ip %s delisted from %s", ip.Address, ev.BlacklistName)
		c.alerts.Send(ctx, alert.SeverityInfo, alert.CategoryBlacklist,
			fmt.Sprintf("IP %s delisted from %s", ip.Address, ev.BlacklistName))
	}
	return nil
}
