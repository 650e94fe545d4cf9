package node

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ignite/coldsend-control/internal/config"
	"github.com/ignite/coldsend-control/internal/domain"
)

// Registry routes domains and hostnames to the node responsible for them and
// fans out health checks across the fleet.
type Registry struct {
	nodes []*Client
	byID  map[string]*Client
}

// NewRegistry builds a registry from the configured nodes.
func NewRegistry(cfgs []config.NodeConfig) *Registry {
	r := &Registry{byID: make(map[string]*Client)}
	for _, cfg := range cfgs {
		c := NewClient(cfg)
		r.nodes = append(r.nodes, c)
		r.byID[cfg.NodeID] = c
	}
	return r
}

// Node returns a node by its identifier.
func (r *Registry) Node(nodeID string) (*Client, error) {
	c, ok := r.byID[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}
	return c, nil
}

// Nodes returns all configured nodes.
func (r *Registry) Nodes() []*Client {
	return r.nodes
}

// ResolveByDomain returns the node whose domain list contains the given
// domain. If no node matches, one DNS label at a time is stripped from the
// left and the lookup retried; the first configured node is the fallback.
func (r *Registry) ResolveByDomain(d string) *Client {
	if len(r.nodes) == 0 {
		return nil
	}
	candidate := strings.ToLower(d)
	for candidate != "" {
		for _, n := range r.nodes {
			for _, nd := range n.Domains() {
				if strings.EqualFold(nd, candidate) {
					return n
				}
			}
		}
		i := strings.Index(candidate, ".")
		if i < 0 {
			break
		}
		candidate = candidate[i+1:]
	}
	return r.nodes[0]
}

// ResolveByHostname strips a leading mail/smtp/send/out label if present and
// resolves the remaining domain.
func (r *Registry) ResolveByHostname(hostname string) *Client {
	parts := strings.Split(strings.ToLower(hostname), ".")
	if len(parts) >= 3 {
		switch parts[0] {
		case "mail", "smtp", "send", "out":
			return r.ResolveByDomain(strings.Join(parts[1:], "."))
		}
	}
	return r.ResolveByDomain(BaseDomain(hostname))
}

// HealthCheckAll probes every node in parallel.
func (r *Registry) HealthCheckAll(ctx context.Context) []domain.NodeHealth {
	results := make([]domain.NodeHealth, len(r.nodes))
	var wg sync.WaitGroup
	for i, n := range r.nodes {
		wg.Add(1)
		go func(i int, n *Client) {
			defer wg.Done()
			h := domain.NodeHealth{
				NodeID:     n.NodeID(),
				Host:       n.Host(),
				Domains:    n.Domains(),
				QueueDepth: -1,
				CheckedAt:  time.Now().UTC(),
			}
			h.Reachable = n.Reachable(ctx)
			if h.Reachable {
				h.Running = n.Running(ctx)
				h.QueueDepth = n.QueueDepth(ctx)
			}
			results[i] = h
		}(i, n)
	}
	wg.Wait()
	return results
}

// FlushPendingReloads retries deferred reloads across the fleet.
func (r *Registry) FlushPendingReloads(ctx context.Context) {
	for _, n := range r.nodes {
		if err := n.FlushPendingReload(ctx); err != nil {
			// Retried on the next scheduler pass.
			continue
		}
	}
}

// Close shuts down every node connection.
func (r *Registry) Close() {
	for _, n := range r.nodes {
		n.Close()
	}
}
