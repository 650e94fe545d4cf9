// Package provision performs the atomic two-phase create/delete of a sending
// IP: a virtual-MTA plus pattern-list entry on the outbound node, and a
// correlated delivery server in the campaign manager, sharing one sender
// email. On partial failure the node side is rolled back before returning.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ignite/coldsend-control/internal/domain"
	"github.com/ignite/coldsend-control/internal/mailwizz"
	"github.com/ignite/coldsend-control/internal/node"
)

// Node is the slice of the node client the provisioner needs.
type Node interface {
	NodeID() string
	Host() string
	SMTPPort() int
	AppendVMTABlock(ctx context.Context, spec node.VMTASpec) error
	RemoveVMTABlock(ctx context.Context, vmtaName, senderEmail string) error
	RemoveVMTABlockOnly(ctx context.Context, vmtaName string) error
	GetSenderForVMTA(ctx context.Context, vmtaName string) (string, error)
}

// NodeResolver routes a hostname or node id to a node.
type NodeResolver interface {
	ResolveByHostname(hostname string) Node
	Node(nodeID string) (Node, error)
}

// DeliveryStore is the slice of the campaign-manager adapter the provisioner
// needs.
type DeliveryStore interface {
	CreateDeliveryServer(ctx context.Context, p mailwizz.ServerParams) (int64, error)
	DeleteDeliveryServer(ctx context.Context, serverID int64) error
}

// IPStore is the slice of the IP repository the provisioner needs.
type IPStore interface {
	Create(ctx context.Context, ip *domain.IP) error
	GetByID(ctx context.Context, id int64) (*domain.IP, error)
	GetByAddress(ctx context.Context, address string) (*domain.IP, error)
	Delete(ctx context.Context, id int64) error
}

// registryResolver adapts *node.Registry to the NodeResolver interface.
type registryResolver struct {
	r *node.Registry
}

// NewRegistryResolver wraps the node registry for use by the provisioner.
func NewRegistryResolver(r *node.Registry) NodeResolver {
	return registryResolver{r: r}
}

func (a registryResolver) ResolveByHostname(hostname string) Node {
	if c := a.r.ResolveByHostname(hostname); c != nil {
		return c
	}
	return nil
}

func (a registryResolver) Node(nodeID string) (Node, error) {
	c, err := a.r.Node(nodeID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Request describes one IP to provision.
type Request struct {
	TenantID    int64
	Address     string
	Hostname    string
	Purpose     domain.IPPurpose
	SenderEmail string
	FromName    string
	VMTAName    string // derived from the hostname when empty
	PoolName    string
	Weight      int
	NodeID      string // explicit node override; otherwise routed by hostname
	DKIMKeyPath string
	CustomerID  int64
}

// Provisioner combines the node client and the campaign-manager adapter into
// one transactional create/delete.
type Provisioner struct {
	ips      IPStore
	resolver NodeResolver
	delivery DeliveryStore
}

// New creates a provisioner.
func New(ips IPStore, resolver NodeResolver, delivery DeliveryStore) *Provisioner {
	return &Provisioner{ips: ips, resolver: resolver, delivery: delivery}
}

// VMTANameFor derives the vmta name from a sending hostname:
// mail.hub-travelers.com becomes vmta-hub-travelers.
func VMTANameFor(hostname string) string {
	parts := strings.Split(strings.ToLower(hostname), ".")
	if len(parts) >= 3 {
		switch parts[0] {
		case "mail", "smtp", "send", "out":
			parts = parts[1:]
		}
	}
	return node.DomainToVMTA(strings.Join(parts, "."))
}

// Create provisions one IP end to end. When a sender email is supplied the
// node and the campaign manager are both configured before anything is
// persisted; the persisted row appears only once external state is complete.
func (p *Provisioner) Create(ctx context.Context, req Request) (*domain.IP, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("address required: %w", domain.ErrValidation)
	}
	if _, err := p.ips.GetByAddress(ctx, req.Address); err == nil {
		return nil, fmt.Errorf("ip %s already exists: %w", req.Address, domain.ErrConflict)
	}

	vmtaName := req.VMTAName
	if vmtaName == "" {
		vmtaName = VMTANameFor(req.Hostname)
	}
	if req.Weight <= 0 {
		req.Weight = 100
	}
	if req.Purpose == "" {
		req.Purpose = domain.PurposeCold
	}

	ip := &domain.IP{
		TenantID:    req.TenantID,
		Address:     req.Address,
		Hostname:    req.Hostname,
		Purpose:     req.Purpose,
		Status:      domain.StatusStandby,
		Weight:      req.Weight,
		VMTAName:    vmtaName,
		PoolName:    req.PoolName,
		SenderEmail: req.SenderEmail,
	}

	if req.SenderEmail != "" {
		n, err := p.resolveNode(req)
		if err != nil {
			return nil, err
		}

		spec := node.VMTASpec{
			Name:        vmtaName,
			IP:          req.Address,
			Hostname:    req.Hostname,
			SenderEmail: req.SenderEmail,
			DKIMKeyPath: req.DKIMKeyPath,
		}
		if err := n.AppendVMTABlock(ctx, spec); err != nil {
			return nil, fmt.Errorf("provision %s on node %s: %w", req.Address, n.NodeID(), err)
		}

		serverID, err := p.delivery.CreateDeliveryServer(ctx, mailwizz.ServerParams{
			Name:       fmt.Sprintf("PowerMTA %s", strings.TrimPrefix(vmtaName, "vmta-")),
			Hostname:   n.Host(),
			Port:       n.SMTPPort(),
			FromEmail:  req.SenderEmail, // must equal the pattern-list key
			FromName:   req.FromName,
			CustomerID: req.CustomerID,
		})
		if err != nil {
			// Roll the node back before surfacing the failure.
			if rerr := n.RemoveVMTABlock(ctx, vmtaName, req.SenderEmail); rerr != nil {
				log.Printf("[Provision] rollback of %s on node %s failed: %v", vmtaName, n.NodeID(), rerr)
				return nil, fmt.Errorf("provision %s: delivery server failed and rollback failed: %w",
					req.Address, domain.ErrIntegrity)
			}
			return nil, fmt.Errorf("provision %s: delivery server: %v: %w", req.Address, err, domain.ErrUnavailable)
		}

		ip.NodeID = n.NodeID()
		ip.MailwizzServerID = serverID
	}

	if err := p.ips.Create(ctx, ip); err != nil {
		// External state was configured; unwind it so nothing is orphaned.
		if req.SenderEmail != "" {
			p.unwind(ctx, ip)
		}
		return nil, err
	}
	log.Printf("[Provision] ip %s provisioned (vmta %s, node %s, server %d)",
		ip.Address, ip.VMTAName, ip.NodeID, ip.MailwizzServerID)
	return ip, nil
}

func (p *Provisioner) resolveNode(req Request) (Node, error) {
	if req.NodeID != "" {
		n, err := p.resolver.Node(req.NodeID)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	n := p.resolver.ResolveByHostname(req.Hostname)
	if n == nil {
		return nil, fmt.Errorf("no node for hostname %s: %w", req.Hostname, domain.ErrUnavailable)
	}
	return n, nil
}

func (p *Provisioner) unwind(ctx context.Context, ip *domain.IP) {
	if ip.MailwizzServerID != 0 {
		if err := p.delivery.DeleteDeliveryServer(ctx, ip.MailwizzServerID); err != nil {
			log.Printf("[Provision] unwind delivery server %d: %v", ip.MailwizzServerID, err)
		}
	}
	if ip.NodeID != "" && ip.VMTAName != "" {
		n, err := p.resolver.Node(ip.NodeID)
		if err == nil {
			if err := n.RemoveVMTABlock(ctx, ip.VMTAName, ip.SenderEmail); err != nil {
				log.Printf("[Provision] unwind vmta %s: %v", ip.VMTAName, err)
			}
		}
	}
}

// Delete removes an IP. With deprovision set, the delivery server and the
// vmta block are removed first; external failures are logged but do not keep
// the row alive.
func (p *Provisioner) Delete(ctx context.Context, ipID int64, deprovision bool) error {
	ip, err := p.ips.GetByID(ctx, ipID)
	if err != nil {
		return err
	}

	if deprovision && ip.MailwizzServerID != 0 {
		if err := p.delivery.DeleteDeliveryServer(ctx, ip.MailwizzServerID); err != nil {
			log.Printf("[Provision] delete delivery server %d for ip %s: %v", ip.MailwizzServerID, ip.Address, err)
		}
	}

	if deprovision && ip.VMTAName != "" && ip.NodeID != "" {
		n, err := p.resolver.Node(ip.NodeID)
		if err != nil {
			log.Printf("[Provision] node %s for ip %s: %v", ip.NodeID, ip.Address, err)
		} else {
			sender := ip.SenderEmail
			if sender == "" {
				if s, err := n.GetSenderForVMTA(ctx, ip.VMTAName); err == nil {
					sender = s
				}
			}
			if sender != "" {
				if err := n.RemoveVMTABlock(ctx, ip.VMTAName, sender); err != nil {
					log.Printf("[Provision] remove vmta %s for ip %s: %v", ip.VMTAName, ip.Address, err)
				}
			} else {
				// No pattern entry to clean up; drop the block alone.
				if err := n.RemoveVMTABlockOnly(ctx, ip.VMTAName); err != nil {
					log.Printf("[Provision] remove vmta block %s for ip %s: %v", ip.VMTAName, ip.Address, err)
				}
			}
		}
	}

	if err := p.ips.Delete(ctx, ipID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	log.Printf("[Provision] ip %s deleted (deprovision=%v)", ip.Address, deprovision)
	return nil
}
