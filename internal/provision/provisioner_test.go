package provision

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldsend-control/internal/domain"
	"github.com/ignite/coldsend-control/internal/mailwizz"
	"github.com/ignite/coldsend-control/internal/node"
)

// fakeNode tracks configured vmta blocks by name.
type fakeNode struct {
	id        string
	blocks    map[string]string // vmta name -> sender
	appendErr error
	removed   []string
}

func newFakeNode(id string) *fakeNode {
	return &fakeNode{id: id, blocks: make(map[string]string)}
}

func (n *fakeNode) NodeID() string { return n.id }
func (n *fakeNode) Host() string   { return "node1.example.com" }
func (n *fakeNode) SMTPPort() int  { return 2525 }

func (n *fakeNode) AppendVMTABlock(_ context.Context, spec node.VMTASpec) error {
	if n.appendErr != nil {
		return n.appendErr
	}
	n.blocks[spec.Name] = spec.SenderEmail
	return nil
}

func (n *fakeNode) RemoveVMTABlock(_ context.Context, vmtaName, _ string) error {
	delete(n.blocks, vmtaName)
	n.removed = append(n.removed, vmtaName)
	return nil
}

func (n *fakeNode) RemoveVMTABlockOnly(_ context.Context, vmtaName string) error {
	delete(n.blocks, vmtaName)
	n.removed = append(n.removed, vmtaName+" (block only)")
	return nil
}

func (n *fakeNode) GetSenderForVMTA(_ context.Context, vmtaName string) (string, error) {
	s, ok := n.blocks[vmtaName]
	if !ok {
		return "", fmt.Errorf("vmta %s: %w", vmtaName, domain.ErrNotFound)
	}
	return s, nil
}

type fakeResolver struct {
	nodes map[string]*fakeNode
}

func (r *fakeResolver) ResolveByHostname(string) Node {
	for _, n := range r.nodes {
		return n
	}
	return nil
}

func (r *fakeResolver) Node(id string) (Node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	return n, nil
}

// fakeDelivery tracks created server ids.
type fakeDelivery struct {
	nextID    int64
	servers   map[int64]mailwizz.ServerParams
	createErr error
	deleted   []int64
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{servers: make(map[int64]mailwizz.ServerParams)}
}

func (d *fakeDelivery) CreateDeliveryServer(_ context.Context, p mailwizz.ServerParams) (int64, error) {
	if d.createErr != nil {
		return 0, d.createErr
	}
	d.nextID++
	d.servers[d.nextID] = p
	return d.nextID, nil
}

func (d *fakeDelivery) DeleteDeliveryServer(_ context.Context, serverID int64) error {
	if _, ok := d.servers[serverID]; !ok {
		return fmt.Errorf("server %d: %w", serverID, domain.ErrNotFound)
	}
	delete(d.servers, serverID)
	d.deleted = append(d.deleted, serverID)
	return nil
}

type fakeIPStore struct {
	ips    map[int64]*domain.IP
	nextID int64
}

func newFakeIPStore() *fakeIPStore {
	return &fakeIPStore{ips: make(map[int64]*domain.IP)}
}

func (s *fakeIPStore) Create(_ context.Context, ip *domain.IP) error {
	for _, e := range s.ips {
		if e.Address == ip.Address {
			return fmt.Errorf("ip %s: %w", ip.Address, domain.ErrConflict)
		}
	}
	s.nextID++
	ip.ID = s.nextID
	cp := *ip
	s.ips[ip.ID] = &cp
	return nil
}

func (s *fakeIPStore) GetByID(_ context.Context, id int64) (*domain.IP, error) {
	ip, ok := s.ips[id]
	if !ok {
		return nil, fmt.Errorf("ip %d: %w", id, domain.ErrNotFound)
	}
	cp := *ip
	return &cp, nil
}

func (s *fakeIPStore) GetByAddress(_ context.Context, address string) (*domain.IP, error) {
	for _, ip := range s.ips {
		if ip.Address == address {
			cp := *ip
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("ip %s: %w", address, domain.ErrNotFound)
}

func (s *fakeIPStore) Delete(_ context.Context, id int64) error {
	if _, ok := s.ips[id]; !ok {
		return fmt.Errorf("ip %d: %w", id, domain.ErrNotFound)
	}
	delete(s.ips, id)
	return nil
}

func testProvisioner() (*Provisioner, *fakeIPStore, *fakeNode, *fakeDelivery) {
	ips := newFakeIPStore()
	n := newFakeNode("node-1")
	resolver := &fakeResolver{nodes: map[string]*fakeNode{"node-1": n}}
	delivery := newFakeDelivery()
	return New(ips, resolver, delivery), ips, n, delivery
}

func TestVMTANameFor(t *testing.T) {
	assert.Equal(t, "vmta-hub-travelers", VMTANameFor("mail.hub-travelers.com"))
	assert.Equal(t, "vmta-example", VMTANameFor("smtp.example.com"))
	assert.Equal(t, "vmta-example", VMTANameFor("example.com"))
	assert.Equal(t, "vmta-news-example", VMTANameFor("news.example.com"))
}

func TestCreateProvisionsNodeAndDeliveryServer(t *testing.T) {
	p, ips, n, delivery := testProvisioner()
	ctx := context.Background()

	ip, err := p.Create(ctx, Request{
		TenantID:    1,
		Address:     "178.12.34.56",
		Hostname:    "mail.hub-travelers.com",
		SenderEmail: "contact@mail.hub-travelers.com",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusStandby, ip.Status)
	assert.Equal(t, "vmta-hub-travelers", ip.VMTAName)
	assert.Equal(t, "node-1", ip.NodeID)
	require.NotZero(t, ip.MailwizzServerID)

	assert.Equal(t, "contact@mail.hub-travelers.com", n.blocks["vmta-hub-travelers"])
	srv := delivery.servers[ip.MailwizzServerID]
	assert.Equal(t, "contact@mail.hub-travelers.com", srv.FromEmail)
	assert.Equal(t, "node1.example.com", srv.Hostname)
	assert.Equal(t, 2525, srv.Port)

	stored, err := ips.GetByAddress(ctx, "178.12.34.56")
	require.NoError(t, err)
	assert.Equal(t, ip.ID, stored.ID)
}

func TestCreateRollsBackNodeWhenDeliveryServerFails(t *testing.T) {
	p, ips, n, delivery := testProvisioner()
	ctx := context.Background()

	delivery.createErr = errors.New("mailwizz database unreachable")

	_, err := p.Create(ctx, Request{
		TenantID:    1,
		Address:     "178.12.34.56",
		Hostname:    "mail.hub-travelers.com",
		SenderEmail: "contact@mail.hub-travelers.com",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))

	// Nothing persisted, no vmta block left behind.
	_, err = ips.GetByAddress(ctx, "178.12.34.56")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.NotContains(t, n.blocks, "vmta-hub-travelers")
	assert.Contains(t, n.removed, "vmta-hub-travelers")
	assert.Empty(t, delivery.servers)
}

func TestCreateRejectsDuplicateAddress(t *testing.T) {
	p, ips, _, _ := testProvisioner()
	ctx := context.Background()

	require.NoError(t, ips.Create(ctx, &domain.IP{Address: "178.12.34.56"}))

	_, err := p.Create(ctx, Request{Address: "178.12.34.56", Hostname: "mail.example.com"})
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestCreateWithoutSenderSkipsExternalSystems(t *testing.T) {
	p, _, n, delivery := testProvisioner()
	ctx := context.Background()

	ip, err := p.Create(ctx, Request{TenantID: 1, Address: "178.12.34.60", Hostname: "mail.example.com"})
	require.NoError(t, err)

	assert.Empty(t, n.blocks)
	assert.Empty(t, delivery.servers)
	assert.Zero(t, ip.MailwizzServerID)
	assert.Empty(t, ip.NodeID)
	assert.Equal(t, "vmta-example", ip.VMTAName)
}

func TestCreateHonorsExplicitNodeOverride(t *testing.T) {
	ips := newFakeIPStore()
	n1 := newFakeNode("node-1")
	n2 := newFakeNode("node-2")
	resolver := &fakeResolver{nodes: map[string]*fakeNode{"node-1": n1, "node-2": n2}}
	delivery := newFakeDelivery()
	p := New(ips, resolver, delivery)

	ip, err := p.Create(context.Background(), Request{
		TenantID:    1,
		Address:     "178.12.34.61",
		Hostname:    "mail.example.com",
		SenderEmail: "hello@mail.example.com",
		NodeID:      "node-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "node-2", ip.NodeID)
	assert.Contains(t, n2.blocks, "vmta-example")
	assert.Empty(t, n1.blocks)
}

func TestDeleteDeprovisionsBothSystems(t *testing.T) {
	p, ips, n, delivery := testProvisioner()
	ctx := context.Background()

	ip, err := p.Create(ctx, Request{
		TenantID:    1,
		Address:     "178.12.34.56",
		Hostname:    "mail.hub-travelers.com",
		SenderEmail: "contact@mail.hub-travelers.com",
	})
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, ip.ID, true))

	assert.Empty(t, n.blocks)
	assert.Empty(t, delivery.servers)
	_, err = ips.GetByID(ctx, ip.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeleteFallsBackToBlockOnlyRemoval(t *testing.T) {
	p, ips, n, _ := testProvisioner()
	ctx := context.Background()

	// Row with a vmta but no recorded sender, and no pattern entry on the node.
	require.NoError(t, ips.Create(ctx, &domain.IP{
		Address: "178.12.34.62", VMTAName: "vmta-orphan", NodeID: "node-1",
	}))
	ip, err := ips.GetByAddress(ctx, "178.12.34.62")
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, ip.ID, true))
	assert.Contains(t, n.removed, "vmta-orphan (block only)")
}

func TestDeleteWithoutDeprovisionLeavesExternalState(t *testing.T) {
	p, ips, n, delivery := testProvisioner()
	ctx := context.Background()

	ip, err := p.Create(ctx, Request{
		TenantID:    1,
		Address:     "178.12.34.56",
		Hostname:    "mail.hub-travelers.com",
		SenderEmail: "contact@mail.hub-travelers.com",
	})
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, ip.ID, false))

	assert.Contains(t, n.blocks, "vmta-hub-travelers")
	assert.Len(t, delivery.servers, 1)
	_, err = ips.GetByID(ctx, ip.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
