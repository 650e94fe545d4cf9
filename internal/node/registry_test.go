package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldsend-control/internal/config"
)

func testRegistry() *Registry {
	return NewRegistry([]config.NodeConfig{
		{NodeID: "vps2", Host: "10.0.0.2", Domains: []string{"hub-travelers.com", "emilia-mullerd.com"}},
		{NodeID: "vps3", Host: "10.0.0.3", Domains: []string{"plane-liberty.com"}},
	})
}

func TestResolveByDomain(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, "vps2", r.ResolveByDomain("hub-travelers.com").NodeID())
	assert.Equal(t, "vps3", r.ResolveByDomain("plane-liberty.com").NodeID())

	// Subdomains resolve by stripping labels from the left.
	assert.Equal(t, "vps3", r.ResolveByDomain("track.plane-liberty.com").NodeID())

	// Unknown domains fall back to the first configured node.
	assert.Equal(t, "vps2", r.ResolveByDomain("unknown.example").NodeID())
}

func TestResolveByHostname(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, "vps2", r.ResolveByHostname("mail.hub-travelers.com").NodeID())
	assert.Equal(t, "vps3", r.ResolveByHostname("smtp.plane-liberty.com").NodeID())
	assert.Equal(t, "vps2", r.ResolveByHostname("emilia-mullerd.com").NodeID())
}

func TestNodeLookup(t *testing.T) {
	r := testRegistry()

	n, err := r.Node("vps3")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", n.Host())

	_, err = r.Node("vps9")
	assert.Error(t, err)
}
