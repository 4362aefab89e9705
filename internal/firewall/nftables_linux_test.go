//go:build linux
// +build linux

package firewall

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/portcullis/internal/brand"
	"grimm.is/portcullis/internal/logging"
)

func newTestNFTables(t *testing.T) (*NFTablesAdapter, *MockNFTablesConn, *fakeSysctl) {
	t.Helper()
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(nil)
	sys := &fakeSysctl{}
	a := newNFTablesAdapter(conn, NFTablesOptions{Logger: logging.Discard()}, sys)
	return a, conn, sys
}

func TestNFTables_BaseRuleset(t *testing.T) {
	a, conn, _ := newTestNFTables(t)
	ctx := context.Background()

	created, err := a.ApplyZone(ctx, subnetA, "trusted")
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, 1, conn.GetTableCount())
	assert.Equal(t, len(nftChainOrder), conn.GetChainCount())
	// isolation jump, three trusted rules per family and two hostport jumps
	assert.Equal(t, 9, conn.GetRuleCount())

	// A second call must not reinstall the static rules.
	_, err = a.ApplyZone(ctx, subnetB, "trusted")
	require.NoError(t, err)
	assert.Equal(t, 9, conn.GetRuleCount())
}

func TestNFTables_Zone(t *testing.T) {
	a, conn, _ := newTestNFTables(t)
	ctx := context.Background()

	created, err := a.ApplyZone(ctx, subnetA, "trusted")
	require.NoError(t, err)
	assert.True(t, created)

	elems := conn.SetElements(brand.LowerName, nftSetTrustedV4)
	require.Len(t, elems, 2)
	assert.Equal(t, []byte{10, 88, 0, 0}, elems[0].Key)
	assert.Equal(t, []byte{10, 89, 0, 0}, elems[1].Key)
	assert.True(t, elems[1].IntervalEnd)

	created, err = a.ApplyZone(ctx, subnetA, "trusted")
	require.NoError(t, err)
	assert.False(t, created, "subnet already trusted")

	_, err = a.ApplyZone(ctx, subnetB, "trusted")
	require.NoError(t, err)
	assert.Len(t, conn.SetElements(brand.LowerName, nftSetTrustedV6), 2)

	require.NoError(t, a.RemoveZone(ctx, subnetA, "trusted"))
	assert.Empty(t, conn.SetElements(brand.LowerName, nftSetTrustedV4))
	require.NoError(t, a.RemoveZone(ctx, subnetA, "trusted"), "removing twice is a no-op")
}

func TestNFTables_FlushFailureLeavesNoTrace(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(nil).Once()
	conn.On("Flush").Return(nil).Once()
	conn.On("Flush").Return(errors.New("netlink: operation not permitted")).Once()
	a := newNFTablesAdapter(conn, NFTablesOptions{Logger: logging.Discard()}, &fakeSysctl{})

	_, err := a.ApplyZone(context.Background(), subnetA, "trusted")
	require.Error(t, err)
	assert.Empty(t, conn.SetElements(brand.LowerName, nftSetTrustedV4))
	conn.AssertExpectations(t)
}

func TestNFTables_Isolation(t *testing.T) {
	a, conn, _ := newTestNFTables(t)
	ctx := context.Background()
	network := Network{ID: "net1", Subnets: []netip.Prefix{subnetA, subnetB}, Isolate: true}

	require.NoError(t, a.ApplyIsolation(ctx, network))
	require.NoError(t, a.ApplyIsolation(ctx, network))

	assert.Len(t, conn.RulesTagged(isolationTag("net1", subnetA)), 1)
	assert.Len(t, conn.RulesTagged(isolationTag("net1", subnetB)), 1)
	assert.Len(t, conn.SetElements(brand.LowerName, nftSetIsolatedV4), 2)
	assert.Len(t, conn.SetElements(brand.LowerName, nftSetIsolatedV6), 2)

	require.NoError(t, a.RemoveIsolation(ctx, network))
	assert.Empty(t, conn.RulesTagged(isolationTag("net1", subnetA)))
	assert.Empty(t, conn.SetElements(brand.LowerName, nftSetIsolatedV4))
	assert.Empty(t, conn.SetElements(brand.LowerName, nftSetIsolatedV6))
}

func TestNFTables_Forward(t *testing.T) {
	a, conn, _ := newTestNFTables(t)
	ctx := context.Background()
	r := rule(8080, "10.88.0.2", 80)

	require.NoError(t, a.ApplyForward(ctx, att1, r))
	require.NoError(t, a.ApplyForward(ctx, att1, r))

	rules := conn.RulesTagged(tag(att1, r))
	require.Len(t, rules, 1)
	assert.Equal(t, nftChainHostports, rules[0].Chain.Name)
	assert.Equal(t, dnatExprs(r), rules[0].Exprs)

	require.NoError(t, a.RemoveForward(ctx, att1, r))
	assert.Empty(t, conn.RulesTagged(tag(att1, r)))
	require.NoError(t, a.RemoveForward(ctx, att1, r))
}

func TestNFTables_LocalhostPolicy(t *testing.T) {
	a, conn, sys := newTestNFTables(t)
	ctx := context.Background()

	created, err := a.ApplyLocalhostPolicy(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1", sys.values[routeLocalnetPath])
	assert.Len(t, conn.RulesTagged(baseTag("localhost-masquerade")), 1)

	created, err = a.ApplyLocalhostPolicy(ctx)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, sys.writes)

	lo := loopbackRule(8080, "10.88.0.2", 80)
	require.NoError(t, a.ApplyLocalhostRule(ctx, att1, lo))
	assert.Len(t, conn.RulesTagged(tag(att1, lo)), 1)
	require.NoError(t, a.RemoveLocalhostRule(ctx, att1, lo))
	assert.Empty(t, conn.RulesTagged(tag(att1, lo)))
}

func TestNFTables_LocalhostRuleRejectsIPv6(t *testing.T) {
	a, _, _ := newTestNFTables(t)
	err := a.ApplyLocalhostRule(context.Background(), att1, loopbackRule(8080, "fd00:88::2", 80))
	require.ErrorIs(t, err, ErrUnsupportedAddressFamily)
}

func TestNFTables_InvalidateRebuilds(t *testing.T) {
	a, conn, _ := newTestNFTables(t)
	ctx := context.Background()

	_, err := a.ApplyZone(ctx, subnetA, "trusted")
	require.NoError(t, err)

	// Simulate an external flush of the ruleset.
	conn.DelTable(&nftables.Table{Name: brand.LowerName, Family: nftables.TableFamilyINet})
	require.NoError(t, conn.Flush())
	assert.Zero(t, conn.GetTableCount())

	a.Invalidate()
	created, err := a.ApplyZone(ctx, subnetA, "trusted")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, conn.GetTableCount())
	assert.Equal(t, 9, conn.GetRuleCount())
}

func TestNFTables_StrictCheck(t *testing.T) {
	conn := NewMockNFTablesConn()
	a := newNFTablesAdapter(conn, NFTablesOptions{
		Logger: logging.Discard(),
		Strict: func(context.Context) (bool, error) { return true, nil },
	}, &fakeSysctl{})

	strict, err := a.QueryStrictForwardPorts(context.Background())
	require.NoError(t, err)
	assert.True(t, strict)

	a, _, _ = newTestNFTables(t)
	strict, err = a.QueryStrictForwardPorts(context.Background())
	require.NoError(t, err)
	assert.False(t, strict)
}

func TestPrefixElements(t *testing.T) {
	elems := prefixElements(netip.MustParsePrefix("10.88.1.7/24"))
	require.Len(t, elems, 2)
	assert.Equal(t, []byte{10, 88, 1, 0}, elems[0].Key)
	assert.Equal(t, []byte{10, 88, 2, 0}, elems[1].Key)

	elems = prefixElements(netip.MustParsePrefix("0.0.0.0/0"))
	require.Len(t, elems, 1, "no end element past the top of the address space")
	assert.False(t, elems[0].IntervalEnd)
}

func TestNFTables_CoordinatorRoundTrip(t *testing.T) {
	a, conn, _ := newTestNFTables(t)
	ctx := context.Background()
	c, err := NewCoordinator(a, Options{Retry: fastRetry(), Logger: logging.Discard()})
	require.NoError(t, err)

	network := Network{ID: "net1", Subnets: []netip.Prefix{netip.MustParsePrefix("10.89.0.0/24")}}
	r := rule(8080, "10.89.0.5", 80)

	require.NoError(t, c.SetupNetwork(ctx, network))
	handles, err := c.SetupPortForwards(ctx, att1, []PortForwardRule{r})
	require.NoError(t, err)
	require.Len(t, handles, 1)

	elems := conn.SetElements(brand.LowerName, nftSetTrustedV4)
	require.Len(t, elems, 2)
	assert.Equal(t, []byte{10, 89, 0, 0}, elems[0].Key)
	assert.Equal(t, []byte{10, 89, 1, 0}, elems[1].Key)
	require.Len(t, conn.RulesTagged(tag(att1, r)), 1)
	assert.Equal(t, dnatExprs(r), conn.RulesTagged(tag(att1, r))[0].Exprs)

	require.NoError(t, c.TeardownPortForwards(ctx, handles))
	require.NoError(t, c.TeardownNetwork(ctx, network))

	assert.Empty(t, conn.SetElements(brand.LowerName, nftSetTrustedV4))
	assert.Empty(t, conn.RulesTagged(tag(att1, r)))
	hostports, err := conn.GetRules(
		&nftables.Table{Name: brand.LowerName, Family: nftables.TableFamilyINet},
		&nftables.Chain{Name: nftChainHostports},
	)
	require.NoError(t, err)
	for _, hr := range hostports {
		assert.NotEqual(t, dnatExprs(r), hr.Exprs, "no rule left for host port 8080")
	}
	assert.Empty(t, c.Snapshot().Forwards)
}
