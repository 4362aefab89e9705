package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/portcullis/internal/logging"
)

var subnetA = netip.MustParsePrefix("10.88.0.0/16")

func newTestTrust(d Driver) (*TrustManager, *fakeAdapter) {
	fake := newFakeAdapter(d)
	return NewTrustManager(fake, "trusted", logging.Discard()), fake
}

func TestTrust_RefCounted(t *testing.T) {
	ctx := context.Background()
	tm, fake := newTestTrust(DriverNFTables)

	require.NoError(t, tm.EnsureTrusted(ctx, "net1", subnetA))
	require.NoError(t, tm.EnsureTrusted(ctx, "net2", subnetA))
	assert.Equal(t, 1, fake.count("apply_zone"))
	assert.Equal(t, 2, tm.RefCount(subnetA))

	require.NoError(t, tm.ReleaseTrusted(ctx, "net1", subnetA))
	assert.Equal(t, 0, fake.count("remove_zone"))
	assert.True(t, fake.inZone(subnetA))

	require.NoError(t, tm.ReleaseTrusted(ctx, "net2", subnetA))
	assert.Equal(t, 1, fake.count("remove_zone"))
	assert.False(t, fake.inZone(subnetA))

	_, tracked := tm.Record(subnetA)
	assert.False(t, tracked)
}

func TestTrust_SameNetworkTwice(t *testing.T) {
	ctx := context.Background()
	tm, fake := newTestTrust(DriverIPTables)

	require.NoError(t, tm.EnsureTrusted(ctx, "net1", subnetA))
	require.NoError(t, tm.EnsureTrusted(ctx, "net1", subnetA))
	assert.Equal(t, 1, tm.RefCount(subnetA))

	require.NoError(t, tm.ReleaseTrusted(ctx, "net1", subnetA))
	assert.False(t, fake.inZone(subnetA))
}

func TestTrust_AdminManagedSubnetSurvives(t *testing.T) {
	ctx := context.Background()
	tm, fake := newTestTrust(DriverFirewalld)
	fake.zone[subnetA] = true

	require.NoError(t, tm.EnsureTrusted(ctx, "net1", subnetA))
	rec, ok := tm.Record(subnetA)
	require.True(t, ok)
	assert.True(t, rec.AdminManaged)

	require.NoError(t, tm.ReleaseTrusted(ctx, "net1", subnetA))
	assert.Equal(t, 0, fake.count("remove_zone"))
	assert.True(t, fake.inZone(subnetA))
}

func TestTrust_FailedRemovalIsRetried(t *testing.T) {
	ctx := context.Background()
	tm, fake := newTestTrust(DriverNFTables)
	require.NoError(t, tm.EnsureTrusted(ctx, "net1", subnetA))

	fake.failNext("remove_zone", errUnavailable)
	err := tm.ReleaseTrusted(ctx, "net1", subnetA)
	require.ErrorIs(t, err, ErrBackendUnavailable)

	_, tracked := tm.Record(subnetA)
	assert.True(t, tracked, "subnet must stay tracked after a failed removal")

	require.NoError(t, tm.ReleaseTrusted(ctx, "net1", subnetA))
	assert.False(t, fake.inZone(subnetA))
	assert.Equal(t, 2, fake.count("remove_zone"))
}

func TestTrust_ReleaseUnknownIsNoop(t *testing.T) {
	tm, fake := newTestTrust(DriverNFTables)
	require.NoError(t, tm.ReleaseTrusted(context.Background(), "net1", subnetA))
	assert.Zero(t, fake.total())
}

func TestTrust_ApplyFailureTracksNothing(t *testing.T) {
	tm, fake := newTestTrust(DriverNFTables)
	fake.failNext("apply_zone", errUnavailable)

	err := tm.EnsureTrusted(context.Background(), "net1", subnetA)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 0, tm.RefCount(subnetA))
	assert.Empty(t, tm.Snapshot())
}

func TestTrust_Concurrent(t *testing.T) {
	ctx := context.Background()
	tm, fake := newTestTrust(DriverNFTables)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tm.EnsureTrusted(ctx, fmt.Sprintf("net%d", i), subnetA))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fake.count("apply_zone"))
	assert.Equal(t, 20, tm.RefCount(subnetA))

	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tm.ReleaseTrusted(ctx, fmt.Sprintf("net%d", i), subnetA))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fake.count("remove_zone"))
	assert.False(t, fake.inZone(subnetA))
}

func TestTrust_AdoptAndReapply(t *testing.T) {
	ctx := context.Background()
	tm, fake := newTestTrust(DriverNFTables)
	other := netip.MustParsePrefix("fd00:88::/64")

	tm.Adopt("net1", subnetA, false)
	tm.Adopt("net2", subnetA, false)
	tm.Adopt("net3", other, true)
	assert.Zero(t, fake.total())

	snap := tm.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, subnetA, snap[0].Subnet)
	assert.Equal(t, []string{"net1", "net2"}, snap[0].Networks)
	assert.True(t, snap[1].AdminManaged)

	require.NoError(t, tm.Reapply(ctx))
	assert.Equal(t, 2, fake.count("apply_zone"))
	assert.True(t, fake.inZone(subnetA))
	assert.True(t, fake.inZone(other))
}
