package firewall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_TimesOut(t *testing.T) {
	fake := newFakeAdapter(DriverFirewalld)
	fake.block = true
	a := Guard(fake, 20*time.Millisecond)

	start := time.Now()
	err := a.ApplyForward(context.Background(), att1, rule(8080, "10.88.0.2", 80))
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuard_TranslatesRawErrors(t *testing.T) {
	fake := newFakeAdapter(DriverIPTables)
	fake.failNext("apply_zone", errors.New("iptables: Permission denied"))
	a := Guard(fake, time.Second)

	_, err := a.ApplyZone(context.Background(), subnetA, "trusted")
	require.ErrorIs(t, err, ErrPermissionDenied)

	created, err := a.ApplyZone(context.Background(), subnetA, "trusted")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestGuard_DoesNotNest(t *testing.T) {
	fake := newFakeAdapter(DriverNFTables)
	a := Guard(Guard(fake, time.Second), time.Second)

	g, ok := a.(*guardedAdapter)
	require.True(t, ok)
	assert.Same(t, fake, g.Unwrap())
	assert.Equal(t, DriverNFTables, a.Driver())

	g.Invalidate()
	assert.Equal(t, 1, fake.invalidated)
}

func TestBounded_PassesResult(t *testing.T) {
	v, err := bounded(context.Background(), DriverNFTables, "op", time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = bounded(context.Background(), DriverNFTables, "op", 0, func(context.Context) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
