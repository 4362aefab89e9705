package firewall

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MatchesKindAndCause(t *testing.T) {
	cause := errors.New("exit status 4")
	err := fmt.Errorf("setup: %w", &Error{Op: "apply zone", Driver: DriverIPTables, Kind: ErrBackendUnavailable, Err: cause})

	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrBackendUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "apply zone (iptables)")
}

// exitError mimics *iptables.Error.
type exitError struct {
	status int
	msg    string
}

func (e exitError) Error() string   { return e.msg }
func (e exitError) ExitStatus() int { return e.status }

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", fs.ErrPermission, ErrPermissionDenied},
		{"permission text", errors.New("iptables: Permission denied (you must be root)"), ErrPermissionDenied},
		{"other", errors.New("exec: iptables not found"), ErrBackendUnavailable},
		{"kept", &Error{Kind: ErrConflict}, ErrConflict},
		{"parameter problem", fmt.Errorf("failed to append rule: %w", exitError{status: 2, msg: "iptables v1.8.9: host/network `10.88.0.0/33' not found"}), ErrInvalidRule},
		{"xtables lock", exitError{status: 4, msg: "Another app is currently holding the xtables lock"}, ErrBackendUnavailable},
		{"bad rule text", errors.New("iptables: Bad rule (does a matching rule exist in that chain?)."), ErrInvalidRule},
		{"netlink einval", errors.New("conn.Receive: netlink receive: invalid argument"), ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(translate(DriverNFTables, "op", tt.err)))
		})
	}
	assert.NoError(t, translate(DriverNFTables, "op", nil))
}

func TestRollbackError(t *testing.T) {
	cause := &Error{Op: "apply forward", Kind: ErrPermissionDenied}
	rb := &RollbackError{
		Op:    "setup",
		Cause: cause,
		Failed: []RollbackStep{
			{Description: "remove tcp/80", Remediation: "iptables -t nat -D X", Err: errors.New("busy")},
		},
	}

	assert.ErrorIs(t, rb, ErrPartialApplyRollbackFailed)
	assert.ErrorIs(t, rb, ErrPermissionDenied)
	assert.Equal(t, ErrPartialApplyRollbackFailed, KindOf(rb))
	assert.Equal(t, []string{"iptables -t nat -D X"}, rb.Remediations())
	assert.Contains(t, rb.Error(), "remediation: iptables -t nat -D X")
}

func TestUndoStack_Rollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var order []string
	var u undoStack
	u.Push("first", "fix first", func(ctx context.Context) error {
		order = append(order, "first")
		return ctx.Err()
	})
	u.Push("second", "fix second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	u.Push("third", "fix third", func(context.Context) error {
		order = append(order, "third")
		return nil
	})

	cause := errors.New("install failed")
	err := u.Rollback(ctx, "op", cause)
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.Zero(t, u.Len())

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	require.Len(t, rb.Failed, 1, "undo must run with a live context")
	assert.Equal(t, "second", rb.Failed[0].Description)
	assert.ErrorIs(t, err, cause)
}

func TestUndoStack_CleanRollbackReturnsCause(t *testing.T) {
	var u undoStack
	u.Push("ok", "", func(context.Context) error { return nil })
	cause := errors.New("x")
	assert.Same(t, cause, u.Rollback(context.Background(), "op", cause))
}

func TestCapabilities(t *testing.T) {
	fw := CapabilitiesFor(DriverFirewalld)
	assert.False(t, fw.Has(FeatureIsolation))
	assert.False(t, fw.Has(FeaturePublicIPLoopbackForward))
	assert.True(t, fw.Has(FeatureLocalhostForward))
	assert.False(t, fw.Has(FeatureStrictForwardPorts))
	assert.ErrorIs(t, fw.Require(FeatureIsolation), ErrUnsupportedByDriver)

	for _, d := range []Driver{DriverIPTables, DriverNFTables} {
		c := CapabilitiesFor(d)
		for _, f := range Features() {
			assert.True(t, c.Has(f), "%s lacks %s", d, f)
		}
	}

	assert.False(t, CapabilitiesFor("pf").Has(FeatureLocalhostForward))
}
