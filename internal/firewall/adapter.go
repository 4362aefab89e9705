package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"grimm.is/portcullis/internal/metrics"
)

// Adapter translates firewall intents into one backend's native operations.
//
// Apply operations are idempotent. Remove operations succeed when there is
// nothing to remove. All errors carry one of the package error kinds.
type Adapter interface {
	Driver() Driver

	// ApplyZone adds subnet to the trusted zone. created is false when the
	// subnet was already a member.
	ApplyZone(ctx context.Context, subnet netip.Prefix, zone string) (created bool, err error)
	RemoveZone(ctx context.Context, subnet netip.Prefix, zone string) error

	ApplyIsolation(ctx context.Context, network Network) error
	RemoveIsolation(ctx context.Context, network Network) error

	ApplyForward(ctx context.Context, att Attachment, rule PortForwardRule) error
	RemoveForward(ctx context.Context, att Attachment, rule PortForwardRule) error

	// ApplyLocalhostPolicy creates the host-wide loopback forwarding policy.
	// created is false when it already existed.
	ApplyLocalhostPolicy(ctx context.Context) (created bool, err error)
	ApplyLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error
	RemoveLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error

	// QueryStrictForwardPorts reads the host's strict forward ports setting.
	QueryStrictForwardPorts(ctx context.Context) (bool, error)
}

// bounded runs fn with a deadline. If fn does not return in time the caller
// gets ErrBackendUnavailable; fn keeps running until it notices ctx.
func bounded[T any](ctx context.Context, d Driver, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			var zero T
			return zero, &Error{Op: op, Driver: d, Kind: ErrBackendUnavailable, Err: r.err}
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no answer within %s: %w", timeout, err)
		}
		return zero, &Error{Op: op, Driver: d, Kind: ErrBackendUnavailable, Err: err}
	}
}

// guardedAdapter bounds every call of the inner adapter and records
// metrics for it.
type guardedAdapter struct {
	inner   Adapter
	timeout time.Duration
	metrics *metrics.Registry
}

// Guard wraps a so that no call blocks longer than timeout.
func Guard(a Adapter, timeout time.Duration) Adapter {
	if g, ok := a.(*guardedAdapter); ok {
		a = g.inner
	}
	return &guardedAdapter{inner: a, timeout: timeout, metrics: metrics.Get()}
}

func (g *guardedAdapter) Driver() Driver { return g.inner.Driver() }

func guardedCall[T any](ctx context.Context, g *guardedAdapter, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := bounded(ctx, g.inner.Driver(), op, g.timeout, fn)
	err = translate(g.inner.Driver(), op, err)
	g.metrics.ObserveOperation(g.inner.Driver().String(), op, start, err)
	return v, err
}

func (g *guardedAdapter) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := guardedCall(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (g *guardedAdapter) ApplyZone(ctx context.Context, subnet netip.Prefix, zone string) (bool, error) {
	return guardedCall(ctx, g, "apply_zone", func(ctx context.Context) (bool, error) {
		return g.inner.ApplyZone(ctx, subnet, zone)
	})
}

func (g *guardedAdapter) RemoveZone(ctx context.Context, subnet netip.Prefix, zone string) error {
	return g.do(ctx, "remove_zone", func(ctx context.Context) error {
		return g.inner.RemoveZone(ctx, subnet, zone)
	})
}

func (g *guardedAdapter) ApplyIsolation(ctx context.Context, network Network) error {
	return g.do(ctx, "apply_isolation", func(ctx context.Context) error {
		return g.inner.ApplyIsolation(ctx, network)
	})
}

func (g *guardedAdapter) RemoveIsolation(ctx context.Context, network Network) error {
	return g.do(ctx, "remove_isolation", func(ctx context.Context) error {
		return g.inner.RemoveIsolation(ctx, network)
	})
}

func (g *guardedAdapter) ApplyForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	return g.do(ctx, "apply_forward", func(ctx context.Context) error {
		return g.inner.ApplyForward(ctx, att, rule)
	})
}

func (g *guardedAdapter) RemoveForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	return g.do(ctx, "remove_forward", func(ctx context.Context) error {
		return g.inner.RemoveForward(ctx, att, rule)
	})
}

func (g *guardedAdapter) ApplyLocalhostPolicy(ctx context.Context) (bool, error) {
	return guardedCall(ctx, g, "apply_localhost_policy", g.inner.ApplyLocalhostPolicy)
}

func (g *guardedAdapter) ApplyLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	return g.do(ctx, "apply_localhost_rule", func(ctx context.Context) error {
		return g.inner.ApplyLocalhostRule(ctx, att, rule)
	})
}

func (g *guardedAdapter) RemoveLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	return g.do(ctx, "remove_localhost_rule", func(ctx context.Context) error {
		return g.inner.RemoveLocalhostRule(ctx, att, rule)
	})
}

func (g *guardedAdapter) QueryStrictForwardPorts(ctx context.Context) (bool, error) {
	return guardedCall(ctx, g, "query_strict_forward_ports", g.inner.QueryStrictForwardPorts)
}

// invalidator is implemented by adapters that cache backend setup and must
// redo it after the ruleset was flushed behind their back.
type invalidator interface {
	Invalidate()
}

func (g *guardedAdapter) Invalidate() {
	if inv, ok := g.inner.(invalidator); ok {
		inv.Invalidate()
	}
}

// Unwrap returns the adapter g guards.
func (g *guardedAdapter) Unwrap() Adapter { return g.inner }
