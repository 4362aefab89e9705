package firewall

import (
	"context"
	"sync"
)

// localhostGate makes sure the host-wide localhost policy is created once
// per process. A failed creation leaves the gate closed so the next caller
// tries again.
type localhostGate struct {
	mu    sync.Mutex
	ready bool
}

func (g *localhostGate) ensure(ctx context.Context, a Adapter) (created bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return false, nil
	}
	created, err = a.ApplyLocalhostPolicy(ctx)
	if err != nil {
		return false, err
	}
	g.ready = true
	return created, nil
}

func (g *localhostGate) markReady() {
	g.mu.Lock()
	g.ready = true
	g.mu.Unlock()
}

// EnsureLocalhostPolicy creates the localhost forwarding policy if this
// process has not done so yet. Concurrent callers wait for the first one.
// The policy is never removed by forward teardown.
func (f *ForwardManager) EnsureLocalhostPolicy(ctx context.Context) error {
	if err := f.caps.Require(FeatureLocalhostForward); err != nil {
		return err
	}
	created, err := f.localhost.ensure(ctx, f.adapter)
	if err != nil {
		return err
	}
	if created {
		f.log.Info("created localhost forwarding policy", "driver", f.adapter.Driver())
		if f.onPolicyCreated != nil {
			if err := f.onPolicyCreated(ctx); err != nil {
				f.log.Warn("replay after localhost policy creation failed", "error", err)
			}
		}
	}
	return nil
}
