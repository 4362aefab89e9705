package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"grimm.is/portcullis/internal/clock"
	"grimm.is/portcullis/internal/config"
	"grimm.is/portcullis/internal/logging"
	"grimm.is/portcullis/internal/metrics"
	"grimm.is/portcullis/internal/state"
)

// Options configures a Coordinator.
type Options struct {
	// Store persists networks and forwards. Nil keeps state in memory only.
	Store        state.Store
	TrustedZone  string
	StrictBypass string
	Retry        RetryConfig
	Clock        clock.Clock
	Logger       *logging.Logger
}

// OptionsFromConfig builds Options from the configuration file.
func OptionsFromConfig(cfg *config.Config, store state.Store, log *logging.Logger) Options {
	return Options{
		Store:        store,
		TrustedZone:  cfg.TrustedZone,
		StrictBypass: cfg.StrictForwardPortsBypass,
		Retry:        RetryConfigFrom(cfg.Retry),
		Logger:       log,
	}
}

// SetupRequest is everything needed to bring one container up.
type SetupRequest struct {
	Network    Network
	Attachment Attachment
	Rules      []PortForwardRule
}

// Coordinator sequences trust, isolation and forwards for networks and
// containers, unwinding completed steps when a later one fails.
type Coordinator struct {
	adapter  Adapter
	caps     Capabilities
	trust    *TrustManager
	forwards *ForwardManager
	store    *persister
	retry    RetryConfig
	log      *logging.Logger
	metrics  *metrics.Registry

	netLocks *keyLocker
	mu       sync.Mutex
	networks map[string]Network
}

// NewCoordinator returns a coordinator driving a. Persisted state in
// opts.Store is adopted when it was written by the same driver.
func NewCoordinator(a Adapter, opts Options) (*Coordinator, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	zone := opts.TrustedZone
	if zone == "" {
		zone = config.DefaultTrustedZone
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}

	c := &Coordinator{
		adapter:  a,
		caps:     CapabilitiesFor(a.Driver()),
		trust:    NewTrustManager(a, zone, log),
		store:    newPersister(opts.Store),
		retry:    retry,
		log:      log.WithComponent("firewall"),
		metrics:  metrics.Get(),
		netLocks: newKeyLocker(),
		networks: make(map[string]Network),
	}
	c.forwards = NewForwardManager(a, ForwardOptions{
		StrictBypass:             opts.StrictBypass,
		Clock:                    opts.Clock,
		Logger:                   log,
		OnLocalhostPolicyCreated: c.localhostPolicyCreated,
	})

	if err := c.rehydrate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Trust returns the zone membership manager.
func (c *Coordinator) Trust() *TrustManager { return c.trust }

// Forwards returns the port forward manager.
func (c *Coordinator) Forwards() *ForwardManager { return c.forwards }

// Capabilities returns the capability set of the active driver.
func (c *Coordinator) Capabilities() Capabilities { return c.caps }

func (c *Coordinator) rehydrate() error {
	snap, err := c.store.load()
	if err != nil {
		return err
	}
	switch snap.Driver {
	case "":
		return c.store.setDriver(c.adapter.Driver())
	case c.adapter.Driver():
	default:
		c.log.Warn("persisted state belongs to another firewall driver, ignoring it",
			"persisted", snap.Driver, "active", c.adapter.Driver())
		return nil
	}

	for _, n := range snap.Networks {
		c.networks[n.ID] = n
	}
	for _, rec := range snap.Trust {
		for _, id := range rec.Networks {
			c.trust.Adopt(id, rec.Subnet, rec.AdminManaged)
		}
	}
	for _, h := range snap.Forwards {
		if err := c.forwards.Adopt(h); err != nil {
			c.log.Warn("skipping persisted forward", "id", h.ID, "error", err)
		}
	}
	c.log.Debug("adopted persisted state", "networks", len(snap.Networks), "subnets", len(snap.Trust), "forwards", len(snap.Forwards))
	return nil
}

// step runs fn with retries for transient backend errors.
func (c *Coordinator) step(ctx context.Context, name string, fn func() error) error {
	cfg := c.retry
	cfg.OnRetry = func(next int, err error) {
		c.metrics.RetriesTotal.WithLabelValues(name).Inc()
		c.log.Debug("retrying", "step", name, "attempt", next, "error", err)
	}
	return Retry(ctx, cfg, fn)
}

// unwind rolls back completed steps and records the outcome.
func (c *Coordinator) unwind(ctx context.Context, undo *undoStack, op string, cause error) error {
	if undo.Len() == 0 {
		return cause
	}
	err := undo.Rollback(ctx, op, cause)
	var rb *RollbackError
	if errors.As(err, &rb) && rb.Op == op {
		c.metrics.RecordRollback(c.adapter.Driver().String(), err)
		c.log.Error("rollback failed, manual cleanup needed", "op", op, "error", err, "remediation", rb.Remediations())
		return err
	}
	c.metrics.RecordRollback(c.adapter.Driver().String(), nil)
	c.log.Warn("rolled back", "op", op, "error", cause)
	return err
}

func (c *Coordinator) network(id string) (Network, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.networks[id]
	return n, ok
}

func (c *Coordinator) syncTrust(subnet netip.Prefix) error {
	rec, tracked := c.trust.Record(subnet)
	return c.store.syncTrust(subnet, rec, tracked)
}

func (c *Coordinator) checkNetwork(n Network) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.Isolate {
		return c.caps.Require(FeatureIsolation)
	}
	return nil
}

// SetupNetwork trusts every subnet of n and isolates it if asked. Repeating
// it for a known network adds nothing.
func (c *Coordinator) SetupNetwork(ctx context.Context, n Network) error {
	if err := c.checkNetwork(n); err != nil {
		return err
	}
	unlock := c.netLocks.Lock(n.ID)
	defer unlock()
	if _, err := c.setupNetwork(ctx, n); err != nil {
		return err
	}
	c.auditNetwork("network.setup", n)
	return nil
}

func (c *Coordinator) auditNetwork(action string, n Network) {
	c.log.Audit(action, n.ID, map[string]any{
		"driver":  c.adapter.Driver().String(),
		"subnets": n.Subnets,
		"isolate": n.Isolate,
	})
}

func (c *Coordinator) auditForwards(action string, handles []RuleHandle) {
	for _, h := range handles {
		c.log.Audit(action, h.ID, map[string]any{
			"driver":     h.Driver.String(),
			"attachment": h.Attachment.Key(),
			"rule":       h.Rule.String(),
		})
	}
}

// setupNetwork returns the undo of whatever it added so Setup can unwind
// the network together with the forwards.
func (c *Coordinator) setupNetwork(ctx context.Context, n Network) (*undoStack, error) {
	known, isKnown := c.network(n.ID)
	undo := &undoStack{}

	for _, p := range n.Subnets {
		if err := c.step(ctx, "trust", func() error { return c.trust.EnsureTrusted(ctx, n.ID, p) }); err != nil {
			return nil, c.unwind(ctx, undo, "setup network", err)
		}
		if err := c.syncTrust(p); err != nil {
			c.log.Warn("failed to persist trusted subnet", "subnet", p, "error", err)
		}
		if isKnown && containsPrefix(known.Subnets, p) {
			continue
		}
		undo.Push("release "+p.String(), fmt.Sprintf("remove %s from the trusted zone", p), func(ctx context.Context) error {
			err := c.trust.ReleaseTrusted(ctx, n.ID, p)
			if err == nil {
				_ = c.syncTrust(p)
			}
			return err
		})
	}

	if n.Isolate {
		if err := c.step(ctx, "isolation", func() error { return c.adapter.ApplyIsolation(ctx, n) }); err != nil {
			return nil, c.unwind(ctx, undo, "setup network", err)
		}
		if !isKnown || !known.Isolate {
			undo.Push("remove isolation of "+n.ID, "delete the isolation rules of network "+n.ID, func(ctx context.Context) error {
				return c.adapter.RemoveIsolation(ctx, n)
			})
		}
	}

	if err := c.store.putNetwork(n); err != nil {
		return nil, c.unwind(ctx, undo, "setup network", fmt.Errorf("failed to persist network %s: %w", n.ID, err))
	}
	c.mu.Lock()
	c.networks[n.ID] = n
	c.mu.Unlock()

	c.log.Info("network ready", "network", n.ID, "subnets", len(n.Subnets), "isolate", n.Isolate)
	return undo, nil
}

func containsPrefix(list []netip.Prefix, p netip.Prefix) bool {
	for _, q := range list {
		if q.Masked() == p.Masked() {
			return true
		}
	}
	return false
}

// TeardownNetwork removes isolation and releases every subnet of n. It keeps
// going after failures and returns all of them.
func (c *Coordinator) TeardownNetwork(ctx context.Context, n Network) error {
	unlock := c.netLocks.Lock(n.ID)
	defer unlock()

	if known, ok := c.network(n.ID); ok {
		n = known
	}

	var errs error
	if n.Isolate {
		errs = multierr.Append(errs, c.adapter.RemoveIsolation(ctx, n))
	}
	for _, p := range n.Subnets {
		if err := c.trust.ReleaseTrusted(ctx, n.ID, p); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, c.syncTrust(p))
	}
	if errs != nil {
		return errs
	}

	c.mu.Lock()
	delete(c.networks, n.ID)
	c.mu.Unlock()
	if err := c.store.deleteNetwork(n.ID); err != nil {
		return fmt.Errorf("failed to forget network %s: %w", n.ID, err)
	}
	c.log.Info("network removed", "network", n.ID)
	c.auditNetwork("network.teardown", n)
	return nil
}

// checkRules validates rules and the driver's support for them before any
// backend call.
func (c *Coordinator) checkRules(rules []PortForwardRule) ([]PortForwardRule, bool, error) {
	out := make([]PortForwardRule, 0, len(rules))
	seen := make(map[Binding]PortForwardRule, len(rules))
	loopback := false
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, false, err
		}
		r = r.Normalize()
		if prev, ok := seen[r.Binding()]; ok && prev != r {
			return nil, false, &Error{Op: "setup port forwards", Driver: c.adapter.Driver(), Kind: ErrConflict,
				Err: fmt.Errorf("%s and %s share %s", prev, r, r.Binding())}
		}
		seen[r.Binding()] = r
		if r.Loopback() {
			if err := c.forwards.checkLocalhost(r); err != nil {
				return nil, false, err
			}
			loopback = true
		}
		out = append(out, r)
	}
	return out, loopback, nil
}

// SetupPortForwards installs rules for att. Either all rules end up
// installed or none of the ones this call added remain.
func (c *Coordinator) SetupPortForwards(ctx context.Context, att Attachment, rules []PortForwardRule) ([]RuleHandle, error) {
	rules, loopback, err := c.checkRules(rules)
	if err != nil {
		return nil, err
	}
	handles, err := c.setupPortForwards(ctx, att, rules, loopback)
	if err != nil {
		return nil, err
	}
	c.auditForwards("forward.setup", handles)
	return handles, nil
}

func (c *Coordinator) setupPortForwards(ctx context.Context, att Attachment, rules []PortForwardRule, loopback bool) ([]RuleHandle, error) {
	undo := &undoStack{}
	if loopback {
		if err := c.step(ctx, "localhost policy", func() error { return c.forwards.EnsureLocalhostPolicy(ctx) }); err != nil {
			return nil, err
		}
	}

	handles := make([]RuleHandle, 0, len(rules))
	for _, r := range rules {
		var res addResult
		err := c.step(ctx, "forward", func() error {
			var err error
			res, err = c.forwards.addForward(ctx, att, r)
			return err
		})
		if err != nil {
			return nil, c.unwind(ctx, undo, "setup port forwards", err)
		}
		h := res.handle
		handles = append(handles, h)
		if res.existed {
			continue
		}

		if res.replaced != nil {
			prev := *res.replaced
			undo.Push("restore "+prev.Rule.String(), "delete the forward "+h.Rule.String()+" of "+att.Key()+" and re-add "+prev.Rule.String(), func(ctx context.Context) error {
				if err := c.forwards.restore(ctx, h, prev); err != nil {
					return err
				}
				_ = c.store.deleteHandle(h.ID)
				return c.store.putHandle(prev)
			})
		} else {
			undo.Push("remove "+r.String(), "delete the forward "+r.String()+" of "+att.Key(), func(ctx context.Context) error {
				err := c.forwards.RemoveForward(ctx, h)
				if err == nil {
					_ = c.store.deleteHandle(h.ID)
				}
				return err
			})
		}

		if err := c.persistReplace(h, res.replaced); err != nil {
			return nil, c.unwind(ctx, undo, "setup port forwards", err)
		}
	}

	c.log.Info("port forwards ready", "attachment", att, "rules", len(handles))
	return handles, nil
}

// persistReplace stores h and forgets the handle it replaced.
func (c *Coordinator) persistReplace(h RuleHandle, replaced *RuleHandle) error {
	if err := c.store.putHandle(h); err != nil {
		return fmt.Errorf("failed to persist forward %s: %w", h.ID, err)
	}
	if replaced != nil {
		if err := c.store.deleteHandle(replaced.ID); err != nil {
			return fmt.Errorf("failed to forget replaced forward %s: %w", replaced.ID, err)
		}
	}
	return nil
}

// TeardownPortForwards removes every handle, continuing past failures.
func (c *Coordinator) TeardownPortForwards(ctx context.Context, handles []RuleHandle) error {
	var errs error
	for _, h := range handles {
		if err := c.forwards.RemoveForward(ctx, h); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.auditForwards("forward.teardown", []RuleHandle{h})
		errs = multierr.Append(errs, c.store.deleteHandle(h.ID))
	}
	return errs
}

// TeardownAttachment removes every forward owned by att.
func (c *Coordinator) TeardownAttachment(ctx context.Context, att Attachment) error {
	return c.TeardownPortForwards(ctx, c.forwards.Handles(att))
}

// Setup brings a container up: the network first, then its forwards. If a
// forward fails, whatever this call added to the network is undone too.
func (c *Coordinator) Setup(ctx context.Context, req SetupRequest) ([]RuleHandle, error) {
	if err := c.checkNetwork(req.Network); err != nil {
		return nil, err
	}
	rules, loopback, err := c.checkRules(req.Rules)
	if err != nil {
		return nil, err
	}
	if req.Attachment.NetworkID == "" {
		req.Attachment.NetworkID = req.Network.ID
	}

	unlock := c.netLocks.Lock(req.Network.ID)
	_, wasKnown := c.network(req.Network.ID)
	netUndo, err := c.setupNetwork(ctx, req.Network)
	unlock()
	if err != nil {
		return nil, err
	}

	handles, err := c.setupPortForwards(ctx, req.Attachment, rules, loopback)
	if err != nil {
		unlock := c.netLocks.Lock(req.Network.ID)
		defer unlock()
		if !wasKnown {
			c.mu.Lock()
			delete(c.networks, req.Network.ID)
			c.mu.Unlock()
			_ = c.store.deleteNetwork(req.Network.ID)
		}
		return nil, c.unwind(ctx, netUndo, "setup", err)
	}
	c.auditNetwork("network.setup", req.Network)
	c.auditForwards("forward.setup", handles)
	return handles, nil
}

// Reload applies every tracked network and forward again. It is meant for
// after the backend dropped its runtime state, for example on a firewalld
// reload.
func (c *Coordinator) Reload(ctx context.Context) error {
	start := time.Now()
	if inv, ok := c.adapter.(invalidator); ok {
		inv.Invalidate()
	}

	var errs error
	c.mu.Lock()
	networks := make([]Network, 0, len(c.networks))
	for _, n := range c.networks {
		networks = append(networks, n)
	}
	c.mu.Unlock()

	for _, n := range networks {
		if n.Isolate {
			errs = multierr.Append(errs, c.adapter.ApplyIsolation(ctx, n))
		}
	}
	errs = multierr.Append(errs, c.trust.Reapply(ctx))
	if c.forwards.hasLocalhostRules() {
		if _, err := c.adapter.ApplyLocalhostPolicy(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	errs = multierr.Append(errs, c.forwards.Reapply(ctx))

	c.metrics.RecordReload(errs)
	if errs != nil {
		c.log.Warn("reload finished with errors", "error", errs, "duration", time.Since(start))
		return errs
	}
	c.log.Info("reloaded firewall state", "networks", len(networks), "forwards", len(c.forwards.All()), "duration", time.Since(start))
	return nil
}

// localhostPolicyCreated replays state after firewalld created the
// localhost policy, because that required a firewalld reload.
func (c *Coordinator) localhostPolicyCreated(ctx context.Context) error {
	if c.adapter.Driver() != DriverFirewalld {
		return nil
	}
	return c.Reload(ctx)
}

// Snapshot returns the current in-memory state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	networks := make([]Network, 0, len(c.networks))
	for _, n := range c.networks {
		networks = append(networks, n)
	}
	c.mu.Unlock()
	slices.SortFunc(networks, func(a, b Network) int { return strings.Compare(a.ID, b.ID) })
	return Snapshot{
		Driver:   c.adapter.Driver(),
		Networks: networks,
		Trust:    c.trust.Snapshot(),
		Forwards: c.forwards.All(),
	}
}
