package firewall

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"grimm.is/portcullis/internal/clock"
	"grimm.is/portcullis/internal/config"
	"grimm.is/portcullis/internal/logging"
	"grimm.is/portcullis/internal/metrics"
)

type forwardEntry struct {
	handle RuleHandle
	state  RuleState
}

// ForwardOptions configures a ForwardManager.
type ForwardOptions struct {
	// StrictBypass is config.BypassWarn or config.BypassReject. It decides
	// what a driver that cannot enforce strict forward ports does when the
	// host asks for it.
	StrictBypass string
	Clock        clock.Clock
	Logger       *logging.Logger

	// OnLocalhostPolicyCreated runs after the localhost policy was created
	// by this process.
	OnLocalhostPolicyCreated func(ctx context.Context) error
}

// ForwardManager installs and removes port forwards. Each host binding
// (family, protocol, port) belongs to at most one attachment.
type ForwardManager struct {
	adapter Adapter
	caps    Capabilities
	bypass  string
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Registry
	locks   *keyLocker

	localhost       localhostGate
	onPolicyCreated func(ctx context.Context) error
	loopbackWarning sync.Once

	// mu guards handles and bindings. A binding is reserved as soon as an
	// install starts so concurrent installs on it see the conflict.
	mu       sync.Mutex
	handles  map[string]*forwardEntry
	bindings map[Binding]*forwardEntry
}

// NewForwardManager returns a manager installing forwards through a.
func NewForwardManager(a Adapter, opts ForwardOptions) *ForwardManager {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	bypass := opts.StrictBypass
	if bypass == "" {
		bypass = config.BypassWarn
	}
	return &ForwardManager{
		adapter:         a,
		caps:            CapabilitiesFor(a.Driver()),
		bypass:          bypass,
		clock:           clk,
		log:             log.WithComponent("firewall.forward"),
		metrics:         metrics.Get(),
		locks:           newKeyLocker(),
		onPolicyCreated: opts.OnLocalhostPolicyCreated,
		handles:         make(map[string]*forwardEntry),
		bindings:        make(map[Binding]*forwardEntry),
	}
}

// AddForward installs rule for att. Loopback-scoped rules go through
// AddLocalhostRule. Adding a rule that is already installed for att
// returns its existing handle; a different rule on a binding att already
// holds replaces the old one.
func (f *ForwardManager) AddForward(ctx context.Context, att Attachment, rule PortForwardRule) (RuleHandle, error) {
	res, err := f.addForward(ctx, att, rule)
	return res.handle, err
}

// AddLocalhostRule installs rule so that it answers on 127.0.0.0/8. The
// localhost policy is created first if needed.
func (f *ForwardManager) AddLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) (RuleHandle, error) {
	res, err := f.addLocalhost(ctx, att, rule)
	return res.handle, err
}

// addResult is the outcome of one add. replaced is the handle whose rule
// was removed because the new rule took over its binding.
type addResult struct {
	handle   RuleHandle
	replaced *RuleHandle
	existed  bool
}

func (f *ForwardManager) addForward(ctx context.Context, att Attachment, rule PortForwardRule) (addResult, error) {
	if err := rule.Validate(); err != nil {
		return addResult{}, err
	}
	rule = rule.Normalize()
	if rule.Loopback() {
		return f.addLocalhost(ctx, att, rule)
	}
	if !f.caps.PublicIPLoopbackForward {
		f.loopbackWarning.Do(func() {
			f.log.Warn("forwarded ports are not reachable from the host through its own public addresses", "driver", f.adapter.Driver())
		})
	}
	return f.add(ctx, att, rule, KindForward)
}

func (f *ForwardManager) addLocalhost(ctx context.Context, att Attachment, rule PortForwardRule) (addResult, error) {
	if err := rule.Validate(); err != nil {
		return addResult{}, err
	}
	rule = rule.Normalize()
	rule.Scope = ScopeLoopback
	if err := f.checkLocalhost(rule); err != nil {
		return addResult{}, err
	}
	if err := f.EnsureLocalhostPolicy(ctx); err != nil {
		return addResult{}, err
	}
	return f.add(ctx, att, rule, KindLocalhost)
}

// checkLocalhost fails before any mutation if rule cannot be installed as
// a localhost rule on this driver.
func (f *ForwardManager) checkLocalhost(rule PortForwardRule) error {
	if rule.Family() != IPv4 {
		return &Error{
			Op:     "add localhost rule",
			Driver: f.adapter.Driver(),
			Kind:   ErrUnsupportedAddressFamily,
			Err:    fmt.Errorf("%s: localhost forwarding is IPv4 only", rule),
		}
	}
	return f.caps.Require(FeatureLocalhostForward)
}

// checkStrict reads the host's strict forward ports setting. It is never
// cached.
func (f *ForwardManager) checkStrict(ctx context.Context, rule PortForwardRule) error {
	strict, err := f.adapter.QueryStrictForwardPorts(ctx)
	if err != nil {
		return err
	}
	if !strict {
		return nil
	}
	if f.caps.StrictForwardPortsEnforced || f.bypass == config.BypassReject {
		return &Error{
			Op:     "add forward",
			Driver: f.adapter.Driver(),
			Kind:   ErrStrictModeRejected,
			Err:    fmt.Errorf("%s: host has StrictForwardPorts enabled", rule),
		}
	}
	f.metrics.StrictBypassTotal.WithLabelValues(f.adapter.Driver().String()).Inc()
	f.log.Warn("strict forward ports is enabled but the driver cannot enforce it, installing forward anyway",
		"driver", f.adapter.Driver(), "rule", rule.String())
	return nil
}

func (f *ForwardManager) install(ctx context.Context, kind HandleKind, att Attachment, rule PortForwardRule) error {
	if kind == KindLocalhost {
		return f.adapter.ApplyLocalhostRule(ctx, att, rule)
	}
	return f.adapter.ApplyForward(ctx, att, rule)
}

func (f *ForwardManager) uninstall(ctx context.Context, h RuleHandle) error {
	if h.Kind == KindLocalhost {
		return f.adapter.RemoveLocalhostRule(ctx, h.Attachment, h.Rule)
	}
	return f.adapter.RemoveForward(ctx, h.Attachment, h.Rule)
}

func (f *ForwardManager) updateGauge() {
	f.metrics.ActiveForwards.WithLabelValues(f.adapter.Driver().String()).Set(float64(len(f.handles)))
}

func (f *ForwardManager) add(ctx context.Context, att Attachment, rule PortForwardRule, kind HandleKind) (addResult, error) {
	if err := f.checkStrict(ctx, rule); err != nil {
		return addResult{}, err
	}

	unlock := f.locks.Lock(att.Key())
	defer unlock()

	b := rule.Binding()
	entry := &forwardEntry{
		handle: RuleHandle{
			ID:         uuid.NewString(),
			Kind:       kind,
			Attachment: att,
			Rule:       rule,
			Driver:     f.adapter.Driver(),
			CreatedAt:  f.clock.Now(),
		},
		state: StatePending,
	}

	f.mu.Lock()
	old, taken := f.bindings[b]
	switch {
	case taken && old.handle.Attachment != att:
		f.mu.Unlock()
		return addResult{}, &Error{
			Op:     "add forward",
			Driver: f.adapter.Driver(),
			Kind:   ErrConflict,
			Err:    fmt.Errorf("%s is held by %s", b, old.handle.Attachment),
		}
	case taken && old.handle.Rule == rule:
		f.mu.Unlock()
		return addResult{handle: old.handle, existed: true}, nil
	}
	f.bindings[b] = entry
	f.mu.Unlock()

	var undo undoStack
	if taken {
		if err := f.uninstall(ctx, old.handle); err != nil {
			f.mu.Lock()
			f.bindings[b] = old
			f.mu.Unlock()
			return addResult{}, err
		}
		f.log.Debug("replacing forward", "attachment", att, "old", old.handle.Rule.String(), "new", rule.String())
		undo.Push("reinstall "+old.handle.Rule.String(), "re-add the forward for "+att.Key()+": "+old.handle.Rule.String(),
			func(ctx context.Context) error { return f.install(ctx, old.handle.Kind, att, old.handle.Rule) })
	}

	if err := f.install(ctx, kind, att, rule); err != nil {
		err = undo.Rollback(ctx, "add forward", err)
		restored := taken && !isRollbackFailure(err)

		f.mu.Lock()
		if restored {
			f.bindings[b] = old
		} else {
			delete(f.bindings, b)
			if taken {
				old.state = StateRemoved
				delete(f.handles, old.handle.ID)
			}
		}
		f.updateGauge()
		f.mu.Unlock()

		if taken {
			f.recordRollback(err)
		}
		return addResult{}, err
	}

	f.mu.Lock()
	entry.state = StateInstalled
	f.handles[entry.handle.ID] = entry
	if taken {
		old.state = StateRemoved
		delete(f.handles, old.handle.ID)
	}
	f.updateGauge()
	f.mu.Unlock()

	f.log.Debug("installed forward", "id", entry.handle.ID, "attachment", att, "rule", rule.String(), "kind", kind)
	res := addResult{handle: entry.handle}
	if taken {
		prev := old.handle
		res.replaced = &prev
	}
	return res, nil
}

// restore undoes a replace: cur is removed and prev is installed again
// under its original handle. The binding stays reserved throughout.
func (f *ForwardManager) restore(ctx context.Context, cur, prev RuleHandle) error {
	unlock := f.locks.Lock(cur.Attachment.Key())
	defer unlock()

	if err := f.uninstall(ctx, cur); err != nil {
		return err
	}

	b := prev.Rule.Binding()
	entry := &forwardEntry{handle: prev, state: StatePending}
	f.mu.Lock()
	if e, ok := f.handles[cur.ID]; ok {
		e.state = StateRemoved
		delete(f.handles, cur.ID)
	}
	f.bindings[b] = entry
	f.updateGauge()
	f.mu.Unlock()

	if err := f.install(ctx, prev.Kind, prev.Attachment, prev.Rule); err != nil {
		f.mu.Lock()
		if f.bindings[b] == entry {
			delete(f.bindings, b)
		}
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	entry.state = StateInstalled
	f.handles[prev.ID] = entry
	f.updateGauge()
	f.mu.Unlock()
	f.log.Debug("restored replaced forward", "id", prev.ID, "attachment", prev.Attachment, "rule", prev.Rule.String())
	return nil
}

// isRollbackFailure reports whether err came from a failed reinstall of
// the replaced rule rather than from the install that was being undone.
func isRollbackFailure(err error) bool {
	var rb *RollbackError
	return errors.As(err, &rb) && rb.Op == "add forward"
}

func (f *ForwardManager) recordRollback(err error) {
	if !isRollbackFailure(err) {
		f.metrics.RecordRollback(f.adapter.Driver().String(), nil)
		return
	}
	var rb *RollbackError
	errors.As(err, &rb)
	f.metrics.RecordRollback(f.adapter.Driver().String(), err)
	f.log.Error("rollback failed", "error", err, "remediation", rb.Remediations())
}

// RemoveForward removes the rule behind h. Unknown or already removed
// handles succeed; the backend is still asked to drop a matching rule in
// case it outlived our bookkeeping.
func (f *ForwardManager) RemoveForward(ctx context.Context, h RuleHandle) error {
	unlock := f.locks.Lock(h.Attachment.Key())
	defer unlock()

	f.mu.Lock()
	entry, ok := f.handles[h.ID]
	f.mu.Unlock()

	if !ok {
		if h.Driver == f.adapter.Driver() && h.Rule.Validate() == nil {
			if err := f.uninstall(ctx, h); err != nil {
				f.log.Warn("failed to remove untracked forward", "id", h.ID, "rule", h.Rule.String(), "error", err)
			}
		}
		return nil
	}

	if err := f.uninstall(ctx, entry.handle); err != nil {
		return err
	}

	f.mu.Lock()
	entry.state = StateRemoved
	delete(f.handles, entry.handle.ID)
	if b := entry.handle.Rule.Binding(); f.bindings[b] == entry {
		delete(f.bindings, b)
	}
	f.updateGauge()
	f.mu.Unlock()

	f.log.Debug("removed forward", "id", h.ID, "attachment", h.Attachment, "rule", entry.handle.Rule.String())
	return nil
}

// RemoveLocalhostRule removes a rule added by AddLocalhostRule. The
// localhost policy itself stays.
func (f *ForwardManager) RemoveLocalhostRule(ctx context.Context, h RuleHandle) error {
	return f.RemoveForward(ctx, h)
}

// Adopt tracks a handle restored from persisted state without calling the
// backend.
func (f *ForwardManager) Adopt(h RuleHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := h.Rule.Binding()
	if cur, ok := f.bindings[b]; ok && cur.handle.ID != h.ID {
		return &Error{Op: "adopt forward", Driver: h.Driver, Kind: ErrConflict, Err: fmt.Errorf("%s is held by %s", b, cur.handle.Attachment)}
	}
	entry := &forwardEntry{handle: h, state: StateInstalled}
	f.handles[h.ID] = entry
	f.bindings[b] = entry
	if h.Kind == KindLocalhost {
		f.localhost.markReady()
	}
	f.updateGauge()
	return nil
}

// Find returns the installed handle of att that carries rule.
func (f *ForwardManager) Find(att Attachment, rule PortForwardRule) (RuleHandle, bool) {
	rule = rule.Normalize()
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.bindings[rule.Binding()]; ok && e.state == StateInstalled && e.handle.Attachment == att && e.handle.Rule == rule {
		return e.handle, true
	}
	return RuleHandle{}, false
}

// State returns the lifecycle state of the handle with id. Unknown IDs
// report StateRemoved.
func (f *ForwardManager) State(id string) RuleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.handles[id]; ok {
		return e.state
	}
	return StateRemoved
}

// Handles lists the installed handles of att, oldest first.
func (f *ForwardManager) Handles(att Attachment) []RuleHandle {
	return f.list(func(h RuleHandle) bool { return h.Attachment == att })
}

// All lists every installed handle, oldest first.
func (f *ForwardManager) All() []RuleHandle {
	return f.list(func(RuleHandle) bool { return true })
}

func (f *ForwardManager) list(keep func(RuleHandle) bool) []RuleHandle {
	f.mu.Lock()
	var out []RuleHandle
	for _, e := range f.handles {
		if keep(e.handle) {
			out = append(out, e.handle)
		}
	}
	f.mu.Unlock()

	slices.SortFunc(out, func(a, b RuleHandle) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Reapply installs every tracked handle again.
func (f *ForwardManager) Reapply(ctx context.Context) error {
	var errs error
	for _, h := range f.All() {
		unlock := f.locks.Lock(h.Attachment.Key())
		if f.State(h.ID) == StateInstalled {
			errs = multierr.Append(errs, f.install(ctx, h.Kind, h.Attachment, h.Rule))
		}
		unlock()
	}
	return errs
}

// hasLocalhostRules reports whether any tracked handle needs the
// localhost policy.
func (f *ForwardManager) hasLocalhostRules() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.handles {
		if e.handle.Kind == KindLocalhost {
			return true
		}
	}
	return false
}
