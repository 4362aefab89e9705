package firewall

import (
	"context"
	"net/netip"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"grimm.is/portcullis/internal/logging"
	"grimm.is/portcullis/internal/metrics"
)

// TrustRecord is the persisted form of one trusted subnet.
type TrustRecord struct {
	Subnet       netip.Prefix `json:"subnet" yaml:"subnet"`
	Networks     []string     `json:"networks" yaml:"networks"`
	AdminManaged bool         `json:"admin_managed,omitempty" yaml:"admin_managed,omitempty"`
}

type trustEntry struct {
	refs map[string]struct{}
	// adminManaged subnets were in the zone before us and are never removed.
	adminManaged bool
}

// TrustManager keeps container subnets in the trusted zone while at least
// one network references them.
type TrustManager struct {
	adapter Adapter
	zone    string
	log     *logging.Logger
	metrics *metrics.Registry
	locks   *keyLocker

	mu      sync.Mutex
	entries map[netip.Prefix]*trustEntry
}

// NewTrustManager returns a manager adding subnets to zone through a.
func NewTrustManager(a Adapter, zone string, log *logging.Logger) *TrustManager {
	if log == nil {
		log = logging.Default()
	}
	return &TrustManager{
		adapter: a,
		zone:    zone,
		log:     log.WithComponent("firewall.trust"),
		metrics: metrics.Get(),
		locks:   newKeyLocker(),
		entries: make(map[netip.Prefix]*trustEntry),
	}
}

func (t *TrustManager) entry(subnet netip.Prefix) *trustEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[subnet]
}

func (t *TrustManager) updateGauge() {
	t.metrics.TrustedSubnets.WithLabelValues(t.adapter.Driver().String()).Set(float64(len(t.entries)))
}

// EnsureTrusted makes subnet a member of the trusted zone on behalf of
// networkID. Repeating the call for the same network adds no reference.
func (t *TrustManager) EnsureTrusted(ctx context.Context, networkID string, subnet netip.Prefix) error {
	subnet = subnet.Masked()
	unlock := t.locks.Lock(subnet.String())
	defer unlock()

	if e := t.entry(subnet); e != nil {
		t.mu.Lock()
		e.refs[networkID] = struct{}{}
		t.mu.Unlock()
		return nil
	}

	created, err := t.adapter.ApplyZone(ctx, subnet, t.zone)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.entries[subnet] = &trustEntry{
		refs:         map[string]struct{}{networkID: {}},
		adminManaged: !created,
	}
	t.updateGauge()
	t.mu.Unlock()

	if created {
		t.log.Debug("trusted subnet", "subnet", subnet, "zone", t.zone, "network", networkID)
	} else {
		t.log.Info("subnet already in trusted zone, leaving it to the administrator", "subnet", subnet, "zone", t.zone)
	}
	return nil
}

// ReleaseTrusted drops networkID's reference. The subnet leaves the zone
// when the last reference goes, unless it was there before us. A failed
// removal keeps the subnet tracked so the next release retries it.
func (t *TrustManager) ReleaseTrusted(ctx context.Context, networkID string, subnet netip.Prefix) error {
	subnet = subnet.Masked()
	unlock := t.locks.Lock(subnet.String())
	defer unlock()

	e := t.entry(subnet)
	if e == nil {
		return nil
	}

	t.mu.Lock()
	delete(e.refs, networkID)
	remaining := len(e.refs)
	t.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	if !e.adminManaged {
		if err := t.adapter.RemoveZone(ctx, subnet, t.zone); err != nil {
			t.log.Warn("failed to remove subnet from trusted zone", "subnet", subnet, "zone", t.zone, "error", err)
			return err
		}
		t.log.Debug("untrusted subnet", "subnet", subnet, "zone", t.zone)
	}

	t.mu.Lock()
	delete(t.entries, subnet)
	t.updateGauge()
	t.mu.Unlock()
	return nil
}

// Adopt records a reference restored from persisted state without calling
// the backend.
func (t *TrustManager) Adopt(networkID string, subnet netip.Prefix, adminManaged bool) {
	subnet = subnet.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[subnet]
	if !ok {
		e = &trustEntry{refs: make(map[string]struct{}), adminManaged: adminManaged}
		t.entries[subnet] = e
	}
	e.refs[networkID] = struct{}{}
	t.updateGauge()
}

// Reapply adds every referenced subnet to the zone again.
func (t *TrustManager) Reapply(ctx context.Context) error {
	var errs error
	for _, rec := range t.Snapshot() {
		if len(rec.Networks) == 0 {
			continue
		}
		unlock := t.locks.Lock(rec.Subnet.String())
		if t.entry(rec.Subnet) != nil {
			if _, err := t.adapter.ApplyZone(ctx, rec.Subnet, t.zone); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		unlock()
	}
	return errs
}

// Record returns the persisted form of subnet, or false if it is not tracked.
func (t *TrustManager) Record(subnet netip.Prefix) (TrustRecord, bool) {
	subnet = subnet.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[subnet]
	if !ok {
		return TrustRecord{}, false
	}
	return e.record(subnet), true
}

func (e *trustEntry) record(subnet netip.Prefix) TrustRecord {
	networks := make([]string, 0, len(e.refs))
	for id := range e.refs {
		networks = append(networks, id)
	}
	slices.Sort(networks)
	return TrustRecord{Subnet: subnet, Networks: networks, AdminManaged: e.adminManaged}
}

// Snapshot lists every tracked subnet ordered by address.
func (t *TrustManager) Snapshot() []TrustRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrustRecord, 0, len(t.entries))
	for subnet, e := range t.entries {
		out = append(out, e.record(subnet))
	}
	slices.SortFunc(out, func(a, b TrustRecord) int {
		if c := a.Subnet.Addr().Compare(b.Subnet.Addr()); c != 0 {
			return c
		}
		return a.Subnet.Bits() - b.Subnet.Bits()
	})
	return out
}

// RefCount returns the number of networks holding subnet.
func (t *TrustManager) RefCount(subnet netip.Prefix) int {
	if e := t.entry(subnet.Masked()); e != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return len(e.refs)
	}
	return 0
}
