package firewall

import (
	"errors"
	"fmt"
	"net/netip"

	"grimm.is/portcullis/internal/state"
)

const metaDriverKey = "firewall-driver"

// persister writes firewall state to the store's buckets. A nil persister
// keeps nothing.
type persister struct {
	meta     *state.Bucket[string]
	networks *state.Bucket[Network]
	ports    *state.Bucket[RuleHandle]
	trust    *state.Bucket[TrustRecord]
}

func newPersister(store state.Store) *persister {
	if store == nil {
		return nil
	}
	return &persister{
		meta:     state.NewBucket[string](store, state.BucketMeta),
		networks: state.NewBucket[Network](store, state.BucketNetworks),
		ports:    state.NewBucket[RuleHandle](store, state.BucketPorts),
		trust:    state.NewBucket[TrustRecord](store, state.BucketTrust),
	}
}

// driver returns the driver recorded in the store, or "" for a fresh store.
func (p *persister) driver() (Driver, error) {
	if p == nil {
		return "", nil
	}
	d, err := p.meta.Get(metaDriverKey)
	if errors.Is(err, state.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", metaDriverKey, err)
	}
	return Driver(d), nil
}

func (p *persister) setDriver(d Driver) error {
	if p == nil {
		return nil
	}
	return p.meta.Put(metaDriverKey, d.String())
}

func (p *persister) putNetwork(n Network) error {
	if p == nil {
		return nil
	}
	return p.networks.Put(n.ID, n)
}

func (p *persister) deleteNetwork(id string) error {
	if p == nil {
		return nil
	}
	return p.networks.Delete(id)
}

func (p *persister) putHandle(h RuleHandle) error {
	if p == nil {
		return nil
	}
	return p.ports.Put(h.ID, h)
}

func (p *persister) deleteHandle(id string) error {
	if p == nil {
		return nil
	}
	return p.ports.Delete(id)
}

// syncTrust stores rec, or deletes the subnet when it is no longer tracked.
func (p *persister) syncTrust(subnet netip.Prefix, rec TrustRecord, tracked bool) error {
	if p == nil {
		return nil
	}
	if !tracked {
		return p.trust.Delete(subnet.String())
	}
	return p.trust.Put(subnet.String(), rec)
}

// Snapshot is the persisted firewall state.
type Snapshot struct {
	Driver   Driver        `json:"driver" yaml:"driver"`
	Networks []Network     `json:"networks" yaml:"networks"`
	Trust    []TrustRecord `json:"trust" yaml:"trust"`
	Forwards []RuleHandle  `json:"forwards" yaml:"forwards"`
}

func (p *persister) load() (Snapshot, error) {
	var snap Snapshot
	if p == nil {
		return snap, nil
	}
	var err error
	if snap.Driver, err = p.driver(); err != nil {
		return snap, err
	}
	if snap.Networks, err = p.networks.List(); err != nil {
		return snap, fmt.Errorf("failed to load networks: %w", err)
	}
	if snap.Trust, err = p.trust.List(); err != nil {
		return snap, fmt.Errorf("failed to load trusted subnets: %w", err)
	}
	if snap.Forwards, err = p.ports.List(); err != nil {
		return snap, fmt.Errorf("failed to load forwards: %w", err)
	}
	return snap, nil
}

// LoadSnapshot reads the persisted state without touching any backend.
func LoadSnapshot(store state.Store) (Snapshot, error) {
	return newPersister(store).load()
}
