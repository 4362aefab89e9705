package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Standard bucket names
const (
	BucketMeta     = "meta"     // Store-wide settings, e.g. the firewall driver
	BucketNetworks = "networks" // Network ID -> network definition
	BucketPorts    = "ports"    // Rule handle ID -> installed port forward
	BucketTrust    = "trust"    // Subnet -> networks holding it in the trusted zone
)

// Bucket provides typed JSON access to one bucket.
type Bucket[T any] struct {
	store Store
	name  string
}

// NewBucket returns a typed accessor for the named bucket.
func NewBucket[T any](store Store, name string) *Bucket[T] {
	return &Bucket[T]{store: store, name: name}
}

// Get retrieves the value stored under key.
func (b *Bucket[T]) Get(key string) (T, error) {
	var v T
	err := b.store.GetJSON(b.name, key, &v)
	return v, err
}

// Put stores v under key.
func (b *Bucket[T]) Put(key string, v T) error {
	return b.store.SetJSON(b.name, key, v)
}

// Delete removes key. A missing key is not an error.
func (b *Bucket[T]) Delete(key string) error {
	if err := b.store.Delete(b.name, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List returns every value in the bucket ordered by key.
func (b *Bucket[T]) List() ([]T, error) {
	data, err := b.store.List(b.name)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		if err := json.Unmarshal(data[k], &v); err != nil {
			return nil, fmt.Errorf("bucket %s key %s: %w", b.name, k, err)
		}
		out = append(out, v)
	}
	return out, nil
}
