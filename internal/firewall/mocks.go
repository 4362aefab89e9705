//go:build linux
// +build linux

package firewall

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// MockNFTablesConn is an in-memory NFTablesConn. Changes are queued and
// only applied when Flush succeeds, like a netlink batch. Flush goes
// through the embedded mock, so tests decide its result with On("Flush").
type MockNFTablesConn struct {
	mock.Mock
	mu sync.Mutex

	pending    []func()
	nextHandle uint64

	tables   map[string]*nftables.Table
	chains   map[string]*nftables.Chain
	rules    map[string][]*nftables.Rule
	sets     map[string]*nftables.Set
	elements map[string][]nftables.SetElement
}

// NewMockNFTablesConn creates a new mock nftables connection.
func NewMockNFTablesConn() *MockNFTablesConn {
	return &MockNFTablesConn{
		tables:   make(map[string]*nftables.Table),
		chains:   make(map[string]*nftables.Chain),
		rules:    make(map[string][]*nftables.Rule),
		sets:     make(map[string]*nftables.Set),
		elements: make(map[string][]nftables.SetElement),
	}
}

func objKey(t *nftables.Table, name string) string { return t.Name + "/" + name }

func (m *MockNFTablesConn) queue(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
}

func (m *MockNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	m.queue(func() {
		if _, ok := m.tables[t.Name]; !ok {
			m.tables[t.Name] = t
		}
	})
	return t
}

// DelTable drops a table and everything in it, like an external
// "nft delete table".
func (m *MockNFTablesConn) DelTable(t *nftables.Table) {
	m.queue(func() {
		delete(m.tables, t.Name)
		for k, c := range m.chains {
			if c.Table.Name == t.Name {
				delete(m.chains, k)
				delete(m.rules, k)
			}
		}
		for k, s := range m.sets {
			if s.Table.Name == t.Name {
				delete(m.sets, k)
				delete(m.elements, k)
			}
		}
	})
}

func (m *MockNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.queue(func() {
		key := objKey(c.Table, c.Name)
		if _, ok := m.chains[key]; !ok {
			m.chains[key] = c
		}
	})
	return c
}

func (m *MockNFTablesConn) AddRule(r *nftables.Rule) *nftables.Rule {
	m.queue(func() {
		m.nextHandle++
		r.Handle = m.nextHandle
		key := objKey(r.Table, r.Chain.Name)
		m.rules[key] = append(m.rules[key], r)
	})
	return r
}

func (m *MockNFTablesConn) DelRule(r *nftables.Rule) error {
	if r.Handle == 0 {
		return fmt.Errorf("rule has no handle")
	}
	m.queue(func() {
		key := objKey(r.Table, r.Chain.Name)
		rules := m.rules[key]
		for i, existing := range rules {
			if existing.Handle == r.Handle {
				m.rules[key] = append(rules[:i:i], rules[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MockNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chains[objKey(t, c.Name)]; !ok {
		return nil, fmt.Errorf("chain %s not found", c.Name)
	}
	return append([]*nftables.Rule(nil), m.rules[objKey(t, c.Name)]...), nil
}

func (m *MockNFTablesConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	m.queue(func() {
		key := objKey(s.Table, s.Name)
		if _, ok := m.sets[key]; !ok {
			m.sets[key] = s
		}
		m.elements[key] = mergeElements(m.elements[key], vals)
	})
	return nil
}

func (m *MockNFTablesConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objKey(s.Table, s.Name)
	if _, ok := m.sets[key]; !ok {
		return nil, fmt.Errorf("set %s not found", s.Name)
	}
	return append([]nftables.SetElement(nil), m.elements[key]...), nil
}

func (m *MockNFTablesConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	m.queue(func() {
		key := objKey(s.Table, s.Name)
		m.elements[key] = mergeElements(m.elements[key], vals)
	})
	return nil
}

func (m *MockNFTablesConn) SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error {
	m.queue(func() {
		key := objKey(s.Table, s.Name)
		kept := m.elements[key][:0]
		for _, e := range m.elements[key] {
			if !containsElement(vals, e) {
				kept = append(kept, e)
			}
		}
		m.elements[key] = kept
	})
	return nil
}

// Flush applies the queued changes unless the mock returns an error.
// The queue is cleared either way.
func (m *MockNFTablesConn) Flush() error {
	args := m.Called()

	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pending
	m.pending = nil
	if err := args.Error(0); err != nil {
		return err
	}
	for _, fn := range pending {
		fn()
	}
	return nil
}

func mergeElements(have, add []nftables.SetElement) []nftables.SetElement {
	for _, e := range add {
		if !containsElement(have, e) {
			have = append(have, e)
		}
	}
	return have
}

func containsElement(list []nftables.SetElement, e nftables.SetElement) bool {
	for _, x := range list {
		if x.IntervalEnd == e.IntervalEnd && bytes.Equal(x.Key, e.Key) {
			return true
		}
	}
	return false
}

// Helper methods for test assertions

// GetTableCount returns the number of tables.
func (m *MockNFTablesConn) GetTableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables)
}

// GetChainCount returns the number of chains.
func (m *MockNFTablesConn) GetChainCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}

// GetRuleCount returns the total number of rules.
func (m *MockNFTablesConn) GetRuleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rules := range m.rules {
		count += len(rules)
	}
	return count
}

// RulesTagged returns the committed rules whose UserData equals tag.
func (m *MockNFTablesConn) RulesTagged(tag string) []*nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*nftables.Rule
	for _, rules := range m.rules {
		for _, r := range rules {
			if string(r.UserData) == tag {
				out = append(out, r)
			}
		}
	}
	return out
}

// SetElements returns the committed elements of the named set.
func (m *MockNFTablesConn) SetElements(table, set string) []nftables.SetElement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]nftables.SetElement(nil), m.elements[table+"/"+set]...)
}
