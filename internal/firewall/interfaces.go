//go:build linux
// +build linux

package firewall

import "github.com/google/nftables"

// NFTablesConn is the subset of *nftables.Conn the nftables driver uses.
// Changes are batched until Flush.
type NFTablesConn interface {
	// Table operations
	AddTable(t *nftables.Table) *nftables.Table

	// Chain operations
	AddChain(c *nftables.Chain) *nftables.Chain

	// Rule operations
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)

	// Set operations
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	GetSetElements(s *nftables.Set) ([]nftables.SetElement, error)
	SetAddElements(s *nftables.Set, vals []nftables.SetElement) error
	SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error

	// Commit changes
	Flush() error
}

// RealNFTablesConn forwards to a netlink connection.
type RealNFTablesConn struct {
	conn *nftables.Conn
}

// NewRealNFTablesConn wraps conn.
func NewRealNFTablesConn(conn *nftables.Conn) *RealNFTablesConn {
	return &RealNFTablesConn{conn: conn}
}

func (r *RealNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	return r.conn.AddTable(t)
}

func (r *RealNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	return r.conn.AddChain(c)
}

func (r *RealNFTablesConn) AddRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.AddRule(rule)
}

func (r *RealNFTablesConn) DelRule(rule *nftables.Rule) error {
	return r.conn.DelRule(rule)
}

func (r *RealNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return r.conn.GetRules(t, c)
}

func (r *RealNFTablesConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.AddSet(s, vals)
}

func (r *RealNFTablesConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	return r.conn.GetSetElements(s)
}

func (r *RealNFTablesConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.SetAddElements(s, vals)
}

func (r *RealNFTablesConn) SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error {
	return r.conn.SetDeleteElements(s, vals)
}

func (r *RealNFTablesConn) Flush() error {
	return r.conn.Flush()
}
