//go:build linux
// +build linux

package firewall

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/portcullis/internal/brand"
	"grimm.is/portcullis/internal/logging"
)

const (
	nftChainForward     = "forward"
	nftChainIsolation   = "isolation"
	nftChainPrerouting  = "prerouting"
	nftChainOutput      = "output"
	nftChainPostrouting = "postrouting"
	nftChainHostports   = "hostports"

	nftSetTrustedV4  = "trusted_v4"
	nftSetTrustedV6  = "trusted_v6"
	nftSetIsolatedV4 = "isolated_v4"
	nftSetIsolatedV6 = "isolated_v6"
)

var nftChainOrder = []string{
	nftChainForward, nftChainIsolation, nftChainPrerouting,
	nftChainOutput, nftChainPostrouting, nftChainHostports,
}

// NFTablesOptions configures the nftables driver.
type NFTablesOptions struct {
	// Strict reads the host's strict forward ports setting. Nil means never strict.
	Strict StrictCheck
	Logger *logging.Logger
}

// NFTablesAdapter keeps all of its rules in one inet table. Trusted and
// isolated subnets live in interval sets; every other rule carries a
// UserData tag so it can be found again.
type NFTablesAdapter struct {
	conn   NFTablesConn
	table  *nftables.Table
	chains map[string]*nftables.Chain
	sets   map[string]*nftables.Set
	strict StrictCheck
	sysctl sysctlWriter
	log    *logging.Logger

	mu    sync.Mutex
	ready bool
}

// NewNFTablesAdapter opens a netlink connection to nf_tables.
func NewNFTablesAdapter(opts NFTablesOptions) (*NFTablesAdapter, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, translate(DriverNFTables, "open nftables", fmt.Errorf("failed to open nftables connection: %w", err))
	}
	return newNFTablesAdapter(NewRealNFTablesConn(conn), opts, procSysctl{}), nil
}

func newNFTablesAdapter(conn NFTablesConn, opts NFTablesOptions, sysctl sysctlWriter) *NFTablesAdapter {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	strict := opts.Strict
	if strict == nil {
		strict = noStrictCheck
	}

	table := &nftables.Table{Name: brand.LowerName, Family: nftables.TableFamilyINet}
	n := &NFTablesAdapter{
		conn:   conn,
		table:  table,
		chains: make(map[string]*nftables.Chain),
		sets:   make(map[string]*nftables.Set),
		strict: strict,
		sysctl: sysctl,
		log:    log.WithComponent("firewall.nftables"),
	}

	policy := nftables.ChainPolicyAccept
	base := func(name string, typ nftables.ChainType, hook *nftables.ChainHook, prio *nftables.ChainPriority) {
		n.chains[name] = &nftables.Chain{
			Name: name, Table: table, Type: typ, Hooknum: hook, Priority: prio, Policy: &policy,
		}
	}
	base(nftChainForward, nftables.ChainTypeFilter, nftables.ChainHookForward, nftables.ChainPriorityFilter)
	base(nftChainPrerouting, nftables.ChainTypeNAT, nftables.ChainHookPrerouting, nftables.ChainPriorityNATDest)
	base(nftChainOutput, nftables.ChainTypeNAT, nftables.ChainHookOutput, nftables.ChainPriorityNATDest)
	base(nftChainPostrouting, nftables.ChainTypeNAT, nftables.ChainHookPostrouting, nftables.ChainPriorityNATSource)
	n.chains[nftChainIsolation] = &nftables.Chain{Name: nftChainIsolation, Table: table}
	n.chains[nftChainHostports] = &nftables.Chain{Name: nftChainHostports, Table: table}

	for name, keyType := range map[string]nftables.SetDatatype{
		nftSetTrustedV4:  nftables.TypeIPAddr,
		nftSetTrustedV6:  nftables.TypeIP6Addr,
		nftSetIsolatedV4: nftables.TypeIPAddr,
		nftSetIsolatedV6: nftables.TypeIP6Addr,
	} {
		n.sets[name] = &nftables.Set{Name: name, Table: table, KeyType: keyType, Interval: true}
	}
	return n
}

func (n *NFTablesAdapter) Driver() Driver { return DriverNFTables }

// Invalidate makes the next call recreate the table. Used after something
// else flushed the ruleset.
func (n *NFTablesAdapter) Invalidate() {
	n.mu.Lock()
	n.ready = false
	n.mu.Unlock()
}

// ensureBase creates the table, chains, sets and static rules once.
// Callers hold n.mu.
func (n *NFTablesAdapter) ensureBase() error {
	if n.ready {
		return nil
	}

	n.conn.AddTable(n.table)
	for _, name := range nftChainOrder {
		n.conn.AddChain(n.chains[name])
	}
	for _, name := range []string{nftSetTrustedV4, nftSetTrustedV6, nftSetIsolatedV4, nftSetIsolatedV6} {
		if err := n.conn.AddSet(n.sets[name], nil); err != nil {
			return fmt.Errorf("failed to add set %s: %w", name, err)
		}
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to create table %s: %w", n.table.Name, err)
	}

	added := 0
	for _, br := range n.baseRules() {
		ok, err := n.addTagged(br.chain, br.tag, br.exprs)
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		if err := n.conn.Flush(); err != nil {
			return fmt.Errorf("failed to install base rules: %w", err)
		}
	}

	n.ready = true
	n.log.Debug("nftables base ruleset ready", "table", n.table.Name, "rules_added", added)
	return nil
}

type nftRule struct {
	chain string
	tag   string
	exprs []expr.Any
}

func baseTag(name string) string { return brand.LowerName + ":base:" + name }

func (n *NFTablesAdapter) baseRules() []nftRule {
	rules := []nftRule{
		{nftChainForward, baseTag("isolation"), []expr.Any{
			&expr.Verdict{Kind: expr.VerdictJump, Chain: nftChainIsolation},
		}},
	}
	for _, f := range []Family{IPv4, IPv6} {
		trusted := n.trustedSet(f)
		rules = append(rules,
			nftRule{nftChainForward, baseTag("trusted-out-" + f.String()), concat(
				matchNFProto(f),
				lookup(f, false, trusted, false),
				accept(),
			)},
			nftRule{nftChainForward, baseTag("trusted-in-" + f.String()), concat(
				matchNFProto(f),
				lookup(f, true, trusted, false),
				matchCtEstablished(),
				accept(),
			)},
			nftRule{nftChainPostrouting, baseTag("masquerade-" + f.String()), concat(
				matchNFProto(f),
				lookup(f, false, trusted, false),
				lookup(f, true, trusted, true),
				[]expr.Any{&expr.Masq{}},
			)},
		)
	}
	for _, chain := range []string{nftChainPrerouting, nftChainOutput} {
		rules = append(rules, nftRule{chain, baseTag("hostports-" + chain), []expr.Any{
			&expr.Fib{Register: 1, FlagDADDR: true, ResultADDRTYPE: true},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(unix.RTN_LOCAL)},
			&expr.Verdict{Kind: expr.VerdictJump, Chain: nftChainHostports},
		}})
	}
	return rules
}

func (n *NFTablesAdapter) trustedSet(f Family) *nftables.Set {
	if f == IPv6 {
		return n.sets[nftSetTrustedV6]
	}
	return n.sets[nftSetTrustedV4]
}

func (n *NFTablesAdapter) isolatedSet(f Family) *nftables.Set {
	if f == IPv6 {
		return n.sets[nftSetIsolatedV6]
	}
	return n.sets[nftSetIsolatedV4]
}

// tagged returns the rules in chain whose UserData equals tag.
func (n *NFTablesAdapter) tagged(chain, tag string) ([]*nftables.Rule, error) {
	rules, err := n.conn.GetRules(n.table, n.chains[chain])
	if err != nil {
		return nil, fmt.Errorf("failed to list rules in %s: %w", chain, err)
	}
	var out []*nftables.Rule
	for _, r := range rules {
		if string(r.UserData) == tag {
			out = append(out, r)
		}
	}
	return out, nil
}

// addTagged queues a rule unless one with the same tag exists.
func (n *NFTablesAdapter) addTagged(chain, tag string, exprs []expr.Any) (bool, error) {
	existing, err := n.tagged(chain, tag)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	n.conn.AddRule(&nftables.Rule{
		Table:    n.table,
		Chain:    n.chains[chain],
		Exprs:    exprs,
		UserData: []byte(tag),
	})
	return true, nil
}

// delTagged queues deletion of every rule with tag.
func (n *NFTablesAdapter) delTagged(chain, tag string) (int, error) {
	rules, err := n.tagged(chain, tag)
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		if err := n.conn.DelRule(r); err != nil {
			return 0, fmt.Errorf("failed to delete rule %q: %w", tag, err)
		}
	}
	return len(rules), nil
}

func (n *NFTablesAdapter) hasElement(set *nftables.Set, p netip.Prefix) (bool, error) {
	elems, err := n.conn.GetSetElements(set)
	if err != nil {
		return false, fmt.Errorf("failed to list set %s: %w", set.Name, err)
	}
	start := p.Masked().Addr().AsSlice()
	for _, e := range elems {
		if !e.IntervalEnd && bytes.Equal(e.Key, start) {
			return true, nil
		}
	}
	return false, nil
}

func (n *NFTablesAdapter) ApplyZone(ctx context.Context, subnet netip.Prefix, zone string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureBase(); err != nil {
		return false, err
	}
	set := n.trustedSet(FamilyOf(subnet.Addr()))
	present, err := n.hasElement(set, subnet)
	if err != nil || present {
		return false, err
	}
	if err := n.conn.SetAddElements(set, prefixElements(subnet)); err != nil {
		return false, err
	}
	if err := n.conn.Flush(); err != nil {
		return false, fmt.Errorf("failed to trust %s: %w", subnet, err)
	}
	return true, nil
}

func (n *NFTablesAdapter) RemoveZone(ctx context.Context, subnet netip.Prefix, zone string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureBase(); err != nil {
		return err
	}
	set := n.trustedSet(FamilyOf(subnet.Addr()))
	present, err := n.hasElement(set, subnet)
	if err != nil || !present {
		return err
	}
	if err := n.conn.SetDeleteElements(set, prefixElements(subnet)); err != nil {
		return err
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to untrust %s: %w", subnet, err)
	}
	return nil
}

func isolationTag(network string, subnet netip.Prefix) string {
	return fmt.Sprintf("%s:iso:%s:%s", brand.LowerName, network, subnet)
}

// ApplyIsolation drops traffic from each subnet of network to any other
// isolated subnet.
func (n *NFTablesAdapter) ApplyIsolation(ctx context.Context, network Network) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureBase(); err != nil {
		return err
	}
	changed := false
	for _, p := range network.Subnets {
		f := FamilyOf(p.Addr())
		set := n.isolatedSet(f)
		present, err := n.hasElement(set, p)
		if err != nil {
			return err
		}
		if !present {
			if err := n.conn.SetAddElements(set, prefixElements(p)); err != nil {
				return err
			}
			changed = true
		}
		added, err := n.addTagged(nftChainIsolation, isolationTag(network.ID, p), concat(
			matchNFProto(f),
			matchPrefix(p, false, expr.CmpOpEq),
			matchPrefix(p, true, expr.CmpOpNeq),
			lookup(f, true, set, false),
			[]expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}},
		))
		if err != nil {
			return err
		}
		changed = changed || added
	}
	if !changed {
		return nil
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to isolate network %s: %w", network.ID, err)
	}
	return nil
}

func (n *NFTablesAdapter) RemoveIsolation(ctx context.Context, network Network) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureBase(); err != nil {
		return err
	}
	changed := false
	for _, p := range network.Subnets {
		deleted, err := n.delTagged(nftChainIsolation, isolationTag(network.ID, p))
		if err != nil {
			return err
		}
		set := n.isolatedSet(FamilyOf(p.Addr()))
		present, err := n.hasElement(set, p)
		if err != nil {
			return err
		}
		if present {
			if err := n.conn.SetDeleteElements(set, prefixElements(p)); err != nil {
				return err
			}
		}
		changed = changed || present || deleted > 0
	}
	if !changed {
		return nil
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to remove isolation of network %s: %w", network.ID, err)
	}
	return nil
}

func (n *NFTablesAdapter) ApplyForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applyHostport(att, rule)
}

func (n *NFTablesAdapter) RemoveForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removeHostport(att, rule)
}

func (n *NFTablesAdapter) applyHostport(att Attachment, rule PortForwardRule) error {
	if err := n.ensureBase(); err != nil {
		return err
	}
	added, err := n.addTagged(nftChainHostports, tag(att, rule), dnatExprs(rule))
	if err != nil || !added {
		return err
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to add forward %s: %w", rule, err)
	}
	return nil
}

func (n *NFTablesAdapter) removeHostport(att Attachment, rule PortForwardRule) error {
	if err := n.ensureBase(); err != nil {
		return err
	}
	deleted, err := n.delTagged(nftChainHostports, tag(att, rule))
	if err != nil || deleted == 0 {
		return err
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to remove forward %s: %w", rule, err)
	}
	return nil
}

// ApplyLocalhostPolicy enables route_localnet and masquerades loopback
// sources leaving the host.
func (n *NFTablesAdapter) ApplyLocalhostPolicy(ctx context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureBase(); err != nil {
		return false, err
	}
	written, err := enableSysctl(n.sysctl, routeLocalnetPath)
	if err != nil {
		return false, fmt.Errorf("failed to enable route_localnet: %w", err)
	}
	added, err := n.addTagged(nftChainPostrouting, baseTag("localhost-masquerade"), concat(
		matchNFProto(IPv4),
		matchPrefix(loopbackV4, false, expr.CmpOpEq),
		matchPrefix(loopbackV4, true, expr.CmpOpNeq),
		[]expr.Any{&expr.Masq{}},
	))
	if err != nil {
		return false, err
	}
	if added {
		if err := n.conn.Flush(); err != nil {
			return false, fmt.Errorf("failed to add localhost masquerade: %w", err)
		}
	}
	return written || added, nil
}

func (n *NFTablesAdapter) ApplyLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	if rule.Family() != IPv4 {
		return &Error{Op: "apply localhost rule", Driver: DriverNFTables, Kind: ErrUnsupportedAddressFamily, Err: fmt.Errorf("%s", rule)}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applyHostport(att, rule)
}

func (n *NFTablesAdapter) RemoveLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removeHostport(att, rule)
}

func (n *NFTablesAdapter) QueryStrictForwardPorts(ctx context.Context) (bool, error) {
	return n.strict(ctx)
}

// dnatExprs builds "meta nfproto F [ip daddr 127.0.0.0/8] meta l4proto P
// th dport H dnat to IP:C".
func dnatExprs(rule PortForwardRule) []expr.Any {
	f := rule.Family()
	exprs := matchNFProto(f)
	if rule.Loopback() {
		exprs = append(exprs, matchPrefix(loopbackV4, true, expr.CmpOpEq)...)
	}
	exprs = append(exprs,
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{l4proto(rule.Protocol)}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(rule.HostPort)},
		&expr.Immediate{Register: 1, Data: rule.ContainerIP.AsSlice()},
		&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(rule.ContainerPort)},
		&expr.NAT{
			Type:        expr.NATTypeDestNAT,
			Family:      uint32(nfproto(f)),
			RegAddrMin:  1,
			RegProtoMin: 2,
		},
	)
	return exprs
}

func concat(parts ...[]expr.Any) []expr.Any {
	var out []expr.Any
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func accept() []expr.Any {
	return []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}}
}

func nfproto(f Family) byte {
	if f == IPv6 {
		return ProtoIPv6
	}
	return ProtoIPv4
}

func l4proto(p Protocol) byte {
	switch p {
	case UDP:
		return unix.IPPROTO_UDP
	case SCTP:
		return unix.IPPROTO_SCTP
	}
	return unix.IPPROTO_TCP
}

func matchNFProto(f Family) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto(f)}},
	}
}

// loadAddr loads the source or destination address into register 1.
func loadAddr(f Family, dst bool) *expr.Payload {
	offset, length := uint32(12), uint32(4)
	if f == IPv6 {
		offset, length = 8, 16
	}
	if dst {
		offset += length
	}
	return &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length}
}

func matchPrefix(p netip.Prefix, dst bool, op expr.CmpOp) []expr.Any {
	p = p.Masked()
	f := FamilyOf(p.Addr())
	addr := p.Addr().AsSlice()
	mask := net.CIDRMask(p.Bits(), len(addr)*8)
	return []expr.Any{
		loadAddr(f, dst),
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            uint32(len(addr)),
			Mask:           mask,
			Xor:            make([]byte, len(addr)),
		},
		&expr.Cmp{Op: op, Register: 1, Data: addr},
	}
}

func lookup(f Family, dst bool, set *nftables.Set, invert bool) []expr.Any {
	return []expr.Any{
		loadAddr(f, dst),
		&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID, Invert: invert},
	}
}

func matchCtEstablished() []expr.Any {
	return []expr.Any{
		&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
	}
}

// prefixElements renders p as an interval set range. The end element is
// the first address past p; it is omitted when p reaches the top of the
// address space.
func prefixElements(p netip.Prefix) []nftables.SetElement {
	p = p.Masked()
	elems := []nftables.SetElement{{Key: p.Addr().AsSlice()}}
	if end, ok := prefixEnd(p); ok {
		elems = append(elems, nftables.SetElement{Key: end.AsSlice(), IntervalEnd: true})
	}
	return elems
}

func prefixEnd(p netip.Prefix) (netip.Addr, bool) {
	b := p.Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 1 << (7 - i%8)
	}
	last, _ := netip.AddrFromSlice(b)
	next := last.Next()
	return next, next.IsValid()
}
