package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/multierr"

	"grimm.is/portcullis/internal/brand"
	"grimm.is/portcullis/internal/logging"
)

const (
	tableFilter = "filter"
	tableNat    = "nat"
)

// Chain names under the brand prefix.
var (
	chainForward     = brand.Chain("FORWARD")
	chainPostrouting = brand.Chain("POSTROUTING")
	chainIsolation1  = brand.Chain("ISOLATION-1")
	chainIsolation2  = brand.Chain("ISOLATION-2")
	chainDNAT        = brand.Chain("HOSTPORT-DNAT")
	chainSetMark     = brand.Chain("HOSTPORT-SETMARK")
	chainMasq        = brand.Chain("HOSTPORT-MASQ")
)

// iptablesClient is the part of *iptables.IPTables the driver uses.
type iptablesClient interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	List(table, chain string) ([]string, error)
}

// IPTablesOptions configures the iptables driver.
type IPTablesOptions struct {
	// IPv6 also opens ip6tables. Without it IPv6 rules fail with
	// ErrUnsupportedAddressFamily.
	IPv6   bool
	Strict StrictCheck
	Logger *logging.Logger
}

// IPTablesAdapter drives iptables and ip6tables through go-iptables.
type IPTablesAdapter struct {
	v4     iptablesClient
	v6     iptablesClient
	strict StrictCheck
	sysctl sysctlWriter
	log    *logging.Logger

	mu    sync.Mutex
	ready map[Family]bool
}

// NewIPTablesAdapter locates the iptables binaries.
func NewIPTablesAdapter(opts IPTablesOptions) (*IPTablesAdapter, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, translate(DriverIPTables, "open iptables", err)
	}
	var v6 iptablesClient
	if opts.IPv6 {
		ip6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
		if err != nil {
			return nil, translate(DriverIPTables, "open ip6tables", err)
		}
		v6 = ip6
	}
	return newIPTablesAdapter(v4, v6, opts, procSysctl{}), nil
}

func newIPTablesAdapter(v4, v6 iptablesClient, opts IPTablesOptions, sysctl sysctlWriter) *IPTablesAdapter {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	strict := opts.Strict
	if strict == nil {
		strict = noStrictCheck
	}
	return &IPTablesAdapter{
		v4:     v4,
		v6:     v6,
		strict: strict,
		sysctl: sysctl,
		log:    log.WithComponent("firewall.iptables"),
		ready:  make(map[Family]bool),
	}
}

func (a *IPTablesAdapter) Driver() Driver { return DriverIPTables }

// Invalidate makes the next call check the chains again.
func (a *IPTablesAdapter) Invalidate() {
	a.mu.Lock()
	clear(a.ready)
	a.mu.Unlock()
}

// client returns the family's client with its chains in place.
func (a *IPTablesAdapter) client(f Family, op string) (iptablesClient, error) {
	c := a.v4
	if f == IPv6 {
		c = a.v6
	}
	if c == nil {
		return nil, &Error{Op: op, Driver: DriverIPTables, Kind: ErrUnsupportedAddressFamily, Err: fmt.Errorf("ip6tables is not enabled")}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready[f] {
		return c, nil
	}
	if err := ensureChains(c); err != nil {
		return nil, err
	}
	a.ready[f] = true
	return c, nil
}

type chainJump struct {
	table, from, to string
	match           []string
}

var chainJumps = []chainJump{
	{tableFilter, "FORWARD", chainForward, nil},
	{tableFilter, "FORWARD", chainIsolation1, nil},
	{tableNat, "POSTROUTING", chainPostrouting, nil},
	{tableNat, "POSTROUTING", chainMasq, nil},
	{tableNat, "PREROUTING", chainDNAT, []string{"-m", "addrtype", "--dst-type", "LOCAL"}},
	{tableNat, "OUTPUT", chainDNAT, []string{"-m", "addrtype", "--dst-type", "LOCAL"}},
}

// ensureChains creates the private chains and the jumps into them. Existing
// chains are left as they are so rules owned by other processes survive.
func ensureChains(c iptablesClient) error {
	for _, ch := range []struct{ table, name string }{
		{tableFilter, chainForward},
		{tableFilter, chainIsolation1},
		{tableFilter, chainIsolation2},
		{tableNat, chainPostrouting},
		{tableNat, chainDNAT},
		{tableNat, chainSetMark},
		{tableNat, chainMasq},
	} {
		exists, err := c.ChainExists(ch.table, ch.name)
		if err != nil {
			return fmt.Errorf("failed to check chain %s: %w", ch.name, err)
		}
		if !exists {
			if err := c.NewChain(ch.table, ch.name); err != nil {
				return fmt.Errorf("failed to create chain %s: %w", ch.name, err)
			}
		}
	}

	for _, j := range chainJumps {
		rule := append(append([]string{}, j.match...), "-j", j.to)
		exists, err := c.Exists(j.table, j.from, rule...)
		if err != nil {
			return fmt.Errorf("failed to check jump to %s: %w", j.to, err)
		}
		if !exists {
			if err := c.Insert(j.table, j.from, 1, rule...); err != nil {
				return fmt.Errorf("failed to add jump to %s: %w", j.to, err)
			}
		}
	}

	mark := fmt.Sprintf("%#x/%#x", hostportMark, hostportMarkMask)
	if _, err := appendUnique(c, tableNat, chainSetMark, "-j", "MARK", "--set-xmark", mark); err != nil {
		return err
	}
	if _, err := appendUnique(c, tableNat, chainMasq, "-m", "mark", "--mark", mark, "-j", "MASQUERADE"); err != nil {
		return err
	}
	return nil
}

// appendUnique appends rule unless it is already present. created reports
// whether it was added.
func appendUnique(c iptablesClient, table, chain string, rule ...string) (created bool, err error) {
	exists, err := c.Exists(table, chain, rule...)
	if err != nil {
		return false, fmt.Errorf("failed to check rule in %s: %w", chain, err)
	}
	if exists {
		return false, nil
	}
	if err := c.Append(table, chain, rule...); err != nil {
		return false, fmt.Errorf("failed to append rule to %s: %w", chain, err)
	}
	return true, nil
}

type iptRule struct {
	table, chain string
	spec         []string
}

func (r iptRule) String() string { return r.command("-A") }

// command renders r as an iptables invocation with the given action flag.
func (r iptRule) command(action string) string {
	return fmt.Sprintf("iptables -t %s %s %s %s", r.table, action, r.chain, strings.Join(r.spec, " "))
}

// applyAll appends each rule in order and removes the ones it added if a
// later one fails. created reports whether the first rule was new.
func applyAll(ctx context.Context, c iptablesClient, op string, rules []iptRule) (created bool, err error) {
	var undo undoStack
	for i, r := range rules {
		added, err := appendUnique(c, r.table, r.chain, r.spec...)
		if err != nil {
			return false, undo.Rollback(ctx, op, err)
		}
		if i == 0 {
			created = added
		}
		if added {
			undo.Push("delete rule in "+r.chain, r.command("-D"), func(context.Context) error {
				return c.DeleteIfExists(r.table, r.chain, r.spec...)
			})
		}
	}
	return created, nil
}

func deleteAll(c iptablesClient, rules []iptRule) error {
	var errs error
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		if err := c.DeleteIfExists(r.table, r.chain, r.spec...); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete %s: %w", r, err))
		}
	}
	return errs
}

func trustComment(subnet netip.Prefix) []string {
	return []string{"-m", "comment", "--comment", brand.LowerName + ":trust:" + subnet.String()}
}

func trustRules(subnet netip.Prefix) []iptRule {
	s := subnet.String()
	return []iptRule{
		{tableFilter, chainForward, append([]string{"-s", s}, append(trustComment(subnet), "-j", "ACCEPT")...)},
		{tableFilter, chainForward, append([]string{"-d", s, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED"}, append(trustComment(subnet), "-j", "ACCEPT")...)},
		{tableNat, chainPostrouting, append([]string{"-s", s, "!", "-d", s}, append(trustComment(subnet), "-j", "MASQUERADE")...)},
	}
}

func (a *IPTablesAdapter) ApplyZone(ctx context.Context, subnet netip.Prefix, zone string) (bool, error) {
	c, err := a.client(FamilyOf(subnet.Addr()), "apply zone")
	if err != nil {
		return false, err
	}
	return applyAll(ctx, c, "apply zone", trustRules(subnet))
}

func (a *IPTablesAdapter) RemoveZone(ctx context.Context, subnet netip.Prefix, zone string) error {
	c, err := a.client(FamilyOf(subnet.Addr()), "remove zone")
	if err != nil {
		return err
	}
	return deleteAll(c, trustRules(subnet))
}

func isolationRules(p netip.Prefix) []iptRule {
	s := p.String()
	return []iptRule{
		{tableFilter, chainIsolation1, []string{"-s", s, "!", "-d", s, "-j", chainIsolation2}},
		{tableFilter, chainIsolation2, []string{"-d", s, "-j", "DROP"}},
	}
}

func (a *IPTablesAdapter) ApplyIsolation(ctx context.Context, network Network) error {
	var undo undoStack
	for _, p := range network.Subnets {
		c, err := a.client(FamilyOf(p.Addr()), "apply isolation")
		if err == nil {
			_, err = applyAll(ctx, c, "apply isolation", isolationRules(p))
		}
		if err != nil {
			return undo.Rollback(ctx, "apply isolation", err)
		}
		rules := isolationRules(p)
		undo.Push("remove isolation of "+p.String(), rules[0].command("-D")+"; "+rules[1].command("-D"), func(context.Context) error {
			return deleteAll(c, rules)
		})
	}
	return nil
}

func (a *IPTablesAdapter) RemoveIsolation(ctx context.Context, network Network) error {
	var errs error
	for _, p := range network.Subnets {
		c, err := a.client(FamilyOf(p.Addr()), "remove isolation")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, deleteAll(c, isolationRules(p)))
	}
	return errs
}

func protoMatch(rule PortForwardRule) []string {
	p := string(rule.Protocol)
	return []string{"-p", p, "-m", p, "--dport", strconv.Itoa(int(rule.HostPort))}
}

func toDestination(rule PortForwardRule) string {
	return netip.AddrPortFrom(rule.ContainerIP, rule.ContainerPort).String()
}

// hostportRules returns the SETMARK rule for hairpin traffic and the DNAT
// rule. Loopback rules also match 127.0.0.0/8 destinations only.
func hostportRules(att Attachment, rule PortForwardRule) []iptRule {
	comment := []string{"-m", "comment", "--comment", tag(att, rule)}
	var dst []string
	if rule.Loopback() {
		dst = []string{"-d", loopbackV4.String()}
	}

	mark := append(append(append([]string{"-s", rule.ContainerIP.String()}, dst...), protoMatch(rule)...), comment...)
	mark = append(mark, "-j", chainSetMark)

	dnat := append(append(append([]string{}, dst...), protoMatch(rule)...), comment...)
	dnat = append(dnat, "-j", "DNAT", "--to-destination", toDestination(rule))

	return []iptRule{
		{tableNat, chainDNAT, mark},
		{tableNat, chainDNAT, dnat},
	}
}

func (a *IPTablesAdapter) ApplyForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	c, err := a.client(rule.Family(), "apply forward")
	if err != nil {
		return err
	}
	_, err = applyAll(ctx, c, "apply forward", hostportRules(att, rule))
	return err
}

func (a *IPTablesAdapter) RemoveForward(ctx context.Context, att Attachment, rule PortForwardRule) error {
	c, err := a.client(rule.Family(), "remove forward")
	if err != nil {
		return err
	}
	return deleteAll(c, hostportRules(att, rule))
}

// ApplyLocalhostPolicy enables route_localnet and masquerades loopback
// sources leaving the host.
func (a *IPTablesAdapter) ApplyLocalhostPolicy(ctx context.Context) (bool, error) {
	c, err := a.client(IPv4, "apply localhost policy")
	if err != nil {
		return false, err
	}
	written, err := enableSysctl(a.sysctl, routeLocalnetPath)
	if err != nil {
		return false, fmt.Errorf("failed to enable route_localnet: %w", err)
	}
	lo := loopbackV4.String()
	added, err := appendUnique(c, tableNat, chainMasq, "-s", lo, "!", "-d", lo, "-j", "MASQUERADE")
	if err != nil {
		return false, err
	}
	if written || added {
		a.log.Info("enabled localhost forwarding", "route_localnet", written, "masquerade", added)
	}
	return written || added, nil
}

func (a *IPTablesAdapter) ApplyLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	if rule.Family() != IPv4 {
		return &Error{Op: "apply localhost rule", Driver: DriverIPTables, Kind: ErrUnsupportedAddressFamily, Err: fmt.Errorf("%s", rule)}
	}
	return a.ApplyForward(ctx, att, rule)
}

func (a *IPTablesAdapter) RemoveLocalhostRule(ctx context.Context, att Attachment, rule PortForwardRule) error {
	return a.RemoveForward(ctx, att, rule)
}

func (a *IPTablesAdapter) QueryStrictForwardPorts(ctx context.Context) (bool, error) {
	return a.strict(ctx)
}

// ListRules returns the rules of one of the driver's nat or filter chains.
func (a *IPTablesAdapter) ListRules(f Family, table, chain string) ([]string, error) {
	c, err := a.client(f, "list rules")
	if err != nil {
		return nil, err
	}
	return c.List(table, chain)
}
