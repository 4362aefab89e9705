package firewall

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"grimm.is/portcullis/internal/brand"
)

// Driver selects the host firewall backend.
type Driver string

const (
	DriverIPTables  Driver = "iptables"
	DriverNFTables  Driver = "nftables"
	DriverFirewalld Driver = "firewalld"
)

// Drivers lists every supported driver in display order.
var Drivers = []Driver{DriverIPTables, DriverNFTables, DriverFirewalld}

// ParseDriver maps a driver selector to a Driver. The selector comes from
// configuration verbatim; surrounding whitespace and case are ignored.
func ParseDriver(s string) (Driver, error) {
	d := Driver(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DriverIPTables, DriverNFTables, DriverFirewalld:
		return d, nil
	}
	return "", &Error{Op: "parse driver", Kind: ErrUnsupportedByDriver, Err: fmt.Errorf("unknown firewall driver %q", s)}
}

func (d Driver) String() string { return string(d) }

// Family is an IP address family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// Network is a container network whose subnets must be reachable.
type Network struct {
	ID      string         `json:"id" yaml:"id"`
	Subnets []netip.Prefix `json:"subnets" yaml:"subnets"`
	Isolate bool           `json:"isolate,omitempty" yaml:"isolate,omitempty"`
}

// Validate checks the network has an ID and canonical subnets.
func (n Network) Validate() error {
	if n.ID == "" {
		return &Error{Op: "validate network", Kind: ErrInvalidRule, Err: fmt.Errorf("network ID is empty")}
	}
	for _, p := range n.Subnets {
		if !p.IsValid() {
			return &Error{Op: "validate network", Kind: ErrInvalidRule, Err: fmt.Errorf("network %s: invalid subnet", n.ID)}
		}
		if p.Masked() != p {
			return &Error{Op: "validate network", Kind: ErrInvalidRule, Err: fmt.Errorf("network %s: subnet %s has host bits set", n.ID, p)}
		}
	}
	return nil
}

// Attachment identifies a container's attachment to one network. It owns
// the port forwarding rules installed for that container.
type Attachment struct {
	NetworkID   string `json:"network_id" yaml:"network_id"`
	ContainerID string `json:"container_id" yaml:"container_id"`
}

// Key renders the attachment as "<network>_<container>".
func (a Attachment) Key() string {
	return a.NetworkID + "_" + a.ContainerID
}

func (a Attachment) String() string { return a.Key() }

// Protocol is a transport protocol that can be forwarded.
type Protocol string

const (
	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	SCTP Protocol = "sctp"
)

// ParseProtocol accepts tcp, udp and sctp in any case.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case TCP, UDP, SCTP:
		return p, nil
	}
	return "", &Error{Op: "parse protocol", Kind: ErrInvalidRule, Err: fmt.Errorf("unknown protocol %q", s)}
}

// Scope restricts which destination addresses a forward answers on.
type Scope string

const (
	ScopeAny      Scope = "any"
	ScopeLoopback Scope = "loopback"
)

// PortForwardRule maps a host (protocol, port) to a container address and port.
// Two rules are distinct if any field differs.
type PortForwardRule struct {
	HostPort      uint16     `json:"host_port" yaml:"host_port"`
	Protocol      Protocol   `json:"protocol" yaml:"protocol"`
	ContainerIP   netip.Addr `json:"container_ip" yaml:"container_ip"`
	ContainerPort uint16     `json:"container_port" yaml:"container_port"`
	Scope         Scope      `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// Validate checks every field of the rule. An empty Scope means ScopeAny.
func (r PortForwardRule) Validate() error {
	var problem string
	switch {
	case r.HostPort == 0:
		problem = "host port is zero"
	case r.ContainerPort == 0:
		problem = "container port is zero"
	case !r.ContainerIP.IsValid():
		problem = "container IP is not set"
	case r.Protocol != TCP && r.Protocol != UDP && r.Protocol != SCTP:
		problem = fmt.Sprintf("unknown protocol %q", r.Protocol)
	case r.Scope != "" && r.Scope != ScopeAny && r.Scope != ScopeLoopback:
		problem = fmt.Sprintf("unknown scope %q", r.Scope)
	default:
		return nil
	}
	return &Error{Op: "validate rule", Kind: ErrInvalidRule, Err: fmt.Errorf("%s: %s", r, problem)}
}

// Normalize fills the default scope and unmaps IPv4-mapped addresses so
// equal intents compare equal.
func (r PortForwardRule) Normalize() PortForwardRule {
	if r.Scope == "" {
		r.Scope = ScopeAny
	}
	r.ContainerIP = r.ContainerIP.Unmap()
	return r
}

// Loopback reports whether the rule only answers on loopback addresses.
func (r PortForwardRule) Loopback() bool { return r.Scope == ScopeLoopback }

// Family is the address family of the container IP.
func (r PortForwardRule) Family() Family { return FamilyOf(r.ContainerIP) }

// Binding returns the host-side resource the rule occupies.
func (r PortForwardRule) Binding() Binding {
	return Binding{Family: r.Family(), Protocol: r.Protocol, HostPort: r.HostPort}
}

func (r PortForwardRule) String() string {
	s := fmt.Sprintf("%s/%d->%s", r.Protocol, r.HostPort, netip.AddrPortFrom(r.ContainerIP, r.ContainerPort))
	if r.Loopback() {
		s += " (loopback)"
	}
	return s
}

// Binding is a host (family, protocol, port) triple. At most one
// attachment may hold a binding at a time.
type Binding struct {
	Family   Family
	Protocol Protocol
	HostPort uint16
}

func (b Binding) String() string {
	return fmt.Sprintf("%s %s/%d", b.Family, b.Protocol, b.HostPort)
}

// HandleKind tells which path installed a rule.
type HandleKind string

const (
	KindForward   HandleKind = "forward"
	KindLocalhost HandleKind = "localhost"
)

// RuleHandle identifies one installed port forward.
type RuleHandle struct {
	ID         string          `json:"id" yaml:"id"`
	Kind       HandleKind      `json:"kind" yaml:"kind"`
	Attachment Attachment      `json:"attachment" yaml:"attachment"`
	Rule       PortForwardRule `json:"rule" yaml:"rule"`
	Driver     Driver          `json:"driver" yaml:"driver"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
}

// RuleState tracks a rule through installation.
type RuleState int

const (
	StatePending RuleState = iota
	StateInstalled
	StateRemoved
)

func (s RuleState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInstalled:
		return "installed"
	case StateRemoved:
		return "removed"
	}
	return fmt.Sprintf("RuleState(%d)", int(s))
}

// tag is the comment/UserData label a backend attaches to the rule so it
// can be found again. It covers every field of the rule.
func tag(att Attachment, r PortForwardRule) string {
	kind := "fwd"
	if r.Loopback() {
		kind = "lo"
	}
	return fmt.Sprintf("%s:%s:%s:%s/%d:%s", brand.LowerName, kind, att.Key(), r.Protocol, r.HostPort,
		netip.AddrPortFrom(r.ContainerIP, r.ContainerPort))
}
