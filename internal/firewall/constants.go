package firewall

import "net/netip"

// Protocol constants for rule generation
const (
	ProtoIPv4 = 2  // unix.NFPROTO_IPV4
	ProtoIPv6 = 10 // unix.NFPROTO_IPV6
)

// hostportMark tags connections DNATed to a container so POSTROUTING can
// masquerade them.
const (
	hostportMark     = 0x2000
	hostportMarkMask = 0x2000
)

// routeLocalnetPath is the sysctl that lets traffic addressed to 127.0.0.0/8
// be routed off the host.
const routeLocalnetPath = "/proc/sys/net/ipv4/conf/all/route_localnet"

var loopbackV4 = netip.MustParsePrefix("127.0.0.0/8")
