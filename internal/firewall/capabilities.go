package firewall

import "fmt"

// Feature is a driver capability that requests may depend on.
type Feature string

const (
	FeatureIsolation               Feature = "isolation"
	FeaturePublicIPLoopbackForward Feature = "public-ip loopback forward"
	FeatureLocalhostForward        Feature = "localhost forward"
	FeatureStrictForwardPorts      Feature = "strict forward ports enforced"
)

// Capabilities is the static feature set of one driver.
type Capabilities struct {
	Driver                     Driver
	Isolation                  bool
	PublicIPLoopbackForward    bool
	LocalhostForward           bool
	StrictForwardPortsEnforced bool
}

var capabilityTable = map[Driver]Capabilities{
	DriverIPTables: {
		Driver:                     DriverIPTables,
		Isolation:                  true,
		PublicIPLoopbackForward:    true,
		LocalhostForward:           true,
		StrictForwardPortsEnforced: true,
	},
	DriverNFTables: {
		Driver:                     DriverNFTables,
		Isolation:                  true,
		PublicIPLoopbackForward:    true,
		LocalhostForward:           true,
		StrictForwardPortsEnforced: true,
	},
	// firewalld installs forwards through its own zones and cannot refuse
	// them when StrictForwardPorts is on.
	DriverFirewalld: {
		Driver:           DriverFirewalld,
		LocalhostForward: true,
	},
}

// CapabilitiesFor returns the capability set of d. Unknown drivers have no
// capabilities.
func CapabilitiesFor(d Driver) Capabilities {
	if c, ok := capabilityTable[d]; ok {
		return c
	}
	return Capabilities{Driver: d}
}

// Has reports whether the feature is supported.
func (c Capabilities) Has(f Feature) bool {
	switch f {
	case FeatureIsolation:
		return c.Isolation
	case FeaturePublicIPLoopbackForward:
		return c.PublicIPLoopbackForward
	case FeatureLocalhostForward:
		return c.LocalhostForward
	case FeatureStrictForwardPorts:
		return c.StrictForwardPortsEnforced
	}
	return false
}

// Require fails with ErrUnsupportedByDriver when f is missing.
func (c Capabilities) Require(f Feature) error {
	if c.Has(f) {
		return nil
	}
	return &Error{
		Op:     "capability check",
		Driver: c.Driver,
		Kind:   ErrUnsupportedByDriver,
		Err:    fmt.Errorf("%s is not supported", f),
	}
}

// Features lists every feature in display order.
func Features() []Feature {
	return []Feature{FeatureIsolation, FeaturePublicIPLoopbackForward, FeatureLocalhostForward, FeatureStrictForwardPorts}
}
