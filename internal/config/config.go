// Package config loads the portcullis HCL configuration.
//
// A minimal file selects the driver and leaves everything else defaulted:
//
//	firewall_driver = "nftables"
//	state_dir       = "${defaults.state_dir}/run"
//
//	retry {
//	  max_attempts = 5
//	}
//
// The variables defaults.state_dir and defaults.config_dir are available
// for interpolation.
package config

import (
	"fmt"
	"time"
)

// Driver names accepted by firewall_driver.
const (
	DriverIPTables  = "iptables"
	DriverNFTables  = "nftables"
	DriverFirewalld = "firewalld"
)

// Values accepted by strict_forward_ports_bypass.
const (
	BypassWarn   = "warn"
	BypassReject = "reject"
)

// Config is the top-level configuration.
type Config struct {
	FirewallDriver string `hcl:"firewall_driver,optional" json:"firewall_driver" yaml:"firewall_driver"`

	// BackendTimeout bounds every single backend call ("5s", "750ms").
	BackendTimeout string `hcl:"backend_timeout,optional" json:"backend_timeout" yaml:"backend_timeout"`

	StateDir string `hcl:"state_dir,optional" json:"state_dir" yaml:"state_dir"`

	// IPv6 also programs ip6tables. nftables and firewalld always handle both families.
	IPv6 bool `hcl:"ipv6,optional" json:"ipv6" yaml:"ipv6"`

	// Zones used by the firewalld driver. An empty ForwardZone means the
	// default zone reported by firewalld.
	TrustedZone string `hcl:"trusted_zone,optional" json:"trusted_zone" yaml:"trusted_zone"`
	ForwardZone string `hcl:"forward_zone,optional" json:"forward_zone,omitempty" yaml:"forward_zone,omitempty"`

	// LocalhostPolicy names the firewalld policy created for loopback forwards.
	LocalhostPolicy string `hcl:"localhost_policy,optional" json:"localhost_policy" yaml:"localhost_policy"`

	// StrictForwardPortsBypass decides what happens when strict mode is on
	// but the driver cannot enforce it: "warn" installs anyway, "reject" fails.
	StrictForwardPortsBypass string `hcl:"strict_forward_ports_bypass,optional" json:"strict_forward_ports_bypass" yaml:"strict_forward_ports_bypass"`

	Retry *RetryConfig `hcl:"retry,block" json:"retry,omitempty" yaml:"retry,omitempty"`
	Log   *LogConfig   `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
}

// RetryConfig controls retries of setup steps that fail with an
// unavailable backend.
type RetryConfig struct {
	MaxAttempts  int     `hcl:"max_attempts,optional" json:"max_attempts" yaml:"max_attempts"`
	InitialDelay string  `hcl:"initial_delay,optional" json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string  `hcl:"max_delay,optional" json:"max_delay" yaml:"max_delay"`
	Multiplier   float64 `hcl:"multiplier,optional" json:"multiplier" yaml:"multiplier"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level" yaml:"level"`
	JSON  bool   `hcl:"json,optional" json:"json" yaml:"json"`
}

// Timeout returns BackendTimeout parsed. Call Validate first.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.BackendTimeout)
	if err != nil {
		return DefaultBackendTimeout
	}
	return d
}

// Delays returns the parsed retry delays.
func (r *RetryConfig) Delays() (initial, max time.Duration) {
	initial, err := time.ParseDuration(r.InitialDelay)
	if err != nil {
		initial = DefaultInitialDelay
	}
	max, err = time.ParseDuration(r.MaxDelay)
	if err != nil {
		max = DefaultMaxDelay
	}
	return initial, max
}

func (c *Config) String() string {
	return fmt.Sprintf("driver=%s state_dir=%s timeout=%s", c.FirewallDriver, c.StateDir, c.BackendTimeout)
}
