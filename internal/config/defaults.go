package config

import (
	"time"

	"grimm.is/portcullis/internal/brand"
)

const (
	DefaultDriver         = DriverNFTables
	DefaultBackendTimeout = 5 * time.Second
	DefaultTrustedZone    = "trusted"
	DefaultMaxAttempts    = 3
	DefaultInitialDelay   = 100 * time.Millisecond
	DefaultMaxDelay       = 2 * time.Second
	DefaultMultiplier     = 2.0
)

// DefaultLocalhostPolicy is the firewalld policy name used for loopback forwards.
func DefaultLocalhostPolicy() string {
	return brand.LowerName + "-localhost"
}

// Default returns a configuration with every field populated.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.FirewallDriver == "" {
		c.FirewallDriver = DefaultDriver
	}
	if c.BackendTimeout == "" {
		c.BackendTimeout = DefaultBackendTimeout.String()
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.TrustedZone == "" {
		c.TrustedZone = DefaultTrustedZone
	}
	if c.LocalhostPolicy == "" {
		c.LocalhostPolicy = DefaultLocalhostPolicy()
	}
	if c.StrictForwardPortsBypass == "" {
		c.StrictForwardPortsBypass = BypassWarn
	}

	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = DefaultInitialDelay.String()
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = DefaultMaxDelay.String()
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = DefaultMultiplier
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
