package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks a defaulted config. It returns nil or ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	switch c.FirewallDriver {
	case DriverIPTables, DriverNFTables, DriverFirewalld:
	default:
		errs = append(errs, ValidationError{
			Field:   "firewall_driver",
			Message: fmt.Sprintf("unknown driver %q", c.FirewallDriver),
		})
	}

	if d, err := time.ParseDuration(c.BackendTimeout); err != nil || d <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backend_timeout",
			Message: fmt.Sprintf("invalid duration %q", c.BackendTimeout),
		})
	}

	switch c.StrictForwardPortsBypass {
	case BypassWarn, BypassReject:
	default:
		errs = append(errs, ValidationError{
			Field:   "strict_forward_ports_bypass",
			Message: fmt.Sprintf("must be %q or %q, got %q", BypassWarn, BypassReject, c.StrictForwardPortsBypass),
		})
	}

	if c.StateDir == "" {
		errs = append(errs, ValidationError{Field: "state_dir", Message: "must not be empty"})
	}

	if r := c.Retry; r != nil {
		if r.MaxAttempts < 1 {
			errs = append(errs, ValidationError{Field: "retry.max_attempts", Message: "must be at least 1"})
		}
		if _, err := time.ParseDuration(r.InitialDelay); err != nil {
			errs = append(errs, ValidationError{Field: "retry.initial_delay", Message: fmt.Sprintf("invalid duration %q", r.InitialDelay)})
		}
		if _, err := time.ParseDuration(r.MaxDelay); err != nil {
			errs = append(errs, ValidationError{Field: "retry.max_delay", Message: fmt.Sprintf("invalid duration %q", r.MaxDelay)})
		}
		if r.Multiplier < 1 {
			errs = append(errs, ValidationError{Field: "retry.multiplier", Message: "must be >= 1"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
