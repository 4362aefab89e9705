package firewall

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Error kinds. Every failure returned by this package matches exactly one
// of these with errors.Is.
var (
	ErrUnsupportedByDriver        = errors.New("unsupported by firewall driver")
	ErrStrictModeRejected         = errors.New("port forward rejected by strict forward ports mode")
	ErrUnsupportedAddressFamily   = errors.New("unsupported address family")
	ErrBackendUnavailable         = errors.New("firewall backend unavailable")
	ErrPermissionDenied           = errors.New("permission denied by firewall backend")
	ErrPartialApplyRollbackFailed = errors.New("rollback of partially applied change failed")
	ErrConflict                   = errors.New("host port already forwarded")
	ErrInvalidRule                = errors.New("invalid rule")
)

// Error is an operational failure. It matches both its Kind and the
// underlying cause with errors.Is.
type Error struct {
	Op     string
	Driver Driver
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("firewall: ")
	sb.WriteString(e.Op)
	if e.Driver != "" {
		fmt.Fprintf(&sb, " (%s)", e.Driver)
	}
	if e.Kind != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// RollbackStep is one undo action that could not be completed.
type RollbackStep struct {
	Description string
	Remediation string
	Err         error
}

// RollbackError reports a failed operation whose compensating undo also
// failed, leaving backend state that must be cleaned up by hand.
type RollbackError struct {
	Op     string
	Cause  error
	Failed []RollbackStep
}

func (e *RollbackError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "firewall: %s: %v; %s:", e.Op, e.Cause, ErrPartialApplyRollbackFailed)
	for _, s := range e.Failed {
		fmt.Fprintf(&sb, " [%s: %v; remediation: %s]", s.Description, s.Err, s.Remediation)
	}
	return sb.String()
}

// Unwrap exposes the rollback sentinel and the original cause. Step errors
// are only reachable through Failed.
func (e *RollbackError) Unwrap() []error {
	return []error{ErrPartialApplyRollbackFailed, e.Cause}
}

// Remediations lists the manual cleanup needed for every failed step.
func (e *RollbackError) Remediations() []string {
	out := make([]string, 0, len(e.Failed))
	for _, s := range e.Failed {
		out = append(out, s.Remediation)
	}
	return out
}

// KindOf returns the error kind of err, or nil if err does not carry one.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrPartialApplyRollbackFailed,
		ErrUnsupportedByDriver,
		ErrStrictModeRejected,
		ErrUnsupportedAddressFamily,
		ErrPermissionDenied,
		ErrBackendUnavailable,
		ErrConflict,
		ErrInvalidRule,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// iptablesParameterProblem is the iptables exit status for a rule the
// kernel or the binary refused to parse.
const iptablesParameterProblem = 2

// exitStatuser is implemented by *iptables.Error.
type exitStatuser interface {
	ExitStatus() int
}

// rejectionMarkers are messages of backends that understood the request
// and refused it. Trying again cannot help.
var rejectionMarkers = []string{
	"bad rule",
	"bad argument",
	"invalid argument",
	"unknown option",
	"no chain/target/match",
}

// translate wraps a raw backend error in an *Error. Errors that already
// carry a kind pass through. Refused rules are ErrInvalidRule; anything
// else is a permission problem or an unavailable backend.
func translate(d Driver, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	msg := strings.ToLower(err.Error())
	kind := ErrBackendUnavailable
	var es exitStatuser
	switch {
	case errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission denied"):
		kind = ErrPermissionDenied
	case errors.As(err, &es) && es.ExitStatus() == iptablesParameterProblem:
		kind = ErrInvalidRule
	case slices.ContainsFunc(rejectionMarkers, func(m string) bool { return strings.Contains(msg, m) }):
		kind = ErrInvalidRule
	}
	return &Error{Op: op, Driver: d, Kind: kind, Err: err}
}
