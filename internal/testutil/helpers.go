// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"os"
	"testing"

	"grimm.is/portcullis/internal/brand"
)

// RequireVM skips the test unless PORTCULLIS_VM_TEST is set. Tests that
// program the real kernel firewall must only run in a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(brand.ConfigEnvPrefix+"_VM_TEST") == "" {
		t.Skipf("Skipping test: requires %s_VM_TEST environment", brand.ConfigEnvPrefix)
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
