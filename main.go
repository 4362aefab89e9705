package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/portcullis/cmd"
	"grimm.is/portcullis/internal/firewall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto distinct exit codes for callers that
// script the CLI.
func exitCode(err error) int {
	switch {
	case errors.Is(err, firewall.ErrPermissionDenied):
		return 4
	case errors.Is(err, firewall.ErrBackendUnavailable):
		return 3
	case errors.Is(err, firewall.ErrConflict), errors.Is(err, firewall.ErrStrictModeRejected):
		return 2
	}
	return 1
}
