package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/portcullis/internal/firewall"
	"grimm.is/portcullis/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that the configured backend and state database are usable",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	checker := health.NewChecker(2 * cfg.Timeout())
	checker.Register("config", func(context.Context) health.Check {
		return health.Healthy(cfg.String())
	})
	checker.Register("state", checkState)
	checker.Register("backend", checkBackend)

	report := checker.Check(cmd.Context())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
	for _, c := range report.Sorted() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Status, c.Message)
	}
	w.Flush()

	if report.Status == health.StatusUnhealthy {
		return fmt.Errorf("%s is unhealthy", rootCmd.Name())
	}
	return nil
}

func checkState(ctx context.Context) health.Check {
	store, err := openStore()
	if err != nil {
		return health.Unhealthy(err.Error())
	}
	defer store.Close()

	snap, err := firewall.LoadSnapshot(store)
	if err != nil {
		return health.Unhealthy(err.Error())
	}
	msg := fmt.Sprintf("%d networks, %d trusted subnets, %d forwards", len(snap.Networks), len(snap.Trust), len(snap.Forwards))
	if snap.Driver != "" && snap.Driver.String() != cfg.FirewallDriver {
		return health.Degraded(fmt.Sprintf("state was written by %s and will be ignored; %s", snap.Driver, msg))
	}
	return health.Healthy(msg)
}

func checkBackend(ctx context.Context) health.Check {
	opts, err := firewall.BackendOptionsFromConfig(cfg, logger)
	if err != nil {
		return health.Unhealthy(err.Error())
	}
	backend, err := firewall.OpenBackend(ctx, opts)
	if err != nil {
		return health.Unhealthy(err.Error())
	}
	defer backend.Close()

	strict, err := backend.Adapter.QueryStrictForwardPorts(ctx)
	if err != nil {
		return health.Degraded(fmt.Sprintf("%s ready, strict forward ports unknown: %v", opts.Driver, err))
	}
	bus := "no system bus"
	if backend.Bus != nil {
		bus = "system bus connected"
	}
	return health.Healthy(fmt.Sprintf("%s ready, %s, strict forward ports %s", opts.Driver, bus, onOff(strict)))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
