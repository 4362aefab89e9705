package cmd

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"grimm.is/portcullis/internal/firewall"
)

var (
	networkID      string
	networkSubnets []string
	networkIsolate bool
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Trust or untrust a container network",
}

var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Trust the network's subnets and optionally isolate it",
	Args:  cobra.NoArgs,
	RunE:  runNetworkSetup,
}

var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Remove the network's trust and isolation rules",
	Long: `Remove the network's trust and isolation rules.

Without --subnet the subnets recorded by the last setup are used.`,
	Args: cobra.NoArgs,
	RunE: runNetworkTeardown,
}

func init() {
	for _, c := range []*cobra.Command{networkSetupCmd, networkTeardownCmd} {
		c.Flags().StringVar(&networkID, "id", "", "Network ID")
		c.Flags().StringSliceVar(&networkSubnets, "subnet", nil, "Subnet in CIDR notation (repeatable)")
		c.MarkFlagRequired("id")
		networkCmd.AddCommand(c)
	}
	networkSetupCmd.Flags().BoolVar(&networkIsolate, "isolate", false, "Drop traffic to other isolated networks")
	networkSetupCmd.MarkFlagRequired("subnet")
	rootCmd.AddCommand(networkCmd)
}

func parseSubnets(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", v, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func runNetworkSetup(cmd *cobra.Command, args []string) error {
	subnets, err := parseSubnets(networkSubnets)
	if err != nil {
		return err
	}
	n := firewall.Network{ID: networkID, Subnets: subnets, Isolate: networkIsolate}
	if err := n.Validate(); err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.coord.SetupNetwork(ctx, n); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Network %s ready (%d subnets)\n", n.ID, len(n.Subnets))
		return nil
	})
}

func runNetworkTeardown(cmd *cobra.Command, args []string) error {
	subnets, err := parseSubnets(networkSubnets)
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		n, ok := findNetwork(s.coord.Snapshot(), networkID)
		if len(subnets) > 0 {
			n = firewall.Network{ID: networkID, Subnets: subnets, Isolate: n.Isolate}
		} else if !ok {
			return fmt.Errorf("network %s is not known; pass --subnet", networkID)
		}
		if err := s.coord.TeardownNetwork(ctx, n); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Network %s removed\n", n.ID)
		return nil
	})
}

func findNetwork(snap firewall.Snapshot, id string) (firewall.Network, bool) {
	for _, n := range snap.Networks {
		if n.ID == id {
			return n, true
		}
	}
	return firewall.Network{}, false
}
