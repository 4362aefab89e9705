package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/portcullis/internal/firewall"
)

var (
	portNetwork   string
	portContainer string
	portIP        string
	portPublish   []string
	portLoopback  bool
)

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Publish or unpublish container ports",
}

var portAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Forward host ports to a container",
	Example: `  portcullis port add --network net1 --container c1 --ip 10.88.0.2 --publish 8080:80
  portcullis port add --network net1 --container c1 --ip 10.88.0.2 --publish 5353:53/udp --loopback`,
	Args: cobra.NoArgs,
	RunE: runPortAdd,
}

var portRemoveCmd = &cobra.Command{
	Use:   "remove [handle-id...]",
	Short: "Remove port forwards by handle ID, or every forward of a container",
	RunE:  runPortRemove,
}

func init() {
	for _, c := range []*cobra.Command{portAddCmd, portRemoveCmd} {
		c.Flags().StringVar(&portNetwork, "network", "", "Network ID")
		c.Flags().StringVar(&portContainer, "container", "", "Container ID")
		portCmd.AddCommand(c)
	}
	portAddCmd.Flags().StringVar(&portIP, "ip", "", "Container IP address")
	portAddCmd.Flags().StringSliceVarP(&portPublish, "publish", "p", nil, "HOST:CONTAINER[/PROTO] (repeatable)")
	portAddCmd.Flags().BoolVar(&portLoopback, "loopback", false, "Only answer on 127.0.0.0/8")
	for _, f := range []string{"network", "container", "ip", "publish"} {
		portAddCmd.MarkFlagRequired(f)
	}
	rootCmd.AddCommand(portCmd)
}

// parsePublish parses "HOST:CONTAINER[/PROTO]". The protocol defaults to tcp.
func parsePublish(s string, ip netip.Addr, loopback bool) (firewall.PortForwardRule, error) {
	ports, proto, hasProto := strings.Cut(s, "/")
	hostStr, ctrStr, ok := strings.Cut(ports, ":")
	if !ok {
		return firewall.PortForwardRule{}, fmt.Errorf("invalid publish %q: want HOST:CONTAINER[/PROTO]", s)
	}
	host, err := strconv.ParseUint(hostStr, 10, 16)
	if err != nil {
		return firewall.PortForwardRule{}, fmt.Errorf("invalid host port in %q: %w", s, err)
	}
	ctr, err := strconv.ParseUint(ctrStr, 10, 16)
	if err != nil {
		return firewall.PortForwardRule{}, fmt.Errorf("invalid container port in %q: %w", s, err)
	}
	p := firewall.TCP
	if hasProto {
		if p, err = firewall.ParseProtocol(proto); err != nil {
			return firewall.PortForwardRule{}, err
		}
	}

	r := firewall.PortForwardRule{
		HostPort:      uint16(host),
		Protocol:      p,
		ContainerIP:   ip,
		ContainerPort: uint16(ctr),
		Scope:         firewall.ScopeAny,
	}
	if loopback {
		r.Scope = firewall.ScopeLoopback
	}
	return r, r.Validate()
}

func runPortAdd(cmd *cobra.Command, args []string) error {
	ip, err := netip.ParseAddr(portIP)
	if err != nil {
		return fmt.Errorf("invalid container IP %q: %w", portIP, err)
	}
	rules := make([]firewall.PortForwardRule, 0, len(portPublish))
	for _, p := range portPublish {
		r, err := parsePublish(p, ip, portLoopback)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	att := firewall.Attachment{NetworkID: portNetwork, ContainerID: portContainer}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		handles, err := s.coord.SetupPortForwards(ctx, att, rules)
		if err != nil {
			return err
		}
		printHandles(cmd, handles)
		return nil
	})
}

func runPortRemove(cmd *cobra.Command, args []string) error {
	byAttachment := portNetwork != "" || portContainer != ""
	switch {
	case byAttachment && len(args) > 0:
		return fmt.Errorf("pass handle IDs or --network/--container, not both")
	case byAttachment && (portNetwork == "" || portContainer == ""):
		return fmt.Errorf("--network and --container must be given together")
	case !byAttachment && len(args) == 0:
		return fmt.Errorf("nothing to remove")
	}

	return withSession(cmd, func(ctx context.Context, s *session) error {
		if byAttachment {
			att := firewall.Attachment{NetworkID: portNetwork, ContainerID: portContainer}
			if err := s.coord.TeardownAttachment(ctx, att); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed forwards of %s\n", att)
			return nil
		}

		handles, missing := selectHandles(s.coord.Snapshot(), args)
		for _, id := range missing {
			logger.Warn("no port forward with this handle", "id", id)
		}
		if err := s.coord.TeardownPortForwards(ctx, handles); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d forwards\n", len(handles))
		return nil
	})
}

// selectHandles returns the persisted handles with the given IDs and the
// IDs that matched nothing.
func selectHandles(snap firewall.Snapshot, ids []string) (found []firewall.RuleHandle, missing []string) {
	byID := make(map[string]firewall.RuleHandle, len(snap.Forwards))
	for _, h := range snap.Forwards {
		byID[h.ID] = h
	}
	for _, id := range ids {
		if h, ok := byID[id]; ok {
			found = append(found, h)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing
}

func printHandles(cmd *cobra.Command, handles []firewall.RuleHandle) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tATTACHMENT\tRULE")
	for _, h := range handles {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.ID, h.Kind, h.Attachment, h.Rule)
	}
	w.Flush()
}
