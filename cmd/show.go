package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"grimm.is/portcullis/internal/firewall"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted firewall state as YAML",
	Long: `Print the persisted firewall state as YAML.

The state database is read directly; no firewall backend is contacted.`,
	Args: cobra.NoArgs,
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := firewall.LoadSnapshot(store)
	if err != nil {
		return err
	}
	out, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// snapshotView is the YAML shape of a snapshot. netip types have no YAML
// marshaller, so addresses are rendered as strings.
type snapshotView struct {
	Driver   string        `yaml:"driver,omitempty"`
	Networks []networkView `yaml:"networks"`
	Trust    []trustView   `yaml:"trust"`
	Forwards []forwardView `yaml:"forwards"`
}

type networkView struct {
	ID      string   `yaml:"id"`
	Subnets []string `yaml:"subnets"`
	Isolate bool     `yaml:"isolate,omitempty"`
}

type trustView struct {
	Subnet       string   `yaml:"subnet"`
	Networks     []string `yaml:"networks"`
	AdminManaged bool     `yaml:"admin_managed,omitempty"`
}

type forwardView struct {
	ID        string `yaml:"id"`
	Kind      string `yaml:"kind"`
	Network   string `yaml:"network"`
	Container string `yaml:"container"`
	Rule      string `yaml:"rule"`
	Created   string `yaml:"created"`
}

func marshalSnapshot(snap firewall.Snapshot) ([]byte, error) {
	v := snapshotView{Driver: string(snap.Driver)}
	for _, n := range snap.Networks {
		nv := networkView{ID: n.ID, Isolate: n.Isolate}
		for _, p := range n.Subnets {
			nv.Subnets = append(nv.Subnets, p.String())
		}
		v.Networks = append(v.Networks, nv)
	}
	for _, t := range snap.Trust {
		v.Trust = append(v.Trust, trustView{
			Subnet:       t.Subnet.String(),
			Networks:     t.Networks,
			AdminManaged: t.AdminManaged,
		})
	}
	for _, h := range snap.Forwards {
		v.Forwards = append(v.Forwards, forwardView{
			ID:        h.ID,
			Kind:      string(h.Kind),
			Network:   h.Attachment.NetworkID,
			Container: h.Attachment.ContainerID,
			Rule:      h.Rule.String(),
			Created:   h.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to render state: %w", err)
	}
	return out, nil
}
