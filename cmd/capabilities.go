package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"grimm.is/portcullis/internal/firewall"
)

var (
	mutedColor = lipgloss.Color("240")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(mutedColor).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)
	yesStyle  = cellStyle.Foreground(lipgloss.Color("#25A065"))
	noStyle   = cellStyle.Foreground(lipgloss.Color("#DC3545"))
	activeCol = lipgloss.NewStyle().Bold(true)
)

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show which features each firewall driver supports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		active, err := firewall.ParseDriver(cfg.FirewallDriver)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderCapabilities(active))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(capabilitiesCmd)
}

// renderCapabilities draws one column per driver; the configured driver's
// header is marked with an asterisk.
func renderCapabilities(active firewall.Driver) string {
	drivers := []firewall.Driver{firewall.DriverIPTables, firewall.DriverNFTables, firewall.DriverFirewalld}
	features := firewall.Features()

	width := len("feature")
	for _, f := range features {
		width = max(width, len(f))
	}

	columns := []string{column(headerStyle.Width(width+2).Render("feature"), features, func(f firewall.Feature) string {
		return cellStyle.Width(width + 2).Render(string(f))
	})}
	for _, d := range drivers {
		name := string(d)
		if d == active {
			name = activeCol.Render(name + "*")
		}
		caps := firewall.CapabilitiesFor(d)
		columns = append(columns, column(headerStyle.Render(name), features, func(f firewall.Feature) string {
			if caps.Has(f) {
				return yesStyle.Render("yes")
			}
			return noStyle.Render("no")
		}))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, columns...)
}

func column(header string, features []firewall.Feature, cell func(firewall.Feature) string) string {
	rows := make([]string, 0, len(features)+1)
	rows = append(rows, header)
	for _, f := range features {
		rows = append(rows, cell(f))
	}
	return strings.Join(rows, "\n")
}
