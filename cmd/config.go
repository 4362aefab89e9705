package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/portcullis/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the default configuration as HCL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := cmd.OutOrStdout().Write(config.Marshal(config.Default()))
		return err
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with defaults applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Debug("loaded configuration", "path", configPath, "config", cfg.String())
		_, err := cmd.OutOrStdout().Write(config.Marshal(cfg))
		return err
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The root command already loaded and validated configPath.
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration %s is valid\n", configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configDefaultCmd, configShowCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
