package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultbroker/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Shows the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Prints the configuration after file and environment overrides",
	Annotations: map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:         "path",
	Short:       "Prints the location of the config file",
	Annotations: map[string]string{annotationNoVault: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := homeDir
		if dir == "" {
			var err error
			if dir, err = config.DefaultDir(); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(dir, config.FileName))
		return nil
	},
}
