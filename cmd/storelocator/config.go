package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults, the config file and STORELOCATOR_* overrides are applied. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}
