package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validates configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "OK")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
