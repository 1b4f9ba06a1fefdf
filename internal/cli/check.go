package cli

import (
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print what would run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CheckConfig(cmd.OutOrStdout())
	},
}
