package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"token-sentinel/internal/app"
)

var (
	showLimit    int
	showDetector string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Detector: showDetector,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showDetector, "detector", "", "Only show alerts raised by this detector")
}
