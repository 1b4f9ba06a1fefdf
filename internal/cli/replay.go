package cli

import (
	"github.com/spf13/cobra"

	"token-sentinel/internal/app"
)

var (
	replayInput   string
	replayDeliver bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed recorded transfer events (JSON lines) through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			Path:    replayInput,
			Deliver: replayDeliver,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "-", "JSON lines file of transfer events, - for stdin")
	replayCmd.Flags().BoolVar(&replayDeliver, "deliver", false, "Send alerts to the configured executors instead of only logging them")
}
